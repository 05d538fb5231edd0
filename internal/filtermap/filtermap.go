// +build linux

// Package filtermap loads the pre-compiled in-kernel packet classifier
// and drives its two eBPF maps: a single-entry configuration map keyed
// by 0 (the listen IP/port the filter matches against) and a
// queue-indexed map of socket file descriptors the filter redirects
// matching frames into.
package filtermap

import (
	"fmt"
	"os"
	"unsafe"
)

/*
#cgo LDFLAGS: -lbpf -lelf -lz
#include <stdlib.h>
#include <bpf/libbpf.h>
#include <bpf/bpf.h>
#include <linux/bpf.h>

struct filter_config {
    __u32 target_ip;   // network byte order
    __u16 target_port; // network byte order
    __u16 _pad;
};

struct bpf_object *filtermap_load(const char *filename) {
    struct bpf_object *obj;
    int err;

    obj = bpf_object__open(filename);
    if (libbpf_get_error(obj)) {
        return NULL;
    }
    err = bpf_object__load(obj);
    if (err) {
        bpf_object__close(obj);
        return NULL;
    }
    return obj;
}

int filtermap_get_map_fd(struct bpf_object *obj, const char *map_name) {
    struct bpf_map *map = bpf_object__find_map_by_name(obj, map_name);
    if (!map) {
        return -1;
    }
    return bpf_map__fd(map);
}

int filtermap_update(int map_fd, void *key, void *value) {
    return bpf_map_update_elem(map_fd, key, value, BPF_ANY);
}

int filtermap_delete(int map_fd, void *key) {
    return bpf_map_delete_elem(map_fd, key);
}
*/
import "C"

// Loader owns the loaded eBPF object and its two map file descriptors for
// the lifetime of the process.
type Loader struct {
	programPath string
	obj         *C.struct_bpf_object
	configFD    C.int
	redirectFD  C.int
}

// NewLoader creates a Loader for the filter object at programPath.
func NewLoader(programPath string) *Loader {
	return &Loader{programPath: programPath, configFD: -1, redirectFD: -1}
}

// Load opens and loads the eBPF object, then resolves both maps by name.
// The object is expected to export a "filter_config" map (the single
// target-IP/port entry) and a "redirect_map" (queue → socket fd).
func (l *Loader) Load() error {
	if l.obj != nil {
		return fmt.Errorf("filtermap: already loaded")
	}
	if _, err := os.Stat(l.programPath); os.IsNotExist(err) {
		return fmt.Errorf("filtermap: program file not found: %s", l.programPath)
	}

	cPath := C.CString(l.programPath)
	defer C.free(unsafe.Pointer(cPath))

	l.obj = C.filtermap_load(cPath)
	if l.obj == nil {
		return fmt.Errorf("filtermap: failed to load %s", l.programPath)
	}

	cConfigName := C.CString("filter_config")
	defer C.free(unsafe.Pointer(cConfigName))
	l.configFD = C.filtermap_get_map_fd(l.obj, cConfigName)
	if l.configFD < 0 {
		l.Close()
		return fmt.Errorf("filtermap: filter_config map not found")
	}

	cRedirectName := C.CString("redirect_map")
	defer C.free(unsafe.Pointer(cRedirectName))
	l.redirectFD = C.filtermap_get_map_fd(l.obj, cRedirectName)
	if l.redirectFD < 0 {
		l.Close()
		return fmt.Errorf("filtermap: redirect_map map not found")
	}
	return nil
}

// Close unloads the eBPF object.
func (l *Loader) Close() error {
	if l.obj != nil {
		C.bpf_object__close(l.obj)
		l.obj = nil
	}
	l.configFD = -1
	l.redirectFD = -1
	return nil
}

// SetConfig writes the filter's single config entry at key 0: the listen
// IPv4 (network order) and port (network order) the filter matches
// incoming frames against.
func (l *Loader) SetConfig(targetIPNetworkOrder uint32, targetPortNetworkOrder uint16) error {
	if l.obj == nil {
		return fmt.Errorf("filtermap: not loaded")
	}
	var key C.__u32 = 0
	var cfg C.struct_filter_config
	cfg.target_ip = C.__u32(targetIPNetworkOrder)
	cfg.target_port = C.__u16(targetPortNetworkOrder)

	ret := C.filtermap_update(l.configFD, unsafe.Pointer(&key), unsafe.Pointer(&cfg))
	if ret != 0 {
		return fmt.Errorf("filtermap: failed to write config: %d", ret)
	}
	return nil
}

// RegisterQueueSocket installs fd as the redirect target for queueID.
func (l *Loader) RegisterQueueSocket(queueID uint32, fd int) error {
	if l.obj == nil {
		return fmt.Errorf("filtermap: not loaded")
	}
	key := C.__u32(queueID)
	val := C.int(fd)
	ret := C.filtermap_update(l.redirectFD, unsafe.Pointer(&key), unsafe.Pointer(&val))
	if ret != 0 {
		return fmt.Errorf("filtermap: failed to register queue %d: %d", queueID, ret)
	}
	return nil
}

// UnregisterSocket scans the redirect map's first 256 keys and deletes any
// entry whose value matches fd.
func (l *Loader) UnregisterSocket(fd int) error {
	if l.obj == nil {
		return fmt.Errorf("filtermap: not loaded")
	}
	for i := uint32(0); i < 256; i++ {
		key := C.__u32(i)
		var val C.int
		ret := C.bpf_map_lookup_elem(l.redirectFD, unsafe.Pointer(&key), unsafe.Pointer(&val))
		if ret != 0 {
			continue
		}
		if int(val) == fd {
			C.filtermap_delete(l.redirectFD, unsafe.Pointer(&key))
		}
	}
	return nil
}
