// +build !linux

package filtermap

import "errors"

// Loader is a non-functional stand-in on platforms without eBPF/libbpf.
type Loader struct {
	programPath string
}

var errUnsupported = errors.New("filtermap: eBPF filter loading is only available on Linux")

func NewLoader(programPath string) *Loader {
	return &Loader{programPath: programPath}
}

func (l *Loader) Load() error { return errUnsupported }

func (l *Loader) Close() error { return nil }

func (l *Loader) SetConfig(targetIPNetworkOrder uint32, targetPortNetworkOrder uint16) error {
	return errUnsupported
}

func (l *Loader) RegisterQueueSocket(queueID uint32, fd int) error { return errUnsupported }

func (l *Loader) UnregisterSocket(fd int) error { return errUnsupported }
