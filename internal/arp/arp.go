// Package arp resolves destination IPv4 addresses to Ethernet MAC
// addresses by reading the kernel's ARP table, with a bounded
// github.com/hashicorp/golang-lru cache in front of it so the hot path
// never does a fresh /proc/net/arp scan per packet. ARP priming itself
// lives in destset, which owns the one-byte-UDP-probe side effect — this
// package only answers lookups.
package arp

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const procNetARP = "/proc/net/arp"

// entry is what the cache stores: a resolved MAC plus when it was read,
// so a miss-then-hit doesn't need to be distinguished from a stale read
// by callers — TTL expiry just triggers another /proc/net/arp scan.
type entry struct {
	mac       net.HardwareAddr
	resolvedAt time.Time
}

// Cache answers IPv4→MAC lookups from an LRU-bounded view of the kernel
// ARP table, re-scanning /proc/net/arp on a miss or TTL expiry.
type Cache struct {
	lru *lru.Cache
	ttl time.Duration
}

// New creates a Cache holding up to size entries, each valid for ttl
// before being re-read from the kernel table.
func New(size int, ttl time.Duration) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("arp: %w", err)
	}
	return &Cache{lru: c, ttl: ttl}, nil
}

// Lookup returns the MAC address for ip, or nil if no ARP entry exists or
// it could not be resolved.
func (c *Cache) Lookup(ip [4]byte) net.HardwareAddr {
	key := net.IP(ip[:]).String()

	if v, ok := c.lru.Get(key); ok {
		e := v.(entry)
		if time.Since(e.resolvedAt) < c.ttl {
			return e.mac
		}
	}

	mac, err := readARPTable(key)
	if err != nil || mac == nil {
		return nil
	}
	c.lru.Add(key, entry{mac: mac, resolvedAt: time.Now()})
	return mac
}

// readARPTable scans /proc/net/arp for the row matching ip and returns its
// hardware address, following the standard column layout:
// IP address / HW type / Flags / HW address / Mask / Device.
func readARPTable(ip string) (net.HardwareAddr, error) {
	return readARPTableAt(procNetARP, ip)
}

func readARPTableAt(path, ip string) (net.HardwareAddr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[0] != ip {
			continue
		}
		mac, err := net.ParseMAC(fields[3])
		if err != nil || mac.String() == "00:00:00:00:00:00" {
			return nil, nil
		}
		return mac, nil
	}
	return nil, scanner.Err()
}
