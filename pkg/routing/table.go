// Package routing holds the immutable routing table: (listen address,
// declared hostname) -> backend. It is built once at startup and only read
// afterwards, so lookups need no locking.
package routing

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Route binds one declared hostname on one listen address to a backend.
type Route struct {
	Listen     string `yaml:"listen"`      // Listen address (host:port, e.g. "0.0.0.0:25565")
	ServerName string `yaml:"server_name"` // Hostname the client declares in its handshake
	ProxyPass  string `yaml:"proxy_pass"`  // Backend address (host:port)
	BufferSize int    `yaml:"buffer_size"` // Optional relay buffer size in bytes for this route
}

// Backend is the result of a successful lookup.
type Backend struct {
	Addr       string
	BufferSize int // 0 means use the proxy-wide default
}

// Table maps listen addresses to hostname -> backend indexes.
type Table struct {
	listeners map[string]map[string]Backend
}

// NewTable validates the route list and builds the lookup index. Duplicate
// (listen, hostname) pairs and unparseable addresses are configuration errors
// caught here, before any socket is opened.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{listeners: make(map[string]map[string]Backend)}

	for i, r := range routes {
		if err := checkHostPort(r.Listen); err != nil {
			return nil, fmt.Errorf("route %d: listen %q: %v", i, r.Listen, err)
		}
		if err := checkHostPort(r.ProxyPass); err != nil {
			return nil, fmt.Errorf("route %d: proxy_pass %q: %v", i, r.ProxyPass, err)
		}
		name := normalizeHostname(r.ServerName)
		if name == "" {
			return nil, fmt.Errorf("route %d: empty server_name", i)
		}
		if r.BufferSize < 0 {
			return nil, fmt.Errorf("route %d: negative buffer_size %d", i, r.BufferSize)
		}

		hosts := t.listeners[r.Listen]
		if hosts == nil {
			hosts = make(map[string]Backend)
			t.listeners[r.Listen] = hosts
		}
		if _, dup := hosts[name]; dup {
			return nil, fmt.Errorf("route %d: duplicate server_name %q for listen %q", i, name, r.Listen)
		}
		hosts[name] = Backend{Addr: r.ProxyPass, BufferSize: r.BufferSize}
	}

	if len(t.listeners) == 0 {
		return nil, fmt.Errorf("no routes configured")
	}
	return t, nil
}

// Resolve looks up the backend for a hostname declared on a connection that
// arrived at listen. Hostname matching is case-insensitive; a miss means the
// connection has no configured destination and must be closed, never probed
// against some default backend.
func (t *Table) Resolve(listen, hostname string) (Backend, bool) {
	hosts, ok := t.listeners[listen]
	if !ok {
		return Backend{}, false
	}
	b, ok := hosts[normalizeHostname(hostname)]
	return b, ok
}

// ListenAddrs returns the distinct listen addresses, sorted. Each gets
// exactly one listening socket regardless of how many routes share it.
func (t *Table) ListenAddrs() []string {
	addrs := make([]string, 0, len(t.listeners))
	for addr := range t.listeners {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Hostnames returns the hostnames configured for one listen address, sorted.
func (t *Table) Hostnames(listen string) []string {
	hosts := t.listeners[listen]
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of routes.
func (t *Table) Len() int {
	n := 0
	for _, hosts := range t.listeners {
		n += len(hosts)
	}
	return n
}

func normalizeHostname(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}

func checkHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
