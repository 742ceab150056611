// Package server owns the listening sockets and drives each accepted
// connection through handshake, routing and relay.
package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/craft-proxy/pkg/config"
	"github.com/craft-proxy/pkg/logging"
	"github.com/craft-proxy/pkg/metrics"
	"github.com/craft-proxy/pkg/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProxyServer binds one listening socket per distinct listen address in the
// routing table and runs a handler goroutine per accepted connection. The
// routing table is the only state shared across connections and is read-only.
type ProxyServer struct {
	cfg       *config.Config
	table     *routing.Table
	collector *metrics.Collector
	registry  *prometheus.Registry

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool

	wg sync.WaitGroup
}

// NewProxyServer creates a new proxy server
func NewProxyServer(cfg *config.Config, table *routing.Table) (*ProxyServer, error) {
	if table == nil {
		return nil, fmt.Errorf("routing table is required")
	}

	registry := prometheus.NewRegistry()
	server := &ProxyServer{
		cfg:      cfg,
		table:    table,
		registry: registry,
	}

	collector := metrics.NewCollector(func() map[string]int {
		counts := make(map[string]int)
		for _, addr := range table.ListenAddrs() {
			counts[addr] = len(table.Hostnames(addr))
		}
		return counts
	})

	server.collector = collector
	registry.MustRegister(collector)

	return server, nil
}

// Start binds one listening socket per distinct listen address, then starts
// an accept loop goroutine for each. Multiple routes sharing a listen address
// share one socket. Any bind failure is fatal: sockets bound so far are
// closed and the error is returned before any traffic is accepted.
func (s *ProxyServer) Start() error {
	addrs := s.table.ListenAddrs()
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, bound := range listeners {
				_ = bound.Close()
			}
			return fmt.Errorf("failed to listen on %s: %v", addr, err)
		}
		logging.Logf("[listen] proxy addr=%s hostnames=%d", addr, len(s.table.Hostnames(addr)))
		listeners = append(listeners, l)
	}

	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()

	for i, l := range listeners {
		s.wg.Add(1)
		go func(l net.Listener, listenAddr string) {
			defer s.wg.Done()
			s.acceptLoop(l, listenAddr)
		}(l, addrs[i])
	}
	return nil
}

// acceptLoop hands every accepted connection to its own goroutine so a slow
// or stalled connection never delays the next accept.
func (s *ProxyServer) acceptLoop(l net.Listener, listenAddr string) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			logging.Logf("[accept] error accepting connection (listen=%s): %v", listenAddr, err)
			continue
		}
		go s.handleConnection(conn, listenAddr)
	}
}

// Shutdown closes all listeners and waits for the accept loops to exit.
// In-flight relays drain on their own connections; only new accepts stop.
func (s *ProxyServer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	s.wg.Wait()
}

func (s *ProxyServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LogRoutesTable logs the full routing table at startup
func (s *ProxyServer) LogRoutesTable() {
	for _, addr := range s.table.ListenAddrs() {
		for _, name := range s.table.Hostnames(addr) {
			backend, _ := s.table.Resolve(addr, name)
			logging.Logf("[route] listen=%s server_name=%s proxy_pass=%s", addr, name, backend.Addr)
		}
	}
}

// StartMetricsServer starts the metrics server
func (s *ProxyServer) StartMetricsServer(metricsAddr, metricsPath string) error {
	http.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>Craft Proxy Exporter</title></head>
<body>
<h1>Craft Proxy Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	return http.ListenAndServe(metricsAddr, nil)
}
