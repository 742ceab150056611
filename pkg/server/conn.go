package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/craft-proxy/pkg/logging"
	"github.com/craft-proxy/pkg/protocol"
	"github.com/craft-proxy/pkg/proxy"
	"github.com/google/uuid"
)

// handleConnection walks one client connection through handshake decode,
// route lookup, backend dial, handshake replay and relay. Every exit path
// closes the client connection and, once dialed, the backend connection.
func (s *ProxyServer) handleConnection(conn net.Conn, listenAddr string) {
	defer conn.Close()

	cid := uuid.NewString()
	remote := ""
	if conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	if s.debug() {
		logging.Logf("[conn][debug] accepted (cid=%s listen=%s remote=%s)", cid, listenAddr, remote)
	}

	// The handshake must arrive within the idle window. A client that
	// connects and never speaks would otherwise pin this goroutine forever.
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.GetHandshakeTimeout()))
	hs, raw, err := protocol.ReadHandshake(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.recordHandshakeFailure(cid, listenAddr, remote, err)
		return
	}

	hostname := protocol.RoutingHostname(hs.ServerAddress)
	backend, ok := s.table.Resolve(listenAddr, hostname)
	if !ok {
		// No configured destination: close without dialing anything. The
		// proxy must never leak a probe to a backend it was not told about.
		logging.Logf("[conn] no route (cid=%s listen=%s hostname=%q remote=%s)", cid, listenAddr, hostname, remote)
		s.collector.RecordProxyError(listenAddr, "no_route")
		return
	}

	backendConn, err := net.DialTimeout("tcp", backend.Addr, s.cfg.GetDialTimeout())
	if err != nil {
		logging.Logf("[conn] backend dial failed (cid=%s hostname=%s backend=%s err=%v)", cid, hostname, backend.Addr, err)
		s.collector.RecordProxyError(listenAddr, "backend_dial_error")
		return
	}
	defer backendConn.Close()

	// The backend performs its own handshake parse, so it must see the
	// identical bytes the client sent, before anything else flows.
	if _, err := backendConn.Write(raw); err != nil {
		logging.Logf("[conn] handshake replay failed (cid=%s backend=%s err=%v)", cid, backend.Addr, err)
		s.collector.RecordProxyError(listenAddr, "backend_dial_error")
		return
	}

	logging.Logf("[conn] relay start (cid=%s listen=%s hostname=%s backend=%s remote=%s protocol_version=%d next_state=%d)",
		cid, listenAddr, hostname, backend.Addr, remote, hs.ProtocolVersion, hs.NextState)

	s.collector.IncActiveConnection(listenAddr, hostname)
	defer s.collector.DecActiveConnection(listenAddr, hostname)

	bufSize := backend.BufferSize
	if bufSize == 0 {
		bufSize = s.cfg.Proxy.BufferSize
	}

	start := time.Now()
	tx, rx, err := proxy.Relay(conn, backendConn, bufSize, s.cfg.GetCloseGrace())
	duration := time.Since(start)
	success := err == nil
	if !success {
		s.collector.RecordProxyError(listenAddr, "relay_io_error")
	}
	s.collector.UpdateConnectionMetrics(listenAddr, hostname, success, tx, rx, duration)
	logging.Logf("[conn] relay done (cid=%s hostname=%s backend=%s bytes_tx=%d bytes_rx=%d duration=%s success=%t err=%v)",
		cid, hostname, backend.Addr, tx, rx, duration, success, err)
}

// recordHandshakeFailure classifies why a handshake did not complete. These
// come from hostile, incompatible or merely curious clients (port scans,
// server-list pings that give up); they terminate only their own connection
// and are logged at debug level, not as operational failures.
func (s *ProxyServer) recordHandshakeFailure(cid, listenAddr, remote string, err error) {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		s.collector.RecordProxyError(listenAddr, "handshake_timeout")
		if s.debug() {
			logging.Logf("[conn][debug] handshake timeout (cid=%s listen=%s remote=%s)", cid, listenAddr, remote)
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.collector.RecordProxyError(listenAddr, "handshake_eof")
		if s.debug() {
			logging.Logf("[conn][debug] closed before handshake completed (cid=%s listen=%s remote=%s)", cid, listenAddr, remote)
		}
	default:
		s.collector.RecordProxyError(listenAddr, "protocol_error")
		if s.debug() {
			logging.Logf("[conn][debug] handshake rejected (cid=%s listen=%s remote=%s err=%v)", cid, listenAddr, remote, err)
		}
	}
}

func (s *ProxyServer) debug() bool {
	return s.cfg != nil && s.cfg.Log.Level == "debug"
}
