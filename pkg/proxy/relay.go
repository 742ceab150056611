// Package proxy provides the byte-blind relay that runs for the lifetime of
// a proxied connection once the handshake has been consumed and replayed.
package proxy

import (
	"io"
	"net"
	"time"
)

// DefaultBufferSize is the per-direction copy buffer size when the
// configuration does not set one.
const DefaultBufferSize = 8192

// DefaultCloseGrace bounds how long the second direction may keep draining
// after the first one ends.
const DefaultCloseGrace = 5 * time.Second

// closeWriter is implemented by *net.TCPConn. Half-closing the write side
// sends FIN, so the remote end reads a clean EOF while bytes still in flight
// toward us can drain.
type closeWriter interface {
	CloseWrite() error
}

// Relay copies bytes unmodified and concurrently in both directions between
// client and backend until either side reaches EOF or errors. The finishing
// direction half-closes its writer; the opposite direction then normally
// drains to EOF on its own. If it has not finished within grace, both
// connections are forced closed. Returns client->backend and backend->client
// byte counts and the first real error (clean EOF is not an error).
func Relay(client, backend net.Conn, bufSize int, grace time.Duration) (tx, rx int64, err error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if grace <= 0 {
		grace = DefaultCloseGrace
	}

	errs := make(chan error, 2)

	go func() {
		n, e := copyHalf(backend, client, bufSize)
		tx = n
		errs <- e
	}()
	go func() {
		n, e := copyHalf(client, backend, bufSize)
		rx = n
		errs <- e
	}()

	err = <-errs

	select {
	case e := <-errs:
		if err == nil {
			err = e
		}
	case <-time.After(grace):
		client.Close()
		backend.Close()
		<-errs
	}
	return tx, rx, err
}

// copyHalf moves bytes src -> dst until EOF or error, then half-closes dst.
func copyHalf(dst, src net.Conn, bufSize int) (int64, error) {
	buf := make([]byte, bufSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
	return n, err
}
