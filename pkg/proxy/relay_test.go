package proxy

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns the two ends of one real TCP connection on loopback.
// net.Pipe is not enough here: the relay half-closes via CloseWrite.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := l.Accept()
		ch <- accepted{c, err}
	}()

	dialed, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	a := <-ch
	require.NoError(t, a.err)
	return dialed, a.conn
}

func assertReads(t *testing.T, conn net.Conn, want []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, len(want))
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
}

func assertEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayBidirectional(t *testing.T) {
	client, proxyClientSide := tcpPair(t)
	proxyBackendSide, backend := tcpPair(t)
	defer client.Close()
	defer backend.Close()

	done := make(chan struct{})
	var tx, rx int64
	var relayErr error
	go func() {
		tx, rx, relayErr = Relay(proxyClientSide, proxyBackendSide, 0, time.Second)
		close(done)
	}()

	payload := []byte("hello backend")
	_, err := client.Write(payload)
	require.NoError(t, err)
	assertReads(t, backend, payload)

	reply := []byte("hello client")
	_, err = backend.Write(reply)
	require.NoError(t, err)
	assertReads(t, client, reply)

	// Client hangs up: the backend must observe EOF and the relay must
	// finish within the grace period, releasing both connections.
	require.NoError(t, client.Close())
	assertEOF(t, backend)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not finish after client close")
	}
	assert.NoError(t, relayErr)
	assert.Equal(t, int64(len(payload)), tx)
	assert.Equal(t, int64(len(reply)), rx)
}

func TestRelayPreservesByteStream(t *testing.T) {
	client, proxyClientSide := tcpPair(t)
	proxyBackendSide, backend := tcpPair(t)
	defer backend.Close()

	go Relay(proxyClientSide, proxyBackendSide, 1024, time.Second)

	// Enough data to wrap the copy buffer and the socket buffers many times.
	data := make([]byte, 1<<20)
	_, err := rand.New(rand.NewSource(42)).Read(data)
	require.NoError(t, err)

	go func() {
		for i := 0; i < len(data); i += 4096 {
			end := i + 4096
			if end > len(data) {
				end = len(data)
			}
			if _, err := client.Write(data[i:end]); err != nil {
				return
			}
		}
		client.Close()
	}()

	require.NoError(t, backend.SetReadDeadline(time.Now().Add(10*time.Second)))
	got, err := io.ReadAll(backend)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "relayed bytes must match, in order")
}

func TestRelayBackendCloseReachesClient(t *testing.T) {
	client, proxyClientSide := tcpPair(t)
	proxyBackendSide, backend := tcpPair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		Relay(proxyClientSide, proxyBackendSide, 0, time.Second)
		close(done)
	}()

	reply := []byte("kicked")
	_, err := backend.Write(reply)
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	assertReads(t, client, reply)
	assertEOF(t, client)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not finish after backend close")
	}
}
