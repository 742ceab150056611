// Package protocol decodes the modern (length-prefixed) Minecraft handshake,
// the first packet a client sends on connect. The proxy only needs this single
// packet: it carries the hostname the client typed into its server list, which
// is what routing keys on. Everything after the handshake is opaque bytes.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// HandshakePacketID is the packet id of the handshake, always 0.
	HandshakePacketID = 0

	// MaxHandshakeSize caps the declared packet length. A real handshake is
	// a few dozen bytes; anything bigger is a hostile or confused client
	// trying to make the proxy buffer an enormous packet.
	MaxHandshakeSize = 4096

	// MaxServerAddressLen caps the declared server address. 255 bytes is
	// already longer than any valid DNS name.
	MaxServerAddressLen = 255

	// Next-state values a handshake may request.
	StateStatus = 1
	StateLogin  = 2
)

var (
	// ErrMalformed reports handshake bytes that cannot be decoded.
	ErrMalformed = errors.New("malformed handshake")
	// ErrPacketTooLarge reports a declared packet length over MaxHandshakeSize.
	ErrPacketTooLarge = errors.New("handshake packet too large")
	// ErrUnexpectedPacket reports a first packet that is not a handshake.
	ErrUnexpectedPacket = errors.New("unexpected packet id")
)

// Handshake is the decoded first packet of a client connection.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

// ReadHandshake decodes one handshake packet from r and returns it together
// with the exact bytes consumed. The caller replays those bytes to the backend
// so the backend sees a byte stream identical to what the client sent; r is
// never read past the end of the packet. Reads may deliver fewer bytes than
// requested, the decoder accumulates until the packet is complete.
//
// A connection closed before the first byte surfaces as io.EOF, one closed
// mid-packet as io.ErrUnexpectedEOF. Everything else wraps ErrMalformed,
// ErrPacketTooLarge or ErrUnexpectedPacket.
func ReadHandshake(r io.Reader) (*Handshake, []byte, error) {
	var raw bytes.Buffer
	tr := io.TeeReader(r, &raw)

	length, err := readVarInt(tr)
	if err != nil {
		return nil, nil, err
	}
	if length <= 0 {
		return nil, nil, fmt.Errorf("declared length %d: %w", length, ErrMalformed)
	}
	if length > MaxHandshakeSize {
		return nil, nil, fmt.Errorf("declared length %d: %w", length, ErrPacketTooLarge)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(tr, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	hs, err := decodeHandshakeBody(body)
	if err != nil {
		return nil, nil, err
	}
	return hs, raw.Bytes(), nil
}

func decodeHandshakeBody(body []byte) (*Handshake, error) {
	d := packetReader{buf: body}

	id := d.varint()
	if d.err == nil && id != HandshakePacketID {
		return nil, fmt.Errorf("packet id %d: %w", id, ErrUnexpectedPacket)
	}

	hs := &Handshake{}
	hs.ProtocolVersion = d.varint()
	hs.ServerAddress = d.address()
	hs.ServerPort = d.uint16be()
	hs.NextState = d.varint()
	if d.err != nil {
		return nil, d.err
	}
	if hs.NextState != StateStatus && hs.NextState != StateLogin {
		return nil, fmt.Errorf("next state %d: %w", hs.NextState, ErrMalformed)
	}
	// Trailing bytes inside the declared length are tolerated; some modded
	// clients pad the handshake and the backend gets the raw bytes anyway.
	return hs, nil
}

// Encode serializes the handshake in wire format, length prefix included.
func (h *Handshake) Encode() []byte {
	body := AppendVarInt(nil, HandshakePacketID)
	body = AppendVarInt(body, h.ProtocolVersion)
	body = AppendVarInt(body, int32(len(h.ServerAddress)))
	body = append(body, h.ServerAddress...)
	body = append(body, byte(h.ServerPort>>8), byte(h.ServerPort))
	body = AppendVarInt(body, h.NextState)

	pkt := AppendVarInt(make([]byte, 0, len(body)+maxVarIntLen), int32(len(body)))
	return append(pkt, body...)
}

// RoutingHostname normalizes a declared server address for table lookup.
// Forge and similar client mods append NUL-separated markers after the real
// hostname ("host\x00FML\x00"); only the part before the first NUL names the
// virtual host. A trailing dot (FQDN form) is dropped and the result is
// lowercased. Only the routing decision uses this value, the bytes forwarded
// to the backend stay untouched.
func RoutingHostname(declared string) string {
	if i := strings.IndexByte(declared, 0); i >= 0 {
		declared = declared[:i]
	}
	declared = strings.TrimSuffix(declared, ".")
	return strings.ToLower(declared)
}

// packetReader walks the body of an already-buffered packet. The first
// decode error sticks and every later read returns zero values.
type packetReader struct {
	buf []byte
	pos int
	err error
}

func (d *packetReader) varint() int32 {
	if d.err != nil {
		return 0
	}
	var value uint32
	for i := 0; i < maxVarIntLen; i++ {
		if d.pos >= len(d.buf) {
			d.err = fmt.Errorf("truncated field: %w", ErrMalformed)
			return 0
		}
		b := d.buf[d.pos]
		d.pos++
		value |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(value)
		}
	}
	d.err = fmt.Errorf("varint exceeds %d bytes: %w", maxVarIntLen, ErrMalformed)
	return 0
}

func (d *packetReader) address() string {
	n := d.varint()
	if d.err != nil {
		return ""
	}
	if n < 0 || n > MaxServerAddressLen {
		d.err = fmt.Errorf("server address length %d: %w", n, ErrMalformed)
		return ""
	}
	if int(n) > len(d.buf)-d.pos {
		d.err = fmt.Errorf("server address length %d overruns packet: %w", n, ErrMalformed)
		return ""
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s
}

func (d *packetReader) uint16be() uint16 {
	if d.err != nil {
		return 0
	}
	if len(d.buf)-d.pos < 2 {
		d.err = fmt.Errorf("truncated field: %w", ErrMalformed)
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}
