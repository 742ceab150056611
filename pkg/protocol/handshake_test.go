package protocol

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hs   Handshake
	}{
		{
			name: "login handshake",
			hs:   Handshake{ProtocolVersion: 754, ServerAddress: "a.test", ServerPort: 25565, NextState: StateLogin},
		},
		{
			name: "status handshake",
			hs:   Handshake{ProtocolVersion: 47, ServerAddress: "mc.example.com", ServerPort: 1024, NextState: StateStatus},
		},
		{
			name: "forge marker survives the wire",
			hs:   Handshake{ProtocolVersion: 340, ServerAddress: "a.test\x00FML\x00", ServerPort: 25565, NextState: StateLogin},
		},
		{
			name: "large protocol version needs a multi-byte varint",
			hs:   Handshake{ProtocolVersion: 1073741824, ServerAddress: "x", ServerPort: 65535, NextState: StateLogin},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := tt.hs.Encode()

			got, raw, err := ReadHandshake(bytes.NewReader(wire))
			require.NoError(t, err)
			assert.Equal(t, &tt.hs, got)
			assert.Equal(t, wire, raw, "consumed bytes must be the exact wire form")
		})
	}
}

func TestReadHandshakeConsumesExactly(t *testing.T) {
	hs := Handshake{ProtocolVersion: 754, ServerAddress: "a.test", ServerPort: 25565, NextState: StateLogin}
	trailing := []byte("bytes that belong to the next packet")

	r := bytes.NewReader(append(hs.Encode(), trailing...))
	_, raw, err := ReadHandshake(r)
	require.NoError(t, err)

	assert.Equal(t, hs.Encode(), raw)
	rest, _ := io.ReadAll(r)
	assert.Equal(t, trailing, rest, "decoder must not consume bytes past the handshake")
}

func TestReadHandshakePartialReads(t *testing.T) {
	hs := Handshake{ProtocolVersion: 763, ServerAddress: "partial.test", ServerPort: 25565, NextState: StateStatus}

	// One byte per read: the decoder has to accumulate across reads.
	got, raw, err := ReadHandshake(iotest.OneByteReader(bytes.NewReader(hs.Encode())))
	require.NoError(t, err)
	assert.Equal(t, &hs, got)
	assert.Equal(t, hs.Encode(), raw)
}

func TestReadHandshakeRejects(t *testing.T) {
	valid := Handshake{ProtocolVersion: 754, ServerAddress: "a.test", ServerPort: 25565, NextState: StateLogin}

	// Handshake body with an id other than 0.
	wrongID := func() []byte {
		body := AppendVarInt(nil, 1)
		body = AppendVarInt(body, 754)
		body = AppendVarInt(body, int32(len("a.test")))
		body = append(body, "a.test"...)
		body = append(body, 0x63, 0xdd)
		body = AppendVarInt(body, StateLogin)
		return append(AppendVarInt(nil, int32(len(body))), body...)
	}()

	// Body that claims a 50-byte address but ends after 4 bytes.
	addrOverrun := func() []byte {
		body := AppendVarInt(nil, HandshakePacketID)
		body = AppendVarInt(body, 754)
		body = AppendVarInt(body, 50)
		body = append(body, "mc.t"...)
		return append(AppendVarInt(nil, int32(len(body))), body...)
	}()

	// Body with an address length over the 255-byte cap, packet length still sane.
	addrTooLong := func() []byte {
		long := bytes.Repeat([]byte("a"), 300)
		body := AppendVarInt(nil, HandshakePacketID)
		body = AppendVarInt(body, 754)
		body = AppendVarInt(body, int32(len(long)))
		body = append(body, long...)
		body = append(body, 0x63, 0xdd)
		body = AppendVarInt(body, StateLogin)
		return append(AppendVarInt(nil, int32(len(body))), body...)
	}()

	badState := &Handshake{ProtocolVersion: 754, ServerAddress: "a.test", ServerPort: 25565, NextState: 3}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{
			name:    "empty stream",
			input:   nil,
			wantErr: io.EOF,
		},
		{
			name:    "stream closed mid packet",
			input:   valid.Encode()[:5],
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "zero declared length",
			input:   []byte{0x00},
			wantErr: ErrMalformed,
		},
		{
			name:    "declared length over the ceiling",
			input:   AppendVarInt(nil, MaxHandshakeSize+1),
			wantErr: ErrPacketTooLarge,
		},
		{
			name:    "length varint never terminates",
			input:   []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80},
			wantErr: ErrMalformed,
		},
		{
			name:    "first packet is not a handshake",
			input:   wrongID,
			wantErr: ErrUnexpectedPacket,
		},
		{
			name:    "address overruns packet",
			input:   addrOverrun,
			wantErr: ErrMalformed,
		},
		{
			name:    "address longer than any DNS name",
			input:   addrTooLong,
			wantErr: ErrMalformed,
		},
		{
			name:    "next state out of range",
			input:   badState.Encode(),
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadHandshake(bytes.NewReader(tt.input))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRoutingHostname(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		want     string
	}{
		{"lowercases", "Example.COM", "example.com"},
		{"truncates at first NUL", "a.test\x00FML\x00", "a.test"},
		{"drops trailing dot", "mc.example.com.", "mc.example.com"},
		{"plain hostname unchanged", "b.test", "b.test"},
		{"empty stays empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoutingHostname(tt.declared))
		})
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	values := []int32{0, 1, 127, 128, 300, 25565, 2147483647, -1}
	for _, v := range values {
		buf := AppendVarInt(nil, v)
		require.LessOrEqual(t, len(buf), maxVarIntLen)

		got, err := readVarInt(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
