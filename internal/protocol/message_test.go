package protocol

import (
	"bytes"
	"testing"
)

func frameBytes(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func decodeFrame(t *testing.T, raw []byte) Message {
	t.Helper()
	length := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	m, err := DecodePayload(raw[4 : 4+length])
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return m
}

func TestKeepAliveRoundTrip(t *testing.T) {
	got := frameBytes(t, KeepAlive())
	want := []byte{0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
	m := decodeFrame(t, got)
	if !m.IsKeepAlive {
		t.Fatal("expected keep-alive")
	}
}

func TestHaveEncoding(t *testing.T) {
	got := frameBytes(t, Have(5))
	want := []byte{0x00, 0x00, 0x00, 0x05, 0x04, 0x00, 0x00, 0x00, 0x05}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
	m := decodeFrame(t, got)
	if m.Tag != TagHave || m.Index != 5 {
		t.Fatalf("got %+v", m)
	}
}

func TestRequestEncoding(t *testing.T) {
	got := frameBytes(t, Request(3, 16384, 16384))
	want := []byte{
		0x00, 0x00, 0x00, 0x0D,
		0x06,
		0x00, 0x00, 0x00, 0x03,
		0x00, 0x00, 0x40, 0x00,
		0x00, 0x00, 0x40, 0x00,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	msgs := []Message{
		Choke(), Unchoke(), Interested(), NotInterested(),
		Have(42),
		BitfieldMsg([]byte{0xff, 0x00}),
		Request(1, 2, 3),
		Piece(1, 2, []byte("hello")),
		Cancel(1, 2, 3),
	}
	for _, m := range msgs {
		raw := frameBytes(t, m)
		got := decodeFrame(t, raw)
		if got.IsKeepAlive != m.IsKeepAlive ||
			got.Tag != m.Tag ||
			got.Index != m.Index ||
			got.Begin != m.Begin ||
			got.Length != m.Length ||
			!bytes.Equal(got.Bitfield, m.Bitfield) ||
			!bytes.Equal(got.Block, m.Block) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
		}
	}
}

func TestDecodeRejectsBadTag(t *testing.T) {
	_, err := DecodePayload([]byte{9, 0, 0, 0, 0})
	if err != ErrBadMessage {
		t.Fatalf("got %v, want ErrBadMessage", err)
	}
}

func TestDecodeRejectsBadFixedLength(t *testing.T) {
	// Choke (tag 0) must have zero-length payload beyond the tag.
	_, err := DecodePayload([]byte{0, 1, 2})
	if err != ErrBadMessage {
		t.Fatalf("got %v, want ErrBadMessage", err)
	}
	// Have must be exactly 4 bytes after the tag.
	_, err = DecodePayload([]byte{4, 0, 0})
	if err != ErrBadMessage {
		t.Fatalf("got %v, want ErrBadMessage", err)
	}
	// Piece must be at least 8 bytes after the tag.
	_, err = DecodePayload([]byte{7, 0, 0, 0})
	if err != ErrBadMessage {
		t.Fatalf("got %v, want ErrBadMessage", err)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	for i := range h.InfoHash {
		h.InfoHash[i] = byte(i)
	}
	for i := range h.PeerID {
		h.PeerID[i] = byte(20 + i)
	}
	wire := EncodeHandshake(h)
	got, err := DecodeHandshake(wire[:])
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHandshakeBadPrefix(t *testing.T) {
	wire := EncodeHandshake(Handshake{})
	corrupt := wire
	corrupt[1] = 'X'
	_, err := DecodeHandshake(corrupt[:])
	if err != ErrBadHandshake {
		t.Fatalf("got %v, want ErrBadHandshake", err)
	}
}
