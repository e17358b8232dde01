package protocol

import "bytes"

// HandshakeLength is the fixed size of a handshake message on the wire.
const HandshakeLength = 68

var protocolString = []byte("BitTorrent protocol")

// Handshake is the fixed 68-byte preamble exchanged immediately after
// TCP connect: pstrlen, pstr, 8 reserved bytes, info-hash, peer-id.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake renders h as the 68-byte wire handshake, reserved bytes zeroed.
func EncodeHandshake(h Handshake) [HandshakeLength]byte {
	var buf [HandshakeLength]byte
	buf[0] = 19
	copy(buf[1:20], protocolString)
	// bytes 20:28 are reserved, left zero
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake parses a 68-byte buffer into a Handshake, verifying the
// protocol prefix. Reserved bytes are ignored on receive per spec.md.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength {
		return Handshake{}, ErrBadHandshake
	}
	if buf[0] != 19 || !bytes.Equal(buf[1:20], protocolString) {
		return Handshake{}, ErrBadHandshake
	}
	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
