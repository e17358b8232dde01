// Package protocol implements the BitTorrent wire codec: the 68-byte
// handshake and the length-prefixed post-handshake message frames,
// exactly as specified in spec.md section 4.1. It is grounded on the
// teacher's rain/peer.go message tag table and on
// original_source/task2/src/downloader/connection/bt.rs, which this
// implementation follows byte-for-byte.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxBlockLength is the largest length a Request may carry on the wire.
const MaxBlockLength = 16 * 1024

// MaxFrameLength bounds the payload length after the 4-byte length
// prefix: the largest accepted payload is MaxFrameLength-1 bytes, and
// anything at or above this is a fatal BadMessage, per spec.md section 4.1.
const MaxFrameLength = 1 << 20

// Tag identifies a post-handshake message type.
type Tag byte

const (
	TagChoke Tag = iota
	TagUnchoke
	TagInterested
	TagNotInterested
	TagHave
	TagBitfield
	TagRequest
	TagPiece
	TagCancel
)

// Message is a decoded post-handshake message. KeepAlive is represented
// by Tag == 0 messages with no payload and IsKeepAlive set, since it has
// no type tag on the wire at all.
type Message struct {
	IsKeepAlive bool
	Tag         Tag
	Index       uint32
	Begin       uint32
	Length      uint32
	Bitfield    []byte
	Block       []byte
}

// KeepAlive constructs a keep-alive message.
func KeepAlive() Message { return Message{IsKeepAlive: true} }

// Choke, Unchoke, Interested, and NotInterested construct their
// respective zero-payload messages.
func Choke() Message         { return Message{Tag: TagChoke} }
func Unchoke() Message       { return Message{Tag: TagUnchoke} }
func Interested() Message    { return Message{Tag: TagInterested} }
func NotInterested() Message { return Message{Tag: TagNotInterested} }

// Have constructs a Have(index) message.
func Have(index uint32) Message { return Message{Tag: TagHave, Index: index} }

// BitfieldMsg constructs a Bitfield message carrying the given packed bytes.
func BitfieldMsg(b []byte) Message { return Message{Tag: TagBitfield, Bitfield: b} }

// Request constructs a Request(index, begin, length) message.
func Request(index, begin, length uint32) Message {
	return Message{Tag: TagRequest, Index: index, Begin: begin, Length: length}
}

// Piece constructs a Piece(index, begin, block) message.
func Piece(index, begin uint32, block []byte) Message {
	return Message{Tag: TagPiece, Index: index, Begin: begin, Block: block}
}

// Cancel constructs a Cancel(index, begin, length) message.
func Cancel(index, begin, length uint32) Message {
	return Message{Tag: TagCancel, Index: index, Begin: begin, Length: length}
}

// Encode serializes m into a complete frame: 4-byte big-endian length
// prefix followed by the tag and fields, per spec.md's tag table.
func Encode(m Message) ([]byte, error) {
	if m.IsKeepAlive {
		return []byte{0, 0, 0, 0}, nil
	}
	var payload []byte
	switch m.Tag {
	case TagChoke, TagUnchoke, TagInterested, TagNotInterested:
		payload = []byte{byte(m.Tag)}
	case TagHave:
		payload = make([]byte, 5)
		payload[0] = byte(m.Tag)
		binary.BigEndian.PutUint32(payload[1:], m.Index)
	case TagBitfield:
		payload = make([]byte, 1+len(m.Bitfield))
		payload[0] = byte(m.Tag)
		copy(payload[1:], m.Bitfield)
	case TagRequest, TagCancel:
		payload = make([]byte, 13)
		payload[0] = byte(m.Tag)
		binary.BigEndian.PutUint32(payload[1:5], m.Index)
		binary.BigEndian.PutUint32(payload[5:9], m.Begin)
		binary.BigEndian.PutUint32(payload[9:13], m.Length)
	case TagPiece:
		payload = make([]byte, 9+len(m.Block))
		payload[0] = byte(m.Tag)
		binary.BigEndian.PutUint32(payload[1:5], m.Index)
		binary.BigEndian.PutUint32(payload[5:9], m.Begin)
		copy(payload[9:], m.Block)
	default:
		return nil, fmt.Errorf("protocol: unknown tag %d", m.Tag)
	}
	if uint64(len(payload)) >= MaxFrameLength {
		return nil, fmt.Errorf("protocol: encoded frame too large: %d bytes", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// DecodePayload decodes the tag+fields of a single frame's payload
// (the bytes after the 4-byte length prefix have already been sliced
// out by the caller). An empty payload denotes a keep-alive.
func DecodePayload(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return KeepAlive(), nil
	}
	tag := Tag(payload[0])
	rest := payload[1:]
	switch tag {
	case TagChoke, TagUnchoke, TagInterested, TagNotInterested:
		if len(rest) != 0 {
			return Message{}, ErrBadMessage
		}
		return Message{Tag: tag}, nil
	case TagHave:
		if len(rest) != 4 {
			return Message{}, ErrBadMessage
		}
		return Have(binary.BigEndian.Uint32(rest)), nil
	case TagBitfield:
		b := make([]byte, len(rest))
		copy(b, rest)
		return BitfieldMsg(b), nil
	case TagRequest:
		if len(rest) != 12 {
			return Message{}, ErrBadMessage
		}
		return Request(
			binary.BigEndian.Uint32(rest[0:4]),
			binary.BigEndian.Uint32(rest[4:8]),
			binary.BigEndian.Uint32(rest[8:12]),
		), nil
	case TagPiece:
		if len(rest) < 8 {
			return Message{}, ErrBadMessage
		}
		block := make([]byte, len(rest)-8)
		copy(block, rest[8:])
		return Piece(
			binary.BigEndian.Uint32(rest[0:4]),
			binary.BigEndian.Uint32(rest[4:8]),
			block,
		), nil
	case TagCancel:
		if len(rest) != 12 {
			return Message{}, ErrBadMessage
		}
		return Cancel(
			binary.BigEndian.Uint32(rest[0:4]),
			binary.BigEndian.Uint32(rest[4:8]),
			binary.BigEndian.Uint32(rest[8:12]),
		), nil
	default:
		return Message{}, ErrBadMessage
	}
}
