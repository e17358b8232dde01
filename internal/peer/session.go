// Package peer implements PeerSession, the layer above the codec that
// tracks handshake identity, the peer's piece bitfield, and the
// choke/interest state, translating wire events into the domain events
// (Request, Piece) the orchestrator consumes. Grounded on the teacher's
// rain/peer.go peerConn state machine and on
// original_source/task2/src/downloader/peer.rs, which this package's
// validation rules follow directly.
package peer

import (
	"net"

	"github.com/drizzle-p2p/drizzle/internal/bitfield"
	"github.com/drizzle-p2p/drizzle/internal/logger"
	"github.com/drizzle-p2p/drizzle/internal/peerconn"
	"github.com/drizzle-p2p/drizzle/internal/protocol"
)

// Engine is the subset of peerconn.Engine that Session depends on,
// narrowed for testability.
type Engine interface {
	Upward() <-chan peerconn.Event
	Send(protocol.Message)
	Close()
}

// DomainKind distinguishes the two message shapes that escape to the
// orchestrator; everything else is handled internally by Session.
type DomainKind int

const (
	DomainRequest DomainKind = iota
	DomainPiece
)

// DomainMessage is a Request or Piece event handed up to the orchestrator.
type DomainMessage struct {
	Kind   DomainKind
	Index  uint32
	Begin  uint32
	Length uint32 // valid for DomainRequest
	Block  []byte // valid for DomainPiece
}

// Session wraps one engine and enforces protocol semantics at domain
// granularity, per spec.md section 4.2.
type Session struct {
	engine Engine
	addr   *net.TCPAddr

	localInfoHash [20]byte
	localPeerID   [20]byte
	remote        *protocol.Handshake

	pieceCount uint32
	have       *bitfield.Bitfield

	selfChoked      bool
	selfInterested  bool
	peerChoked      bool
	peerInterested  bool
	alive           bool
	handshakeFailed bool

	log logger.Logger
}

// New wraps engine as a session expecting the given info-hash and local
// peer-id, for a swarm with pieceCount pieces.
func New(engine Engine, addr *net.TCPAddr, infoHash, localPeerID [20]byte, pieceCount uint32, log logger.Logger) *Session {
	return &Session{
		engine:         engine,
		addr:           addr,
		localInfoHash:  infoHash,
		localPeerID:    localPeerID,
		pieceCount:     pieceCount,
		have:           bitfield.New(pieceCount),
		selfChoked:     true,
		peerChoked:     true,
		selfInterested: false,
		peerInterested: false,
		alive:          true,
		log:            log,
	}
}

// Addr returns the remote peer's address.
func (s *Session) Addr() *net.TCPAddr { return s.addr }

// RemoteHandshake returns the remote's asserted identity, if the
// handshake has completed.
func (s *Session) RemoteHandshake() (protocol.Handshake, bool) {
	if s.remote == nil {
		return protocol.Handshake{}, false
	}
	return *s.remote, true
}

// IsAlive reflects the last-observed engine state.
func (s *Session) IsAlive() bool { return s.alive }

// DoesHave is a constant-time bitfield lookup.
func (s *Session) DoesHave(piece uint32) bool { return s.have.Test(piece) }

// PeerChoked reports whether the peer is currently choking us.
func (s *Session) PeerChoked() bool { return s.peerChoked }

// PeerInterested reports whether the peer has told us it is interested.
func (s *Session) PeerInterested() bool { return s.peerInterested }

// Disconnect is idempotent: it sends Close downward and marks the
// session dead.
func (s *Session) Disconnect() {
	if !s.alive {
		return
	}
	s.alive = false
	s.engine.Close()
}

// SetChoking sends Choke/Unchoke only on a state transition.
func (s *Session) SetChoking(choked bool) {
	if s.selfChoked == choked {
		return
	}
	s.selfChoked = choked
	if choked {
		s.engine.Send(protocol.Choke())
	} else {
		s.engine.Send(protocol.Unchoke())
	}
}

// SetInterested sends Interested/NotInterested only on a state transition.
func (s *Session) SetInterested(interested bool) {
	if s.selfInterested == interested {
		return
	}
	s.selfInterested = interested
	if interested {
		s.engine.Send(protocol.Interested())
	} else {
		s.engine.Send(protocol.NotInterested())
	}
}

// Send forwards a Request or Piece domain message to the engine as a
// wire message.
func (s *Session) Send(m DomainMessage) {
	switch m.Kind {
	case DomainRequest:
		s.engine.Send(protocol.Request(m.Index, m.Begin, m.Length))
	case DomainPiece:
		s.engine.Send(protocol.Piece(m.Index, m.Begin, m.Block))
	}
}

// Receive polls the engine, consuming handshake and
// Have/Bitfield/Choke/Unchoke/Interested/NotInterested/Cancel events
// internally, and yields only Request or Piece to the caller, or ok=false
// if nothing actionable is ready.
func (s *Session) Receive() (DomainMessage, bool) {
	for {
		var ev peerconn.Event
		select {
		case ev = <-s.engine.Upward():
		default:
			return DomainMessage{}, false
		}

		switch ev.Kind {
		case peerconn.EventError:
			s.alive = false
			return DomainMessage{}, false
		case peerconn.EventHandshake:
			s.handleHandshake(ev.Handshake)
			if !s.alive {
				return DomainMessage{}, false
			}
		case peerconn.EventNormal:
			if dm, ok := s.processMessage(ev.Message); ok {
				return dm, true
			}
		}
	}
}

func (s *Session) handleHandshake(h protocol.Handshake) {
	if h.InfoHash != s.localInfoHash {
		s.log.Debug("peer offered wrong info-hash, disconnecting")
		s.Disconnect()
		return
	}
	if h.PeerID == s.localPeerID {
		s.log.Debug("peer is us (loopback), disconnecting")
		s.Disconnect()
		return
	}
	remote := h
	s.remote = &remote
}

func (s *Session) processMessage(m protocol.Message) (DomainMessage, bool) {
	if m.IsKeepAlive {
		return DomainMessage{}, false
	}
	switch m.Tag {
	case protocol.TagChoke:
		s.peerChoked = true
	case protocol.TagUnchoke:
		s.peerChoked = false
	case protocol.TagInterested:
		s.peerInterested = true
	case protocol.TagNotInterested:
		s.peerInterested = false
	case protocol.TagHave:
		if m.Index >= s.pieceCount {
			s.log.Debug("peer announced out-of-range piece, disconnecting")
			s.Disconnect()
			return DomainMessage{}, false
		}
		s.have.Set(m.Index)
	case protocol.TagBitfield:
		if err := bitfield.Validate(m.Bitfield, s.pieceCount); err != nil {
			s.log.Debugf("peer sent bad bitfield: %v, disconnecting", err)
			s.Disconnect()
			return DomainMessage{}, false
		}
		s.have.Replace(m.Bitfield)
	case protocol.TagRequest:
		return DomainMessage{Kind: DomainRequest, Index: m.Index, Begin: m.Begin, Length: m.Length}, true
	case protocol.TagPiece:
		return DomainMessage{Kind: DomainPiece, Index: m.Index, Begin: m.Begin, Block: m.Block}, true
	case protocol.TagCancel:
		// Accepted and discarded: we only reply to Requests whose data
		// we already hold at reply time, so cancels are never actionable.
	}
	return DomainMessage{}, false
}
