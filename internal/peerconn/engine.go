// Package peerconn implements the ProtocolEngine of spec.md section 4.1:
// one execution context per live peer, owning a TCP socket and receive
// buffer exclusively, exchanging events with its owner (the PeerSession)
// through a pair of non-blocking, point-to-point channels.
//
// The design follows the teacher's per-peer goroutine-plus-blocking-socket
// model (rain/peer.go's peerConn.run) and, more directly, the read/write
// loop of original_source/task2/src/downloader/connection/bt.rs, which
// this package reproduces in Go: a short read-timeout socket serviced in
// a loop that drains inbound frames and outbound commands each pass.
package peerconn

import (
	"io"
	"net"
	"time"

	"github.com/drizzle-p2p/drizzle/internal/logger"
	"github.com/drizzle-p2p/drizzle/internal/protocol"
)

const (
	readTimeout          = 100 * time.Millisecond
	handshakeCheckPeriod = 1 * time.Second
	handshakeMaxChecks   = 20
	dialTimeout          = 30 * time.Second
)

// EventKind distinguishes the three upward event shapes of spec.md 4.1.
type EventKind int

const (
	EventHandshake EventKind = iota
	EventNormal
	EventError
)

// Event is an upward message from the engine to its owner.
type Event struct {
	Kind      EventKind
	Handshake protocol.Handshake
	Message   protocol.Message
	Err       *protocol.Error
}

// CommandKind distinguishes downward command shapes.
type CommandKind int

const (
	CommandNormal CommandKind = iota
	CommandClose
)

// Command is a downward message from the owner to the engine.
type Command struct {
	Kind    CommandKind
	Message protocol.Message
}

// Engine is one peer's protocol execution context. It owns conn and
// recvBuf exclusively; all other state is exchanged through the two
// channels below.
type Engine struct {
	addr  *net.TCPAddr
	local protocol.Handshake

	upwardC   chan Event
	downwardC chan Command

	log logger.Logger
}

// queueDepth bounds both channels; the owner is expected to drain them
// promptly, but a bound avoids unbounded growth if it falls behind.
const queueDepth = 64

// New creates an engine for a not-yet-connected peer and starts its
// goroutine. Upward() yields events as they occur; Send/Close push
// commands downward.
func New(addr *net.TCPAddr, local protocol.Handshake, log logger.Logger) *Engine {
	e := &Engine{
		addr:      addr,
		local:     local,
		upwardC:   make(chan Event, queueDepth),
		downwardC: make(chan Command, queueDepth),
		log:       log,
	}
	go e.run()
	return e
}

// Upward returns the channel of events the owner should drain.
func (e *Engine) Upward() <-chan Event { return e.upwardC }

// Send enqueues a normal outbound message. Non-blocking from the
// caller's perspective: if the downward queue is full the command is
// dropped, matching the "non-blocking from the owner's perspective"
// contract of spec.md section 4.1 (a full queue indicates the engine
// has stalled and will soon report Error itself).
func (e *Engine) Send(m protocol.Message) {
	select {
	case e.downwardC <- Command{Kind: CommandNormal, Message: m}:
	default:
		e.log.Debug("downward queue full, dropping outbound message")
	}
}

// Close requests termination. Idempotent: closing twice is harmless.
func (e *Engine) Close() {
	select {
	case e.downwardC <- Command{Kind: CommandClose}:
	default:
	}
}

func (e *Engine) emitError(err *protocol.Error) {
	select {
	case e.upwardC <- Event{Kind: EventError, Err: err}:
	default:
		// Owner has stopped reading; nothing more to do.
	}
}

func (e *Engine) run() {
	conn, err := net.DialTimeout("tcp", e.addr.String(), dialTimeout)
	if err != nil {
		e.emitError(protocol.NewIoError(err))
		return
	}
	defer conn.Close()

	wire := newWireConn(conn)

	if err := wire.sendHandshake(e.local); err != nil {
		e.emitError(err)
		return
	}

	remote, err := wire.awaitHandshake()
	if err != nil {
		e.emitError(err)
		return
	}
	select {
	case e.upwardC <- Event{Kind: EventHandshake, Handshake: remote}:
	default:
		e.log.Debug("upward queue full, dropping handshake event")
	}

	e.steadyState(wire)
}

func (e *Engine) steadyState(wire *wireConn) {
	for {
		if err := wire.readAvailable(); err != nil {
			e.emitError(err)
			return
		}

		for {
			msg, ok, err := wire.nextFrame()
			if err != nil {
				e.emitError(err)
				return
			}
			if !ok {
				break
			}
			select {
			case e.upwardC <- Event{Kind: EventNormal, Message: msg}:
			default:
				e.log.Debug("upward queue full, dropping normal event")
			}
		}

	drainOutbound:
		for {
			select {
			case cmd := <-e.downwardC:
				switch cmd.Kind {
				case CommandClose:
					e.emitError(protocol.NewError(protocol.KindClosed, nil))
					return
				case CommandNormal:
					if err := wire.writeMessage(cmd.Message); err != nil {
						e.emitError(err)
						return
					}
				}
			default:
				break drainOutbound
			}
		}
	}
}

// wireConn owns the socket and receive buffer for one engine.
type wireConn struct {
	conn      net.Conn
	recvBuf   []byte
	readChunk []byte
}

func newWireConn(conn net.Conn) *wireConn {
	return &wireConn{conn: conn, readChunk: make([]byte, 64*1024)}
}

func (w *wireConn) sendHandshake(local protocol.Handshake) *protocol.Error {
	wire := protocol.EncodeHandshake(local)
	if err := w.conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return protocol.NewIoError(err)
	}
	if _, err := w.conn.Write(wire[:]); err != nil {
		return protocol.NewIoError(err)
	}
	return nil
}

func (w *wireConn) awaitHandshake() (protocol.Handshake, *protocol.Error) {
	for checks := 0; checks < handshakeMaxChecks; checks++ {
		if err := w.readAvailable(); err != nil {
			return protocol.Handshake{}, err
		}
		if len(w.recvBuf) >= protocol.HandshakeLength {
			h, err := protocol.DecodeHandshake(w.recvBuf[:protocol.HandshakeLength])
			if err != nil {
				return protocol.Handshake{}, protocol.NewError(protocol.KindBadHandshake, err)
			}
			w.recvBuf = w.recvBuf[protocol.HandshakeLength:]
			return h, nil
		}
		time.Sleep(handshakeCheckPeriod - readTimeout)
	}
	return protocol.Handshake{}, protocol.NewError(protocol.KindNoHandshake, nil)
}

// readAvailable performs one short-timeout read, appending whatever
// arrived to recvBuf. A timeout is normal and non-fatal; EOF or any other
// read failure is terminal.
func (w *wireConn) readAvailable() *protocol.Error {
	if err := w.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return protocol.NewIoError(err)
	}
	n, err := w.conn.Read(w.readChunk)
	if n > 0 {
		w.recvBuf = append(w.recvBuf, w.readChunk[:n]...)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		if err == io.EOF {
			return protocol.NewError(protocol.KindClosed, nil)
		}
		return protocol.NewIoError(err)
	}
	return nil
}

// nextFrame decodes at most one complete frame from recvBuf. ok is false
// if the buffer doesn't yet hold a full frame.
func (w *wireConn) nextFrame() (protocol.Message, bool, *protocol.Error) {
	if len(w.recvBuf) < 4 {
		return protocol.Message{}, false, nil
	}
	length := uint32(w.recvBuf[0])<<24 | uint32(w.recvBuf[1])<<16 | uint32(w.recvBuf[2])<<8 | uint32(w.recvBuf[3])
	if length >= protocol.MaxFrameLength {
		return protocol.Message{}, false, protocol.NewError(protocol.KindBadMessage, protocol.ErrBadMessage)
	}
	if uint32(len(w.recvBuf)) < 4+length {
		return protocol.Message{}, false, nil
	}
	payload := w.recvBuf[4 : 4+length]
	msg, err := protocol.DecodePayload(payload)
	if err != nil {
		return protocol.Message{}, false, protocol.NewError(protocol.KindBadMessage, err)
	}
	w.recvBuf = w.recvBuf[4+length:]
	return msg, true, nil
}

func (w *wireConn) writeMessage(m protocol.Message) *protocol.Error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return protocol.NewError(protocol.KindBadMessage, err)
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return protocol.NewIoError(err)
	}
	if _, err := w.conn.Write(frame); err != nil {
		return protocol.NewIoError(err)
	}
	return nil
}
