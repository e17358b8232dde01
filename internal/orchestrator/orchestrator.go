// Package orchestrator implements the single-owner swarm scheduler of
// spec.md section 4.3: it maintains the live peer-session set, drains
// their events, dispatches block requests, and drives tracker
// re-announces. Grounded on transfer.go's Run/connecter loop (teacher)
// for the overall shape, generalized from rain's per-transfer
// goroutine-and-channel wiring to the single cooperative loop spec.md
// mandates, and on
// original_source/task2/src/downloader/{mod,peer}.rs for the exact
// per-iteration step order.
package orchestrator

import (
	"math/rand"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/drizzle-p2p/drizzle/internal/logger"
	"github.com/drizzle-p2p/drizzle/internal/peer"
	"github.com/drizzle-p2p/drizzle/internal/peerconn"
	"github.com/drizzle-p2p/drizzle/internal/protocol"
	"github.com/drizzle-p2p/drizzle/internal/storage"
	"github.com/drizzle-p2p/drizzle/internal/tracker"
)

const (
	pacingInterval = 500 * time.Millisecond
	issueInterval  = 5 * time.Second
)

// Options carries the tunables config.Config exposes to the
// orchestrator: the live-peer cap and the per-round request cap.
type Options struct {
	MaxLivePeers        int
	MaxRequestsPerIssue int
}

// Tracker narrows tracker.Tracker to what the orchestrator needs,
// matching spec.md section 4.5.
type Tracker interface {
	Update(down, up, left int64)
	Peers() []tracker.PeerAddress
}

// Orchestrator is the single-owner scheduler of spec.md section 4.3. It
// exclusively owns the session set, the tracker handle, and the storage
// handle, per spec.md section 3's ownership rules.
type Orchestrator struct {
	tracker  Tracker
	storage  storage.Storage
	layout   storage.Layout
	infoHash [20]byte
	localID  [20]byte

	sessions map[string]*peer.Session
	sem      *semaphore.Weighted

	maxRequestsPerIssue int

	uploaded   int64
	downloaded int64
	lastIssue  time.Time

	log logger.Logger
}

// New builds an orchestrator for one torrent download. opts.MaxLivePeers
// bounds the live-session semaphore and opts.MaxRequestsPerIssue bounds
// how many sub-requests issueRequests dispatches per round; both come
// from config.Config (via config.Default() when the caller has no
// override).
func New(trk Tracker, store storage.Storage, layout storage.Layout, infoHash, localID [20]byte, opts Options, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		tracker:             trk,
		storage:             store,
		layout:              layout,
		infoHash:            infoHash,
		localID:             localID,
		sessions:            make(map[string]*peer.Session),
		sem:                 semaphore.NewWeighted(int64(opts.MaxLivePeers)),
		maxRequestsPerIssue: opts.MaxRequestsPerIssue,
		log:                 log,
	}
}

// Downloaded returns the total bytes accepted into storage so far.
func (o *Orchestrator) Downloaded() int64 { return o.downloaded }

// Uploaded returns the total bytes served to peers so far.
func (o *Orchestrator) Uploaded() int64 { return o.uploaded }

// TotalLength returns the declared payload length.
func (o *Orchestrator) TotalLength() int64 { return o.layout.TotalLength }

// Run drives the cooperative loop until storage reports completion.
func (o *Orchestrator) Run() {
	for !o.storage.IsComplete() {
		o.step()
		time.Sleep(pacingInterval)
	}
	o.log.Info("download complete")
}

func (o *Orchestrator) step() {
	o.announce()
	o.reap()
	o.refillPeers()
	o.processMessages()
	o.issueRequests()
}

// announce submits current progress to the tracker and folds any fresh
// peer list into future refill candidates. tracker.HTTP internally
// no-ops until its own backoff window elapses, so it's safe to call
// every iteration.
func (o *Orchestrator) announce() {
	left := o.layout.TotalLength - o.downloaded
	if left < 0 {
		left = 0
	}
	o.tracker.Update(o.downloaded, o.uploaded, left)
}

// reap drops sessions whose engine has gone terminal, releasing their
// live-peer slot.
func (o *Orchestrator) reap() {
	for addr, s := range o.sessions {
		if !s.IsAlive() {
			delete(o.sessions, addr)
			o.sem.Release(1)
		}
	}
}

// refillPeers opens new sessions against tracker-known peers we are not
// already connected to, up to the live-peer cap.
func (o *Orchestrator) refillPeers() {
	candidates := o.candidatePeers()
	for len(candidates) > 0 {
		if !o.sem.TryAcquire(1) {
			return
		}
		idx := rand.Intn(len(candidates))
		addr := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		o.connect(addr)
	}
}

func (o *Orchestrator) candidatePeers() []tracker.PeerAddress {
	var out []tracker.PeerAddress
	for _, p := range o.tracker.Peers() {
		key := p.String()
		if _, ok := o.sessions[key]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (o *Orchestrator) connect(p tracker.PeerAddress) {
	addr := &net.TCPAddr{IP: p.IP, Port: int(p.Port)}
	local := protocol.Handshake{InfoHash: o.infoHash, PeerID: o.localID}
	plog := logger.New("peer " + p.String())
	engine := peerconn.New(addr, local, plog)
	session := peer.New(engine, addr, o.infoHash, o.localID, uint32(o.layout.PieceCount), plog)

	// Always-interested baseline: we never choke peers and we are always
	// interested, per spec.md section 4.3.
	session.SetChoking(false)
	session.SetInterested(true)

	o.sessions[p.String()] = session
}

// processMessages drains every session's ready domain events and acts
// on Request/Piece per spec.md section 4.3 step 4.
func (o *Orchestrator) processMessages() {
	for _, s := range o.sessions {
		for {
			dm, ok := s.Receive()
			if !ok {
				break
			}
			switch dm.Kind {
			case peer.DomainRequest:
				o.handleRequest(s, dm)
			case peer.DomainPiece:
				o.handlePiece(s, dm)
			}
		}
	}
}

func (o *Orchestrator) handleRequest(s *peer.Session, dm peer.DomainMessage) {
	pieceLen := o.layout.PieceLengthOf(int(dm.Index))
	if dm.Length > protocol.MaxBlockLength || int64(dm.Begin)+int64(dm.Length) > pieceLen {
		o.log.Debug("peer sent oversized/out-of-range request, disconnecting")
		s.Disconnect()
		return
	}
	data, ok := o.storage.GetPiece(int(dm.Index))
	if !ok {
		return
	}
	block := data[dm.Begin : dm.Begin+dm.Length]
	s.Send(peer.DomainMessage{Kind: peer.DomainPiece, Index: dm.Index, Begin: dm.Begin, Block: block})
	o.uploaded += int64(dm.Length)
}

func (o *Orchestrator) handlePiece(s *peer.Session, dm peer.DomainMessage) {
	n, err := o.storage.StoreBlock(storage.Block{
		Piece:  int(dm.Index),
		Offset: int(dm.Begin),
		Data:   dm.Block,
	})
	if err != nil {
		o.log.Debugf("bad block from peer, disconnecting: %v", err)
		s.Disconnect()
		return
	}
	o.downloaded += int64(n)
}

// issueRequests dispatches up to o.maxRequestsPerIssue sub-requests, at
// most one per piece, to randomly chosen sessions that advertise the
// relevant piece, per spec.md section 4.3 step 5.
func (o *Orchestrator) issueRequests() {
	if time.Since(o.lastIssue) < issueInterval {
		return
	}
	o.lastIssue = time.Now()

	seenPiece := make(map[int]bool)
	var picked []storage.Request
outer:
	for _, req := range o.storage.Requests() {
		for _, sub := range req.Split(protocol.MaxBlockLength) {
			if seenPiece[sub.Piece] {
				continue
			}
			seenPiece[sub.Piece] = true
			picked = append(picked, sub)
			if len(picked) >= o.maxRequestsPerIssue {
				break outer
			}
		}
	}

	for _, req := range picked {
		s := o.pickSessionWithPiece(req.Piece)
		if s == nil {
			continue
		}
		s.Send(peer.DomainMessage{
			Kind:   peer.DomainRequest,
			Index:  uint32(req.Piece),
			Begin:  uint32(req.Offset),
			Length: uint32(req.Length),
		})
	}
}

func (o *Orchestrator) pickSessionWithPiece(piece int) *peer.Session {
	var eligible []*peer.Session
	for _, s := range o.sessions {
		if s.IsAlive() && s.DoesHave(uint32(piece)) {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.Intn(len(eligible))]
}
