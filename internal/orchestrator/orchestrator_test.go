package orchestrator

import (
	"net"
	"testing"

	"github.com/drizzle-p2p/drizzle/internal/logger"
	"github.com/drizzle-p2p/drizzle/internal/peer"
	"github.com/drizzle-p2p/drizzle/internal/peerconn"
	"github.com/drizzle-p2p/drizzle/internal/protocol"
	"github.com/drizzle-p2p/drizzle/internal/storage"
	"github.com/drizzle-p2p/drizzle/internal/tracker"
)

type fakeEngine struct {
	upward chan peerconn.Event
	sent   []protocol.Message
	closed bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{upward: make(chan peerconn.Event, 64)} }
func (f *fakeEngine) Upward() <-chan peerconn.Event { return f.upward }
func (f *fakeEngine) Send(m protocol.Message)       { f.sent = append(f.sent, m) }
func (f *fakeEngine) Close()                        { f.closed = true }

// newTestSession builds a session wired to a fake engine, already past
// handshake with the given bitfield of pieces set.
func newTestSession(t *testing.T, infoHash, localID [20]byte, pieceCount uint32, have []uint32) (*peer.Session, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6881}
	s := peer.New(eng, addr, infoHash, localID, pieceCount, logger.New("t"))

	eng.upward <- peerconn.Event{Kind: peerconn.EventHandshake, Handshake: protocol.Handshake{InfoHash: infoHash, PeerID: [20]byte{99}}}
	if _, ok := s.Receive(); ok {
		t.Fatal("unexpected domain message from handshake")
	}
	for _, idx := range have {
		eng.upward <- peerconn.Event{Kind: peerconn.EventNormal, Message: protocol.Have(idx)}
	}
	if len(have) > 0 {
		if _, ok := s.Receive(); ok {
			t.Fatal("unexpected domain message from Have")
		}
	}
	return s, eng
}

type fakeStorage struct {
	pieces    map[int][]byte
	requests  []storage.Request
	stored    []storage.Block
	failBlock bool
}

func (s *fakeStorage) GetPiece(i int) ([]byte, bool) { d, ok := s.pieces[i]; return d, ok }
func (s *fakeStorage) StoreBlock(b storage.Block) (int, error) {
	if s.failBlock {
		return 0, &storage.ErrBadBlock{Reason: "test"}
	}
	s.stored = append(s.stored, b)
	return len(b.Data), nil
}
func (s *fakeStorage) BytesMissing() int64     { return 1 }
func (s *fakeStorage) Requests() []storage.Request { return s.requests }
func (s *fakeStorage) IsComplete() bool        { return false }

type fakeTracker struct{ peers []tracker.PeerAddress }

func (f *fakeTracker) Update(down, up, left int64)    {}
func (f *fakeTracker) Peers() []tracker.PeerAddress { return f.peers }

const testMaxLivePeers = 8

func newOrchestrator(store storage.Storage, trk Tracker, pieceCount int) *Orchestrator {
	layout := storage.Layout{PieceCount: pieceCount, PieceLength: 16384, TotalLength: int64(pieceCount) * 16384}
	opts := Options{MaxLivePeers: testMaxLivePeers, MaxRequestsPerIssue: 40}
	return New(trk, store, layout, [20]byte{1}, [20]byte{9}, opts, logger.New("t"))
}

func TestHandleRequestServesKnownPiece(t *testing.T) {
	store := &fakeStorage{pieces: map[int][]byte{0: []byte("0123456789")}}
	o := newOrchestrator(store, &fakeTracker{}, 4)
	s, eng := newTestSession(t, o.infoHash, o.localID, 4, nil)

	o.handleRequest(s, peer.DomainMessage{Index: 0, Begin: 2, Length: 5})

	if len(eng.sent) != 1 {
		t.Fatalf("expected one Piece message sent, got %d", len(eng.sent))
	}
	if string(eng.sent[0].Block) != "23456" {
		t.Fatalf("got block %q", eng.sent[0].Block)
	}
	if o.Uploaded() != 5 {
		t.Fatalf("expected uploaded=5, got %d", o.Uploaded())
	}
}

func TestHandleRequestOversizeDisconnects(t *testing.T) {
	store := &fakeStorage{pieces: map[int][]byte{0: make([]byte, 16384)}}
	o := newOrchestrator(store, &fakeTracker{}, 4)
	s, eng := newTestSession(t, o.infoHash, o.localID, 4, nil)

	o.handleRequest(s, peer.DomainMessage{Index: 0, Begin: 0, Length: protocol.MaxBlockLength + 1})

	if !eng.closed {
		t.Fatal("expected engine closed for oversized request")
	}
	if s.IsAlive() {
		t.Fatal("expected session disconnected")
	}
}

func TestHandlePieceAccumulatesDownloaded(t *testing.T) {
	store := &fakeStorage{pieces: map[int][]byte{}}
	o := newOrchestrator(store, &fakeTracker{}, 4)
	s, _ := newTestSession(t, o.infoHash, o.localID, 4, nil)

	o.handlePiece(s, peer.DomainMessage{Index: 0, Begin: 0, Block: []byte("hello")})

	if o.Downloaded() != 5 {
		t.Fatalf("expected downloaded=5, got %d", o.Downloaded())
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected block forwarded to storage")
	}
}

func TestHandlePieceBadBlockDisconnects(t *testing.T) {
	store := &fakeStorage{failBlock: true}
	o := newOrchestrator(store, &fakeTracker{}, 4)
	s, eng := newTestSession(t, o.infoHash, o.localID, 4, nil)

	o.handlePiece(s, peer.DomainMessage{Index: 0, Begin: 0, Block: []byte("x")})

	if !eng.closed || s.IsAlive() {
		t.Fatal("expected disconnect on bad block")
	}
}

func TestPickSessionWithPieceOnlyEligible(t *testing.T) {
	o := newOrchestrator(&fakeStorage{}, &fakeTracker{}, 4)
	sHas, _ := newTestSession(t, o.infoHash, o.localID, 4, []uint32{2})
	sHasNot, _ := newTestSession(t, o.infoHash, o.localID, 4, nil)
	o.sessions["a"] = sHas
	o.sessions["b"] = sHasNot

	picked := o.pickSessionWithPiece(2)
	if picked != sHas {
		t.Fatal("expected the session advertising piece 2 to be picked")
	}

	if got := o.pickSessionWithPiece(3); got != nil {
		t.Fatal("expected no eligible session for piece 3")
	}
}

func TestIssueRequestsOnePerPieceCap(t *testing.T) {
	store := &fakeStorage{
		requests: []storage.Request{
			{Piece: 0, Offset: 0, Length: 40000},
			{Piece: 1, Offset: 0, Length: 16384},
		},
	}
	o := newOrchestrator(store, &fakeTracker{}, 4)
	s, eng := newTestSession(t, o.infoHash, o.localID, 4, []uint32{0, 1})
	o.sessions["a"] = s

	o.issueRequests()

	// Piece 0 splits into 3 sub-requests but only the first is kept;
	// piece 1 contributes one more. Total dispatched == 2.
	if len(eng.sent) != 2 {
		t.Fatalf("expected 2 dispatched requests (one per piece), got %d", len(eng.sent))
	}
	for _, m := range eng.sent {
		if m.Length > protocol.MaxBlockLength {
			t.Fatalf("dispatched request exceeds max block length: %d", m.Length)
		}
	}
}

func TestIssueRequestsRespectsCadence(t *testing.T) {
	store := &fakeStorage{requests: []storage.Request{{Piece: 0, Offset: 0, Length: 100}}}
	o := newOrchestrator(store, &fakeTracker{}, 4)
	s, eng := newTestSession(t, o.infoHash, o.localID, 4, []uint32{0})
	o.sessions["a"] = s

	o.issueRequests()
	if len(eng.sent) != 1 {
		t.Fatalf("expected first call to dispatch, got %d sent", len(eng.sent))
	}
	o.issueRequests()
	if len(eng.sent) != 1 {
		t.Fatalf("expected second immediate call to be suppressed by cadence, got %d sent", len(eng.sent))
	}
}

func TestReapRemovesDeadSessionsAndReleasesSlot(t *testing.T) {
	o := newOrchestrator(&fakeStorage{}, &fakeTracker{}, 4)
	s, _ := newTestSession(t, o.infoHash, o.localID, 4, nil)
	o.sessions["a"] = s
	if !o.sem.TryAcquire(1) {
		t.Fatal("expected to acquire a slot")
	}

	s.Disconnect()
	o.reap()

	if _, ok := o.sessions["a"]; ok {
		t.Fatal("expected dead session removed")
	}
	if !o.sem.TryAcquire(testMaxLivePeers) {
		t.Fatal("expected released slot to bring capacity back to max")
	}
}

func TestCandidatePeersExcludesConnected(t *testing.T) {
	trk := &fakeTracker{peers: []tracker.PeerAddress{
		{IP: net.ParseIP("1.2.3.4"), Port: 6881},
		{IP: net.ParseIP("5.6.7.8"), Port: 6881},
	}}
	o := newOrchestrator(&fakeStorage{}, trk, 4)
	s, _ := newTestSession(t, o.infoHash, o.localID, 4, nil)
	o.sessions[trk.peers[0].String()] = s

	candidates := o.candidatePeers()
	if len(candidates) != 1 || candidates[0].String() != trk.peers[1].String() {
		t.Fatalf("got %+v", candidates)
	}
}
