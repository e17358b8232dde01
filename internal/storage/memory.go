package storage

import "bytes"

type piece struct {
	index int
	size  int64
	data  []byte
	hash  [20]byte
}

func (p *piece) isComplete() bool { return int64(len(p.data)) == p.size }

func (p *piece) isCorrect() bool {
	if !p.isComplete() {
		return true
	}
	return sha1Sum(p.data) == p.hash
}

func (p *piece) validate() {
	if !p.isCorrect() {
		p.data = p.data[:0]
	}
}

func (p *piece) fillRequest() (Request, bool) {
	missing := p.size - int64(len(p.data))
	if missing <= 0 {
		return Request{}, false
	}
	return Request{Piece: p.index, Offset: len(p.data), Length: int(missing)}, true
}

// Memory is the complete-piece-only backing store: it accepts growing,
// sequential writes to a piece and only exposes the piece once its
// assembled bytes pass SHA-1 verification. Grounded on
// original_source/task2/src/storage/memory.rs.
type Memory struct {
	layout   Layout
	pieces   []*piece
	complete int
}

// NewMemory allocates a backing store for the given layout.
func NewMemory(layout Layout) *Memory {
	pieces := make([]*piece, layout.PieceCount)
	for i := 0; i < layout.PieceCount; i++ {
		pieces[i] = &piece{
			index: i,
			size:  layout.PieceLengthOf(i),
			hash:  layout.Digests[i],
		}
	}
	return &Memory{layout: layout, pieces: pieces}
}

// GetPiece returns the verified bytes of piece index, or ok=false until
// a matching piece has been assembled.
func (m *Memory) GetPiece(index int) ([]byte, bool) {
	if index < 0 || index >= len(m.pieces) {
		return nil, false
	}
	p := m.pieces[index]
	if p.isComplete() && p.isCorrect() {
		return p.data, true
	}
	return nil, false
}

// HasPiece reports whether index is already complete and verified.
func (m *Memory) HasPiece(index int) bool {
	_, ok := m.GetPiece(index)
	return ok
}

// StoreBlock accepts a block for piece b.Piece. Only bytes that extend
// the piece's already-stored prefix are appended (mirroring memory.rs's
// sequential-growth rule); fully-overlapping blocks are a no-op. Once a
// piece reaches its declared size it is hash-verified, and on mismatch
// its data is discarded so it must be resent, and ErrBadBlock is returned.
func (m *Memory) StoreBlock(b Block) (int, error) {
	if b.Piece < 0 || b.Piece >= len(m.pieces) {
		return 0, badBlock("piece index out of range")
	}
	p := m.pieces[b.Piece]
	oldEnd := len(p.data)
	newEnd := b.Offset + len(b.Data)
	if int64(newEnd) > p.size {
		return 0, badBlock("block extends past piece length")
	}
	if newEnd <= oldEnd || b.Offset > oldEnd {
		return 0, nil
	}
	skip := oldEnd - b.Offset
	p.data = append(p.data, b.Data[skip:]...)
	if p.isComplete() {
		p.validate()
		if len(p.data) == 0 {
			return 0, badBlock("piece failed hash verification")
		}
		m.complete++
	}
	return len(b.Data) - skip, nil
}

// BytesMissing sums the undelivered bytes across all pieces.
func (m *Memory) BytesMissing() int64 {
	var total int64
	for _, p := range m.pieces {
		total += p.size - int64(len(p.data))
	}
	return total
}

// Requests yields a fill request for every piece not yet fully received,
// in index order.
func (m *Memory) Requests() []Request {
	var out []Request
	for _, p := range m.pieces {
		if r, ok := p.fillRequest(); ok {
			out = append(out, r)
		}
	}
	return out
}

// IsComplete reports whether every piece has been received and verified.
func (m *Memory) IsComplete() bool { return m.BytesMissing() == 0 }

// PiecesComplete returns the count of pieces that have passed hash
// verification, for progress reporting.
func (m *Memory) PiecesComplete() int { return m.complete }

// PieceCount returns the total number of pieces in the layout.
func (m *Memory) PieceCount() int { return len(m.pieces) }

// TotalLength returns the declared total payload length.
func (m *Memory) TotalLength() int64 { return m.layout.TotalLength }

// Concat returns the full payload by concatenating all pieces in order.
// Only valid once IsComplete is true.
func (m *Memory) Concat() []byte {
	var buf bytes.Buffer
	for _, p := range m.pieces {
		buf.Write(p.data)
	}
	return buf.Bytes()
}
