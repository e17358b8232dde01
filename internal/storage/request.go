// Package storage implements the hash-verified piece store and the
// partial-piece accumulator layered over it, per spec.md section 4.4 and
// the Storage interface of section 4.5. Grounded on
// original_source/task2/src/storage/{mod,memory,partial}.rs and
// downloader/request.rs, translated into Go idiom.
package storage

import "crypto/sha1"

// Request is an arbitrary contiguous subrange of a piece.
type Request struct {
	Piece  int
	Offset int
	Length int
}

// Split breaks r into consecutive sub-requests of at most maxLength
// bytes each, mirroring original_source's RequestSplitIter.
func (r Request) Split(maxLength int) []Request {
	var out []Request
	start := r.Offset
	end := r.Offset + r.Length
	for start < end {
		length := end - start
		if length > maxLength {
			length = maxLength
		}
		out = append(out, Request{Piece: r.Piece, Offset: start, Length: length})
		start += maxLength
	}
	return out
}

// Intersects reports whether r and other overlap within the same piece.
func (r Request) Intersects(other Request) bool {
	return r.Piece == other.Piece &&
		r.Offset < other.Offset+other.Length &&
		other.Offset < r.Offset+r.Length
}

// Block is an arbitrary contiguous subrange of a piece carrying data,
// received from or destined for the wire.
type Block struct {
	Piece  int
	Offset int
	Data   []byte
}

// ErrBadBlock indicates a framing or hash violation: an out-of-range
// piece/offset, or a completed piece that fails its SHA-1 digest.
type ErrBadBlock struct{ Reason string }

func (e *ErrBadBlock) Error() string { return "storage: bad block: " + e.Reason }

func badBlock(reason string) error { return &ErrBadBlock{Reason: reason} }

// Layout describes the static, shared-read-only piece geometry of a
// torrent: piece count, uniform piece length, and per-piece digests.
type Layout struct {
	PieceCount  int
	PieceLength int64
	TotalLength int64
	Digests     [][20]byte
}

// PieceLengthOf returns the length of piece i, accounting for a shorter
// final piece when TotalLength isn't a multiple of the uniform length.
func (l Layout) PieceLengthOf(i int) int64 {
	if i == l.PieceCount-1 {
		last := l.TotalLength - int64(l.PieceCount-1)*l.PieceLength
		return last
	}
	return l.PieceLength
}

func sha1Sum(data []byte) [20]byte {
	return sha1.Sum(data)
}

// Storage is the interface the orchestrator consumes, per spec.md
// section 4.5.
type Storage interface {
	GetPiece(index int) ([]byte, bool)
	StoreBlock(b Block) (int, error)
	BytesMissing() int64
	Requests() []Request
	IsComplete() bool
}
