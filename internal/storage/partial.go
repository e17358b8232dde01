package storage

// maxPartialPieces caps the number of pieces held in flight as sorted
// segment lists, per spec.md section 4.4.
const maxPartialPieces = 100

// segment is a single contiguous, non-overlapping byte range within a
// partial piece.
type segment struct {
	start int
	end   int
	data  []byte
}

func segmentFromBlock(b Block) segment {
	return segment{start: b.Offset, end: b.Offset + len(b.Data), data: b.Data}
}

// merge combines two intersecting-or-touching segments, keeping
// whichever starts earlier as the base and appending only the bytes of
// the other segment that extend past the base's end. This is a direct
// translation of original_source/task2/src/storage/partial.rs's
// Segment::merge, which spec.md section 9 notes is deliberately
// inclusive-on-touching on both sides.
func mergeSegments(a, b segment) segment {
	first, second := a, b
	if b.start < a.start {
		first, second = b, a
	}
	if first.end < second.end {
		extra := second.end - first.end
		tail := second.data[len(second.data)-extra:]
		first.data = append(first.data, tail...)
		first.end = second.end
	}
	return first
}

// partialPiece is an in-flight piece represented as a sorted list of
// non-overlapping, non-touching byte segments.
type partialPiece struct {
	index    int
	length   int64
	segments []segment
}

func newPartialPiece(index int, length int64) *partialPiece {
	return &partialPiece{index: index, length: length}
}

// intersecting returns the half-open [start, end) index range within
// p.segments that touch or overlap seg, per spec.md section 4.4 step 3.
func (p *partialPiece) intersecting(seg segment) (int, int) {
	start := len(p.segments)
	for i, s := range p.segments {
		if s.end >= seg.start {
			start = i
			break
		}
	}
	end := len(p.segments)
	for i, s := range p.segments {
		if s.start > seg.end {
			end = i
			break
		}
	}
	return start, end
}

// addSegment merges seg into the partial piece, returning the net
// number of new bytes accepted (post-merge length minus the length of
// the segments it absorbed).
func (p *partialPiece) addSegment(seg segment) (int, error) {
	if seg.end > int(p.length) {
		return 0, badBlock("block extends past piece length")
	}
	start, end := p.intersecting(seg)
	removed := 0
	merged := seg
	for _, s := range p.segments[start:end] {
		removed += len(s.data)
		merged = mergeSegments(merged, s)
	}
	added := len(merged.data) - removed
	p.segments = append(p.segments[:start:start], append([]segment{merged}, p.segments[end:]...)...)
	return added, nil
}

func (p *partialPiece) bytesStored() int64 {
	var n int64
	for _, s := range p.segments {
		n += int64(len(s.data))
	}
	return n
}

func (p *partialPiece) bytesMissing() int64 { return p.length - p.bytesStored() }

func (p *partialPiece) isComplete() bool { return p.bytesMissing() == 0 }

// completeData returns the sole [0, length) segment's bytes once complete.
func (p *partialPiece) completeData() []byte {
	return p.segments[0].data
}

// requests yields a fill request for every gap between segments and the
// trailing gap up to length.
func (p *partialPiece) requests() []Request {
	var out []Request
	start := 0
	for _, s := range p.segments {
		if s.start > start {
			out = append(out, Request{Piece: p.index, Offset: start, Length: s.start - start})
		}
		start = s.end
	}
	if int64(start) < p.length {
		out = append(out, Request{Piece: p.index, Offset: start, Length: int(p.length) - start})
	}
	return out
}

// Partial layers segment-merging bookkeeping over a complete-piece-only
// backing store, per spec.md section 4.4.
type Partial struct {
	layout   Layout
	backed   Storage
	partials map[int]*partialPiece
}

// NewPartial wraps backed with partial-piece tracking for layout.
func NewPartial(layout Layout, backed Storage) *Partial {
	return &Partial{layout: layout, backed: backed, partials: make(map[int]*partialPiece)}
}

// GetPiece delegates to the backing store; only complete, hash-verified
// pieces are ever visible.
func (p *Partial) GetPiece(index int) ([]byte, bool) { return p.backed.GetPiece(index) }

// StoreBlock merges b into the relevant partial piece (allocating one if
// needed and room remains), forwarding the assembled piece to the
// backing store once it completes and passes verification.
func (p *Partial) StoreBlock(b Block) (int, error) {
	if b.Piece < 0 || b.Piece >= p.layout.PieceCount {
		return 0, badBlock("piece index out of range")
	}

	p.maybeAllocate(b.Piece)

	pp, ok := p.partials[b.Piece]
	if !ok {
		// No partial exists (cap reached, or backing store already has
		// this piece): nothing to accumulate.
		return 0, nil
	}

	added, err := pp.addSegment(segmentFromBlock(b))
	if err != nil {
		return 0, err
	}

	if pp.isComplete() {
		if len(pp.segments) != 1 {
			panic("storage: partial piece complete but not a single segment")
		}
		data := pp.completeData()
		delete(p.partials, b.Piece)
		if _, err := p.backed.StoreBlock(Block{Piece: b.Piece, Offset: 0, Data: data}); err != nil {
			// The assembled piece failed hash verification in the
			// backing store: the block is bad and must be re-fetched.
			return 0, err
		}
	}

	return added, nil
}

func (p *Partial) maybeAllocate(index int) {
	if _, exists := p.partials[index]; exists {
		return
	}
	if len(p.partials) >= maxPartialPieces {
		return
	}
	if p.hasPiece(index) {
		return
	}
	p.partials[index] = newPartialPiece(index, p.layout.PieceLengthOf(index))
}

func (p *Partial) hasPiece(index int) bool {
	type hasPiecer interface{ HasPiece(int) bool }
	if hp, ok := p.backed.(hasPiecer); ok {
		return hp.HasPiece(index)
	}
	_, ok := p.backed.GetPiece(index)
	return ok
}

// BytesMissing is the backing store's missing bytes minus the bytes
// already accumulated in partials. The backing store only ever receives
// whole pieces, so a piece tracked as a partial counts as fully missing
// there, and subtracting its stored bytes leaves what is still to fetch.
func (p *Partial) BytesMissing() int64 {
	total := p.backed.BytesMissing()
	for _, pp := range p.partials {
		total -= pp.bytesStored()
	}
	return total
}

// Requests yields every partial's gap requests first, then the backing
// store's fill requests for pieces not yet started.
func (p *Partial) Requests() []Request {
	var out []Request
	for _, pp := range p.partials {
		out = append(out, pp.requests()...)
	}
	for _, r := range p.backed.Requests() {
		if _, inFlight := p.partials[r.Piece]; inFlight {
			continue
		}
		out = append(out, r)
	}
	return out
}

// IsComplete holds exactly when BytesMissing reaches zero.
func (p *Partial) IsComplete() bool { return p.BytesMissing() == 0 }
