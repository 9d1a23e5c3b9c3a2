// Package extent implements an ordered, disjoint free/allocated byte-range
// list: the block manager's alloc/avail/discard/ckpt_avail lists are all
// instances of this structure.
//
// The range-stepping shape is a position-plus-step walker over a byte
// offset space, with ranges stored rather than walked on each query.
package extent

import (
	"errors"
	"sort"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/wireformat"
)

// ErrOverlap is returned when a merge, or an insert in diagnostic mode,
// would overlap an existing range. Outside diagnostic mode Insert does not
// check for overlap.
var ErrOverlap = errors.New("extent: overlapping range")

// Policy selects how Alloc picks among ranges of sufficient size.
type Policy int

const (
	FirstFit Policy = iota
	BestFit
)

// Range is a half-open byte range [Offset, Offset+Size).
type Range struct {
	Offset uint64
	Size   uint64
}

func (r Range) end() uint64 { return r.Offset + r.Size }

// List is an ordered, pairwise-disjoint, non-adjacent set of byte ranges.
// Not safe for concurrent use without an external lock; the block manager
// serializes access via its own live_lock.
type List struct {
	ranges []Range // sorted by Offset, invariant: disjoint and non-adjacent
	total  uint64
	// Diagnostic, when true, re-validates the no-overlap invariant on every
	// insert at O(n) cost — off by default on the hot allocation path.
	Diagnostic bool
}

func New() *List { return &List{} }

// TotalBytes returns the sum of all range sizes.
func (l *List) TotalBytes() uint64 { return l.total }

// Entries returns the number of ranges currently held.
func (l *List) Entries() int { return len(l.ranges) }

// Ranges returns a defensive copy of the held ranges, sorted by offset.
func (l *List) Ranges() []Range {
	out := make([]Range, len(l.ranges))
	copy(out, l.ranges)
	return out
}

func (l *List) find(offset uint64) int {
	return sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].Offset >= offset })
}

// overlaps reports whether [offset, offset+size) intersects any held range.
func (l *List) overlaps(offset, size uint64) bool {
	end := offset + size
	i := l.find(offset)
	if i > 0 {
		if l.ranges[i-1].end() > offset {
			return true
		}
	}
	if i < len(l.ranges) {
		if l.ranges[i].Offset < end {
			return true
		}
	}
	return false
}

// Insert adds [offset, offset+size) to the list, coalescing with an
// adjacent predecessor or successor. Returns ErrOverlap if Diagnostic is set
// and the range overlaps an existing one; outside Diagnostic mode an
// overlap is a caller bug and is not checked.
func (l *List) Insert(offset, size uint64) error {
	if size == 0 {
		return ae.ErrInvalidArgument
	}
	if l.Diagnostic && l.overlaps(offset, size) {
		return ErrOverlap
	}
	i := l.find(offset)
	touchesLeft := i > 0 && l.ranges[i-1].end() == offset
	touchesRight := i < len(l.ranges) && offset+size == l.ranges[i].Offset

	switch {
	case touchesLeft && touchesRight:
		l.ranges[i-1].Size += size + l.ranges[i].Size
		l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
	case touchesLeft:
		l.ranges[i-1].Size += size
	case touchesRight:
		l.ranges[i].Offset = offset
		l.ranges[i].Size += size
	default:
		l.ranges = append(l.ranges, Range{})
		copy(l.ranges[i+1:], l.ranges[i:])
		l.ranges[i] = Range{Offset: offset, Size: size}
	}
	l.total += size
	return nil
}

// Remove deletes [offset, offset+size) from the list, splitting the
// containing range into up to two pieces. Returns ae.ErrInvalidArgument if
// no single held range fully contains the requested span.
func (l *List) Remove(offset, size uint64) error {
	end := offset + size
	i := l.find(offset + 1)
	// find(offset+1) lands just past a range starting at offset, so back up
	// to the range that might contain offset.
	if i > 0 && l.ranges[i-1].Offset <= offset && l.ranges[i-1].end() >= end {
		i--
	} else {
		return ae.ErrInvalidArgument
	}
	cr := l.ranges[i]
	var pieces []Range
	if cr.Offset < offset {
		pieces = append(pieces, Range{Offset: cr.Offset, Size: offset - cr.Offset})
	}
	if end < cr.end() {
		pieces = append(pieces, Range{Offset: end, Size: cr.end() - end})
	}
	l.ranges = append(l.ranges[:i], append(pieces, l.ranges[i+1:]...)...)
	l.total -= size
	return nil
}

// Alloc removes and returns the offset of a size-byte span chosen according
// to policy: FirstFit picks the lowest-offset sufficient range, BestFit the
// smallest sufficient range (ties broken by lower offset). The chosen range
// is shrunk from its front; if exhausted it is removed entirely.
func (l *List) Alloc(size uint64, policy Policy) (uint64, error) {
	if size == 0 {
		return 0, ae.ErrInvalidArgument
	}
	best := -1
	for i, r := range l.ranges {
		if r.Size < size {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		switch policy {
		case BestFit:
			if r.Size < l.ranges[best].Size || (r.Size == l.ranges[best].Size && r.Offset < l.ranges[best].Offset) {
				best = i
			}
		default: // FirstFit
			if r.Offset < l.ranges[best].Offset {
				best = i
			}
		}
	}
	if best == -1 {
		return 0, ae.ErrBusy
	}
	offset := l.ranges[best].Offset
	if l.ranges[best].Size == size {
		l.ranges = append(l.ranges[:best], l.ranges[best+1:]...)
	} else {
		l.ranges[best].Offset += size
		l.ranges[best].Size -= size
	}
	l.total -= size
	return offset, nil
}

// OverlapInto moves, from a into dest, the portion of every range in a that
// overlaps a range in b, removing the moved span from both a and b. Used to
// reclaim blocks freed during a checkpoint into ckpt_avail.
func OverlapInto(a, b, dest *List) error {
	// Walk the overlap of a and b the way a merge-join walks two sorted
	// streams; collect the intersecting spans first so we don't mutate a/b
	// mid-scan.
	var moves []Range
	ai, bi := 0, 0
	for ai < len(a.ranges) && bi < len(b.ranges) {
		ra, rb := a.ranges[ai], b.ranges[bi]
		lo := ra.Offset
		if rb.Offset > lo {
			lo = rb.Offset
		}
		hi := ra.end()
		if rb.end() < hi {
			hi = rb.end()
		}
		if lo < hi {
			moves = append(moves, Range{Offset: lo, Size: hi - lo})
		}
		if ra.end() <= rb.end() {
			ai++
		} else {
			bi++
		}
	}
	for _, m := range moves {
		if err := a.Remove(m.Offset, m.Size); err != nil {
			return err
		}
		if err := b.Remove(m.Offset, m.Size); err != nil {
			return err
		}
		if err := dest.Insert(m.Offset, m.Size); err != nil {
			return err
		}
	}
	return nil
}

// Merge unions src into dst, failing with ErrOverlap if any range in src
// intersects a range already in dst.
func Merge(src, dst *List) error {
	for _, r := range src.ranges {
		if dst.overlaps(r.Offset, r.Size) {
			return ErrOverlap
		}
	}
	for _, r := range src.ranges {
		if err := dst.Insert(r.Offset, r.Size); err != nil {
			return err
		}
	}
	return nil
}

// TruncateTail removes any tail range(s) that end exactly at fileSize,
// shrinking fileSize to the start of the removed range each time. It
// returns the new file size; the caller is responsible for the actual file
// truncate syscall.
func (l *List) TruncateTail(fileSize uint64) uint64 {
	for len(l.ranges) > 0 {
		last := l.ranges[len(l.ranges)-1]
		if last.end() != fileSize {
			break
		}
		l.ranges = l.ranges[:len(l.ranges)-1]
		l.total -= last.Size
		fileSize = last.Offset
	}
	return fileSize
}

// MarshalBinary serializes the list as a header (entry count, total bytes)
// followed by a run of varint-packed offset/size deltas.
func (l *List) MarshalBinary() ([]byte, error) {
	w := wireformat.NewWriter()
	w.Uvarint(uint64(len(l.ranges)))
	w.Uvarint(l.total)
	var prevEnd uint64
	for _, r := range l.ranges {
		w.Uvarint(r.Offset - prevEnd) // delta from previous range's end
		w.Uvarint(r.Size)
		prevEnd = r.end()
	}
	return w.Finish(), nil
}

// UnmarshalBinary parses the form written by MarshalBinary, verifying that
// offsets strictly increase and ranges do not overlap.
func (l *List) UnmarshalBinary(buf []byte) error {
	r := wireformat.NewReader(buf)
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	total, err := r.Uvarint()
	if err != nil {
		return err
	}
	ranges := make([]Range, 0, n)
	var prevEnd uint64
	var sum uint64
	for i := uint64(0); i < n; i++ {
		delta, err := r.Uvarint()
		if err != nil {
			return err
		}
		size, err := r.Uvarint()
		if err != nil {
			return err
		}
		offset := prevEnd + delta
		if i > 0 && offset <= prevEnd {
			return ae.ErrCorruptFile
		}
		ranges = append(ranges, Range{Offset: offset, Size: size})
		prevEnd = offset + size
		sum += size
	}
	if sum != total {
		return ae.ErrCorruptFile
	}
	l.ranges = ranges
	l.total = total
	return nil
}

// Clone returns a deep copy, used by the block manager's checkpoint phase 1
// so it can mutate a working copy while the live list stays usable by
// concurrent allocators until the swap.
func (l *List) Clone() *List {
	out := &List{total: l.total, Diagnostic: l.Diagnostic}
	out.ranges = append([]Range(nil), l.ranges...)
	return out
}
