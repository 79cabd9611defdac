// Package reassembly implements an out-of-order byte-range reassembler
// sitting in front of a bounded stream.ByteStream.
package reassembly

import (
	"github.com/quietriver/rawtcp/internal/stream"
)

// Reassembler accepts possibly overlapping, possibly out-of-order byte
// ranges keyed by absolute stream index and commits them to its output
// ByteStream in order as gaps close.
//
// Not safe for concurrent use; the owning TCPReceiver serializes access.
type Reassembler struct {
	output *stream.ByteStream

	// segments holds byte ranges not yet committed, keyed by absolute
	// first index. Entries are disjoint and non-abutting: adjacent or
	// overlapping ranges are always merged on insert.
	segments map[uint64][]byte

	nextByteIdx  uint64
	bytesPending uint64

	lastRecvd   bool
	lastByteIdx uint64
}

// New constructs a Reassembler writing committed bytes to output.
func New(output *stream.ByteStream) *Reassembler {
	return &Reassembler{
		output:   output,
		segments: make(map[uint64][]byte),
	}
}

// Insert offers a range of bytes starting at the absolute byte index
// firstIndex. isLast marks firstIndex+len(data) as the exclusive end of
// the stream (the FIN byte position).
func (r *Reassembler) Insert(firstIndex uint64, data []byte, isLast bool) {
	if len(data) == 0 && !isLast {
		return
	}

	if isLast {
		r.lastRecvd = true
		r.lastByteIdx = firstIndex + uint64(len(data))
	}

	if r.lastRecvd && r.nextByteIdx >= r.lastByteIdx {
		r.output.Close()
		return
	}

	if firstIndex+uint64(len(data)) <= r.nextByteIdx {
		return // entirely in the past
	}

	start := r.nextByteIdx
	if firstIndex > start {
		start = firstIndex
	}

	windowEnd := r.nextByteIdx + r.output.RemainingCapacity()
	end := firstIndex + uint64(len(data))
	if windowEnd < end {
		end = windowEnd
	}

	if start >= end {
		return // no buffer room
	}

	admitted := data[start-firstIndex : end-firstIndex]
	r.mergeAndInsert(start, end, admitted)
	r.commit()
}

// mergeAndInsert merges [start, end) with every pending segment it
// intersects, with the new window's bytes authoritative on overlap, then
// stores the merged result back into segments.
func (r *Reassembler) mergeAndInsert(start, end uint64, data []byte) {
	mergedStart, mergedEnd := start, end

	type removed struct {
		k uint64
		v []byte
	}
	var taken []removed

	for k, v := range r.segments {
		segEnd := k + uint64(len(v))
		if segEnd < start || k > end {
			continue // neither overlapping nor abutting
		}
		taken = append(taken, removed{k, v})
		delete(r.segments, k)
		r.bytesPending -= uint64(len(v))
		if k < mergedStart {
			mergedStart = k
		}
		if segEnd > mergedEnd {
			mergedEnd = segEnd
		}
	}

	buf := make([]byte, mergedEnd-mergedStart)
	for _, t := range taken {
		copy(buf[t.k-mergedStart:], t.v)
	}
	copy(buf[start-mergedStart:], data) // new window wins on overlap

	// mergedEnd can exceed end if the merge pulled in a pending segment
	// that reached past this call's admission window (possible if
	// capacity later shrank). The whole run is kept as one segment
	// regardless, preserving the disjoint-and-non-abutting invariant;
	// commit drains whatever capacity allows and leaves the rest pending.
	r.segments[mergedStart] = buf
	r.bytesPending += uint64(len(buf))
}

// commit drains from the head: every segment keyed at nextByteIdx is
// written to the output stream in order, advancing nextByteIdx. Stops on
// a gap, a partial write (stream out of capacity), or a zero-length
// write.
func (r *Reassembler) commit() {
	for {
		v, ok := r.segments[r.nextByteIdx]
		if !ok {
			break
		}

		n, _ := r.output.Write(v)
		if n == 0 {
			break
		}

		delete(r.segments, r.nextByteIdx)
		r.bytesPending -= uint64(len(v))

		if n == len(v) {
			r.nextByteIdx += uint64(n)
			continue
		}

		remainder := v[n:]
		r.segments[r.nextByteIdx+uint64(n)] = remainder
		r.bytesPending += uint64(len(remainder))
		r.nextByteIdx += uint64(n)
		break
	}

	if r.lastRecvd && r.nextByteIdx >= r.lastByteIdx {
		r.output.Close()
	}
}

// BytesPending returns the sum of lengths of all not-yet-committed
// pending segments.
func (r *Reassembler) BytesPending() uint64 {
	return r.bytesPending
}

// NextByteIdx returns the first absolute byte index not yet committed to
// the output stream.
func (r *Reassembler) NextByteIdx() uint64 {
	return r.nextByteIdx
}

// Read delegates to the wrapped ByteStream.
func (r *Reassembler) Read(buf []byte) (int, error) {
	return r.output.Read(buf)
}

// Output returns the wrapped ByteStream, for callers that need direct
// access to its observers (EOF, IsClosed, and so on).
func (r *Reassembler) Output() *stream.ByteStream {
	return r.output
}
