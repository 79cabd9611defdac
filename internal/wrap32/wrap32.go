// Package wrap32 implements the 32-bit wrapping sequence number arithmetic
// used to carry TCP sequence and acknowledgement numbers (RFC 793 Section
// 3.3) while reasoning about them as 64-bit absolute byte indices.
package wrap32

import "strconv"

// Wrap32 is a 32-bit value with modulo-2^32 arithmetic. It wraps a raw
// uint32 so that sequence/ack numbers cannot be mixed up with plain
// integers by accident.
type Wrap32 struct {
	raw uint32
}

// New wraps a raw uint32 value.
func New(raw uint32) Wrap32 {
	return Wrap32{raw: raw}
}

// Raw returns the underlying 32-bit value.
func (w Wrap32) Raw() uint32 {
	return w.raw
}

// Wrap computes wrap(n, isn) = (n + isn) mod 2^32, the forward half of the
// bijection between a 64-bit absolute index and its 32-bit wire
// representation.
func Wrap(n uint64, isn Wrap32) Wrap32 {
	return Wrap32{raw: uint32(n) + isn.raw}
}

// Add returns the wrapping sum of w and other's raw values.
func (w Wrap32) Add(other uint32) Wrap32 {
	return Wrap32{raw: w.raw + other}
}

// Equal reports whether w and other have bit-identical raw values.
func (w Wrap32) Equal(other Wrap32) bool {
	return w.raw == other.raw
}

// Unwrap returns the unique 64-bit absolute index a such that
// Wrap(a, isn) == w and |a - checkpoint| is minimized, ties breaking
// toward the larger candidate. This is the standard PAWS-compatible
// mapping: it lets a 64-bit stream offset survive indefinitely inside a
// 32-bit wire field by anchoring disambiguation to a checkpoint the
// caller already knows is close to the true value (typically the
// caller's own next_byte_idx).
func (w Wrap32) Unwrap(isn Wrap32, checkpoint uint64) uint64 {
	r := uint64(w.raw - isn.raw)

	const wrapSpan uint64 = 1 << 32
	const half = 1 << 31

	// k centers the candidate r + k*2^32 on checkpoint: solve for the
	// integer k minimizing |r + k*2^32 - checkpoint|, clamped so the
	// result never goes negative (absolute indices start at 0).
	var k uint64
	if checkpoint+half >= r {
		k = (checkpoint + half - r) / wrapSpan
	}

	return r + k*wrapSpan
}

// String renders the wrapped value in decimal for logging.
func (w Wrap32) String() string {
	return strconv.FormatUint(uint64(w.raw), 10)
}
