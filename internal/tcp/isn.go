package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/quietriver/rawtcp/internal/wrap32"
)

// ISNAllocator generates per-connection initial sequence numbers.
//
// RFC 793 does not mandate true randomness, only that an ISN must not
// repeat soon enough to collide with a prior incarnation of the same
// connection. This implementation draws from crypto/rand for every
// allocation rather than running a clock-driven generator, which is
// simpler and sufficient given the connection counts this daemon handles.
type ISNAllocator struct{}

// NewISNAllocator constructs an ISNAllocator.
func NewISNAllocator() *ISNAllocator {
	return &ISNAllocator{}
}

// Allocate returns a fresh random ISN wrapped as a Wrap32.
func (a *ISNAllocator) Allocate() (wrap32.Wrap32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return wrap32.Wrap32{}, fmt.Errorf("allocate ISN: %w", err)
	}
	return wrap32.New(binary.BigEndian.Uint32(buf[:])), nil
}
