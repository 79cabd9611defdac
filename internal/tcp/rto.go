// Retransmission timeout policy. spec.md's Non-goals exclude congestion
// control and retransmission timer *policy* beyond a single pluggable RTO;
// this file is that one pluggable implementation — classic TCP exponential
// backoff (RFC 6298 Section 5, simplified: no RTT measurement, a fixed
// initial value doubled on every retransmit up to a ceiling).

package tcp

import "time"

// RTOPolicy tracks the current retransmission timeout for one connection
// and the exponential backoff applied on each unacknowledged retransmit.
type RTOPolicy struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewRTOPolicy constructs a policy starting at initial, never exceeding
// max. If initial > max, initial is clamped to max.
func NewRTOPolicy(initial, max time.Duration) *RTOPolicy {
	if initial > max {
		initial = max
	}
	return &RTOPolicy{
		initial: initial,
		max:     max,
		current: initial,
	}
}

// Current returns the timeout to arm for the next retransmit.
func (p *RTOPolicy) Current() time.Duration {
	return p.current
}

// Backoff doubles the current timeout, capped at max. Called after every
// retransmit of the oldest unacknowledged segment.
func (p *RTOPolicy) Backoff() time.Duration {
	next := p.current * 2
	if next > p.max || next <= 0 {
		next = p.max
	}
	p.current = next
	return p.current
}

// Reset returns the timeout to its initial value. Called whenever new
// data is freshly acknowledged, per the standard backoff discipline.
func (p *RTOPolicy) Reset() {
	p.current = p.initial
}
