package wire

import "sync/atomic"

// Seq correlates a request with its reply.
type Seq uint32

const (
	// SeqNotify marks an event that is not a direct reply to a call.
	SeqNotify Seq = 0

	// SeqAny matches every sequence number. Standing subscriptions use it.
	SeqAny Seq = 0xFFFFFFFF
)

// Matches reports whether a listener registered with s accepts an event
// carrying seq.
func (s Seq) Matches(seq Seq) bool {
	return s == SeqAny || s == seq
}

// SeqCounter allocates monotonically increasing sequence numbers.
// Reserved values are never returned. The zero value is ready to use.
type SeqCounter struct {
	last atomic.Uint32
}

// Next returns the next sequence number.
func (c *SeqCounter) Next() Seq {
	for {
		s := Seq(c.last.Add(1))
		if s != SeqNotify && s != SeqAny {
			return s
		}
	}
}
