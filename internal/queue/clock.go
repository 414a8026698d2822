package queue

import "sync/atomic"

// seqClock hands out Seq stamps. Seq, not EnqueuedAt, fixes send order,
// so two operations queued within one wall-clock tick, or across a clock
// adjustment, keep their submission order after a restart.
type seqClock struct {
	last atomic.Int64
}

// next returns a stamp greater than every stamp issued or resumed so far.
func (c *seqClock) next() int64 {
	return c.last.Add(1)
}

// resume moves the clock forward to seq. It never moves it back.
func (c *seqClock) resume(seq int64) {
	for {
		cur := c.last.Load()
		if seq <= cur || c.last.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (c *seqClock) current() int64 {
	return c.last.Load()
}
