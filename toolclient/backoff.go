package toolclient

import "time"

// Backoff doubles Base for every attempt after the first, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given 1-based attempt. The first attempt
// does not wait.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 2; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
