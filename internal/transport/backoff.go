package transport

import "time"

// Backoff is a capped exponential delay between reconnect attempts
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Delay returns Base * 2^retry, capped at Max
func (b Backoff) Delay(retry int) time.Duration {
	if retry <= 0 {
		return b.Base
	}
	if retry > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<retry)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
