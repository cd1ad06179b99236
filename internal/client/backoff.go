package client

import "time"

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Backoff computes reconnect delays. The first attempt after a reset is
// immediate; subsequent attempts double from Base up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// NewBackoff returns a backoff with the default base and cap.
func NewBackoff() *Backoff {
	return &Backoff{Base: defaultBackoffBase, Max: defaultBackoffMax}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	attempt := b.attempt
	b.attempt++
	if attempt == 0 {
		return 0
	}
	d := b.Base << (attempt - 1)
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
