// Package transport carries wire frames over websockets.
//
// A Server accepts links at /nt/<identity>; a Dialer keeps one client link
// alive, reconnecting with exponential backoff. Each Link has one writer
// goroutine fed by a byte-bounded queue and one reader goroutine that hands
// frames to a Handler in arrival order.
package transport

import "time"

// Settings tune links on both sides.
type Settings struct {
	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// PingInterval is how often the writer sends a ping.
	PingInterval time.Duration
	// ReadTimeout closes the link when nothing (not even a pong) arrives
	// for this long.
	ReadTimeout time.Duration
	// MaxOutboundBytes bounds the unsent bytes queued on one link. A peer
	// that cannot keep up is disconnected.
	MaxOutboundBytes int
	// MaxMessageBytes bounds a single inbound message.
	MaxMessageBytes int64
	// ReconnectMin, ReconnectMax, and ReconnectMultiplier shape the
	// client reconnect backoff.
	ReconnectMin        time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout:    2 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingInterval:        1 * time.Second,
		ReadTimeout:         3 * time.Second,
		MaxOutboundBytes:    64 << 20,
		MaxMessageBytes:     16 << 20,
		ReconnectMin:        100 * time.Millisecond,
		ReconnectMax:        5 * time.Second,
		ReconnectMultiplier: 2,
	}
}

// Backoff produces exponentially growing delays between Min and Max.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64

	cur time.Duration
}

// NewBackoff returns a backoff starting at min.
func NewBackoff(min, max time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, Multiplier: multiplier}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Min
		return b.cur
	}
	next := time.Duration(float64(b.cur) * b.Multiplier)
	if next > b.Max || next < b.cur {
		next = b.Max
	}
	b.cur = next
	return b.cur
}

// Reset starts the sequence over at Min. Called after a session succeeds.
func (b *Backoff) Reset() { b.cur = 0 }
