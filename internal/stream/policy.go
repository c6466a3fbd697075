package stream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy decides how long to wait before the next dial attempt.
// It wraps an exponential backoff whose counter resets only after a
// connection has stayed up for a sustained period, so a flapping endpoint
// keeps its capped delay instead of hammering the brokerage.
type ReconnectPolicy struct {
	cap       time.Duration
	sustained time.Duration
	eb        *backoff.ExponentialBackOff
}

// NewReconnectPolicy builds a policy with the given base delay, delay cap,
// and required uptime before the backoff resets.
func NewReconnectPolicy(base, cap, sustained time.Duration) *ReconnectPolicy {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = cap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()
	return &ReconnectPolicy{cap: cap, sustained: sustained, eb: eb}
}

// NextDelay returns the wait before the next dial attempt.
func (p *ReconnectPolicy) NextDelay() time.Duration {
	d := p.eb.NextBackOff()
	if d == backoff.Stop || d > p.cap {
		d = p.cap
	}
	return d
}

// ConnectionClosed records the uptime of the connection that just ended.
// Only a sustained connection counts as recovery and resets the backoff.
func (p *ReconnectPolicy) ConnectionClosed(uptime time.Duration) {
	if uptime >= p.sustained {
		p.eb.Reset()
	}
}
