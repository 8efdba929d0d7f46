package nsq

import (
	"errors"
	"time"
)

// ErrReconnectFailed is returned by a session whose reconnect policy gave up.
var ErrReconnectFailed = errors.New("nsq: reconnect failed: max attempts reached")

// ReconnectPolicy computes the delay before each reconnection attempt.
// It is independent from the message backoff of the FlowController.
type ReconnectPolicy struct {
	// BaseDelay is the delay before the first attempt.
	// Attempt n waits BaseDelay * 2^(n-1).
	// Default: 1 second.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	// Default: 30 seconds.
	MaxDelay time.Duration

	// MaxAttempts stops reconnecting after that many consecutive failed attempts.
	// Zero means no limit.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the policy used when Config.Reconnect is zero.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before attempt (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt exceeds MaxAttempts.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
