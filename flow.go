package nsq

import (
	"time"
)

// FlowState is the state of a FlowController.
type FlowState int

const (
	// FlowNormal advertises the full window.
	FlowNormal FlowState = iota

	// FlowBackoffPending advertises RDY 0 until the backoff delay elapses.
	FlowBackoffPending

	// FlowProbing advertises RDY 1 and waits for the outcome of the probe message.
	FlowProbing
)

func (s FlowState) String() string {
	switch s {
	case FlowNormal:
		return "normal"
	case FlowBackoffPending:
		return "backoff-pending"
	case FlowProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// FlowConfig configures a FlowController.
type FlowConfig struct {
	// MaxInFlight is the full window restored after a backoff.
	MaxInFlight int

	// InitialRDY is the readiness advertised right after subscribing.
	InitialRDY int

	// BaseDelay is multiplied by 2^min(failures, MaxExponent).
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// MaxExponent caps the exponent of the delay computation.
	MaxExponent int

	// RecoveryThreshold is the number of consecutive probe successes needed to leave backoff.
	RecoveryThreshold int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// BackoffState is a snapshot of a FlowController.
type BackoffState struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	CurrentRDY           int
	BackoffUntil         time.Time
	InBackoff            bool
}

// FlowController decides the readiness (RDY) a connection advertises from the
// outcome of its messages.
//
// It performs no I/O and is not safe for concurrent use: the session event loop owns it.
//
//	Normal --failure--> BackoffPending --timer--> Probing --success x threshold--> Normal
//	                         ^                       |
//	                         +--------failure--------+
type FlowController struct {
	cfg   FlowConfig
	state BackoffState
}

// NewFlowController returns a controller in the Normal state advertising InitialRDY.
func NewFlowController(cfg FlowConfig) *FlowController {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.InitialRDY < 0 {
		cfg.InitialRDY = 0
	}
	if cfg.InitialRDY > cfg.MaxInFlight {
		cfg.InitialRDY = cfg.MaxInFlight
	}
	if cfg.MaxExponent < 0 {
		cfg.MaxExponent = 0
	}
	if cfg.RecoveryThreshold < 1 {
		cfg.RecoveryThreshold = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	f := &FlowController{cfg: cfg}
	f.Reset()
	return f
}

// Reset returns to the initial Normal state. Called on every new connection.
func (f *FlowController) Reset() {
	f.state = BackoffState{CurrentRDY: f.cfg.InitialRDY}
}

// State returns the current state.
func (f *FlowController) State() FlowState {
	switch {
	case !f.state.InBackoff:
		return FlowNormal
	case f.state.CurrentRDY == 0:
		return FlowBackoffPending
	default:
		return FlowProbing
	}
}

// Snapshot returns a copy of the backoff state.
func (f *FlowController) Snapshot() BackoffState {
	return f.state
}

// RDY returns the readiness currently advertised.
func (f *FlowController) RDY() int {
	return f.state.CurrentRDY
}

// Delay returns the backoff delay after n consecutive failures.
// It is non-decreasing in n and never exceeds MaxDelay.
func (f *FlowController) Delay(n int) time.Duration {
	exp := min(n, f.cfg.MaxExponent)
	if exp < 0 {
		exp = 0
	}

	d := f.cfg.BaseDelay
	for range exp {
		if f.cfg.MaxDelay > 0 && d >= f.cfg.MaxDelay {
			break
		}
		if d > maxDuration/2 {
			d = maxDuration
			break
		}
		d *= 2
	}

	if f.cfg.MaxDelay > 0 && d > f.cfg.MaxDelay {
		d = f.cfg.MaxDelay
	}
	return d
}

const maxDuration = time.Duration(1<<63 - 1)

// OnFailure records a failed message (requeue or timeout) and enters backoff.
// Returns the delay after which OnTimerExpired should be called.
func (f *FlowController) OnFailure() time.Duration {
	f.state.ConsecutiveFailures++
	f.state.ConsecutiveSuccesses = 0
	f.state.InBackoff = true
	f.state.CurrentRDY = 0

	delay := f.Delay(f.state.ConsecutiveFailures)
	f.state.BackoffUntil = f.cfg.Now().Add(delay)
	return delay
}

// OnTimerExpired moves a pending backoff to probing.
// It returns false when nothing changed: not in backoff, already probing, or
// the deadline was pushed back by a later failure.
func (f *FlowController) OnTimerExpired() bool {
	if f.State() != FlowBackoffPending {
		return false
	}
	if f.cfg.Now().Before(f.state.BackoffUntil) {
		return false
	}
	f.state.CurrentRDY = 1
	return true
}

// OnSuccess records a finished message.
// It returns true when the readiness changed.
//
// In backoff, pending or probing, successes count toward RecoveryThreshold;
// reaching it restores the full window and a pending timer becomes stale.
// In the Normal state a success raises a reduced initial readiness to the
// full window and leaves the backoff counters alone.
func (f *FlowController) OnSuccess() bool {
	if !f.state.InBackoff {
		if f.state.CurrentRDY < f.cfg.MaxInFlight {
			f.state.CurrentRDY = f.cfg.MaxInFlight
			return true
		}
		return false
	}

	f.state.ConsecutiveSuccesses++
	if f.state.ConsecutiveSuccesses < f.cfg.RecoveryThreshold {
		return false
	}
	f.state = BackoffState{CurrentRDY: f.cfg.MaxInFlight}
	return true
}
