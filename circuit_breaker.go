package nsq

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/nsq/wire"
)

// CircuitBreaker guards the publish path to one daemon.
type CircuitBreaker = gobreaker.CircuitBreaker[wire.Frame]

// NewCircuitBreakerConfig returns a function that creates circuit breakers for daemons.
// A breaker opens when at least 3 requests were seen in the interval and 60% failed.
//
// Errors the daemon answered with (E_PUB_FAILED, E_BAD_TOPIC ...) and requests
// rejected before being sent do not count as failures: the daemon is reachable.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(addr string) *CircuitBreaker {
	return func(addr string) *CircuitBreaker {
		return gobreaker.NewCircuitBreaker[wire.Frame](gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: isBreakerSuccess,
		})
	}
}

func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}

	var serverErr *wire.ServerError
	var nameErr *wire.InvalidNameError
	var cmdErr *wire.InvalidCommandError
	return errors.As(err, &serverErr) || errors.As(err, &nameErr) || errors.As(err, &cmdErr)
}
