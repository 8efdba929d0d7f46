// Package coarsetime provides a clock refreshed every few milliseconds, for
// timestamps taken on hot paths where time.Now is too costly and exactness
// does not matter (connection idle times, last write).
package coarsetime

import (
	"sync/atomic"
	"time"
)

// Resolution is the refresh interval of the clock.
const Resolution = 50 * time.Millisecond

var nanos atomic.Int64

func init() {
	nanos.Store(time.Now().UnixNano())

	ticker := time.NewTicker(Resolution)
	go func() {
		for t := range ticker.C {
			nanos.Store(t.UnixNano())
		}
	}()
}

// Now returns the current time, at most Resolution old.
func Now() time.Time {
	return time.Unix(0, nanos.Load())
}

// Since returns the time elapsed since t according to the coarse clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
