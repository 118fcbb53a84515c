// Package clock provides the injectable time source used throughout
// flowshm: a cached high-resolution monotonic reader for the hot
// allocation path, and the testable clockz.Clock used for scheduler
// idle-sleep and metrics uptime accounting.
package clock

import (
	"time"

	"github.com/agilira/go-timecache"
	"github.com/zoobzio/clockz"
)

// Clock is the interface every flowshm component that needs the time
// depends on, so tests can substitute a fake one instead of sleeping for
// real (scheduler.New(..., clockz.NewFakeClock()) in tests, clockz.RealClock
// in production). Re-exported so callers don't need to import clockz
// directly.
type Clock = clockz.Clock

var defaultClock Clock = clockz.RealClock

// Default returns the process-wide default Clock used by the scheduler
// and metrics when the caller did not supply one explicitly.
func Default() Clock {
	return defaultClock
}

// SetDefault overrides the process-wide default Clock, for tests.
func SetDefault(c Clock) {
	defaultClock = c
}

// timestampCache is the cached wall-clock source behind the root
// package's Now(), which returns a Timestamp (§4.1). It is refreshed every
// millisecond, the same way agilira/lethe caches its log-line timestamps,
// so a read costs less than a raw time.Now() call. Runtime.Allocate does
// not read it; it stamps buffers from Default().
var timestampCache = timecache.NewWithResolution(time.Millisecond)

// Now returns the current time as a time.Time read from the cache, which
// is refreshed at millisecond resolution.
func Now() time.Time {
	return timestampCache.CachedTime()
}

// StopTimestampCache releases the background refresh goroutine behind
// Now(). Tests that create many short-lived runtimes may call this at
// process exit; production processes normally let it live for the
// process lifetime.
func StopTimestampCache() {
	timestampCache.Stop()
}
