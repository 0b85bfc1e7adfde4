package dcb

import "github.com/juju/clock"

// Clock is the wall-clock source used by time-driven components (outbox
// polling, leader heartbeats). Production code uses SystemClock; callers
// can substitute clock/testclock fakes.
type Clock = clock.Clock

// SystemClock is the default Clock.
var SystemClock Clock = clock.WallClock
