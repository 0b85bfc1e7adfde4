package outbox

import (
	"math"
	"sync"
)

// backoffController throttles polling after runs of empty fetches. After
// threshold consecutive empty polls the worker starts skipping cycles, the
// skip run growing geometrically up to the maxSeconds cap:
//
//	skips = min(multiplier^(emptyPollCount-threshold) - 1, maxSeconds*1000/pollingIntervalMs)
//
// One fetched batch resets everything.
type backoffController struct {
	mu       sync.Mutex
	enabled  bool
	thresh   int
	mult     float64
	maxSkips int

	emptyPollCount int
	skipCounter    int
}

func newBackoffController(cfg BackoffConfig, pollingIntervalMs int) *backoffController {
	maxSkips := cfg.MaxSeconds * 1000 / pollingIntervalMs
	if maxSkips < 0 {
		maxSkips = 0
	}
	return &backoffController{
		enabled:  cfg.Enabled,
		thresh:   cfg.Threshold,
		mult:     cfg.Multiplier,
		maxSkips: maxSkips,
	}
}

// RecordEmpty notes an empty poll and schedules skips once past the threshold.
func (b *backoffController) RecordEmpty() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emptyPollCount++
	if b.emptyPollCount <= b.thresh {
		return
	}

	skips := math.Pow(b.mult, float64(b.emptyPollCount-b.thresh)) - 1
	if skips > float64(b.maxSkips) {
		skips = float64(b.maxSkips)
	}
	b.skipCounter = int(skips)
}

// RecordSuccess resets the controller after a non-empty poll.
func (b *backoffController) RecordSuccess() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emptyPollCount = 0
	b.skipCounter = 0
}

// ShouldSkip consumes one scheduled skip, reporting whether the caller
// should sit this cycle out.
func (b *backoffController) ShouldSkip() bool {
	if !b.enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.skipCounter > 0 {
		b.skipCounter--
		return true
	}
	return false
}
