package providers

import (
	"sync"
	"time"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/metrics"
)

// Breaker state names, as exposed in snapshots and metrics
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// Breaker is a per-provider circuit breaker over a rolling window of call
// results. It trips open once enough of the window has failed, refuses calls
// for a cooldown, then lets a single probe through. A successful probe
// closes it again; a failed one reopens it with the cooldown doubled, capped.
type Breaker struct {
	mu sync.Mutex

	tag          string
	window       []bool // ring of recent results, true = success
	idx          int
	filled       int
	minSamples   int
	failureRatio float64
	baseCooldown time.Duration
	maxCooldown  time.Duration

	state    string
	openedAt time.Time
	cooldown time.Duration
	probing  bool

	now func() time.Time // swapped in tests
}

// NewBreaker builds a breaker from config. Zero config values fall back to
// the stock thresholds: window 20, ratio 0.5, cooldown 30s capped at 10m.
func NewBreaker(tag string, cfg config.BreakerConfig) *Breaker {
	window := cfg.Window
	if window <= 0 {
		window = 20
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	base := cfg.Cooldown.D()
	if base <= 0 {
		base = 30 * time.Second
	}
	ceiling := cfg.MaxCooldown.D()
	if ceiling < base {
		ceiling = 10 * time.Minute
	}

	minSamples := window / 2
	if minSamples < 1 {
		minSamples = 1
	}

	b := &Breaker{
		tag:          tag,
		window:       make([]bool, window),
		minSamples:   minSamples,
		failureRatio: ratio,
		baseCooldown: base,
		maxCooldown:  ceiling,
		state:        BreakerClosed,
		cooldown:     base,
		now:          time.Now,
	}
	metrics.BreakerState.WithLabelValues(tag).Set(0)
	return b
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is in flight at a time; everyone else waits for its verdict.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// Record feeds one call result back into the breaker
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		if success {
			b.reset()
			return
		}
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.openedAt = b.now()
		b.setState(BreakerOpen)
		return
	case BreakerOpen:
		// A call that was already in flight when the breaker tripped;
		// its result tells us nothing new
		return
	}

	b.window[b.idx] = success
	b.idx = (b.idx + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
	if b.filled >= b.minSamples && b.failureShare() >= b.failureRatio {
		b.openedAt = b.now()
		b.cooldown = b.baseCooldown
		b.setState(BreakerOpen)
	}
}

// State returns the current state name
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) failureShare() float64 {
	failures := 0
	for i := 0; i < b.filled; i++ {
		if !b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *Breaker) reset() {
	b.setState(BreakerClosed)
	b.cooldown = b.baseCooldown
	b.idx = 0
	b.filled = 0
	b.probing = false
}

func (b *Breaker) setState(state string) {
	b.state = state
	var v float64
	switch state {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.tag).Set(v)
}
