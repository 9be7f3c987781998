package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
)

// failureThreshold is how many consecutive probe failures flip a provider to
// unhealthy. One success flips it back; the asymmetry damps flapping on a
// spotty control plane without delaying recovery.
const failureThreshold = 3

// Status is one provider's probe history.
type Status struct {
	Healthy              bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastChecked          time.Time
	LastLatency          time.Duration
	LastError            string
}

// Prober periodically runs each enabled provider's health check and keeps a
// streak-damped view of the results. The instant per-probe outcome lives on
// the registry; the prober decides when a provider is actually considered
// down.
type Prober struct {
	registry *providers.Registry
	cfg      *config.Snapshot
	logger   zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]*Status

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber creates a prober over the registry's enabled providers.
func NewProber(registry *providers.Registry, cfg *config.Snapshot) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("health"),
		statuses: make(map[string]*Status),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
	p.logger.Info().Dur("interval", p.interval()).Msg("Health prober started")
}

// Stop halts probing after the in-flight pass finishes.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Health prober stopped")
}

func (p *Prober) interval() time.Duration {
	interval := p.cfg.Get().Health.ProbeInterval.D()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval
}

func (p *Prober) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	p.probeAll()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Prober) probeAll() {
	for _, tag := range p.registry.Enabled() {
		latency, err := p.registry.Probe(p.ctx, tag)
		if p.ctx.Err() != nil {
			return
		}
		p.record(tag, latency, err)
	}
}

func (p *Prober) record(tag string, latency time.Duration, err error) {
	p.mu.Lock()
	st, ok := p.statuses[tag]
	if !ok {
		// Providers start trusted; streaks do the demoting.
		st = &Status{Healthy: true}
		p.statuses[tag] = st
	}
	st.LastChecked = time.Now().UTC()
	st.LastLatency = latency
	if err != nil {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		st.LastError = err.Error()
		if st.Healthy && st.ConsecutiveFailures >= failureThreshold {
			st.Healthy = false
			p.logger.Warn().Str("provider", tag).Int("failures", st.ConsecutiveFailures).Err(err).Msg("Provider marked unhealthy")
		}
	} else {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		st.LastError = ""
		if !st.Healthy {
			p.logger.Info().Str("provider", tag).Msg("Provider recovered")
		}
		st.Healthy = true
	}
	healthy, message := st.Healthy, st.LastError
	p.mu.Unlock()

	metrics.SetProviderHealth(tag, healthy, message)
}

// Status returns the streak-damped view of one provider.
func (p *Prober) Status(tag string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.statuses[tag]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Statuses returns a copy of every probed provider's status.
func (p *Prober) Statuses() map[string]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Status, len(p.statuses))
	for tag, st := range p.statuses {
		out[tag] = *st
	}
	return out
}

// HeartbeatStale reports whether a worker driving asg on inst has gone
// quiet past threshold. The reference point is the most recent sign of
// life: the last heartbeat, or the assignment's start if nothing has been
// heard yet, so a box reused after sitting idle is not condemned for the
// silence of its previous job's aftermath.
func HeartbeatStale(inst *types.Instance, asg *types.Assignment, threshold time.Duration, now time.Time) bool {
	if threshold <= 0 {
		return false
	}
	last := inst.LastHeartbeat
	if asg != nil {
		if asg.StartedAt != nil && asg.StartedAt.After(last) {
			last = *asg.StartedAt
		} else if asg.AssignedAt.After(last) {
			last = asg.AssignedAt
		}
	}
	if last.IsZero() {
		if inst.StartedAt != nil {
			last = *inst.StartedAt
		} else {
			last = inst.CreatedAt
		}
	}
	return now.Sub(last) > threshold
}
