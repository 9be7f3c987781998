package cost

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/templates"
	"github.com/aima-platform/corral/pkg/types"
)

// Engine prices jobs, ranks provider offers, and enforces per-owner spend
// ceilings. It also runs the periodic accrual tick that turns instance
// wall-clock time into append-only ledger entries.
type Engine struct {
	store   storage.Store
	catalog *templates.Catalog
	cfg     *config.Snapshot
	logger  zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEngine creates a cost engine. Start must be called for accrual to run.
func NewEngine(store storage.Store, catalog *templates.Catalog, cfg *config.Snapshot) *Engine {
	return &Engine{
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		logger:  log.WithComponent("cost"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// EstimateSubmission projects a job's cost at submission time, before any
// offer exists: reference hourly rate for the requested GPUs multiplied by
// the catalog's expected duration for the kind, rounded up to a whole cent.
func (e *Engine) EstimateSubmission(job *types.Job) int64 {
	rate := ReferenceRate(job.Resources.GPUModel, job.Resources.GPUCount)
	return centsFor(rate, e.catalog.ExpectedDuration(job.Kind))
}

// EstimateOffer prices a job against a concrete offer.
func (e *Engine) EstimateOffer(job *types.Job, offer types.Offer) int64 {
	return centsFor(offer.RateCents, e.catalog.ExpectedDuration(job.Kind))
}

// ForDuration prices wall-clock time at an hourly rate, rounding up to a
// whole cent. Used to stamp the realized cost on finished jobs.
func ForDuration(hourlyCents int64, d time.Duration) int64 {
	return centsFor(hourlyCents, d)
}

// centsFor converts an hourly rate and a duration into whole cents, rounding
// up so short jobs never price to zero.
func centsFor(hourlyCents int64, d time.Duration) int64 {
	if hourlyCents <= 0 || d <= 0 {
		return 0
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return (hourlyCents*secs + 3599) / 3600
}

// RankOffers orders offers for a job, best first. Offers whose profile cannot
// run the job are dropped. The score is suitability over effective cost, so
// with suitability binary the ordering is cheapest-first; ties prefer offers
// marked available, then the provider with the most headroom under its soft
// quota, then lexicographic provider tag so the result is deterministic.
func (e *Engine) RankOffers(job *types.Job, offers []types.Offer) []types.Offer {
	fit := lo.Filter(offers, func(o types.Offer, _ int) bool {
		return o.Resources.Satisfies(job.Resources)
	})
	if len(fit) == 0 {
		return nil
	}

	headroom := e.headroomByProvider(lo.Uniq(lo.Map(fit, func(o types.Offer, _ int) string {
		return o.Provider
	})))

	sort.SliceStable(fit, func(i, j int) bool {
		a, b := fit[i], fit[j]
		if a.RateCents != b.RateCents {
			return a.RateCents < b.RateCents
		}
		if a.Available != b.Available {
			return a.Available
		}
		if ha, hb := headroom[a.Provider], headroom[b.Provider]; ha != hb {
			return ha > hb
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.OfferID < b.OfferID
	})
	return fit
}

// headroomByProvider computes soft-quota slack per provider: quota minus the
// count of non-terminal instances the orchestrator currently holds there.
func (e *Engine) headroomByProvider(providers []string) map[string]int {
	cfg := e.cfg.Get()
	out := make(map[string]int, len(providers))
	for _, tag := range providers {
		pc, ok := cfg.Providers[tag]
		if !ok {
			continue
		}
		held, err := e.store.CountInstances(tag, true)
		if err != nil {
			continue
		}
		out[tag] = pc.SoftQuota - held
	}
	return out
}

// Admit reports whether a new submission with the given estimate fits under
// its owner's ceiling. Exposure counts ledger accruals plus the estimates of
// every non-terminal job. A zero ceiling means unlimited.
func (e *Engine) Admit(owner string, estimateCents int64) (bool, error) {
	ceiling := e.cfg.Get().OwnerCeiling(owner)
	if ceiling <= 0 {
		return true, nil
	}
	accrued, estimates, err := e.store.OwnerExposure(owner)
	if err != nil {
		return false, err
	}
	return accrued+estimates+estimateCents <= ceiling, nil
}

// Braked reports whether an owner's realized spend alone has crossed their
// ceiling. Braked owners get no new scheduling until the ledger drops back
// under (which it never does) or the ceiling is raised.
func (e *Engine) Braked(owner string) bool {
	ceiling := e.cfg.Get().OwnerCeiling(owner)
	if ceiling <= 0 {
		return false
	}
	accrued, _, err := e.store.OwnerExposure(owner)
	if err != nil {
		return false
	}
	return accrued > ceiling
}

// Start launches the accrual loop.
func (e *Engine) Start() {
	go e.run()
	e.logger.Info().Dur("interval", e.cfg.Get().Cost.AccrualInterval.D()).Msg("Cost accrual started")
}

// Stop halts the accrual loop after flushing one final pass, so a graceful
// shutdown never loses more than the in-progress billing period.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.Get().Cost.AccrualInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.AccrueOnce(time.Now())
		case <-e.stopCh:
			e.AccrueOnce(time.Now())
			return
		}
	}
}

// AccrueOnce appends one ledger period for every billable instance and
// returns the number of entries written. Instances that have not yet reached
// running have no start time and accrue nothing.
func (e *Engine) AccrueOnce(now time.Time) int {
	instances, err := e.store.ListInstances(storage.InstanceFilter{
		States: []types.InstanceState{types.InstanceStateRunning, types.InstanceStateDraining},
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Accrual pass failed to list instances")
		return 0
	}
	written := 0
	for _, inst := range instances {
		entry, err := e.accrueInstance(inst, now)
		if err != nil {
			e.logger.Warn().Str("instance_id", inst.ID).Err(err).Msg("Accrual failed")
			continue
		}
		if entry != nil {
			written++
		}
	}
	return written
}

// Finalize writes the last partial billing period for an instance that is
// about to terminate. Safe to call more than once; the ledger clamp makes a
// repeat append a zero-length no-op.
func (e *Engine) Finalize(instanceID string, now time.Time) (*types.LedgerEntry, error) {
	inst, err := e.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	return e.accrueInstance(inst, now)
}

func (e *Engine) accrueInstance(inst *types.Instance, now time.Time) (*types.LedgerEntry, error) {
	if inst.StartedAt == nil || inst.RateCents <= 0 {
		return nil, nil
	}
	entry, err := e.store.AppendCost(inst.ID, *inst.StartedAt, now)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.AccruedCents > 0 {
		metrics.CostAccrued.WithLabelValues(entry.Owner).Add(float64(entry.AccruedCents))
	}
	return entry, nil
}
