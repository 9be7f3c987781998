package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/templates"
	"github.com/aima-platform/corral/pkg/types"
)

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	if cfg == nil {
		cfg = config.Default()
	}
	return NewEngine(store, templates.Builtin(), config.NewSnapshot(cfg)), store
}

func inferenceJob(owner string) *types.Job {
	return &types.Job{
		Owner:    owner,
		Kind:     types.JobKindInference,
		Priority: types.PriorityNormal,
		Resources: types.ResourceProfile{
			GPUModel: "A100",
			GPUCount: 1,
			MemoryMB: 40960,
		},
		Image: "registry.aima.internal/inference:latest",
	}
}

func TestReferenceRate(t *testing.T) {
	assert.Equal(t, int64(180), ReferenceRate("A100", 1))
	assert.Equal(t, int64(360), ReferenceRate("a100", 2))
	assert.Equal(t, int64(defaultHourlyCents), ReferenceRate("GTX9000", 1))
	assert.Equal(t, int64(450), ReferenceRate("H100", 0), "zero count prices as one GPU")
}

func TestEstimateSubmission(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	// Inference expects 5 minutes: 180 c/h * 300s / 3600 = 15 cents.
	assert.Equal(t, int64(15), engine.EstimateSubmission(inferenceJob("team-ml")))

	training := inferenceJob("team-ml")
	training.Kind = types.JobKindTraining
	training.Resources = types.ResourceProfile{GPUModel: "H100", GPUCount: 4, MemoryMB: 327680}
	// 4x H100 at 450 c/h each for 4 hours.
	assert.Equal(t, int64(7200), engine.EstimateSubmission(training))
}

func TestEstimateOfferRoundsUp(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	offer := types.Offer{
		Provider:  "vast",
		Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
		RateCents: 1, // 1 cent/h for 5 min is sub-cent
	}
	assert.Equal(t, int64(1), engine.EstimateOffer(inferenceJob("team-ml"), offer))
}

func TestRankOffersDropsUnfit(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	job := inferenceJob("team-ml")
	ranked := engine.RankOffers(job, []types.Offer{
		{Provider: "vast", Resources: types.ResourceProfile{GPUModel: "T4", GPUCount: 1, MemoryMB: 16384}, RateCents: 35, Available: true},
	})
	assert.Empty(t, ranked)
}

func TestRankOffersCheapestFirst(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	job := inferenceJob("team-ml")
	fit := types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960}

	ranked := engine.RankOffers(job, []types.Offer{
		{Provider: "aws", OfferID: "p4d", Resources: fit, RateCents: 410, Available: true},
		{Provider: "vast", OfferID: "12345", Resources: fit, RateCents: 95, Available: true},
		{Provider: "runpod", OfferID: "a100-sxm", Resources: fit, RateCents: 189, Available: true},
	})
	require.Len(t, ranked, 3)
	assert.Equal(t, "vast", ranked[0].Provider)
	assert.Equal(t, "runpod", ranked[1].Provider)
	assert.Equal(t, "aws", ranked[2].Provider)
}

func TestRankOffersTieBreaks(t *testing.T) {
	cfg := config.Default()
	cfg.Providers["runpod"] = config.ProviderConfig{Enabled: true, SoftQuota: 10}
	cfg.Providers["vast"] = config.ProviderConfig{Enabled: true, SoftQuota: 2}
	engine, store := newTestEngine(t, cfg)

	// vast already holds an instance, runpod holds none: runpod headroom 10,
	// vast headroom 1.
	inst := &types.Instance{
		Provider:  "vast",
		Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
		RateCents: 100,
	}
	require.NoError(t, store.CreateInstance(inst, 0))

	job := inferenceJob("team-ml")
	fit := types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960}

	t.Run("availability wins over headroom", func(t *testing.T) {
		ranked := engine.RankOffers(job, []types.Offer{
			{Provider: "runpod", OfferID: "x", Resources: fit, RateCents: 100, Available: false},
			{Provider: "vast", OfferID: "y", Resources: fit, RateCents: 100, Available: true},
		})
		require.Len(t, ranked, 2)
		assert.Equal(t, "vast", ranked[0].Provider)
	})

	t.Run("headroom breaks equal-rate ties", func(t *testing.T) {
		ranked := engine.RankOffers(job, []types.Offer{
			{Provider: "vast", OfferID: "y", Resources: fit, RateCents: 100, Available: true},
			{Provider: "runpod", OfferID: "x", Resources: fit, RateCents: 100, Available: true},
		})
		require.Len(t, ranked, 2)
		assert.Equal(t, "runpod", ranked[0].Provider, "more quota headroom ranks first")
	})

	t.Run("tag order is the final tie-break", func(t *testing.T) {
		cfgEven := config.Default()
		cfgEven.Providers["runpod"] = config.ProviderConfig{Enabled: true, SoftQuota: 5}
		cfgEven.Providers["vast"] = config.ProviderConfig{Enabled: true, SoftQuota: 5}
		even, _ := newTestEngine(t, cfgEven)
		ranked := even.RankOffers(job, []types.Offer{
			{Provider: "vast", OfferID: "y", Resources: fit, RateCents: 100, Available: true},
			{Provider: "runpod", OfferID: "x", Resources: fit, RateCents: 100, Available: true},
		})
		require.Len(t, ranked, 2)
		assert.Equal(t, "runpod", ranked[0].Provider)
	})
}

func TestAdmit(t *testing.T) {
	cfg := config.Default()
	cfg.Cost.OwnerCeilings = map[string]int64{"team-ml": 100}
	engine, store := newTestEngine(t, cfg)

	ok, err := engine.Admit("team-ml", 90)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.Admit("team-ml", 101)
	require.NoError(t, err)
	assert.False(t, ok)

	// Queued estimates count toward exposure.
	job := inferenceJob("team-ml")
	job.EstimateCents = 60
	_, _, err = store.SubmitJob(job, 100)
	require.NoError(t, err)

	ok, err = engine.Admit("team-ml", 50)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = engine.Admit("team-ml", 40)
	require.NoError(t, err)
	assert.True(t, ok)

	// No ceiling configured means unlimited.
	ok, err = engine.Admit("team-vision", 1<<40)
	require.NoError(t, err)
	assert.True(t, ok)
}

// startBilledInstance walks an instance to running and binds it to a job so
// it has a billed owner for ledger entries.
func startBilledInstance(t *testing.T, store storage.Store, owner string, rateCents int64) *types.Instance {
	t.Helper()
	job := inferenceJob(owner)
	job, _, err := store.SubmitJob(job, 0)
	require.NoError(t, err)

	inst := &types.Instance{
		Provider:  "vast",
		Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960},
		RateCents: rateCents,
	}
	require.NoError(t, store.CreateInstance(inst, 0))
	_, err = store.TransitionInstance(inst.ID, types.InstanceStateRequested, types.InstanceStateStarting, storage.TransitionDetails{})
	require.NoError(t, err)
	_, err = store.TransitionInstance(inst.ID, types.InstanceStateStarting, types.InstanceStateRunning, storage.TransitionDetails{})
	require.NoError(t, err)

	claimed, token, err := store.ClaimQueued(1, time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = store.BindAssignment(job.ID, inst.ID)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseClaim(token))

	out, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	return out
}

func TestAccrueOnce(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	inst := startBilledInstance(t, store, "team-ml", 3600) // 1 cent/sec

	written := engine.AccrueOnce(inst.StartedAt.Add(10 * time.Second))
	assert.Equal(t, 1, written)

	entries, err := store.ListLedger(inst.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].AccruedCents)
	assert.Equal(t, "team-ml", entries[0].Owner)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	inst := startBilledInstance(t, store, "team-ml", 3600)

	end := inst.StartedAt.Add(30 * time.Second)
	entry, err := engine.Finalize(inst.ID, end)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(30), entry.AccruedCents)

	// A second finalize at the same instant appends nothing.
	entry, err = engine.Finalize(inst.ID, end)
	require.NoError(t, err)
	assert.Nil(t, entry)

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.AccruedCents)
}

func TestBraked(t *testing.T) {
	cfg := config.Default()
	cfg.Cost.OwnerCeilings = map[string]int64{"team-ml": 20}
	engine, store := newTestEngine(t, cfg)
	inst := startBilledInstance(t, store, "team-ml", 3600)

	assert.False(t, engine.Braked("team-ml"), "no realized spend yet")

	_, err := engine.Finalize(inst.ID, inst.StartedAt.Add(25*time.Second))
	require.NoError(t, err)

	assert.True(t, engine.Braked("team-ml"))
	assert.False(t, engine.Braked("team-vision"))
}
