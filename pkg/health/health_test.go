package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
)

type flakyAdapter struct {
	tag string

	mu  sync.Mutex
	err error
}

func (f *flakyAdapter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *flakyAdapter) Tag() string { return f.tag }

func (f *flakyAdapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	return nil, nil
}

func (f *flakyAdapter) CreateInstance(ctx context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	return "", nil
}

func (f *flakyAdapter) ObserveInstance(ctx context.Context, providerID string) (providers.Observation, error) {
	return providers.Observation{}, nil
}

func (f *flakyAdapter) TerminateInstance(ctx context.Context, providerID string) error { return nil }
func (f *flakyAdapter) ListAllInstances(ctx context.Context) ([]string, error)         { return nil, nil }

func (f *flakyAdapter) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func newProberFixture(t *testing.T, interval time.Duration) (*Prober, *flakyAdapter) {
	t.Helper()
	adapter := &flakyAdapter{tag: "flaky"}
	reg := providers.NewRegistry()
	reg.Register(adapter, config.ProviderConfig{
		Enabled:        true,
		ConnectTimeout: config.Duration(time.Second),
	})

	cfg := config.Default()
	cfg.Health.ProbeInterval = config.Duration(interval)
	return NewProber(reg, config.NewSnapshot(cfg)), adapter
}

func TestProberHysteresis(t *testing.T) {
	p, adapter := newProberFixture(t, time.Minute)

	p.probeAll()
	st, ok := p.Status("flaky")
	require.True(t, ok)
	assert.True(t, st.Healthy)
	assert.Equal(t, 1, st.ConsecutiveSuccesses)

	// Two failures are not enough to demote.
	adapter.setErr(errors.New("api quota exhausted"))
	p.probeAll()
	p.probeAll()
	st, _ = p.Status("flaky")
	assert.True(t, st.Healthy)
	assert.Equal(t, 2, st.ConsecutiveFailures)

	// The third is.
	p.probeAll()
	st, _ = p.Status("flaky")
	assert.False(t, st.Healthy)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "quota")

	// One success restores.
	adapter.setErr(nil)
	p.probeAll()
	st, _ = p.Status("flaky")
	assert.True(t, st.Healthy)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
}

func TestProberLoop(t *testing.T) {
	p, adapter := newProberFixture(t, 15*time.Millisecond)
	adapter.setErr(errors.New("connection reset"))

	p.Start()
	defer p.Stop()

	deadline := time.After(3 * time.Second)
	for {
		if st, ok := p.Status("flaky"); ok && !st.Healthy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("provider never marked unhealthy")
		case <-time.After(5 * time.Millisecond):
		}
	}

	adapter.setErr(nil)
	deadline = time.After(3 * time.Second)
	for {
		if st, ok := p.Status("flaky"); ok && st.Healthy {
			return
		}
		select {
		case <-deadline:
			t.Fatal("provider never recovered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHeartbeatStale(t *testing.T) {
	now := time.Now().UTC()
	threshold := 90 * time.Second
	started := now.Add(-10 * time.Minute)

	fresh := &types.Instance{State: types.InstanceStateRunning, LastHeartbeat: now.Add(-5 * time.Second), StartedAt: &started}
	assert.False(t, HeartbeatStale(fresh, nil, threshold, now))

	quiet := &types.Instance{State: types.InstanceStateRunning, LastHeartbeat: now.Add(-5 * time.Minute), StartedAt: &started}
	assert.True(t, HeartbeatStale(quiet, nil, threshold, now))

	// A just-started assignment shields an instance with an old heartbeat.
	asgStart := now.Add(-10 * time.Second)
	young := &types.Assignment{AssignedAt: now.Add(-15 * time.Second), StartedAt: &asgStart}
	assert.False(t, HeartbeatStale(quiet, young, threshold, now))

	// An old assignment does not.
	oldStart := now.Add(-5 * time.Minute)
	old := &types.Assignment{AssignedAt: now.Add(-6 * time.Minute), StartedAt: &oldStart}
	assert.True(t, HeartbeatStale(quiet, old, threshold, now))

	// A heartbeat newer than the assignment start wins.
	heard := &types.Instance{State: types.InstanceStateRunning, LastHeartbeat: now.Add(-20 * time.Second), StartedAt: &started}
	assert.False(t, HeartbeatStale(heard, old, threshold, now))

	// Nothing heard ever: judged from instance start.
	neverStarted := now.Add(-3 * time.Minute)
	never := &types.Instance{State: types.InstanceStateRunning, StartedAt: &neverStarted}
	assert.True(t, HeartbeatStale(never, nil, threshold, now))

	assert.False(t, HeartbeatStale(quiet, nil, 0, now))
}
