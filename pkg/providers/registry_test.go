package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/types"
)

type stubAdapter struct {
	tag string

	offers    []types.Offer
	listCalls int
	listErr   error

	createCalls int
	createErr   error

	healthErr error
}

func (s *stubAdapter) Tag() string { return s.tag }

func (s *stubAdapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	s.listCalls++
	return s.offers, s.listErr
}

func (s *stubAdapter) CreateInstance(ctx context.Context, offer types.Offer, boot BootParams) (string, error) {
	s.createCalls++
	if s.createErr != nil {
		return "", s.createErr
	}
	return fmt.Sprintf("stub-%d", s.createCalls), nil
}

func (s *stubAdapter) ObserveInstance(ctx context.Context, providerID string) (Observation, error) {
	return Observation{State: RemoteRunning, Address: "127.0.0.1:7777"}, nil
}

func (s *stubAdapter) TerminateInstance(ctx context.Context, providerID string) error {
	return nil
}

func (s *stubAdapter) ListAllInstances(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (s *stubAdapter) Health(ctx context.Context) error {
	return s.healthErr
}

func fastConfig() config.ProviderConfig {
	return config.ProviderConfig{
		Enabled:       true,
		RetryAttempts: 1,
		ReadTimeout:   config.Duration(2 * time.Second),
		Breaker: config.BreakerConfig{
			Window:       4,
			FailureRatio: 0.5,
			Cooldown:     config.Duration(time.Minute),
			MaxCooldown:  config.Duration(10 * time.Minute),
		},
	}
}

func TestRegistryDo(t *testing.T) {
	reg := NewRegistry()
	stub := &stubAdapter{tag: "stub"}
	reg.Register(stub, fastConfig())

	var providerID string
	err := reg.Do(context.Background(), "stub", "create_instance", func(ctx context.Context, adapter Adapter) error {
		var callErr error
		providerID, callErr = adapter.CreateInstance(ctx, types.Offer{}, BootParams{})
		return callErr
	})
	require.NoError(t, err)
	assert.Equal(t, "stub-1", providerID)
	assert.Equal(t, 1, stub.createCalls)
}

func TestRegistryDoUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	err := reg.Do(context.Background(), "nope", "create_instance", func(ctx context.Context, adapter Adapter) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFatal, Classify(err))
}

func TestRegistryDoRetriesTransient(t *testing.T) {
	reg := NewRegistry()
	stub := &stubAdapter{tag: "stub", createErr: errors.New("socket reset")}
	cfg := fastConfig()
	cfg.RetryAttempts = 2
	reg.Register(stub, cfg)

	err := reg.Do(context.Background(), "stub", "create_instance", func(ctx context.Context, adapter Adapter) error {
		_, callErr := adapter.CreateInstance(ctx, types.Offer{}, BootParams{})
		return callErr
	})
	require.Error(t, err)
	assert.Equal(t, 2, stub.createCalls, "transient error should be retried")
	assert.Equal(t, OutcomeRetryable, Classify(err))
}

func TestRegistryDoFatalStopsRetrying(t *testing.T) {
	reg := NewRegistry()
	stub := &stubAdapter{tag: "stub", createErr: AsFatal(errors.New("bad credentials"))}
	cfg := fastConfig()
	cfg.RetryAttempts = 3
	reg.Register(stub, cfg)

	err := reg.Do(context.Background(), "stub", "create_instance", func(ctx context.Context, adapter Adapter) error {
		_, callErr := adapter.CreateInstance(ctx, types.Offer{}, BootParams{})
		return callErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, stub.createCalls, "fatal error must not be retried")
	assert.Equal(t, OutcomeFatal, Classify(err))
}

func TestRegistryBreakerRejects(t *testing.T) {
	reg := NewRegistry()
	stub := &stubAdapter{tag: "stub", createErr: errors.New("down")}
	cfg := fastConfig()
	cfg.Breaker.Window = 2 // a single failed call trips
	reg.Register(stub, cfg)

	err := reg.Do(context.Background(), "stub", "create_instance", func(ctx context.Context, adapter Adapter) error {
		_, callErr := adapter.CreateInstance(ctx, types.Offer{}, BootParams{})
		return callErr
	})
	require.Error(t, err)
	callsAfterTrip := stub.createCalls

	err = reg.Do(context.Background(), "stub", "create_instance", func(ctx context.Context, adapter Adapter) error {
		_, callErr := adapter.CreateInstance(ctx, types.Offer{}, BootParams{})
		return callErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, callsAfterTrip, stub.createCalls, "open breaker must not touch the adapter")
}

func TestRegistryOffersCaching(t *testing.T) {
	reg := NewRegistry()
	offer := types.Offer{Provider: "stub", OfferID: "shape-1", Region: "dc-1", RateCents: 200, Available: true}
	stub := &stubAdapter{tag: "stub", offers: []types.Offer{offer}}
	reg.Register(stub, fastConfig())

	want := types.ResourceProfile{GPUModel: "A100", GPUCount: 1}

	got, err := reg.Offers(context.Background(), "stub", want)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = reg.Offers(context.Background(), "stub", want)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, stub.listCalls, "second listing should come from cache")

	// A launch failure hides the offer until the mark expires
	reg.MarkOfferUnavailable(offer)
	got, err = reg.Offers(context.Background(), "stub", want)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegistryProbe(t *testing.T) {
	reg := NewRegistry()
	stub := &stubAdapter{tag: "stub"}
	reg.Register(stub, fastConfig())

	_, err := reg.Probe(context.Background(), "stub")
	require.NoError(t, err)

	snaps := reg.Snapshot()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Healthy)

	stub.healthErr = errors.New("api down")
	_, err = reg.Probe(context.Background(), "stub")
	require.Error(t, err)

	snaps = reg.Snapshot()
	assert.False(t, snaps[0].Healthy)
}

func TestRegistrySnapshotSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{tag: "vast"}, fastConfig())
	reg.Register(&stubAdapter{tag: "aws"}, fastConfig())

	disabled := fastConfig()
	disabled.Enabled = false
	reg.Register(&stubAdapter{tag: "runpod"}, disabled)

	snaps := reg.Snapshot()
	require.Len(t, snaps, 3)
	assert.Equal(t, "aws", snaps[0].Tag)
	assert.Equal(t, "runpod", snaps[1].Tag)
	assert.Equal(t, "vast", snaps[2].Tag)

	assert.Equal(t, []string{"aws", "vast"}, reg.Enabled())
	assert.Equal(t, []string{"aws", "runpod", "vast"}, reg.Tags())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"plain error defaults to retryable", errors.New("boom"), OutcomeRetryable},
		{"marked retryable", AsRetryable(errors.New("boom")), OutcomeRetryable},
		{"marked fatal", AsFatal(errors.New("boom")), OutcomeFatal},
		{"wrapped fatal survives", fmt.Errorf("create: %w", AsFatal(errors.New("boom"))), OutcomeFatal},
		{"canceled context is fatal", context.Canceled, OutcomeFatal},
		{"deadline is retryable", context.DeadlineExceeded, OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
