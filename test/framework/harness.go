// Package framework boots a complete in-process orchestrator for end-to-end
// tests: real store, real loops, real HTTP API on a loopback port, with worker
// harnesses standing in for GPU machines. Provider adapters are spliced in per
// test, so the same scenarios run against the local inventory or scripted
// stubs.
package framework

import (
	"context"
	"testing"
	"time"

	"github.com/aima-platform/corral/pkg/client"
	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/orchestrator"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/storage"
)

// TestOwner is the owner every harness client acts as. Auth is disabled in
// tests; the server trusts the dev owner header.
const TestOwner = "e2e"

// Harness is one running orchestrator under test
type Harness struct {
	Orch   *orchestrator.Orchestrator
	Client *client.Client
	Store  storage.Store
	Config *config.Config
}

// Option customizes the harness before it starts
type Option func(*setup)

type setup struct {
	tune     []func(*config.Config)
	adapters []providers.Adapter
}

// WithTuning mutates the test configuration before the orchestrator is built.
// Later options win.
func WithTuning(fn func(*config.Config)) Option {
	return func(s *setup) {
		s.tune = append(s.tune, fn)
	}
}

// WithProvider declares a provider in the configuration and splices the given
// adapter in under its tag, bypassing the built-in constructors. This is how
// scenarios run against stub or pre-built adapters.
func WithProvider(adapter providers.Adapter, pc config.ProviderConfig) Option {
	return func(s *setup) {
		s.adapters = append(s.adapters, adapter)
		tag := adapter.Tag()
		s.tune = append(s.tune, func(cfg *config.Config) {
			cfg.Providers[tag] = pc
		})
	}
}

// WithoutLocalProvider drops the default local provider, for scenarios that
// want stub providers only.
func WithoutLocalProvider() Option {
	return WithTuning(func(cfg *config.Config) {
		delete(cfg.Providers, "local")
	})
}

// Start boots an orchestrator with fast test timings and registers shutdown
// with t.Cleanup. It blocks until the API reports ready.
func Start(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	s := &setup{}
	for _, opt := range opts {
		opt(s)
	}

	cfg := testConfig(t)
	for _, fn := range s.tune {
		fn(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}

	orchOpts := make([]orchestrator.Option, 0, len(s.adapters))
	for _, adapter := range s.adapters {
		orchOpts = append(orchOpts, orchestrator.WithAdapter(adapter))
	}

	orch, err := orchestrator.New(context.Background(), cfg, orchOpts...)
	if err != nil {
		t.Fatalf("Failed to build orchestrator: %v", err)
	}
	if err := orch.Start(); err != nil {
		t.Fatalf("Failed to start orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Stop(ctx); err != nil {
			t.Logf("Orchestrator shutdown error: %v", err)
		}
	})

	c := client.New("http://"+orch.Addr(), "")
	c.SetOwner(TestOwner)

	h := &Harness{Orch: orch, Client: c, Store: orch.Store(), Config: cfg}
	h.waitReady(t)
	return h
}

// testConfig returns the default configuration compressed to test time scales:
// millisecond ticks, second-scale enforcement thresholds, a throwaway data
// directory, and auth disabled.
func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Listen.Addr = "127.0.0.1:0"
	cfg.Auth.Disabled = true
	cfg.Log.Level = "warn"
	cfg.Log.JSON = false

	cfg.Scheduler.TickInterval = config.Duration(50 * time.Millisecond)
	cfg.Scheduler.LeaseTTL = config.Duration(5 * time.Second)
	cfg.Scheduler.MaxPendingCreates = 4
	cfg.Scheduler.BlockedWaitCeiling = config.Duration(30 * time.Second)

	cfg.Dispatch.DialTimeout = config.Duration(2 * time.Second)
	cfg.Dispatch.HeartbeatTimeout = config.Duration(5 * time.Second)
	cfg.Dispatch.CancelGrace = config.Duration(2 * time.Second)

	cfg.Reaper.TickInterval = config.Duration(50 * time.Millisecond)
	cfg.Reaper.IdleGrace = config.Duration(30 * time.Second)
	cfg.Reaper.StartDeadline = config.Duration(30 * time.Second)
	cfg.Reaper.DispatchTimeout = config.Duration(10 * time.Second)
	cfg.Reaper.HeartbeatThreshold = config.Duration(5 * time.Second)
	cfg.Reaper.ReconcileInterval = config.Duration(1 * time.Second)
	cfg.Reaper.Retention = config.Duration(time.Hour)

	cfg.Cost.AccrualInterval = config.Duration(100 * time.Millisecond)
	cfg.Health.ProbeInterval = config.Duration(100 * time.Millisecond)

	// Per-provider call policy: fail fast, single attempt, so scenarios that
	// script provider failures see them without retry delays.
	for tag, pc := range cfg.Providers {
		pc.ConnectTimeout = config.Duration(time.Second)
		pc.ReadTimeout = config.Duration(2 * time.Second)
		pc.RetryAttempts = 1
		pc.RetryCeiling = config.Duration(100 * time.Millisecond)
		pc.PollInterval = config.Duration(50 * time.Millisecond)
		cfg.Providers[tag] = pc
	}
	return cfg
}

func (h *Harness) waitReady(t *testing.T) {
	t.Helper()
	waiter := NewWaiter(10*time.Second, 50*time.Millisecond)
	err := waiter.WaitFor(context.Background(), func() bool {
		status, err := h.Client.Ready(context.Background())
		return err == nil && status.Status == "ready"
	}, "orchestrator to report ready")
	if err != nil {
		t.Fatalf("%v", err)
	}
}

// FastProviderConfig returns a provider configuration tuned like the
// harness's defaults: single attempt, short timeouts, a small breaker window
// so outage scenarios trip the circuit within a handful of calls.
func FastProviderConfig(softQuota int) config.ProviderConfig {
	return config.ProviderConfig{
		Enabled:        true,
		SoftQuota:      softQuota,
		ConnectTimeout: config.Duration(time.Second),
		ReadTimeout:    config.Duration(2 * time.Second),
		RetryAttempts:  1,
		RetryCeiling:   config.Duration(100 * time.Millisecond),
		PollInterval:   config.Duration(50 * time.Millisecond),
		Breaker: config.BreakerConfig{
			Window:       4,
			FailureRatio: 0.5,
			Cooldown:     config.Duration(500 * time.Millisecond),
			MaxCooldown:  config.Duration(2 * time.Second),
		},
	}
}
