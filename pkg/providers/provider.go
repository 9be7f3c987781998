package providers

import (
	"context"
	"errors"

	"github.com/aima-platform/corral/pkg/types"
)

// ErrCircuitOpen is returned when a provider's breaker is refusing calls.
// Callers treat it like any other transient failure: skip the provider and
// try again later.
var ErrCircuitOpen = errors.New("circuit open")

// RemoteState is the coarse view of an instance as the provider reports it
type RemoteState string

const (
	// RemotePending means the provider accepted the request but the machine
	// is not reachable yet
	RemotePending RemoteState = "pending"
	// RemoteRunning means the machine is up; Observation.Address is set
	RemoteRunning RemoteState = "running"
	// RemoteGone means the provider no longer knows the instance
	RemoteGone RemoteState = "gone"
)

// Observation is one poll of a provider-side instance
type Observation struct {
	State   RemoteState
	Address string // host:port of the worker control channel, when running
}

// BootParams carries what an adapter needs to boot a worker on a new machine
type BootParams struct {
	InstanceID string
	Token      string // bootstrap token the worker presents on its channel
	Image      string
	Resources  types.ResourceProfile
	Region     string
}

// Adapter is a provider backend. Implementations translate Corral's
// provisioning verbs into one provider's API and classify their failures
// with AsRetryable/AsFatal so the registry can decide what to do next.
// All methods honor ctx cancellation.
type Adapter interface {
	// Tag returns the provider's short name ("runpod", "aws", ...)
	Tag() string

	// ListOffers returns machine shapes able to satisfy the profile, with
	// current hourly rates. Availability may be stale; CreateInstance is
	// the source of truth.
	ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error)

	// CreateInstance provisions a machine for the offer and returns the
	// provider-side identifier
	CreateInstance(ctx context.Context, offer types.Offer, boot BootParams) (string, error)

	// ObserveInstance polls one instance's provider-side state
	ObserveInstance(ctx context.Context, providerID string) (Observation, error)

	// TerminateInstance tears an instance down. Terminating an unknown
	// instance is not an error.
	TerminateInstance(ctx context.Context, providerID string) error

	// ListAllInstances returns the provider-side IDs of every machine this
	// orchestrator owns, for orphan reconciliation
	ListAllInstances(ctx context.Context) ([]string, error)

	// Health probes the provider's API with a cheap read
	Health(ctx context.Context) error
}
