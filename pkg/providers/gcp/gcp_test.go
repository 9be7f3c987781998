package gcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
)

// fakeCompute emulates the few Compute Engine endpoints the adapter touches.
type fakeCompute struct {
	t            *testing.T
	accelerators []string
	instances    map[string]*compute.Instance // by name
	lastInsert   *compute.Instance
}

func (f *fakeCompute) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/acceleratorTypes") && r.Method == http.MethodGet:
			list := compute.AcceleratorTypeList{}
			for _, name := range f.accelerators {
				list.Items = append(list.Items, &compute.AcceleratorType{Name: name})
			}
			_ = json.NewEncoder(w).Encode(&list)
		case strings.HasSuffix(path, "/instances") && r.Method == http.MethodPost:
			var inst compute.Instance
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&inst))
			f.lastInsert = &inst
			f.instances[inst.Name] = &inst
			_ = json.NewEncoder(w).Encode(&compute.Operation{Name: "op-1", Status: "RUNNING"})
		case strings.HasSuffix(path, "/instances") && r.Method == http.MethodGet:
			list := compute.InstanceList{}
			for _, inst := range f.instances {
				list.Items = append(list.Items, inst)
			}
			_ = json.NewEncoder(w).Encode(&list)
		case strings.Contains(path, "/instances/") && r.Method == http.MethodGet:
			name := path[strings.LastIndex(path, "/")+1:]
			inst, ok := f.instances[name]
			if !ok {
				http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(inst)
		case strings.Contains(path, "/instances/") && r.Method == http.MethodDelete:
			name := path[strings.LastIndex(path, "/")+1:]
			if _, ok := f.instances[name]; !ok {
				http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
				return
			}
			delete(f.instances, name)
			_ = json.NewEncoder(w).Encode(&compute.Operation{Name: "op-2", Status: "RUNNING"})
		case strings.Contains(path, "/zones/") && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(&compute.Zone{Name: "us-central1-a"})
		default:
			http.Error(w, `{"error":{"code":400,"message":"unexpected call"}}`, http.StatusBadRequest)
		}
	}
}

func newTestAdapter(t *testing.T, fake *fakeCompute) *Adapter {
	t.Helper()
	fake.t = t
	if fake.instances == nil {
		fake.instances = map[string]*compute.Instance{}
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	service, err := compute.NewService(context.Background(),
		option.WithoutAuthentication(), option.WithEndpoint(srv.URL))
	require.NoError(t, err)
	return NewWithService(service, "proj-1", "us-central1-a")
}

func TestListOffers(t *testing.T) {
	a := newTestAdapter(t, &fakeCompute{accelerators: []string{"nvidia-tesla-t4"}})

	offers, err := a.ListOffers(context.Background(), types.ResourceProfile{GPUModel: "T4", GPUCount: 1})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "n1-standard-4", offers[0].OfferID)
	assert.True(t, offers[0].Available)
	assert.Equal(t, int64(54), offers[0].RateCents)

	// V100 machines need an accelerator the zone does not have.
	offers, err = a.ListOffers(context.Background(), types.ResourceProfile{GPUModel: "V100", GPUCount: 1})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.False(t, offers[0].Available)

	// Built-in GPU families do not depend on the accelerator listing.
	offers, err = a.ListOffers(context.Background(), types.ResourceProfile{GPUModel: "A100", GPUCount: 1})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	for _, o := range offers {
		assert.True(t, o.Available)
	}
}

func TestCreateInstance(t *testing.T) {
	fake := &fakeCompute{}
	a := newTestAdapter(t, fake)

	name, err := a.CreateInstance(context.Background(), types.Offer{
		Provider:  Tag,
		OfferID:   "n1-standard-4",
		Resources: types.ResourceProfile{GPUModel: "T4", GPUCount: 1, DiskGB: 30},
	}, providers.BootParams{InstanceID: "INST-1", Token: "tok", Image: "registry.aima.internal/worker:1"})
	require.NoError(t, err)
	assert.Equal(t, "corral-inst-1", name, "GCE names are lowercase")

	require.NotNil(t, fake.lastInsert)
	assert.Contains(t, fake.lastInsert.MachineType, "n1-standard-4")
	assert.Equal(t, "true", fake.lastInsert.Labels[ownedLabel])
	require.Len(t, fake.lastInsert.GuestAccelerators, 1)
	assert.Contains(t, fake.lastInsert.GuestAccelerators[0].AcceleratorType, "nvidia-tesla-t4")
	assert.Equal(t, "TERMINATE", fake.lastInsert.Scheduling.OnHostMaintenance)

	var sawToken bool
	for _, item := range fake.lastInsert.Metadata.Items {
		if item.Key == "corral-token" {
			sawToken = true
			assert.Equal(t, "tok", *item.Value)
		}
	}
	assert.True(t, sawToken)
}

func TestCreateInstanceUnknownShape(t *testing.T) {
	a := newTestAdapter(t, &fakeCompute{})
	_, err := a.CreateInstance(context.Background(), types.Offer{OfferID: "n2-standard-2"}, providers.BootParams{InstanceID: "i"})
	require.Error(t, err)
	assert.Equal(t, providers.OutcomeFatal, providers.Classify(err))
}

func TestObserveInstance(t *testing.T) {
	fake := &fakeCompute{instances: map[string]*compute.Instance{
		"corral-a": {Name: "corral-a", Status: "PROVISIONING"},
		"corral-b": {
			Name: "corral-b", Status: "RUNNING",
			NetworkInterfaces: []*compute.NetworkInterface{{
				NetworkIP:     "10.0.0.7",
				AccessConfigs: []*compute.AccessConfig{{NatIP: "203.0.113.9"}},
			}},
		},
	}}
	a := newTestAdapter(t, fake)
	ctx := context.Background()

	obs, err := a.ObserveInstance(ctx, "corral-a")
	require.NoError(t, err)
	assert.Equal(t, providers.RemotePending, obs.State)

	obs, err = a.ObserveInstance(ctx, "corral-b")
	require.NoError(t, err)
	assert.Equal(t, providers.RemoteRunning, obs.State)
	assert.Equal(t, "203.0.113.9:8844", obs.Address)

	obs, err = a.ObserveInstance(ctx, "corral-gone")
	require.NoError(t, err)
	assert.Equal(t, providers.RemoteGone, obs.State)
}

func TestTerminateInstanceIdempotent(t *testing.T) {
	fake := &fakeCompute{instances: map[string]*compute.Instance{
		"corral-a": {Name: "corral-a", Status: "RUNNING"},
	}}
	a := newTestAdapter(t, fake)
	ctx := context.Background()

	require.NoError(t, a.TerminateInstance(ctx, "corral-a"))
	require.NoError(t, a.TerminateInstance(ctx, "corral-a"), "second delete is a no-op")
	assert.Empty(t, fake.instances)
}

func TestListAllInstances(t *testing.T) {
	fake := &fakeCompute{instances: map[string]*compute.Instance{
		"corral-a": {Name: "corral-a", Status: "RUNNING"},
	}}
	a := newTestAdapter(t, fake)

	names, err := a.ListAllInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"corral-a"}, names)
}

func TestHealth(t *testing.T) {
	a := newTestAdapter(t, &fakeCompute{})
	assert.NoError(t, a.Health(context.Background()))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  *googleapi.Error
		want providers.Outcome
	}{
		{"quota exceeded", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, providers.OutcomeRetryable},
		{"rate limited", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, providers.OutcomeRetryable},
		{"forbidden", &googleapi.Error{Code: 403}, providers.OutcomeFatal},
		{"unauthorized", &googleapi.Error{Code: 401}, providers.OutcomeFatal},
		{"bad request", &googleapi.Error{Code: 400}, providers.OutcomeFatal},
		{"server error", &googleapi.Error{Code: 503}, providers.OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, providers.Classify(classify(tt.err)))
		})
	}
}
