// Package vast adapts the Vast.ai marketplace REST API. Offers come from
// the bundle search; accepting an ask creates a rental contract whose id is
// the provider-side instance identifier. Instances are labeled so
// reconciliation can tell ours from the account's other rentals.
package vast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

// Tag is the provider tag the adapter registers under.
const Tag = "vast"

const defaultBaseURL = "https://console.vast.ai/api/v0"

// labelPrefix marks rentals owned by this orchestrator.
const labelPrefix = "corral-"

// Adapter implements providers.Adapter against Vast.ai.
type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// New builds the adapter. The api_key credential is required; base_url may
// point at a fake for testing.
func New(cfg config.ProviderConfig) (*Adapter, error) {
	apiKey := cfg.Credentials["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("vast: api_key credential is required")
	}
	baseURL := cfg.Credentials["base_url"]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: cfg.ReadTimeout.D()},
		logger:  log.WithProvider(Tag),
	}, nil
}

// Tag implements providers.Adapter
func (a *Adapter) Tag() string { return Tag }

type bundle struct {
	ID          int64   `json:"id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      int64   `json:"gpu_ram"` // per-GPU, MB
	DiskSpace   float64 `json:"disk_space"`
	DPHTotal    float64 `json:"dph_total"` // dollars per hour, whole machine
	Rentable    bool    `json:"rentable"`
	Geolocation string  `json:"geolocation"`
}

// ListOffers searches rentable asks matching the profile.
func (a *Adapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	query := map[string]any{
		"type":     "on-demand",
		"rentable": map[string]any{"eq": true},
		"order":    [][]string{{"dph_total", "asc"}},
	}
	if want.GPUCount > 0 {
		query["num_gpus"] = map[string]any{"gte": want.GPUCount}
	}
	q, err := json.Marshal(query)
	if err != nil {
		return nil, providers.AsFatal(err)
	}

	var data struct {
		Offers []bundle `json:"offers"`
	}
	if err := a.do(ctx, http.MethodGet, "/bundles/?q="+url.QueryEscape(string(q)), nil, &data); err != nil {
		return nil, err
	}

	var offers []types.Offer
	for _, b := range data.Offers {
		model := providers.CanonicalGPU(b.GPUName)
		if model == "" || b.DPHTotal <= 0 {
			continue
		}
		profile := types.ResourceProfile{
			GPUModel: model,
			GPUCount: b.NumGPUs,
			MemoryMB: b.GPURAM * int64(b.NumGPUs),
			DiskGB:   int(b.DiskSpace),
		}
		if !profile.Satisfies(want) {
			continue
		}
		offers = append(offers, types.Offer{
			Provider:  Tag,
			OfferID:   fmt.Sprintf("%d", b.ID),
			Region:    b.Geolocation,
			Resources: profile,
			RateCents: int64(b.DPHTotal*100 + 0.5),
			Available: b.Rentable,
		})
	}
	return offers, nil
}

// CreateInstance accepts the ask, booting the worker image with the
// bootstrap token in the environment.
func (a *Adapter) CreateInstance(ctx context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	disk := offer.Resources.DiskGB
	if disk <= 0 {
		disk = 20
	}
	body := map[string]any{
		"client_id": "me",
		"image":     boot.Image,
		"label":     labelPrefix + boot.InstanceID,
		"disk":      disk,
		"env": map[string]string{
			"CORRAL_INSTANCE_ID": boot.InstanceID,
			"CORRAL_TOKEN":       boot.Token,
			"-p":                 fmt.Sprintf("%d:%d", worker.DefaultControlPort, worker.DefaultControlPort),
		},
		"runtype": "args",
	}
	var data struct {
		Success     bool  `json:"success"`
		NewContract int64 `json:"new_contract"`
	}
	if err := a.do(ctx, http.MethodPut, "/asks/"+offer.OfferID+"/", body, &data); err != nil {
		return "", err
	}
	if !data.Success || data.NewContract == 0 {
		// The ask was rented out from under us; stale inventory.
		return "", providers.AsRetryable(fmt.Errorf("ask %s no longer available", offer.OfferID))
	}
	return fmt.Sprintf("%d", data.NewContract), nil
}

type rental struct {
	ID           int64                `json:"id"`
	Label        string               `json:"label"`
	ActualStatus string               `json:"actual_status"`
	PublicIP     string               `json:"public_ipaddr"`
	Ports        map[string][]portMap `json:"ports"`
}

type portMap struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// ObserveInstance reads the rental's status from the instances listing.
func (a *Adapter) ObserveInstance(ctx context.Context, providerID string) (providers.Observation, error) {
	r, err := a.findRental(ctx, providerID)
	if err != nil {
		return providers.Observation{}, err
	}
	if r == nil {
		return providers.Observation{State: providers.RemoteGone}, nil
	}
	switch r.ActualStatus {
	case "running":
		if addr := r.controlAddress(); addr != "" {
			return providers.Observation{State: providers.RemoteRunning, Address: addr}, nil
		}
		return providers.Observation{State: providers.RemotePending}, nil
	case "exited", "stopped":
		return providers.Observation{State: providers.RemoteGone}, nil
	default: // loading, created, ...
		return providers.Observation{State: providers.RemotePending}, nil
	}
}

// controlAddress resolves the public mapping of the worker control port.
func (r *rental) controlAddress() string {
	key := fmt.Sprintf("%d/tcp", worker.DefaultControlPort)
	for _, m := range r.Ports[key] {
		if m.HostPort == "" {
			continue
		}
		host := m.HostIP
		if host == "" || host == "0.0.0.0" {
			host = r.PublicIP
		}
		if host != "" {
			return host + ":" + m.HostPort
		}
	}
	return ""
}

// TerminateInstance destroys the rental contract. Unknown contracts count
// as already destroyed.
func (a *Adapter) TerminateInstance(ctx context.Context, providerID string) error {
	err := a.do(ctx, http.MethodDelete, "/instances/"+providerID+"/", nil, nil)
	if err != nil && providers.Classify(err) == providers.OutcomeFatal &&
		strings.Contains(strings.ToLower(err.Error()), "not found") {
		return nil
	}
	return err
}

// ListAllInstances returns contracts carrying this orchestrator's label.
func (a *Adapter) ListAllInstances(ctx context.Context) ([]string, error) {
	rentals, err := a.listRentals(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range rentals {
		if strings.HasPrefix(r.Label, labelPrefix) {
			ids = append(ids, fmt.Sprintf("%d", r.ID))
		}
	}
	return ids, nil
}

// Health reads the current user, the cheapest authenticated endpoint.
func (a *Adapter) Health(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/users/current/", nil, nil)
}

func (a *Adapter) listRentals(ctx context.Context) ([]rental, error) {
	var data struct {
		Instances []rental `json:"instances"`
	}
	if err := a.do(ctx, http.MethodGet, "/instances/", nil, &data); err != nil {
		return nil, err
	}
	return data.Instances, nil
}

func (a *Adapter) findRental(ctx context.Context, providerID string) (*rental, error) {
	rentals, err := a.listRentals(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rentals {
		if fmt.Sprintf("%d", rentals[i].ID) == providerID {
			return &rentals[i], nil
		}
	}
	return nil, nil
}

// do issues one API call with the key in the query string, Vast's auth
// scheme, and classifies failures for the registry.
func (a *Adapter) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return providers.AsFatal(err)
		}
		reader = bytes.NewReader(encoded)
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path+sep+"api_key="+url.QueryEscape(a.apiKey), reader)
	if err != nil {
		return providers.AsFatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return providers.AsRetryable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.AsRetryable(err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return providers.AsFatal(fmt.Errorf("vast auth rejected: %s", resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return providers.AsRetryable(fmt.Errorf("vast unavailable: %s", resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return providers.AsFatal(fmt.Errorf("vast: not found: %s", strings.TrimSpace(string(raw))))
	case resp.StatusCode >= 400:
		return providers.AsFatal(fmt.Errorf("vast rejected request: %s: %s", resp.Status, strings.TrimSpace(string(raw))))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return providers.AsRetryable(fmt.Errorf("malformed response: %w", err))
		}
	}
	return nil
}
