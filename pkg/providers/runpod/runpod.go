// Package runpod adapts RunPod's GraphQL API. Pods are deployed on the
// secure cloud with the worker image and bootstrap token injected through
// pod environment variables; the worker's control port is exposed via
// RunPod's port mapping.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

// Tag is the provider tag the adapter registers under.
const Tag = "runpod"

const defaultEndpoint = "https://api.runpod.io/graphql"

// namePrefix marks pods owned by this orchestrator, for reconciliation.
const namePrefix = "corral-"

// Adapter implements providers.Adapter against RunPod.
type Adapter struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
}

// New builds the adapter. The api_key credential is required; endpoint may
// override the public API for testing.
func New(cfg config.ProviderConfig) (*Adapter, error) {
	apiKey := cfg.Credentials["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("runpod: api_key credential is required")
	}
	endpoint := cfg.Credentials["endpoint"]
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Adapter{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: cfg.ReadTimeout.D()},
		logger:   log.WithProvider(Tag),
	}, nil
}

// Tag implements providers.Adapter
func (a *Adapter) Tag() string { return Tag }

// ListOffers queries GPU types and prices one offer per schedulable model.
func (a *Adapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	const q = `query GpuTypes { gpuTypes { id displayName memoryInGb maxGpuCount securePrice } }`
	var data struct {
		GpuTypes []struct {
			ID          string  `json:"id"`
			DisplayName string  `json:"displayName"`
			MemoryInGb  int64   `json:"memoryInGb"`
			MaxGpuCount int     `json:"maxGpuCount"`
			SecurePrice float64 `json:"securePrice"`
		} `json:"gpuTypes"`
	}
	if err := a.query(ctx, q, nil, &data); err != nil {
		return nil, err
	}

	count := want.GPUCount
	if count < 1 {
		count = 1
	}
	var offers []types.Offer
	for _, gt := range data.GpuTypes {
		model := providers.CanonicalGPU(gt.DisplayName)
		if model == "" || gt.SecurePrice <= 0 {
			continue
		}
		profile := types.ResourceProfile{
			GPUModel: model,
			GPUCount: count,
			MemoryMB: gt.MemoryInGb * 1024 * int64(count),
		}
		if !profile.Satisfies(want) {
			continue
		}
		offers = append(offers, types.Offer{
			Provider:  Tag,
			OfferID:   gt.ID,
			Region:    "secure-cloud",
			Resources: profile,
			RateCents: int64(gt.SecurePrice*float64(count)*100 + 0.5),
			Available: gt.MaxGpuCount >= count,
		})
	}
	return offers, nil
}

// CreateInstance deploys an on-demand pod for the offer's GPU type.
func (a *Adapter) CreateInstance(ctx context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	const q = `mutation Deploy($input: PodFindAndDeployOnDemandInput) {
		podFindAndDeployOnDemand(input: $input) { id }
	}`
	disk := offer.Resources.DiskGB
	if disk <= 0 {
		disk = 20
	}
	vars := map[string]any{
		"input": map[string]any{
			"cloudType":         "SECURE",
			"name":              namePrefix + boot.InstanceID,
			"gpuTypeId":         offer.OfferID,
			"gpuCount":          offer.Resources.GPUCount,
			"imageName":         boot.Image,
			"containerDiskInGb": disk,
			"ports":             fmt.Sprintf("%d/tcp", worker.DefaultControlPort),
			"env": []map[string]string{
				{"key": "CORRAL_INSTANCE_ID", "value": boot.InstanceID},
				{"key": "CORRAL_TOKEN", "value": boot.Token},
			},
		},
	}
	var data struct {
		Pod struct {
			ID string `json:"id"`
		} `json:"podFindAndDeployOnDemand"`
	}
	if err := a.query(ctx, q, vars, &data); err != nil {
		return "", err
	}
	if data.Pod.ID == "" {
		// RunPod answers with a null pod when the shape is sold out.
		return "", providers.AsRetryable(fmt.Errorf("no %s capacity available", offer.OfferID))
	}
	return data.Pod.ID, nil
}

// ObserveInstance reads one pod's status and port mappings.
func (a *Adapter) ObserveInstance(ctx context.Context, providerID string) (providers.Observation, error) {
	const q = `query Pod($podId: String!) {
		pod(input: {podId: $podId}) {
			id desiredStatus
			runtime { ports { ip isIpPublic privatePort publicPort } }
		}
	}`
	var data struct {
		Pod *struct {
			ID            string `json:"id"`
			DesiredStatus string `json:"desiredStatus"`
			Runtime       *struct {
				Ports []struct {
					IP          string `json:"ip"`
					IsIPPublic  bool   `json:"isIpPublic"`
					PrivatePort int    `json:"privatePort"`
					PublicPort  int    `json:"publicPort"`
				} `json:"ports"`
			} `json:"runtime"`
		} `json:"pod"`
	}
	if err := a.query(ctx, q, map[string]any{"podId": providerID}, &data); err != nil {
		return providers.Observation{}, err
	}
	if data.Pod == nil || data.Pod.DesiredStatus == "EXITED" || data.Pod.DesiredStatus == "TERMINATED" {
		return providers.Observation{State: providers.RemoteGone}, nil
	}
	if data.Pod.DesiredStatus == "RUNNING" && data.Pod.Runtime != nil {
		for _, p := range data.Pod.Runtime.Ports {
			if p.PrivatePort == worker.DefaultControlPort && p.IsIPPublic {
				return providers.Observation{
					State:   providers.RemoteRunning,
					Address: fmt.Sprintf("%s:%d", p.IP, p.PublicPort),
				}, nil
			}
		}
	}
	return providers.Observation{State: providers.RemotePending}, nil
}

// TerminateInstance tears the pod down. A pod RunPod no longer knows about
// counts as terminated.
func (a *Adapter) TerminateInstance(ctx context.Context, providerID string) error {
	const q = `mutation Terminate($podId: String!) { podTerminate(input: {podId: $podId}) }`
	err := a.query(ctx, q, map[string]any{"podId": providerID}, nil)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "not found") {
		return nil
	}
	return err
}

// ListAllInstances returns the pods carrying this orchestrator's name prefix.
func (a *Adapter) ListAllInstances(ctx context.Context) ([]string, error) {
	const q = `query Pods { myself { pods { id name } } }`
	var data struct {
		Myself struct {
			Pods []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"pods"`
		} `json:"myself"`
	}
	if err := a.query(ctx, q, nil, &data); err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range data.Myself.Pods {
		if strings.HasPrefix(p.Name, namePrefix) {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// Health runs the cheapest authenticated read the API has.
func (a *Adapter) Health(ctx context.Context) error {
	const q = `query Health { myself { id } }`
	return a.query(ctx, q, nil, nil)
}

// query posts one GraphQL request and decodes the data envelope into out.
// Errors come back classified for the registry.
func (a *Adapter) query(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return providers.AsFatal(fmt.Errorf("failed to encode query: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return providers.AsFatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return providers.AsRetryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return providers.AsFatal(fmt.Errorf("runpod auth rejected: %s", resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return providers.AsRetryable(fmt.Errorf("runpod unavailable: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return providers.AsFatal(fmt.Errorf("runpod rejected request: %s", resp.Status))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.AsRetryable(err)
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return providers.AsRetryable(fmt.Errorf("malformed graphql response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		msg := envelope.Errors[0].Message
		if isAuthMessage(msg) {
			return providers.AsFatal(fmt.Errorf("runpod: %s", msg))
		}
		return providers.AsRetryable(fmt.Errorf("runpod: %s", msg))
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return providers.AsRetryable(fmt.Errorf("malformed graphql data: %w", err))
		}
	}
	return nil
}

func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "not authorized") ||
		strings.Contains(lower, "invalid api key")
}
