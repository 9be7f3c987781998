// Package gcp adapts Compute Engine GPU capacity. Shapes come from a static
// catalog of GPU machine configurations; instances are created with the
// worker image as a startup container, labeled for reconciliation, and
// addressed by instance name.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

// Tag is the provider tag the adapter registers under.
const Tag = "gcp"

// ownedLabel marks instances created by this orchestrator.
const ownedLabel = "corral-owned"

// shape is one catalog row: a machine configuration and what it carries.
// Rates are static on-demand snapshots in cents/hour covering machine plus
// accelerators. acceleratorType is empty for families with built-in GPUs.
type shape struct {
	machineType     string
	acceleratorType string
	gpuModel        string
	gpuCount        int
	vramMB          int64
	rateCents       int64
}

var gpuShapes = []shape{
	{"a3-highgpu-8g", "", "H100", 8, 655360, 8800},
	{"a2-ultragpu-8g", "", "A100", 8, 655360, 4500},
	{"a2-highgpu-1g", "", "A100", 1, 40960, 367},
	{"g2-standard-4", "", "L4", 1, 24576, 71},
	{"n1-standard-8", "nvidia-tesla-v100", "V100", 1, 16384, 273},
	{"n1-standard-4", "nvidia-tesla-t4", "T4", 1, 16384, 54},
}

// Adapter implements providers.Adapter against Compute Engine.
type Adapter struct {
	service     *compute.Service
	project     string
	zone        string
	workerImage string // container image the startup script runs
	bootImage   string // boot disk source image
	logger      zerolog.Logger
}

// New builds the adapter. Credentials: project and zone are required;
// credentials_file or credentials_json override application default
// credentials; boot_image overrides the default COS image.
func New(ctx context.Context, cfg config.ProviderConfig) (*Adapter, error) {
	project := cfg.Credentials["project"]
	if project == "" {
		return nil, fmt.Errorf("gcp: project credential is required")
	}
	zone := cfg.Credentials["zone"]
	if zone == "" {
		return nil, fmt.Errorf("gcp: zone credential is required")
	}

	var opts []option.ClientOption
	if f := cfg.Credentials["credentials_file"]; f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	} else if j := cfg.Credentials["credentials_json"]; j != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(j)))
	}
	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcp: failed to create compute service: %w", err)
	}

	bootImage := cfg.Credentials["boot_image"]
	if bootImage == "" {
		bootImage = "projects/cos-cloud/global/images/family/cos-stable"
	}
	return &Adapter{
		service:     service,
		project:     project,
		zone:        zone,
		workerImage: cfg.Credentials["worker_image"],
		bootImage:   bootImage,
		logger:      log.WithProvider(Tag),
	}, nil
}

// NewWithService wires a prebuilt compute service; tests point it at a fake.
func NewWithService(service *compute.Service, project, zone string) *Adapter {
	return &Adapter{
		service:   service,
		project:   project,
		zone:      zone,
		bootImage: "projects/cos-cloud/global/images/family/cos-stable",
		logger:    log.WithProvider(Tag),
	}
}

// Tag implements providers.Adapter
func (a *Adapter) Tag() string { return Tag }

// ListOffers walks the shape catalog, checking attached-accelerator
// availability against the zone's accelerator types.
func (a *Adapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	accels, err := a.zoneAccelerators(ctx)
	if err != nil {
		return nil, err
	}
	var offers []types.Offer
	for _, s := range gpuShapes {
		profile := types.ResourceProfile{
			GPUModel: s.gpuModel,
			GPUCount: s.gpuCount,
			MemoryMB: s.vramMB,
		}
		if !profile.Satisfies(want) {
			continue
		}
		available := true
		if s.acceleratorType != "" {
			available = accels[s.acceleratorType]
		}
		offers = append(offers, types.Offer{
			Provider:  Tag,
			OfferID:   s.machineType,
			Region:    a.zone,
			Resources: profile,
			RateCents: s.rateCents,
			Available: available,
		})
	}
	return offers, nil
}

func (a *Adapter) zoneAccelerators(ctx context.Context) (map[string]bool, error) {
	list, err := a.service.AcceleratorTypes.List(a.project, a.zone).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	accels := make(map[string]bool, len(list.Items))
	for _, item := range list.Items {
		accels[item.Name] = true
	}
	return accels, nil
}

// CreateInstance inserts one VM with the worker started from instance
// metadata. The orchestrator-side instance id rides on labels and metadata.
func (a *Adapter) CreateInstance(ctx context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	s, ok := shapeFor(offer.OfferID)
	if !ok {
		return "", providers.AsFatal(fmt.Errorf("unknown machine type %q", offer.OfferID))
	}
	if boot.Image == "" {
		boot.Image = a.workerImage
	}
	name := "corral-" + strings.ToLower(boot.InstanceID)
	disk := int64(offer.Resources.DiskGB)
	if disk <= 0 {
		disk = 50
	}
	script := startupScript(boot)

	inst := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", a.zone, s.machineType),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: a.bootImage,
				DiskSizeGb:  disk,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		Metadata: &compute.Metadata{Items: []*compute.MetadataItems{
			{Key: "corral-instance-id", Value: strPtr(boot.InstanceID)},
			{Key: "corral-token", Value: strPtr(boot.Token)},
			{Key: "startup-script", Value: strPtr(script)},
		}},
		Labels:     map[string]string{ownedLabel: "true"},
		Scheduling: &compute.Scheduling{OnHostMaintenance: "TERMINATE"},
	}
	if s.acceleratorType != "" {
		inst.GuestAccelerators = []*compute.AcceleratorConfig{{
			AcceleratorType:  fmt.Sprintf("zones/%s/acceleratorTypes/%s", a.zone, s.acceleratorType),
			AcceleratorCount: int64(s.gpuCount),
		}}
	}

	if _, err := a.service.Instances.Insert(a.project, a.zone, inst).Context(ctx).Do(); err != nil {
		return "", classify(err)
	}
	return name, nil
}

func strPtr(s string) *string { return &s }

func shapeFor(machineType string) (shape, bool) {
	for _, s := range gpuShapes {
		if s.machineType == machineType {
			return s, true
		}
	}
	return shape{}, false
}

func startupScript(boot providers.BootParams) string {
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail
docker run -d --restart=on-failure --gpus all \
  -p %d:%d \
  -e CORRAL_INSTANCE_ID=%s \
  -e CORRAL_TOKEN=%s \
  %s
`, worker.DefaultControlPort, worker.DefaultControlPort, boot.InstanceID, boot.Token, boot.Image)
}

// ObserveInstance maps VM status onto the canonical observation.
func (a *Adapter) ObserveInstance(ctx context.Context, providerID string) (providers.Observation, error) {
	inst, err := a.service.Instances.Get(a.project, a.zone, providerID).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return providers.Observation{State: providers.RemoteGone}, nil
		}
		return providers.Observation{}, classify(err)
	}
	switch inst.Status {
	case "RUNNING":
		addr := natIP(inst)
		if addr == "" {
			return providers.Observation{State: providers.RemotePending}, nil
		}
		return providers.Observation{
			State:   providers.RemoteRunning,
			Address: fmt.Sprintf("%s:%d", addr, worker.DefaultControlPort),
		}, nil
	case "STOPPING", "STOPPED", "SUSPENDED", "TERMINATED":
		return providers.Observation{State: providers.RemoteGone}, nil
	default: // PROVISIONING, STAGING
		return providers.Observation{State: providers.RemotePending}, nil
	}
}

func natIP(inst *compute.Instance) string {
	for _, ni := range inst.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	if len(inst.NetworkInterfaces) > 0 {
		return inst.NetworkInterfaces[0].NetworkIP
	}
	return ""
}

// TerminateInstance deletes the VM; unknown names are already gone.
func (a *Adapter) TerminateInstance(ctx context.Context, providerID string) error {
	_, err := a.service.Instances.Delete(a.project, a.zone, providerID).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

// ListAllInstances finds every VM carrying the orchestrator label.
func (a *Adapter) ListAllInstances(ctx context.Context) ([]string, error) {
	list, err := a.service.Instances.List(a.project, a.zone).
		Filter(fmt.Sprintf("labels.%s=true", ownedLabel)).
		Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	var names []string
	for _, inst := range list.Items {
		names = append(names, inst.Name)
	}
	return names, nil
}

// Health reads the zone, the cheapest scoped call available.
func (a *Adapter) Health(ctx context.Context) error {
	if _, err := a.service.Zones.Get(a.project, a.zone).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps googleapi errors onto retry outcomes: auth and malformed
// requests are fatal, quota and server trouble retryable.
func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return providers.AsRetryable(err)
	}
	switch {
	case apiErr.Code == 403 && hasReason(apiErr, "quotaExceeded", "rateLimitExceeded"):
		return providers.AsRetryable(err)
	case apiErr.Code == 400 || apiErr.Code == 401 || apiErr.Code == 403 || apiErr.Code == 404:
		return providers.AsFatal(err)
	default:
		return providers.AsRetryable(err)
	}
}

func hasReason(apiErr *googleapi.Error, reasons ...string) bool {
	for _, item := range apiErr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}
