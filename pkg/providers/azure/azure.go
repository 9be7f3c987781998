// Package azure adapts Azure GPU capacity. Shapes come from a static
// catalog of NC/ND-series sizes cross-checked against SKU restrictions in
// the configured location. Azure splits a machine across three resources:
// a public IP, a NIC, and the VM itself. CreateInstance builds them in
// that order and chains delete options so tearing down the VM takes the
// rest with it.
package azure

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v5"
	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

// Tag is the provider tag the adapter registers under.
const Tag = "azure"

// ownedTagKey marks every resource created by this orchestrator.
const ownedTagKey = "corral-owned"

// VirtualMachinesAPI is the slice of the VM client the adapter uses.
// Tests substitute a fake; production wires *armcompute.VirtualMachinesClient.
type VirtualMachinesAPI interface {
	BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, vmName string, parameters armcompute.VirtualMachine, options *armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error)
	Get(ctx context.Context, resourceGroupName string, vmName string, options *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error)
	BeginDelete(ctx context.Context, resourceGroupName string, vmName string, options *armcompute.VirtualMachinesClientBeginDeleteOptions) (*runtime.Poller[armcompute.VirtualMachinesClientDeleteResponse], error)
	NewListPager(resourceGroupName string, options *armcompute.VirtualMachinesClientListOptions) *runtime.Pager[armcompute.VirtualMachinesClientListResponse]
}

// InterfacesAPI covers the NIC operations the adapter needs.
type InterfacesAPI interface {
	BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, networkInterfaceName string, parameters armnetwork.Interface, options *armnetwork.InterfacesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.InterfacesClientCreateOrUpdateResponse], error)
	BeginDelete(ctx context.Context, resourceGroupName string, networkInterfaceName string, options *armnetwork.InterfacesClientBeginDeleteOptions) (*runtime.Poller[armnetwork.InterfacesClientDeleteResponse], error)
}

// PublicIPsAPI covers the public IP operations the adapter needs.
type PublicIPsAPI interface {
	BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, publicIPAddressName string, parameters armnetwork.PublicIPAddress, options *armnetwork.PublicIPAddressesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientCreateOrUpdateResponse], error)
	Get(ctx context.Context, resourceGroupName string, publicIPAddressName string, options *armnetwork.PublicIPAddressesClientGetOptions) (armnetwork.PublicIPAddressesClientGetResponse, error)
	BeginDelete(ctx context.Context, resourceGroupName string, publicIPAddressName string, options *armnetwork.PublicIPAddressesClientBeginDeleteOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientDeleteResponse], error)
}

// ResourceSKUsAPI lists compute SKUs for availability checks.
type ResourceSKUsAPI interface {
	NewListPager(options *armcompute.ResourceSKUsClientListOptions) *runtime.Pager[armcompute.ResourceSKUsClientListResponse]
}

// shape is one catalog row: a VM size and what it carries. On-demand rates
// are static snapshots in cents/hour.
type shape struct {
	vmSize    string
	gpuModel  string
	gpuCount  int
	vramMB    int64
	rateCents int64
}

var gpuShapes = []shape{
	{"Standard_ND96isr_H100_v5", "H100", 8, 655360, 9800},
	{"Standard_NC96ads_A100_v4", "A100", 4, 327680, 1469},
	{"Standard_NC48ads_A100_v4", "A100", 2, 163840, 735},
	{"Standard_NC24ads_A100_v4", "A100", 1, 81920, 367},
	{"Standard_NV36ads_A10_v5", "A10", 1, 24576, 320},
	{"Standard_NC6s_v3", "V100", 1, 16384, 306},
	{"Standard_NC4as_T4_v3", "T4", 1, 16384, 53},
}

// Adapter implements providers.Adapter against Azure Resource Manager.
type Adapter struct {
	vms       VirtualMachinesAPI
	nics      InterfacesAPI
	publicIPs PublicIPsAPI
	skus      ResourceSKUsAPI

	subscriptionID string
	resourceGroup  string
	location       string
	subnetID       string
	workerImage    string
	sshPublicKey   string
	logger         zerolog.Logger
}

// New builds the adapter. Credentials: subscription_id, resource_group,
// location (or Regions[0]), subnet_id, worker_image and ssh_public_key are
// required; tenant_id/client_id/client_secret select a service principal,
// otherwise the default credential chain applies.
func New(cfg config.ProviderConfig) (*Adapter, error) {
	sub := cfg.Credentials["subscription_id"]
	if sub == "" {
		return nil, fmt.Errorf("azure: subscription_id credential is required")
	}
	group := cfg.Credentials["resource_group"]
	if group == "" {
		return nil, fmt.Errorf("azure: resource_group credential is required")
	}
	location := cfg.Credentials["location"]
	if location == "" && len(cfg.Regions) > 0 {
		location = cfg.Regions[0]
	}
	if location == "" {
		return nil, fmt.Errorf("azure: location credential is required")
	}
	subnet := cfg.Credentials["subnet_id"]
	if subnet == "" {
		return nil, fmt.Errorf("azure: subnet_id credential is required")
	}

	cred, err := buildCredential(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	vms, err := armcompute.NewVirtualMachinesClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create VM client: %w", err)
	}
	skus, err := armcompute.NewResourceSKUsClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create SKU client: %w", err)
	}
	nics, err := armnetwork.NewInterfacesClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create NIC client: %w", err)
	}
	ips, err := armnetwork.NewPublicIPAddressesClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create public IP client: %w", err)
	}

	return &Adapter{
		vms:            vms,
		nics:           nics,
		publicIPs:      ips,
		skus:           skus,
		subscriptionID: sub,
		resourceGroup:  group,
		location:       location,
		subnetID:       subnet,
		workerImage:    cfg.Credentials["worker_image"],
		sshPublicKey:   cfg.Credentials["ssh_public_key"],
		logger:         log.WithProvider(Tag),
	}, nil
}

func buildCredential(creds map[string]string) (azcore.TokenCredential, error) {
	tenant := creds["tenant_id"]
	client := creds["client_id"]
	secret := creds["client_secret"]
	if tenant != "" && client != "" && secret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenant, client, secret, nil)
		if err != nil {
			return nil, fmt.Errorf("azure: failed to create service principal credential: %w", err)
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create default credential: %w", err)
	}
	return cred, nil
}

// NewWithClients wires prebuilt clients; tests use it with fakes.
func NewWithClients(vms VirtualMachinesAPI, nics InterfacesAPI, ips PublicIPsAPI, skus ResourceSKUsAPI, resourceGroup, location, subnetID string) *Adapter {
	return &Adapter{
		vms:           vms,
		nics:          nics,
		publicIPs:     ips,
		skus:          skus,
		resourceGroup: resourceGroup,
		location:      location,
		subnetID:      subnetID,
		logger:        log.WithProvider(Tag),
	}
}

// Tag implements providers.Adapter
func (a *Adapter) Tag() string { return Tag }

// ListOffers walks the shape catalog, marking sizes the location restricts
// as unavailable.
func (a *Adapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	restricted, err := a.restrictedSizes(ctx)
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
		offers = append(offers, types.Offer{
			Provider:  Tag,
			OfferID:   s.vmSize,
			Region:    a.location,
			Resources: profile,
			RateCents: s.rateCents,
			Available: !restricted[s.vmSize],
		})
	}
	return offers, nil
}

// restrictedSizes returns VM sizes the subscription cannot use in the
// configured location.
func (a *Adapter) restrictedSizes(ctx context.Context) (map[string]bool, error) {
	restricted := make(map[string]bool)
	pager := a.skus.NewListPager(&armcompute.ResourceSKUsClientListOptions{
		Filter: to.Ptr(fmt.Sprintf("location eq '%s'", a.location)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, sku := range page.Value {
			if sku == nil || sku.Name == nil || len(sku.Restrictions) == 0 {
				continue
			}
			restricted[*sku.Name] = true
		}
	}
	return restricted, nil
}

// CreateInstance provisions public IP, NIC and VM in order. The network
// resources must exist before the VM references them, so those two creates
// are waited on; the VM create is left for ObserveInstance to track.
func (a *Adapter) CreateInstance(ctx context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	s, ok := shapeFor(offer.OfferID)
	if !ok {
		return "", providers.AsFatal(fmt.Errorf("unknown VM size %q", offer.OfferID))
	}
	name := "corral-" + strings.ToLower(boot.InstanceID)
	tags := map[string]*string{
		ownedTagKey:          to.Ptr("true"),
		"corral-instance-id": to.Ptr(boot.InstanceID),
	}

	ipID, err := a.createPublicIP(ctx, name, tags)
	if err != nil {
		return "", err
	}
	nicID, err := a.createNIC(ctx, name, ipID, tags)
	if err != nil {
		a.cleanupNetwork(name)
		return "", err
	}

	disk := int32(offer.Resources.DiskGB)
	if disk <= 0 {
		disk = 50
	}
	vm := armcompute.VirtualMachine{
		Location: to.Ptr(a.location),
		Tags:     tags,
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(s.vmSize)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: a.imageReference(),
				OSDisk: &armcompute.OSDisk{
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					DeleteOption: to.Ptr(armcompute.DiskDeleteOptionTypesDelete),
					DiskSizeGB:   to.Ptr(disk),
					ManagedDisk: &armcompute.ManagedDiskParameters{
						StorageAccountType: to.Ptr(armcompute.StorageAccountTypesPremiumLRS),
					},
				},
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(name),
				AdminUsername: to.Ptr("corral"),
				CustomData:    to.Ptr(base64.StdEncoding.EncodeToString([]byte(bootScript(boot)))),
				LinuxConfiguration: &armcompute.LinuxConfiguration{
					DisablePasswordAuthentication: to.Ptr(true),
					SSH: &armcompute.SSHConfiguration{
						PublicKeys: []*armcompute.SSHPublicKey{{
							Path:    to.Ptr("/home/corral/.ssh/authorized_keys"),
							KeyData: to.Ptr(a.sshPublicKey),
						}},
					},
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID: to.Ptr(nicID),
					Properties: &armcompute.NetworkInterfaceReferenceProperties{
						Primary:      to.Ptr(true),
						DeleteOption: to.Ptr(armcompute.DeleteOptionsDelete),
					},
				}},
			},
		},
	}
	if _, err := a.vms.BeginCreateOrUpdate(ctx, a.resourceGroup, name, vm, nil); err != nil {
		a.cleanupNetwork(name)
		return "", classify(err)
	}
	return name, nil
}

func (a *Adapter) createPublicIP(ctx context.Context, name string, tags map[string]*string) (string, error) {
	poller, err := a.publicIPs.BeginCreateOrUpdate(ctx, a.resourceGroup, name+"-ip", armnetwork.PublicIPAddress{
		Location: to.Ptr(a.location),
		Tags:     tags,
		SKU: &armnetwork.PublicIPAddressSKU{
			Name: to.Ptr(armnetwork.PublicIPAddressSKUNameStandard),
		},
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
			DeleteOption:             to.Ptr(armnetwork.DeleteOptionsDelete),
		},
	}, nil)
	if err != nil {
		return "", classify(err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", classify(err)
	}
	if resp.ID == nil {
		return "", providers.AsRetryable(fmt.Errorf("public IP %s-ip has no id", name))
	}
	return *resp.ID, nil
}

func (a *Adapter) createNIC(ctx context.Context, name, publicIPID string, tags map[string]*string) (string, error) {
	poller, err := a.nics.BeginCreateOrUpdate(ctx, a.resourceGroup, name+"-nic", armnetwork.Interface{
		Location: to.Ptr(a.location),
		Tags:     tags,
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("primary"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					Subnet:                    &armnetwork.Subnet{ID: to.Ptr(a.subnetID)},
					PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
					PublicIPAddress:           &armnetwork.PublicIPAddress{ID: to.Ptr(publicIPID)},
				},
			}},
		},
	}, nil)
	if err != nil {
		return "", classify(err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", classify(err)
	}
	if resp.ID == nil {
		return "", providers.AsRetryable(fmt.Errorf("NIC %s-nic has no id", name))
	}
	return *resp.ID, nil
}

// cleanupNetwork tears down the network resources of a create that failed
// before reaching the VM. The NIC must release the IP before the IP can be
// deleted, so the NIC delete is waited on. The request context may already
// be dead, so a fresh one bounds the work.
func (a *Adapter) cleanupNetwork(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	poller, err := a.nics.BeginDelete(ctx, a.resourceGroup, name+"-nic", nil)
	switch {
	case err == nil:
		if _, err := poller.PollUntilDone(ctx, nil); err != nil {
			a.logger.Warn().Err(err).Str("name", name).Msg("Failed to clean up NIC")
		}
	case !isNotFound(err):
		a.logger.Warn().Err(err).Str("name", name).Msg("Failed to clean up NIC")
	}
	if _, err := a.publicIPs.BeginDelete(ctx, a.resourceGroup, name+"-ip", nil); err != nil && !isNotFound(err) {
		a.logger.Warn().Err(err).Str("name", name).Msg("Failed to clean up public IP")
	}
}

func (a *Adapter) imageReference() *armcompute.ImageReference {
	if a.workerImage != "" && strings.HasPrefix(a.workerImage, "/subscriptions/") {
		return &armcompute.ImageReference{ID: to.Ptr(a.workerImage)}
	}
	return &armcompute.ImageReference{
		Publisher: to.Ptr("Canonical"),
		Offer:     to.Ptr("0001-com-ubuntu-server-jammy"),
		SKU:       to.Ptr("22_04-lts-gen2"),
		Version:   to.Ptr("latest"),
	}
}

func shapeFor(vmSize string) (shape, bool) {
	for _, s := range gpuShapes {
		if s.vmSize == vmSize {
			return s, true
		}
	}
	return shape{}, false
}

// bootScript runs the worker container on first boot via cloud-init.
func bootScript(boot providers.BootParams) string {
	image := boot.Image
	if image == "" {
		image = "corral-worker:latest"
	}
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail
docker run -d --restart=on-failure --gpus all \
  -p %d:%d \
  -e CORRAL_INSTANCE_ID=%s \
  -e CORRAL_TOKEN=%s \
  %s
`, worker.DefaultControlPort, worker.DefaultControlPort, boot.InstanceID, boot.Token, image)
}

// ObserveInstance maps VM power state onto the canonical observation. The
// worker address is the VM's public IP, which lives on its own resource.
func (a *Adapter) ObserveInstance(ctx context.Context, providerID string) (providers.Observation, error) {
	resp, err := a.vms.Get(ctx, a.resourceGroup, providerID, &armcompute.VirtualMachinesClientGetOptions{
		Expand: to.Ptr(armcompute.InstanceViewTypesInstanceView),
	})
	if err != nil {
		if isNotFound(err) {
			return providers.Observation{State: providers.RemoteGone}, nil
		}
		return providers.Observation{}, classify(err)
	}
	switch powerState(resp.VirtualMachine) {
	case "running":
		addr, err := a.publicAddress(ctx, providerID)
		if err != nil {
			return providers.Observation{}, err
		}
		if addr == "" {
			return providers.Observation{State: providers.RemotePending}, nil
		}
		return providers.Observation{
			State:   providers.RemoteRunning,
			Address: fmt.Sprintf("%s:%d", addr, worker.DefaultControlPort),
		}, nil
	case "stopped", "deallocated":
		return providers.Observation{State: providers.RemoteGone}, nil
	default: // starting, or instance view not populated yet
		return providers.Observation{State: providers.RemotePending}, nil
	}
}

// powerState extracts the "PowerState/x" status code from the instance view.
func powerState(vm armcompute.VirtualMachine) string {
	if vm.Properties == nil || vm.Properties.InstanceView == nil {
		return ""
	}
	for _, status := range vm.Properties.InstanceView.Statuses {
		if status == nil || status.Code == nil {
			continue
		}
		if state, ok := strings.CutPrefix(*status.Code, "PowerState/"); ok {
			return state
		}
	}
	return ""
}

func (a *Adapter) publicAddress(ctx context.Context, providerID string) (string, error) {
	resp, err := a.publicIPs.Get(ctx, a.resourceGroup, providerID+"-ip", nil)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", classify(err)
	}
	if resp.Properties == nil || resp.Properties.IPAddress == nil {
		return "", nil
	}
	return *resp.Properties.IPAddress, nil
}

// TerminateInstance deletes the VM; the OS disk, NIC and public IP carry
// delete options that remove them with it. Unknown names are already gone.
func (a *Adapter) TerminateInstance(ctx context.Context, providerID string) error {
	_, err := a.vms.BeginDelete(ctx, a.resourceGroup, providerID, nil)
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

// ListAllInstances finds every VM in the resource group carrying the
// orchestrator tag.
func (a *Adapter) ListAllInstances(ctx context.Context) ([]string, error) {
	var names []string
	pager := a.vms.NewListPager(a.resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, vm := range page.Value {
			if vm == nil || vm.Name == nil || vm.Tags == nil {
				continue
			}
			if owned := vm.Tags[ownedTagKey]; owned != nil && *owned == "true" {
				names = append(names, *vm.Name)
			}
		}
	}
	return names, nil
}

// Health lists one page of VMs, the cheapest scoped read available.
func (a *Adapter) Health(ctx context.Context) error {
	pager := a.vms.NewListPager(a.resourceGroup, nil)
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return classify(err)
		}
	}
	return nil
}

// retryableCodes lists ARM error codes for capacity and throttling trouble
// that clears on its own.
var retryableCodes = map[string]bool{
	"AllocationFailed":                 true,
	"OverconstrainedAllocationRequest": true,
	"ZonalAllocationFailed":            true,
	"SkuNotAvailable":                  true,
	"QuotaExceeded":                    true,
	"OperationNotAllowed":              true,
	"TooManyRequests":                  true,
}

// classify maps ARM errors onto retry outcomes: capacity and throttling are
// retryable, auth and malformed requests fatal.
func classify(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return providers.AsRetryable(err)
	}
	switch {
	case retryableCodes[respErr.ErrorCode]:
		return providers.AsRetryable(err)
	case respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500:
		return providers.AsRetryable(err)
	case respErr.StatusCode >= 400:
		return providers.AsFatal(err)
	default:
		return providers.AsRetryable(err)
	}
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
