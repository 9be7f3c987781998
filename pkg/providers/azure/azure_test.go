package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
)

// donePoller wraps an already-final result in a poller. A 200 with no
// polling headers is terminal, so PollUntilDone returns without touching
// the (zero) pipeline.
func donePoller[T any](t *testing.T, result any) *runtime.Poller[T] {
	t.Helper()
	body, err := json.Marshal(result)
	require.NoError(t, err)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request: &http.Request{
			Method: http.MethodGet,
			URL:    &url.URL{Scheme: "https", Host: "management.azure.com"},
		},
	}
	p, err := runtime.NewPoller[T](resp, runtime.Pipeline{}, nil)
	require.NoError(t, err)
	return p
}

func respErr(status int, code string) *azcore.ResponseError {
	return &azcore.ResponseError{
		StatusCode: status,
		ErrorCode:  code,
		RawResponse: &http.Response{
			StatusCode: status,
			Status:     http.StatusText(status),
			Header:     http.Header{},
			Body:       http.NoBody,
			Request: &http.Request{
				Method: http.MethodGet,
				URL:    &url.URL{Scheme: "https", Host: "management.azure.com"},
			},
		},
	}
}

func vmPage(vms ...*armcompute.VirtualMachine) *runtime.Pager[armcompute.VirtualMachinesClientListResponse] {
	done := false
	return runtime.NewPager(runtime.PagingHandler[armcompute.VirtualMachinesClientListResponse]{
		More: func(armcompute.VirtualMachinesClientListResponse) bool { return !done },
		Fetcher: func(context.Context, *armcompute.VirtualMachinesClientListResponse) (armcompute.VirtualMachinesClientListResponse, error) {
			done = true
			return armcompute.VirtualMachinesClientListResponse{
				VirtualMachineListResult: armcompute.VirtualMachineListResult{Value: vms},
			}, nil
		},
	})
}

func skuPage(skus ...*armcompute.ResourceSKU) *runtime.Pager[armcompute.ResourceSKUsClientListResponse] {
	done := false
	return runtime.NewPager(runtime.PagingHandler[armcompute.ResourceSKUsClientListResponse]{
		More: func(armcompute.ResourceSKUsClientListResponse) bool { return !done },
		Fetcher: func(context.Context, *armcompute.ResourceSKUsClientListResponse) (armcompute.ResourceSKUsClientListResponse, error) {
			done = true
			return armcompute.ResourceSKUsClientListResponse{
				ResourceSKUsResult: armcompute.ResourceSKUsResult{Value: skus},
			}, nil
		},
	})
}

type fakeVMs struct {
	beginCreate func(ctx context.Context, rg, name string, vm armcompute.VirtualMachine, o *armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error)
	get         func(ctx context.Context, rg, name string, o *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error)
	beginDelete func(ctx context.Context, rg, name string, o *armcompute.VirtualMachinesClientBeginDeleteOptions) (*runtime.Poller[armcompute.VirtualMachinesClientDeleteResponse], error)
	listPager   func(rg string, o *armcompute.VirtualMachinesClientListOptions) *runtime.Pager[armcompute.VirtualMachinesClientListResponse]
}

func (f *fakeVMs) BeginCreateOrUpdate(ctx context.Context, rg, name string, vm armcompute.VirtualMachine, o *armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error) {
	if f.beginCreate == nil {
		return nil, nil
	}
	return f.beginCreate(ctx, rg, name, vm, o)
}

func (f *fakeVMs) Get(ctx context.Context, rg, name string, o *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error) {
	if f.get == nil {
		return armcompute.VirtualMachinesClientGetResponse{}, respErr(http.StatusNotFound, "ResourceNotFound")
	}
	return f.get(ctx, rg, name, o)
}

func (f *fakeVMs) BeginDelete(ctx context.Context, rg, name string, o *armcompute.VirtualMachinesClientBeginDeleteOptions) (*runtime.Poller[armcompute.VirtualMachinesClientDeleteResponse], error) {
	if f.beginDelete == nil {
		return nil, nil
	}
	return f.beginDelete(ctx, rg, name, o)
}

func (f *fakeVMs) NewListPager(rg string, o *armcompute.VirtualMachinesClientListOptions) *runtime.Pager[armcompute.VirtualMachinesClientListResponse] {
	if f.listPager == nil {
		return vmPage()
	}
	return f.listPager(rg, o)
}

type fakeNICs struct {
	beginCreate func(ctx context.Context, rg, name string, nic armnetwork.Interface, o *armnetwork.InterfacesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.InterfacesClientCreateOrUpdateResponse], error)
	beginDelete func(ctx context.Context, rg, name string, o *armnetwork.InterfacesClientBeginDeleteOptions) (*runtime.Poller[armnetwork.InterfacesClientDeleteResponse], error)
}

func (f *fakeNICs) BeginCreateOrUpdate(ctx context.Context, rg, name string, nic armnetwork.Interface, o *armnetwork.InterfacesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.InterfacesClientCreateOrUpdateResponse], error) {
	if f.beginCreate == nil {
		return nil, respErr(http.StatusInternalServerError, "NotWired")
	}
	return f.beginCreate(ctx, rg, name, nic, o)
}

func (f *fakeNICs) BeginDelete(ctx context.Context, rg, name string, o *armnetwork.InterfacesClientBeginDeleteOptions) (*runtime.Poller[armnetwork.InterfacesClientDeleteResponse], error) {
	if f.beginDelete == nil {
		return nil, respErr(http.StatusNotFound, "ResourceNotFound")
	}
	return f.beginDelete(ctx, rg, name, o)
}

type fakeIPs struct {
	beginCreate func(ctx context.Context, rg, name string, ip armnetwork.PublicIPAddress, o *armnetwork.PublicIPAddressesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientCreateOrUpdateResponse], error)
	get         func(ctx context.Context, rg, name string, o *armnetwork.PublicIPAddressesClientGetOptions) (armnetwork.PublicIPAddressesClientGetResponse, error)
	beginDelete func(ctx context.Context, rg, name string, o *armnetwork.PublicIPAddressesClientBeginDeleteOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientDeleteResponse], error)

	deleted []string
}

func (f *fakeIPs) BeginCreateOrUpdate(ctx context.Context, rg, name string, ip armnetwork.PublicIPAddress, o *armnetwork.PublicIPAddressesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientCreateOrUpdateResponse], error) {
	if f.beginCreate == nil {
		return nil, respErr(http.StatusInternalServerError, "NotWired")
	}
	return f.beginCreate(ctx, rg, name, ip, o)
}

func (f *fakeIPs) Get(ctx context.Context, rg, name string, o *armnetwork.PublicIPAddressesClientGetOptions) (armnetwork.PublicIPAddressesClientGetResponse, error) {
	if f.get == nil {
		return armnetwork.PublicIPAddressesClientGetResponse{}, respErr(http.StatusNotFound, "ResourceNotFound")
	}
	return f.get(ctx, rg, name, o)
}

func (f *fakeIPs) BeginDelete(ctx context.Context, rg, name string, o *armnetwork.PublicIPAddressesClientBeginDeleteOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientDeleteResponse], error) {
	f.deleted = append(f.deleted, name)
	if f.beginDelete == nil {
		return nil, nil
	}
	return f.beginDelete(ctx, rg, name, o)
}

type fakeSKUs struct {
	listPager func(o *armcompute.ResourceSKUsClientListOptions) *runtime.Pager[armcompute.ResourceSKUsClientListResponse]
}

func (f *fakeSKUs) NewListPager(o *armcompute.ResourceSKUsClientListOptions) *runtime.Pager[armcompute.ResourceSKUsClientListResponse] {
	if f.listPager == nil {
		return skuPage()
	}
	return f.listPager(o)
}

func newTestAdapter(vms *fakeVMs, nics *fakeNICs, ips *fakeIPs, skus *fakeSKUs) *Adapter {
	if vms == nil {
		vms = &fakeVMs{}
	}
	if nics == nil {
		nics = &fakeNICs{}
	}
	if ips == nil {
		ips = &fakeIPs{}
	}
	if skus == nil {
		skus = &fakeSKUs{}
	}
	return NewWithClients(vms, nics, ips, skus, "corral-rg", "eastus",
		"/subscriptions/sub-1/resourceGroups/corral-rg/providers/Microsoft.Network/virtualNetworks/vnet/subnets/default")
}

func TestListOffers(t *testing.T) {
	skus := &fakeSKUs{listPager: func(o *armcompute.ResourceSKUsClientListOptions) *runtime.Pager[armcompute.ResourceSKUsClientListResponse] {
		return skuPage(&armcompute.ResourceSKU{
			Name: to.Ptr("Standard_NC24ads_A100_v4"),
			Restrictions: []*armcompute.ResourceSKURestrictions{
				{Type: to.Ptr(armcompute.ResourceSKURestrictionsTypeLocation)},
			},
		})
	}}
	a := newTestAdapter(nil, nil, nil, skus)

	offers, err := a.ListOffers(context.Background(), types.ResourceProfile{GPUModel: "A100", GPUCount: 1})
	require.NoError(t, err)
	require.Len(t, offers, 3)
	for _, o := range offers {
		assert.Equal(t, "eastus", o.Region)
		if o.OfferID == "Standard_NC24ads_A100_v4" {
			assert.False(t, o.Available, "restricted size is unavailable")
		} else {
			assert.True(t, o.Available)
		}
	}

	offers, err = a.ListOffers(context.Background(), types.ResourceProfile{GPUModel: "T4", GPUCount: 1})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "Standard_NC4as_T4_v3", offers[0].OfferID)
	assert.Equal(t, int64(53), offers[0].RateCents)
}

func TestCreateInstance(t *testing.T) {
	const ipID = "/subscriptions/sub-1/resourceGroups/corral-rg/providers/Microsoft.Network/publicIPAddresses/corral-inst-1-ip"
	const nicID = "/subscriptions/sub-1/resourceGroups/corral-rg/providers/Microsoft.Network/networkInterfaces/corral-inst-1-nic"

	var gotNIC armnetwork.Interface
	var gotVM armcompute.VirtualMachine
	var vmName string

	ips := &fakeIPs{beginCreate: func(_ context.Context, _, name string, ip armnetwork.PublicIPAddress, _ *armnetwork.PublicIPAddressesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientCreateOrUpdateResponse], error) {
		assert.Equal(t, "corral-inst-1-ip", name)
		return donePoller[armnetwork.PublicIPAddressesClientCreateOrUpdateResponse](t, armnetwork.PublicIPAddress{ID: to.Ptr(ipID)}), nil
	}}
	nics := &fakeNICs{beginCreate: func(_ context.Context, _, name string, nic armnetwork.Interface, _ *armnetwork.InterfacesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.InterfacesClientCreateOrUpdateResponse], error) {
		assert.Equal(t, "corral-inst-1-nic", name)
		gotNIC = nic
		return donePoller[armnetwork.InterfacesClientCreateOrUpdateResponse](t, armnetwork.Interface{ID: to.Ptr(nicID)}), nil
	}}
	vms := &fakeVMs{beginCreate: func(_ context.Context, _, name string, vm armcompute.VirtualMachine, _ *armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error) {
		vmName = name
		gotVM = vm
		return nil, nil
	}}
	a := newTestAdapter(vms, nics, ips, nil)

	id, err := a.CreateInstance(context.Background(), types.Offer{
		Provider:  Tag,
		OfferID:   "Standard_NC24ads_A100_v4",
		Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1, DiskGB: 100},
	}, providers.BootParams{InstanceID: "INST-1", Token: "tok-7", Image: "registry.aima.internal/worker:1"})
	require.NoError(t, err)
	assert.Equal(t, "corral-inst-1", id, "VM names are lowercase")
	assert.Equal(t, "corral-inst-1", vmName)

	require.NotNil(t, gotNIC.Properties)
	ipConfig := gotNIC.Properties.IPConfigurations[0].Properties
	assert.Equal(t, a.subnetID, *ipConfig.Subnet.ID)
	assert.Equal(t, ipID, *ipConfig.PublicIPAddress.ID)

	require.NotNil(t, gotVM.Properties)
	assert.Equal(t, armcompute.VirtualMachineSizeTypes("Standard_NC24ads_A100_v4"), *gotVM.Properties.HardwareProfile.VMSize)
	assert.Equal(t, "true", *gotVM.Tags[ownedTagKey])
	assert.Equal(t, nicID, *gotVM.Properties.NetworkProfile.NetworkInterfaces[0].ID)
	assert.Equal(t, armcompute.DiskDeleteOptionTypesDelete, *gotVM.Properties.StorageProfile.OSDisk.DeleteOption)
	assert.Equal(t, int32(100), *gotVM.Properties.StorageProfile.OSDisk.DiskSizeGB)

	script, err := base64.StdEncoding.DecodeString(*gotVM.Properties.OSProfile.CustomData)
	require.NoError(t, err)
	assert.Contains(t, string(script), "CORRAL_TOKEN=tok-7")
	assert.Contains(t, string(script), "registry.aima.internal/worker:1")
}

func TestCreateInstanceAllocationFailureCleansUp(t *testing.T) {
	ips := &fakeIPs{beginCreate: func(_ context.Context, _, _ string, _ armnetwork.PublicIPAddress, _ *armnetwork.PublicIPAddressesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.PublicIPAddressesClientCreateOrUpdateResponse], error) {
		return donePoller[armnetwork.PublicIPAddressesClientCreateOrUpdateResponse](t, armnetwork.PublicIPAddress{ID: to.Ptr("ip-id")}), nil
	}}
	nics := &fakeNICs{
		beginCreate: func(_ context.Context, _, _ string, _ armnetwork.Interface, _ *armnetwork.InterfacesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armnetwork.InterfacesClientCreateOrUpdateResponse], error) {
			return donePoller[armnetwork.InterfacesClientCreateOrUpdateResponse](t, armnetwork.Interface{ID: to.Ptr("nic-id")}), nil
		},
		beginDelete: func(_ context.Context, _, _ string, _ *armnetwork.InterfacesClientBeginDeleteOptions) (*runtime.Poller[armnetwork.InterfacesClientDeleteResponse], error) {
			return donePoller[armnetwork.InterfacesClientDeleteResponse](t, armnetwork.InterfacesClientDeleteResponse{}), nil
		},
	}
	vms := &fakeVMs{beginCreate: func(_ context.Context, _, _ string, _ armcompute.VirtualMachine, _ *armcompute.VirtualMachinesClientBeginCreateOrUpdateOptions) (*runtime.Poller[armcompute.VirtualMachinesClientCreateOrUpdateResponse], error) {
		return nil, respErr(http.StatusConflict, "AllocationFailed")
	}}
	a := newTestAdapter(vms, nics, ips, nil)

	_, err := a.CreateInstance(context.Background(), types.Offer{
		OfferID:   "Standard_NC24ads_A100_v4",
		Resources: types.ResourceProfile{GPUModel: "A100", GPUCount: 1},
	}, providers.BootParams{InstanceID: "inst-1", Token: "tok"})
	require.Error(t, err)
	assert.Equal(t, providers.OutcomeRetryable, providers.Classify(err))
	assert.Equal(t, []string{"corral-inst-1-ip"}, ips.deleted, "orphaned IP is deleted")
}

func TestCreateInstanceUnknownSize(t *testing.T) {
	a := newTestAdapter(nil, nil, nil, nil)
	_, err := a.CreateInstance(context.Background(), types.Offer{OfferID: "Standard_D2s_v3"}, providers.BootParams{InstanceID: "i"})
	require.Error(t, err)
	assert.Equal(t, providers.OutcomeFatal, providers.Classify(err))
}

func TestObserveInstance(t *testing.T) {
	vmWithPower := func(state string) armcompute.VirtualMachinesClientGetResponse {
		return armcompute.VirtualMachinesClientGetResponse{
			VirtualMachine: armcompute.VirtualMachine{
				Properties: &armcompute.VirtualMachineProperties{
					InstanceView: &armcompute.VirtualMachineInstanceView{
						Statuses: []*armcompute.InstanceViewStatus{
							{Code: to.Ptr("ProvisioningState/succeeded")},
							{Code: to.Ptr("PowerState/" + state)},
						},
					},
				},
			},
		}
	}
	tests := []struct {
		name      string
		get       func(ctx context.Context, rg, vmName string, o *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error)
		ipAddress string
		wantState providers.RemoteState
		wantAddr  string
	}{
		{
			name: "provisioning is pending",
			get: func(context.Context, string, string, *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error) {
				return armcompute.VirtualMachinesClientGetResponse{VirtualMachine: armcompute.VirtualMachine{
					Properties: &armcompute.VirtualMachineProperties{ProvisioningState: to.Ptr("Creating")},
				}}, nil
			},
			wantState: providers.RemotePending,
		},
		{
			name: "running with address",
			get: func(context.Context, string, string, *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error) {
				return vmWithPower("running"), nil
			},
			ipAddress: "203.0.113.10",
			wantState: providers.RemoteRunning,
			wantAddr:  "203.0.113.10:8844",
		},
		{
			name: "running before IP allocates is pending",
			get: func(context.Context, string, string, *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error) {
				return vmWithPower("running"), nil
			},
			wantState: providers.RemotePending,
		},
		{
			name: "deallocated is gone",
			get: func(context.Context, string, string, *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error) {
				return vmWithPower("deallocated"), nil
			},
			wantState: providers.RemoteGone,
		},
		{
			name: "missing VM is gone",
			get: func(context.Context, string, string, *armcompute.VirtualMachinesClientGetOptions) (armcompute.VirtualMachinesClientGetResponse, error) {
				return armcompute.VirtualMachinesClientGetResponse{}, respErr(http.StatusNotFound, "ResourceNotFound")
			},
			wantState: providers.RemoteGone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ips := &fakeIPs{}
			if tt.ipAddress != "" {
				ips.get = func(context.Context, string, string, *armnetwork.PublicIPAddressesClientGetOptions) (armnetwork.PublicIPAddressesClientGetResponse, error) {
					return armnetwork.PublicIPAddressesClientGetResponse{PublicIPAddress: armnetwork.PublicIPAddress{
						Properties: &armnetwork.PublicIPAddressPropertiesFormat{IPAddress: to.Ptr(tt.ipAddress)},
					}}, nil
				}
			}
			a := newTestAdapter(&fakeVMs{get: tt.get}, nil, ips, nil)

			obs, err := a.ObserveInstance(context.Background(), "corral-inst-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, obs.State)
			assert.Equal(t, tt.wantAddr, obs.Address)
		})
	}
}

func TestTerminateInstanceIdempotent(t *testing.T) {
	vms := &fakeVMs{beginDelete: func(_ context.Context, _, _ string, _ *armcompute.VirtualMachinesClientBeginDeleteOptions) (*runtime.Poller[armcompute.VirtualMachinesClientDeleteResponse], error) {
		return nil, respErr(http.StatusNotFound, "ResourceNotFound")
	}}
	a := newTestAdapter(vms, nil, nil, nil)

	assert.NoError(t, a.TerminateInstance(context.Background(), "corral-inst-1"))
}

func TestListAllInstances(t *testing.T) {
	vms := &fakeVMs{listPager: func(string, *armcompute.VirtualMachinesClientListOptions) *runtime.Pager[armcompute.VirtualMachinesClientListResponse] {
		return vmPage(
			&armcompute.VirtualMachine{Name: to.Ptr("corral-a"), Tags: map[string]*string{ownedTagKey: to.Ptr("true")}},
			&armcompute.VirtualMachine{Name: to.Ptr("unrelated-vm")},
			&armcompute.VirtualMachine{Name: to.Ptr("corral-b"), Tags: map[string]*string{ownedTagKey: to.Ptr("true")}},
		)
	}}
	a := newTestAdapter(vms, nil, nil, nil)

	names, err := a.ListAllInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"corral-a", "corral-b"}, names)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want providers.Outcome
	}{
		{"allocation failure", respErr(http.StatusConflict, "AllocationFailed"), providers.OutcomeRetryable},
		{"quota exceeded", respErr(http.StatusConflict, "QuotaExceeded"), providers.OutcomeRetryable},
		{"sku not available", respErr(http.StatusBadRequest, "SkuNotAvailable"), providers.OutcomeRetryable},
		{"throttled", respErr(http.StatusTooManyRequests, "TooManyRequests"), providers.OutcomeRetryable},
		{"auth failure", respErr(http.StatusUnauthorized, "AuthenticationFailed"), providers.OutcomeFatal},
		{"bad request", respErr(http.StatusBadRequest, "InvalidParameter"), providers.OutcomeFatal},
		{"server error", respErr(http.StatusInternalServerError, "InternalServerError"), providers.OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, providers.Classify(classify(tt.err)))
		})
	}
}
