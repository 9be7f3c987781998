// Package aws adapts EC2 GPU capacity. Shapes come from a static catalog of
// GPU instance families cross-checked against what the region actually
// offers; workers boot through instance user data and are tagged so
// reconciliation can find every machine this orchestrator owns.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/types"
	"github.com/aima-platform/corral/pkg/worker"
)

// Tag is the provider tag the adapter registers under.
const Tag = "aws"

// instanceIDTagKey carries the orchestrator-side instance id on EC2 tags.
const instanceIDTagKey = "corral:instance-id"

// EC2API is the slice of the EC2 client the adapter uses. Tests substitute
// a fake; production wires *ec2.Client.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstanceTypeOfferings(ctx context.Context, params *ec2.DescribeInstanceTypeOfferingsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
}

// shape is one catalog row: an EC2 instance type and what it carries.
// On-demand rates are static snapshots in cents/hour; live pricing feeds
// are out of scope, and the scheduler only needs relative order.
type shape struct {
	instanceType string
	gpuModel     string
	gpuCount     int
	vramMB       int64
	rateCents    int64
}

var gpuShapes = []shape{
	{"p5.48xlarge", "H100", 8, 655360, 9832},
	{"p4de.24xlarge", "A100", 8, 655360, 4097},
	{"p4d.24xlarge", "A100", 8, 327680, 3277},
	{"p3.2xlarge", "V100", 1, 16384, 306},
	{"g6e.xlarge", "L40S", 1, 49152, 186},
	{"g6.xlarge", "L4", 1, 24576, 80},
	{"g5.12xlarge", "A10", 4, 98304, 567},
	{"g5.xlarge", "A10", 1, 24576, 101},
}

// Adapter implements providers.Adapter against EC2.
type Adapter struct {
	client        EC2API
	region        string
	ami           string
	subnetID      string
	securityGroup string
	logger        zerolog.Logger
}

// New builds the adapter. Credentials: region and worker_ami are required;
// access_key_id/secret_access_key override the default chain (env,
// instance role); subnet_id and security_group_id are optional placement.
func New(ctx context.Context, cfg config.ProviderConfig) (*Adapter, error) {
	region := cfg.Credentials["region"]
	if region == "" && len(cfg.Regions) > 0 {
		region = cfg.Regions[0]
	}
	if region == "" {
		return nil, fmt.Errorf("aws: region credential is required")
	}
	ami := cfg.Credentials["worker_ami"]
	if ami == "" {
		return nil, fmt.Errorf("aws: worker_ami credential is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if ak := cfg.Credentials["access_key_id"]; ak != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, cfg.Credentials["secret_access_key"], ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: failed to load config: %w", err)
	}

	return &Adapter{
		client:        ec2.NewFromConfig(awsCfg),
		region:        region,
		ami:           ami,
		subnetID:      cfg.Credentials["subnet_id"],
		securityGroup: cfg.Credentials["security_group_id"],
		logger:        log.WithProvider(Tag),
	}, nil
}

// NewWithClient wires a prebuilt EC2 client; tests use it with a fake.
func NewWithClient(client EC2API, region, ami string) *Adapter {
	return &Adapter{
		client: client,
		region: region,
		ami:    ami,
		logger: log.WithProvider(Tag),
	}
}

// Tag implements providers.Adapter
func (a *Adapter) Tag() string { return Tag }

// ListOffers walks the GPU shape catalog, keeping shapes the region
// currently offers.
func (a *Adapter) ListOffers(ctx context.Context, want types.ResourceProfile) ([]types.Offer, error) {
	offered, err := a.offeredTypes(ctx)
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
			OfferID:   s.instanceType,
			Region:    a.region,
			Resources: profile,
			RateCents: s.rateCents,
			Available: offered[s.instanceType],
		})
	}
	return offers, nil
}

func (a *Adapter) offeredTypes(ctx context.Context) (map[string]bool, error) {
	names := make([]string, len(gpuShapes))
	for i, s := range gpuShapes {
		names[i] = s.instanceType
	}
	out, err := a.client.DescribeInstanceTypeOfferings(ctx, &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: ec2types.LocationTypeRegion,
		Filters: []ec2types.Filter{
			{Name: awssdk.String("location"), Values: []string{a.region}},
			{Name: awssdk.String("instance-type"), Values: names},
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	offered := make(map[string]bool, len(out.InstanceTypeOfferings))
	for _, o := range out.InstanceTypeOfferings {
		offered[string(o.InstanceType)] = true
	}
	return offered, nil
}

// CreateInstance launches one EC2 instance running the worker image via
// user data.
func (a *Adapter) CreateInstance(ctx context.Context, offer types.Offer, boot providers.BootParams) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:                           awssdk.String(a.ami),
		InstanceType:                      ec2types.InstanceType(offer.OfferID),
		MinCount:                          awssdk.Int32(1),
		MaxCount:                          awssdk.Int32(1),
		UserData:                          awssdk.String(workerUserData(boot)),
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: awssdk.String(instanceIDTagKey), Value: awssdk.String(boot.InstanceID)},
				{Key: awssdk.String("Name"), Value: awssdk.String("corral-" + boot.InstanceID)},
			},
		}},
	}
	if a.subnetID != "" {
		input.SubnetId = awssdk.String(a.subnetID)
	}
	if a.securityGroup != "" {
		input.SecurityGroupIds = []string{a.securityGroup}
	}

	out, err := a.client.RunInstances(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", providers.AsRetryable(fmt.Errorf("RunInstances returned no instance"))
	}
	return *out.Instances[0].InstanceId, nil
}

// workerUserData renders the boot script that starts the worker container
// with its identity and bootstrap token.
func workerUserData(boot providers.BootParams) string {
	script := fmt.Sprintf(`#!/bin/bash
set -euo pipefail
docker run -d --restart=on-failure --gpus all \
  -p %d:%d \
  -e CORRAL_INSTANCE_ID=%s \
  -e CORRAL_TOKEN=%s \
  %s
`, worker.DefaultControlPort, worker.DefaultControlPort, boot.InstanceID, boot.Token, boot.Image)
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// ObserveInstance maps EC2 instance state onto the canonical observation.
func (a *Adapter) ObserveInstance(ctx context.Context, providerID string) (providers.Observation, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{providerID},
	})
	if err != nil {
		if isNotFound(err) {
			return providers.Observation{State: providers.RemoteGone}, nil
		}
		return providers.Observation{}, classify(err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return providers.Observation{State: providers.RemoteGone}, nil
	}
	inst := out.Reservations[0].Instances[0]
	state := ec2types.InstanceStateNamePending
	if inst.State != nil {
		state = inst.State.Name
	}
	switch state {
	case ec2types.InstanceStateNameRunning:
		addr := awssdk.ToString(inst.PublicIpAddress)
		if addr == "" {
			addr = awssdk.ToString(inst.PrivateIpAddress)
		}
		if addr == "" {
			return providers.Observation{State: providers.RemotePending}, nil
		}
		return providers.Observation{
			State:   providers.RemoteRunning,
			Address: fmt.Sprintf("%s:%d", addr, worker.DefaultControlPort),
		}, nil
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameStopped, ec2types.InstanceStateNameStopping:
		return providers.Observation{State: providers.RemoteGone}, nil
	default:
		return providers.Observation{State: providers.RemotePending}, nil
	}
}

// TerminateInstance tears the instance down; unknown ids are already gone.
func (a *Adapter) TerminateInstance(ctx context.Context, providerID string) error {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{providerID},
	})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

// ListAllInstances finds every non-terminated instance carrying the
// orchestrator's tag.
func (a *Adapter) ListAllInstances(ctx context.Context) ([]string, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: awssdk.String("tag-key"), Values: []string{instanceIDTagKey}},
			{Name: awssdk.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	var ids []string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId != nil {
				ids = append(ids, *inst.InstanceId)
			}
		}
	}
	return ids, nil
}

// Health runs the cheapest regional read there is.
func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return classify(err)
	}
	return nil
}

// fatalCodes are API error codes where retrying cannot help.
var fatalCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"InvalidAMIID.NotFound":       true,
	"InvalidAMIID.Malformed":      true,
	"InvalidParameterValue":       true,
	"InvalidParameterCombination": true,
}

// notFoundCodes mean the referenced instance no longer exists.
var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound":  true,
	"InvalidInstanceID.Malformed": true,
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && fatalCodes[apiErr.ErrorCode()] {
		return providers.AsFatal(err)
	}
	// Throttling, InsufficientInstanceCapacity, 5xx: all worth retrying.
	return providers.AsRetryable(err)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()]
}
