package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/spotbox/spotbox/internal/journal"
)

const (
	// Deep Learning Base Ubuntu 20.04 (cuda driver and docker installed).
	devBoxAMI = "ami-08b9a877bc0de2016"

	// Snapshot backing the root device of the AMI above.
	rootSnapshotID = "snap-0eb5dd914ea8dae65"

	rootDeviceName   = "/dev/sda1"
	rootVolumeSize   = int32(128)
	rootIops         = int32(3000)
	rootThroughputMB = int32(125)
)

var (
	ErrInstanceRequest            = fmt.Errorf("failed to request spot instance")
	ErrInstanceRequestNoInstances = fmt.Errorf("encountered no error during " +
		"instance launch, but no instance was actually created")
	ErrInstanceDescribe  = fmt.Errorf("failed to describe instance")
	ErrInstanceTerminate = fmt.Errorf("failed to terminate instance")
	ErrSpotCancel        = fmt.Errorf("failed to cancel spot instance request")
)

// RequestOptions parameterizes the otherwise fixed launch policy.
type RequestOptions struct {
	TagName         string
	SecurityGroupID string
	KeyName         string
	InstanceType    types.InstanceType
}

// Instance is the spot instance lifecycle controller. A fresh controller is
// unbound; Request or LoadLatest binds it to exactly one instance.
type Instance struct {
	client  InstanceAPI
	journal *journal.Journal

	// WaitTimeout bounds WaitUntilRunning; PollInterval is the waiter's
	// minimum delay between describes.
	WaitTimeout  time.Duration
	PollInterval time.Duration

	id            string
	spotRequestID string
}

// NewInstance builds a controller journaling under dataDir/spot_instance.
func NewInstance(client InstanceAPI, dataDir string) (*Instance, error) {
	j, err := journal.Open(filepath.Join(dataDir, "spot_instance"))
	if err != nil {
		return nil, err
	}
	return &Instance{
		client:       client,
		journal:      j,
		WaitTimeout:  10 * time.Minute,
		PollInterval: 15 * time.Second,
	}, nil
}

// ID returns the bound instance id, empty when unbound.
func (i *Instance) ID() string {
	return i.id
}

// SpotRequestID returns the bound spot request id, empty when unbound.
func (i *Instance) SpotRequestID() string {
	return i.spotRequestID
}

// Request launches a one-time spot instance with the fixed policy: pinned
// AMI, gp3 root volume restored from the pinned snapshot, IMDSv2 required,
// public IPv4 with ip-name hostnames. It creates a billable remote
// resource; a crash between the launch call and the journal append leaves
// an instance the journal does not know about.
func (i *Instance) Request(ctx context.Context, opts RequestOptions) error {
	if i.id != "" {
		return fmt.Errorf("%w: instance %s", ErrAlreadyBound, i.id)
	}

	log := clog.FromContext(ctx)

	result, err := i.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(devBoxAMI),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceType: opts.InstanceType,
		KeyName:      aws.String(opts.KeyName),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String(opts.TagName),
			}},
		}},
		InstanceMarketOptions: &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType: types.SpotInstanceTypeOneTime,
			},
		},
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String(rootDeviceName),
			Ebs: &types.EbsBlockDevice{
				SnapshotId:          aws.String(rootSnapshotID),
				DeleteOnTermination: aws.Bool(true),
				VolumeType:          types.VolumeTypeGp3,
				VolumeSize:          aws.Int32(rootVolumeSize),
				Iops:                aws.Int32(rootIops),
				Throughput:          aws.Int32(rootThroughputMB),
			},
		}},
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			Groups:                   []string{opts.SecurityGroupID},
		}},
		MetadataOptions: &types.InstanceMetadataOptionsRequest{
			HttpTokens:              types.HttpTokensStateRequired,
			HttpEndpoint:            types.InstanceMetadataEndpointStateEnabled,
			HttpPutResponseHopLimit: aws.Int32(2),
		},
		PrivateDnsNameOptions: &types.PrivateDnsNameOptionsRequest{
			HostnameType:                    types.HostnameTypeIpName,
			EnableResourceNameDnsARecord:    aws.Bool(true),
			EnableResourceNameDnsAAAARecord: aws.Bool(false),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceRequest, err)
	}
	if len(result.Instances) == 0 {
		return ErrInstanceRequestNoInstances
	}

	instance := result.Instances[0]
	id := aws.ToString(instance.InstanceId)
	spotRequestID := aws.ToString(instance.SpotInstanceRequestId)

	record := journal.Record{
		Timestamp:   time.Now().Unix(),
		ResourceID:  id,
		SecondaryID: spotRequestID,
		Status:      instanceStatus(instance.State),
	}
	if err := i.journal.Append(record); err != nil {
		return fmt.Errorf("recording instance launch: %w", err)
	}

	i.id = id
	i.spotRequestID = spotRequestID
	log.Info("requested spot instance", "id", id, "spot_request_id", spotRequestID, "state", record.Status.Name)
	return nil
}

// WaitUntilRunning blocks until the bound instance reports running, using
// the provider waiter with the controller's poll interval and timeout.
func (i *Instance) WaitUntilRunning(ctx context.Context) error {
	if i.id == "" {
		return fmt.Errorf("%w: cannot wait", ErrNotBound)
	}

	log := clog.FromContext(ctx)
	log.Info("waiting for instance to enter running state", "id", i.id)

	waiter := ec2.NewInstanceRunningWaiter(i.client, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = i.PollInterval
		o.MaxDelay = 4 * i.PollInterval
	})
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{i.id},
	}, i.WaitTimeout); err != nil {
		return fmt.Errorf("%w: instance %s: %w", ErrWaitTimeout, i.id, err)
	}

	log.Info("instance running", "id", i.id)
	return nil
}

// Describe is a pure query; it neither transitions state nor writes the
// journal.
func (i *Instance) Describe(ctx context.Context) (types.Instance, error) {
	if i.id == "" {
		return types.Instance{}, fmt.Errorf("%w: cannot describe", ErrNotBound)
	}

	result, err := i.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{i.id},
	})
	if err != nil {
		return types.Instance{}, fmt.Errorf("%w: %w", ErrInstanceDescribe, err)
	}
	if len(result.Reservations) == 0 || len(result.Reservations[0].Instances) == 0 {
		return types.Instance{}, fmt.Errorf("%w: instance %s not in response", ErrInstanceDescribe, i.id)
	}
	return result.Reservations[0].Instances[0], nil
}

// AvailabilityZone reports the bound instance's placement zone so storage
// can be colocated with it.
func (i *Instance) AvailabilityZone(ctx context.Context) (string, error) {
	instance, err := i.Describe(ctx)
	if err != nil {
		return "", err
	}
	if instance.Placement == nil {
		return "", fmt.Errorf("%w: instance %s has no placement", ErrInstanceDescribe, i.id)
	}
	return aws.ToString(instance.Placement.AvailabilityZone), nil
}

// Terminate cancels the spot request and then terminates the instance,
// appending one record after each remote call. A failure between the two
// calls leaves the cancellation record observable, so the next invocation
// can see how far teardown got. On full success the controller is unbound
// again.
func (i *Instance) Terminate(ctx context.Context) error {
	if i.id == "" || i.spotRequestID == "" {
		return fmt.Errorf("%w: cannot terminate", ErrNotBound)
	}

	log := clog.FromContext(ctx)

	cancelResult, err := i.client.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{i.spotRequestID},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpotCancel, err)
	}

	cancelledID := i.spotRequestID
	cancelState := ""
	if len(cancelResult.CancelledSpotInstanceRequests) > 0 {
		cancelled := cancelResult.CancelledSpotInstanceRequests[0]
		cancelledID = aws.ToString(cancelled.SpotInstanceRequestId)
		cancelState = string(cancelled.State)
	}
	if err := i.journal.Append(journal.Record{
		Timestamp:   time.Now().Unix(),
		ResourceID:  i.id,
		SecondaryID: cancelledID,
		Status:      journal.Status{Code: -1, Name: cancelState},
	}); err != nil {
		return fmt.Errorf("recording spot cancellation: %w", err)
	}
	log.Info("cancelled spot request", "spot_request_id", cancelledID, "state", cancelState)

	termResult, err := i.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{i.id},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceTerminate, err)
	}

	termStatus := journal.Status{Code: -1}
	termID := i.id
	if len(termResult.TerminatingInstances) > 0 {
		terminating := termResult.TerminatingInstances[0]
		termID = aws.ToString(terminating.InstanceId)
		termStatus = instanceStatus(terminating.CurrentState)
	}
	if err := i.journal.Append(journal.Record{
		Timestamp:   time.Now().Unix(),
		ResourceID:  termID,
		SecondaryID: cancelledID,
		Status:      termStatus,
	}); err != nil {
		return fmt.Errorf("recording instance termination: %w", err)
	}
	log.Info("terminated instance", "id", termID, "state", termStatus.Name)

	i.id = ""
	i.spotRequestID = ""
	return nil
}

// LoadLatest rebinds the controller to the most recently journaled
// instance. Both the instance id and the spot request id must be present;
// the provider is not contacted until the next Describe or wait.
func (i *Instance) LoadLatest() error {
	record, err := i.journal.Latest()
	if err != nil {
		return err
	}
	if record.SecondaryID == "" {
		return fmt.Errorf("%w: missing spot request id", journal.ErrIncompleteRecord)
	}

	i.id = record.ResourceID
	i.spotRequestID = record.SecondaryID
	return nil
}

func instanceStatus(state *types.InstanceState) journal.Status {
	if state == nil {
		return journal.Status{Code: -1}
	}
	return journal.Status{
		Code: aws.ToInt32(state.Code),
		Name: string(state.Name),
	}
}
