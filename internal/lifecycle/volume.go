package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"

	"github.com/spotbox/spotbox/internal/journal"
)

// StateNotFound is the sentinel State returns when the provider no longer
// knows the bound volume id. Callers use it to decide between reusing a
// recovered volume and creating a fresh one.
const StateNotFound = "not-found"

var (
	ErrVolumeCreate   = fmt.Errorf("failed to create volume")
	ErrVolumeDescribe = fmt.Errorf("failed to describe volume")
	ErrVolumeAttach   = fmt.Errorf("failed to attach volume")
	ErrVolumeDelete   = fmt.Errorf("failed to delete volume")
)

// Volume is the EBS volume lifecycle controller.
type Volume struct {
	client  VolumeAPI
	journal *journal.Journal

	WaitTimeout  time.Duration
	PollInterval time.Duration

	id string
}

// NewVolume builds a controller journaling under dataDir/ec2_volume.
func NewVolume(client VolumeAPI, dataDir string) (*Volume, error) {
	j, err := journal.Open(filepath.Join(dataDir, "ec2_volume"))
	if err != nil {
		return nil, err
	}
	return &Volume{
		client:       client,
		journal:      j,
		WaitTimeout:  10 * time.Minute,
		PollInterval: 15 * time.Second,
	}, nil
}

// ID returns the bound volume id, empty when unbound.
func (v *Volume) ID() string {
	return v.id
}

// Create issues a gp3 volume in the given zone, binds its id and appends
// one record carrying the provider's initial state.
func (v *Volume) Create(ctx context.Context, sizeGiB int32, availabilityZone string) error {
	if v.id != "" {
		return fmt.Errorf("%w: volume %s", ErrAlreadyBound, v.id)
	}

	result, err := v.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(availabilityZone),
		Size:             aws.Int32(sizeGiB),
		VolumeType:       types.VolumeTypeGp3,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVolumeCreate, err)
	}

	id := aws.ToString(result.VolumeId)
	if err := v.journal.Append(journal.Record{
		Timestamp:  time.Now().Unix(),
		ResourceID: id,
		Status:     journal.Status{Code: -1, Name: string(result.State)},
	}); err != nil {
		return fmt.Errorf("recording volume creation: %w", err)
	}

	v.id = id
	clog.FromContext(ctx).Info("created volume", "id", id, "size_gib", sizeGiB, "az", availabilityZone)
	return nil
}

// WaitUntilAvailable blocks until the bound volume reports available.
func (v *Volume) WaitUntilAvailable(ctx context.Context) error {
	if v.id == "" {
		return fmt.Errorf("%w: cannot wait", ErrNotBound)
	}

	log := clog.FromContext(ctx)
	log.Info("waiting for volume to become available", "id", v.id)

	waiter := ec2.NewVolumeAvailableWaiter(v.client, func(o *ec2.VolumeAvailableWaiterOptions) {
		o.MinDelay = v.PollInterval
		o.MaxDelay = 4 * v.PollInterval
	})
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{v.id},
	}, v.WaitTimeout); err != nil {
		return fmt.Errorf("%w: volume %s: %w", ErrWaitTimeout, v.id, err)
	}

	log.Info("volume available", "id", v.id)
	return nil
}

// Attach attaches the bound volume to the given instance. It appends one
// record tagged "attach" and does not poll for attachment completion; the
// caller is responsible for having waited for availability first.
func (v *Volume) Attach(ctx context.Context, instanceID, device string) error {
	if v.id == "" {
		return fmt.Errorf("%w: cannot attach", ErrNotBound)
	}

	_, err := v.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(v.id),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVolumeAttach, err)
	}

	if err := v.journal.Append(journal.Record{
		Timestamp:  time.Now().Unix(),
		ResourceID: v.id,
		Status:     journal.Status{Code: -1, Name: "attach"},
	}); err != nil {
		return fmt.Errorf("recording volume attachment: %w", err)
	}

	clog.FromContext(ctx).Info("attached volume", "id", v.id, "instance_id", instanceID, "device", device)
	return nil
}

// Delete deletes the bound volume, appends a "delete" record and unbinds
// the controller.
func (v *Volume) Delete(ctx context.Context) error {
	if v.id == "" {
		return fmt.Errorf("%w: cannot delete", ErrNotBound)
	}

	_, err := v.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(v.id),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVolumeDelete, err)
	}

	if err := v.journal.Append(journal.Record{
		Timestamp:  time.Now().Unix(),
		ResourceID: v.id,
		Status:     journal.Status{Code: -1, Name: "delete"},
	}); err != nil {
		return fmt.Errorf("recording volume deletion: %w", err)
	}

	clog.FromContext(ctx).Info("deleted volume", "id", v.id)
	v.id = ""
	return nil
}

// Describe is a pure query on the bound volume.
func (v *Volume) Describe(ctx context.Context) (types.Volume, error) {
	if v.id == "" {
		return types.Volume{}, fmt.Errorf("%w: cannot describe", ErrNotBound)
	}

	result, err := v.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{v.id},
	})
	if err != nil {
		return types.Volume{}, fmt.Errorf("%w: %w", ErrVolumeDescribe, err)
	}
	if len(result.Volumes) == 0 {
		return types.Volume{}, fmt.Errorf("%w: volume %s not in response", ErrVolumeDescribe, v.id)
	}
	return result.Volumes[0], nil
}

// State reports the provider's state for the bound volume, absorbing the
// volume-not-found API error into StateNotFound. All other errors
// propagate; mutation failures are never swallowed.
func (v *Volume) State(ctx context.Context) (string, error) {
	if v.id == "" {
		return "", fmt.Errorf("%w: cannot query state", ErrNotBound)
	}

	result, err := v.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{v.id},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidVolume.NotFound" {
			return StateNotFound, nil
		}
		return "", fmt.Errorf("%w: %w", ErrVolumeDescribe, err)
	}
	if len(result.Volumes) == 0 {
		return StateNotFound, nil
	}
	return string(result.Volumes[0].State), nil
}

// LoadLatest rebinds the controller to the most recently journaled volume.
func (v *Volume) LoadLatest() error {
	record, err := v.journal.Latest()
	if err != nil {
		return err
	}
	v.id = record.ResourceID
	return nil
}

// EnsureAvailable implements the idempotent create-or-reuse policy: reuse
// the most recently journaled volume iff the provider reports it
// available, otherwise create a fresh one and wait for it. Repeated
// invocations therefore never duplicate a usable volume, while tolerating
// prior runs that died partway.
func (v *Volume) EnsureAvailable(ctx context.Context, sizeGiB int32, availabilityZone string) error {
	log := clog.FromContext(ctx)

	if err := v.LoadLatest(); err != nil {
		if !errors.Is(err, journal.ErrNoJournal) && !errors.Is(err, journal.ErrIncompleteRecord) {
			return err
		}
		log.Debug("no recoverable volume", "reason", err)
	}

	if v.id != "" {
		state, err := v.State(ctx)
		if err != nil {
			return err
		}
		if state == string(types.VolumeStateAvailable) {
			log.Info("reusing existing volume", "id", v.id)
			return nil
		}
		log.Info("recovered volume not reusable", "id", v.id, "state", state)
		v.id = ""
	}

	if err := v.Create(ctx, sizeGiB, availabilityZone); err != nil {
		return err
	}
	return v.WaitUntilAvailable(ctx)
}
