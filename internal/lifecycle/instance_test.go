package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/require"

	"github.com/spotbox/spotbox/internal/journal"
)

type fakeInstanceAPI struct {
	runCalls      int
	describeCalls int
	cancelCalls   int
	termCalls     int

	runErr        error
	cancelErr     error
	termErr       error
	describeState types.InstanceStateName
	// describeStateAfter switches describeState once describeCalls passes
	// the threshold, to simulate a provider-side transition.
	describeStateAfter types.InstanceStateName
	describeThreshold  int
	availabilityZone   string
}

func (f *fakeInstanceAPI) RunInstances(_ context.Context, _ *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runCalls++
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{
		Instances: []types.Instance{{
			InstanceId:            aws.String("i-0123456789abcdef0"),
			SpotInstanceRequestId: aws.String("sir-abc123"),
			State: &types.InstanceState{
				Code: aws.Int32(0),
				Name: types.InstanceStateNamePending,
			},
		}},
	}, nil
}

func (f *fakeInstanceAPI) DescribeInstances(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeCalls++
	state := f.describeState
	if f.describeThreshold > 0 && f.describeCalls > f.describeThreshold {
		state = f.describeStateAfter
	}
	instance := types.Instance{
		InstanceId: aws.String("i-0123456789abcdef0"),
		State:      &types.InstanceState{Code: aws.Int32(16), Name: state},
	}
	if f.availabilityZone != "" {
		instance.Placement = &types.Placement{AvailabilityZone: aws.String(f.availabilityZone)}
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: []types.Instance{instance}}},
	}, nil
}

func (f *fakeInstanceAPI) CancelSpotInstanceRequests(_ context.Context, params *ec2.CancelSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	f.cancelCalls++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &ec2.CancelSpotInstanceRequestsOutput{
		CancelledSpotInstanceRequests: []types.CancelledSpotInstanceRequest{{
			SpotInstanceRequestId: aws.String(params.SpotInstanceRequestIds[0]),
			State:                 types.CancelSpotInstanceRequestStateCancelled,
		}},
	}, nil
}

func (f *fakeInstanceAPI) TerminateInstances(_ context.Context, params *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.termCalls++
	if f.termErr != nil {
		return nil, f.termErr
	}
	return &ec2.TerminateInstancesOutput{
		TerminatingInstances: []types.InstanceStateChange{{
			InstanceId: aws.String(params.InstanceIds[0]),
			CurrentState: &types.InstanceState{
				Code: aws.Int32(32),
				Name: types.InstanceStateNameShuttingDown,
			},
		}},
	}, nil
}

func testRequestOptions() RequestOptions {
	return RequestOptions{
		TagName:         "ml-dev",
		SecurityGroupID: "sg-123",
		KeyName:         "ml-dev-key",
		InstanceType:    types.InstanceTypeT2Micro,
	}
}

func TestInstanceRequest(t *testing.T) {
	dir := t.TempDir()
	api := &fakeInstanceAPI{}
	inst, err := NewInstance(api, dir)
	require.NoError(t, err)

	require.NoError(t, inst.Request(t.Context(), testRequestOptions()))
	require.Equal(t, "i-0123456789abcdef0", inst.ID())
	require.Equal(t, "sir-abc123", inst.SpotRequestID())
	require.Equal(t, 1, api.runCalls)

	// Exactly one record, carrying the raw provider status.
	j, err := journal.Open(inst.journal.Dir())
	require.NoError(t, err)
	record, err := j.Latest()
	require.NoError(t, err)
	require.Equal(t, "i-0123456789abcdef0", record.ResourceID)
	require.Equal(t, "sir-abc123", record.SecondaryID)
	require.Equal(t, "pending", record.Status.Name)

	// A bound controller refuses a second request.
	err = inst.Request(t.Context(), testRequestOptions())
	require.ErrorIs(t, err, ErrAlreadyBound)
	require.Equal(t, 1, api.runCalls)
}

func TestInstanceRecoveryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	first, err := NewInstance(&fakeInstanceAPI{}, dir)
	require.NoError(t, err)
	require.NoError(t, first.Request(t.Context(), testRequestOptions()))

	// A fresh controller over the same directory stands in for a process
	// restart.
	second, err := NewInstance(&fakeInstanceAPI{}, dir)
	require.NoError(t, err)
	require.NoError(t, second.LoadLatest())
	require.Equal(t, first.ID(), second.ID())
	require.Equal(t, first.SpotRequestID(), second.SpotRequestID())
}

func TestInstanceLoadLatest(t *testing.T) {
	t.Run("no-journal", func(t *testing.T) {
		inst, err := NewInstance(&fakeInstanceAPI{}, t.TempDir())
		require.NoError(t, err)
		require.ErrorIs(t, inst.LoadLatest(), journal.ErrNoJournal)
	})

	t.Run("missing-spot-request-id", func(t *testing.T) {
		dir := t.TempDir()
		inst, err := NewInstance(&fakeInstanceAPI{}, dir)
		require.NoError(t, err)

		require.NoError(t, inst.journal.Append(journal.Record{
			Timestamp:  1700000000,
			ResourceID: "i-abc",
			Status:     journal.Status{Name: "pending"},
		}))
		require.ErrorIs(t, inst.LoadLatest(), journal.ErrIncompleteRecord)
	})
}

func TestInstancePreconditions(t *testing.T) {
	inst, err := NewInstance(&fakeInstanceAPI{}, t.TempDir())
	require.NoError(t, err)

	_, err = inst.Describe(t.Context())
	require.ErrorIs(t, err, ErrNotBound)
	require.ErrorIs(t, inst.WaitUntilRunning(t.Context()), ErrNotBound)
	require.ErrorIs(t, inst.Terminate(t.Context()), ErrNotBound)
	_, err = inst.AvailabilityZone(t.Context())
	require.ErrorIs(t, err, ErrNotBound)
}

func TestInstanceWaitUntilRunning(t *testing.T) {
	t.Run("transitions-after-polls", func(t *testing.T) {
		api := &fakeInstanceAPI{
			describeState:      types.InstanceStateNamePending,
			describeStateAfter: types.InstanceStateNameRunning,
			describeThreshold:  2,
		}
		inst, err := NewInstance(api, t.TempDir())
		require.NoError(t, err)
		require.NoError(t, inst.Request(t.Context(), testRequestOptions()))

		inst.WaitTimeout = 5 * time.Second
		inst.PollInterval = 5 * time.Millisecond
		require.NoError(t, inst.WaitUntilRunning(t.Context()))
		require.GreaterOrEqual(t, api.describeCalls, 3)
	})

	t.Run("budget-exhausted", func(t *testing.T) {
		api := &fakeInstanceAPI{describeState: types.InstanceStateNamePending}
		inst, err := NewInstance(api, t.TempDir())
		require.NoError(t, err)
		require.NoError(t, inst.Request(t.Context(), testRequestOptions()))

		inst.WaitTimeout = 30 * time.Millisecond
		inst.PollInterval = 5 * time.Millisecond
		require.ErrorIs(t, inst.WaitUntilRunning(t.Context()), ErrWaitTimeout)
	})
}

func TestInstanceAvailabilityZone(t *testing.T) {
	api := &fakeInstanceAPI{
		describeState:    types.InstanceStateNameRunning,
		availabilityZone: "us-east-1a",
	}
	inst, err := NewInstance(api, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, inst.Request(t.Context(), testRequestOptions()))

	az, err := inst.AvailabilityZone(t.Context())
	require.NoError(t, err)
	require.Equal(t, "us-east-1a", az)
}

func TestInstanceTerminate(t *testing.T) {
	dir := t.TempDir()
	api := &fakeInstanceAPI{}
	inst, err := NewInstance(api, dir)
	require.NoError(t, err)
	require.NoError(t, inst.Request(t.Context(), testRequestOptions()))

	require.NoError(t, inst.Terminate(t.Context()))
	require.Equal(t, 1, api.cancelCalls)
	require.Equal(t, 1, api.termCalls)

	// Both ids cleared; controller is reusable.
	require.Empty(t, inst.ID())
	require.Empty(t, inst.SpotRequestID())

	// One record per remote call: request, cancel, terminate.
	records, err := journal.ReadAll(latestJournalFile(t, inst.journal.Dir()))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "pending", records[0].Status.Name)
	require.Equal(t, string(types.CancelSpotInstanceRequestStateCancelled), records[1].Status.Name)
	require.Equal(t, "shutting-down", records[2].Status.Name)

	// The next recovery resolves the terminated record, not an earlier one.
	next, err := NewInstance(api, dir)
	require.NoError(t, err)
	require.NoError(t, next.LoadLatest())
	require.Equal(t, "i-0123456789abcdef0", next.ID())
}

// TestInstanceTerminatePartialFailure covers teardown dying between the
// two remote calls: the spot request is cancelled but the instance
// terminate fails. The cancellation record must already be durable and the
// ids must stay bound so a later invocation can finish the job.
func TestInstanceTerminatePartialFailure(t *testing.T) {
	t.Run("terminate-fails-after-cancel", func(t *testing.T) {
		dir := t.TempDir()
		api := &fakeInstanceAPI{termErr: fmt.Errorf("api throttled")}
		inst, err := NewInstance(api, dir)
		require.NoError(t, err)
		require.NoError(t, inst.Request(t.Context(), testRequestOptions()))

		err = inst.Terminate(t.Context())
		require.ErrorIs(t, err, ErrInstanceTerminate)
		require.Equal(t, 1, api.cancelCalls)
		require.Equal(t, 1, api.termCalls)

		// The controller stays bound; teardown did not complete.
		require.Equal(t, "i-0123456789abcdef0", inst.ID())
		require.Equal(t, "sir-abc123", inst.SpotRequestID())

		// The cancellation record is the last thing on disk, so the next
		// invocation can see how far teardown got.
		records, err := journal.ReadAll(latestJournalFile(t, inst.journal.Dir()))
		require.NoError(t, err)
		require.Len(t, records, 2)
		last := records[1]
		require.Equal(t, int32(-1), last.Status.Code)
		require.Equal(t, string(types.CancelSpotInstanceRequestStateCancelled), last.Status.Name)
		require.Equal(t, "sir-abc123", last.SecondaryID)
	})

	t.Run("cancel-fails", func(t *testing.T) {
		dir := t.TempDir()
		api := &fakeInstanceAPI{cancelErr: fmt.Errorf("api throttled")}
		inst, err := NewInstance(api, dir)
		require.NoError(t, err)
		require.NoError(t, inst.Request(t.Context(), testRequestOptions()))

		err = inst.Terminate(t.Context())
		require.ErrorIs(t, err, ErrSpotCancel)
		require.Zero(t, api.termCalls)
		require.Equal(t, "i-0123456789abcdef0", inst.ID())

		// Nothing past the launch record was written.
		records, err := journal.ReadAll(latestJournalFile(t, inst.journal.Dir()))
		require.NoError(t, err)
		require.Len(t, records, 1)
	})
}

func latestJournalFile(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	sort.Strings(matches)
	return matches[len(matches)-1]
}
