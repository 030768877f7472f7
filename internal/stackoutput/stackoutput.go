// Package stackoutput resolves named outputs from a previously provisioned
// CloudFormation stack. Networking prerequisites (VPC, security group) are
// owned by that stack; this tool only ever asks it for output values.
package stackoutput

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// SecurityGroupKey is the output key the provisioning stack exports for
// the SSH security group.
const SecurityGroupKey = "SecurityGroupId"

var (
	ErrStackNotFound  = fmt.Errorf("stack not found")
	ErrStackNotReady  = fmt.Errorf("stack is not in a completed state")
	ErrOutputNotFound = fmt.Errorf("stack output key not found")
)

// API is the slice of the CloudFormation control plane this package
// consumes. *cloudformation.Client satisfies it.
type API interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// Resolve returns the value of the named output on stackName. The stack
// must have finished creating or updating; resolving against a stack mid-
// rollout would hand back values that may still change.
func Resolve(ctx context.Context, client API, stackName, key string) (string, error) {
	result, err := client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return "", fmt.Errorf("describing stack %s: %w", stackName, err)
	}
	if len(result.Stacks) == 0 {
		return "", fmt.Errorf("%w: %s", ErrStackNotFound, stackName)
	}

	stack := result.Stacks[0]
	switch stack.StackStatus {
	case types.StackStatusCreateComplete, types.StackStatusUpdateComplete:
	default:
		return "", fmt.Errorf("%w: %s is %s", ErrStackNotReady, stackName, stack.StackStatus)
	}

	for _, output := range stack.Outputs {
		if aws.ToString(output.OutputKey) == key {
			return aws.ToString(output.OutputValue), nil
		}
	}
	return "", fmt.Errorf("%w: %s on stack %s", ErrOutputNotFound, key, stackName)
}

// SecurityGroupID resolves the SSH security group id exported by the
// provisioning stack.
func SecurityGroupID(ctx context.Context, client API, stackName string) (string, error) {
	return Resolve(ctx, client, stackName, SecurityGroupKey)
}
