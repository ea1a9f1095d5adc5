package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// Stop implements provider.Lifecycle.
func (c *Cloud) Stop(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.ec2Client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("stop instances %s: %w", strings.Join(ids, ","), classify(err))
	}
	return nil
}

// Terminate implements provider.Lifecycle.
func (c *Cloud) Terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("terminate instances %s: %w", strings.Join(ids, ","), classify(err))
	}
	return nil
}
