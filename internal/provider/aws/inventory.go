package aws

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// ListInstances implements provider.Inventory.
func (c *Cloud) ListInstances(ctx context.Context, tags map[string]string) ([]fleet.Instance, error) {
	var instances []fleet.Instance
	var nextToken *string

	for {
		output, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters:   tagFilters(tags),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", classify(err))
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				instances = append(instances, c.convertInstance(instance))
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return instances, nil
}

// DescribeInstance implements provider.Inventory.
func (c *Cloud) DescribeInstance(ctx context.Context, id string) (fleet.Instance, error) {
	output, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return fleet.Instance{}, fmt.Errorf("describe instance %s: %w", id, classify(err))
	}
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) == id {
				return c.convertInstance(instance), nil
			}
		}
	}
	return fleet.Instance{}, fmt.Errorf("describe instance %s: %w", id, fleet.ErrNotFound)
}

func (c *Cloud) convertInstance(instance ec2types.Instance) fleet.Instance {
	tags := convertTags(instance.Tags)
	inst := fleet.Instance{
		ID:            aws.ToString(instance.InstanceId),
		Name:          tags["Name"],
		Region:        c.region,
		Tags:          tags,
		LaunchTime:    aws.ToTime(instance.LaunchTime),
		SpotRequestID: aws.ToString(instance.SpotInstanceRequestId),
	}
	if instance.State != nil {
		inst.State = fleet.InstanceState(instance.State.Name)
	}
	// Spot capacity launched without a request id still counts as spot.
	if inst.SpotRequestID == "" && instance.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		inst.SpotRequestID = "spot"
	}
	return inst
}

func convertTags(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

func tagFilters(tags map[string]string) []ec2types.Filter {
	if len(tags) == 0 {
		return nil
	}
	filters := make([]ec2types.Filter, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{tags[k]},
		})
	}
	return filters
}
