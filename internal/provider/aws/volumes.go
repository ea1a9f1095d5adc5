package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// ListAttached implements provider.Volumes.
func (c *Cloud) ListAttached(ctx context.Context, instanceID string) ([]fleet.Volume, error) {
	var volumes []fleet.Volume
	var nextToken *string

	for {
		output, err := c.ec2Client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters: []ec2types.Filter{{
				Name:   aws.String("attachment.instance-id"),
				Values: []string{instanceID},
			}},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe volumes for %s: %w", instanceID, classify(err))
		}

		for _, volume := range output.Volumes {
			volumes = append(volumes, convertVolume(volume))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return volumes, nil
}

// DescribeVolume implements provider.Volumes.
func (c *Cloud) DescribeVolume(ctx context.Context, id string) (fleet.Volume, error) {
	output, err := c.ec2Client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}})
	if err != nil {
		return fleet.Volume{}, fmt.Errorf("describe volume %s: %w", id, classify(err))
	}
	for _, volume := range output.Volumes {
		if aws.ToString(volume.VolumeId) == id {
			return convertVolume(volume), nil
		}
	}
	return fleet.Volume{}, fmt.Errorf("describe volume %s: %w", id, fleet.ErrNotFound)
}

// Detach implements provider.Volumes.
func (c *Cloud) Detach(ctx context.Context, id string) error {
	if _, err := c.ec2Client.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(id)}); err != nil {
		return fmt.Errorf("detach volume %s: %w", id, classify(err))
	}
	return nil
}

// Delete implements provider.Volumes.
func (c *Cloud) Delete(ctx context.Context, id string) error {
	if _, err := c.ec2Client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)}); err != nil {
		return fmt.Errorf("delete volume %s: %w", id, classify(err))
	}
	return nil
}

func convertVolume(volume ec2types.Volume) fleet.Volume {
	v := fleet.Volume{
		ID:     aws.ToString(volume.VolumeId),
		Status: fleet.VolumeStatus(volume.State),
	}
	for _, att := range volume.Attachments {
		if att.State == ec2types.VolumeAttachmentStateAttached || att.State == ec2types.VolumeAttachmentStateAttaching {
			v.InstanceID = aws.ToString(att.InstanceId)
			break
		}
	}
	return v
}
