package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/yairfalse/fleetreaper/internal/provider"
)

// CreateStream implements provider.LogStreams. CloudWatch accepts the first
// put on a new stream without a sequence token, so the returned token is empty.
func (c *Cloud) CreateStream(ctx context.Context, group, name string) (string, error) {
	_, err := c.logsClient.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("create log stream %s/%s: %w", group, name, classify(err))
	}
	return "", nil
}

// Append implements provider.LogStreams.
func (c *Cloud) Append(ctx context.Context, group, name string, entries []provider.LogEntry, token string) (string, error) {
	events := make([]cwltypes.InputLogEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, cwltypes.InputLogEvent{
			Message:   aws.String(e.Message),
			Timestamp: aws.Int64(e.Timestamp.UnixMilli()),
		})
	}

	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(name),
		LogEvents:     events,
	}
	if token != "" {
		input.SequenceToken = aws.String(token)
	}

	output, err := c.logsClient.PutLogEvents(ctx, input)
	if err != nil {
		return "", fmt.Errorf("put log events %s/%s: %w", group, name, classify(err))
	}
	return aws.ToString(output.NextSequenceToken), nil
}
