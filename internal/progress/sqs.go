package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used by SQSSink.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink forwards events to an SQS queue. On FIFO queues the job id is the
// message group, so per-job order survives delivery.
type SQSSink struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSSink creates a sink for queueURL.
func NewSQSSink(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL, fifo: strings.HasSuffix(queueURL, ".fifo")}
}

func (s *SQSSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(ev.Type))},
			"job_id":     {DataType: aws.String("String"), StringValue: aws.String(ev.JobID)},
		},
	}
	if s.fifo {
		in.MessageGroupId = aws.String(ev.JobID)
		in.MessageDeduplicationId = aws.String(ev.JobID + "-" + strconv.FormatInt(ev.Seq, 10))
	}

	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("failed to send event to sqs: %w", err)
	}
	return nil
}
