package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestPublisher_OrderAndReplay(t *testing.T) {
	p := NewPublisher(Options{})

	p.Publish("job", Event{Type: EventTask, TaskID: "t1", Status: "running"})
	live, _, ok := p.Subscribe("job")
	require.True(t, ok)
	p.Publish("job", Event{Type: EventTask, TaskID: "t1", Status: "succeeded", Terminal: true})
	late, _, _ := p.Subscribe("job")
	p.Publish("job", Event{Type: EventJob, Status: "completed", Terminal: true})
	p.Close("job")

	for _, ch := range []<-chan Event{live, late} {
		events := drain(ch)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq)
			assert.Equal(t, "job", ev.JobID)
			assert.False(t, ev.Time.IsZero())
		}
		assert.Equal(t, EventJob, events[2].Type)
	}

	after, _, ok := p.Subscribe("job")
	require.True(t, ok)
	assert.Len(t, drain(after), 3, "closed streams replay history")

	p.Publish("job", Event{Status: "ignored"})
	assert.Len(t, p.History("job"), 3)
}

func TestPublisher_ConcurrentTasksKeepPerTaskOrder(t *testing.T) {
	p := NewPublisher(Options{SubscriberBuffer: 1000})
	p.Publish("job", Event{Type: EventJob, Status: "queued"})
	ch, _, _ := p.Subscribe("job")

	var wg sync.WaitGroup
	for task := 0; task < 8; task++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := 0; step < 20; step++ {
				p.Publish("job", Event{TaskID: fmt.Sprint(task), Attempt: step})
			}
		}()
	}
	wg.Wait()
	p.Close("job")

	last := map[string]int{}
	var prevSeq int64
	for _, ev := range drain(ch) {
		assert.Greater(t, ev.Seq, prevSeq)
		prevSeq = ev.Seq
		if ev.Type == EventJob {
			continue
		}
		if prev, ok := last[ev.TaskID]; ok {
			assert.Equal(t, prev+1, ev.Attempt)
		}
		last[ev.TaskID] = ev.Attempt
	}
	assert.Len(t, last, 8)
}

func TestPublisher_SlowSubscriberIsDropped(t *testing.T) {
	p := NewPublisher(Options{SubscriberBuffer: 2})
	p.Publish("job", Event{Status: "queued"})
	slow, _, _ := p.Subscribe("job")

	for i := 0; i < 5; i++ {
		p.Publish("job", Event{Status: "running"})
	}

	events := drain(slow)
	assert.Len(t, events, 3, "one replayed event plus a full buffer")
	assert.Len(t, p.History("job"), 6)
}

func TestPublisher_Unsubscribe(t *testing.T) {
	p := NewPublisher(Options{})
	p.Publish("job", Event{Status: "queued"})
	ch, cancel, _ := p.Subscribe("job")
	cancel()
	cancel()

	p.Publish("job", Event{Status: "running"})
	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, "queued", events[0].Status)
}

func TestPublisher_SubscribeUnknownJob(t *testing.T) {
	p := NewPublisher(Options{RetainFinished: 1})

	ch, cancel, ok := p.Subscribe("never")
	assert.False(t, ok)
	assert.Nil(t, ch)
	cancel()

	p.Publish("a", Event{Status: "done"})
	p.Close("a")
	p.Publish("b", Event{Status: "done"})
	p.Close("b")
	_, _, ok = p.Subscribe("a")
	assert.False(t, ok, "evicted streams are not recreated")

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.streams, 1)
}

func TestPublisher_RetainFinished(t *testing.T) {
	p := NewPublisher(Options{RetainFinished: 1})
	p.Publish("a", Event{Status: "done"})
	p.Close("a")
	p.Publish("b", Event{Status: "done"})
	p.Close("b")

	assert.Nil(t, p.History("a"))
	assert.Len(t, p.History("b"), 1)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.fail {
		return errors.New("unreachable")
	}
	return nil
}

func TestPublisher_SinksReceiveEventsInOrder(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{fail: true}
	p := NewPublisher(Options{}, bad, good)

	for i := 0; i < 10; i++ {
		p.Publish("job", Event{Attempt: i})
	}
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	require.Len(t, good.events, 10)
	for i, ev := range good.events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Len(t, bad.events, 10, "a failing sink does not stop delivery")
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func TestSQSSink(t *testing.T) {
	ev := Event{Seq: 7, Type: EventJob, JobID: "job-1", Status: "completed", Time: time.Unix(0, 0).UTC()}

	std := &fakeSQS{}
	require.NoError(t, NewSQSSink(std, "https://sqs.eu-west-1.amazonaws.com/1/progress").Send(context.Background(), ev))
	require.Len(t, std.inputs, 1)
	assert.Nil(t, std.inputs[0].MessageGroupId)

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(std.inputs[0].MessageBody)), &decoded))
	assert.Equal(t, ev, decoded)
	assert.Equal(t, "job", aws.ToString(std.inputs[0].MessageAttributes["event_type"].StringValue))

	fifo := &fakeSQS{}
	require.NoError(t, NewSQSSink(fifo, "https://sqs.eu-west-1.amazonaws.com/1/progress.fifo").Send(context.Background(), ev))
	assert.Equal(t, "job-1", aws.ToString(fifo.inputs[0].MessageGroupId))
	assert.Equal(t, "job-1-7", aws.ToString(fifo.inputs[0].MessageDeduplicationId))
}
