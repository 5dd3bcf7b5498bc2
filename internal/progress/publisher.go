package progress

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/exposcan/internal/logger"
)

// Sink receives every event in publish order, e.g. a message queue.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Options tunes a Publisher.
type Options struct {
	// SubscriberBuffer is the channel capacity beyond replayed history. A
	// subscriber that falls this far behind is disconnected.
	SubscriberBuffer int
	// SinkBuffer bounds events queued for sinks before Publish blocks.
	SinkBuffer int
	// RetainFinished is how many closed job streams are kept for late subscribers.
	RetainFinished int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{SubscriberBuffer: 64, SinkBuffer: 1024, RetainFinished: 256}
}

type stream struct {
	seq     int64
	history []Event
	subs    map[int]chan Event
	closed  bool
}

// Publisher keeps one ordered stream per job. Publish is safe for concurrent use;
// events published from one goroutine are observed in that order by every
// subscriber and sink.
type Publisher struct {
	mu       sync.Mutex
	opts     Options
	streams  map[string]*stream
	finished []string
	nextSub  int
	now      func() time.Time

	sinks   []Sink
	out     chan Event
	sinkWG  sync.WaitGroup
	stopped bool
}

// NewPublisher creates a Publisher. Sinks are fed by one background goroutine
// until Shutdown.
func NewPublisher(opts Options, sinks ...Sink) *Publisher {
	def := DefaultOptions()
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = def.SubscriberBuffer
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = def.SinkBuffer
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = def.RetainFinished
	}

	p := &Publisher{
		opts:    opts,
		streams: make(map[string]*stream),
		now:     time.Now,
		sinks:   sinks,
	}
	if len(sinks) > 0 {
		p.out = make(chan Event, opts.SinkBuffer)
		p.sinkWG.Add(1)
		go p.forward()
	}
	return p
}

func (p *Publisher) streamLocked(jobID string) *stream {
	s, ok := p.streams[jobID]
	if !ok {
		s = &stream{subs: make(map[int]chan Event)}
		p.streams[jobID] = s
	}
	return s
}

// Publish stamps ev with the next sequence number and delivers it. Events for a
// job published after its stream is closed are dropped.
func (p *Publisher) Publish(jobID string, ev Event) Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.streamLocked(jobID)
	if s.closed {
		return ev
	}
	s.seq++
	ev.Seq = s.seq
	ev.JobID = jobID
	if ev.Time.IsZero() {
		ev.Time = p.now()
	}
	s.history = append(s.history, ev)

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn("Dropping slow progress subscriber %d on job %s", id, jobID)
			close(ch)
			delete(s.subs, id)
		}
	}

	if p.out != nil && !p.stopped {
		p.out <- ev
	}
	return ev
}

// Close ends a job's stream: current subscribers' channels are closed after the
// events already delivered, and later subscribers get the history then a closed channel.
func (p *Publisher) Close(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.streamLocked(jobID)
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}

	p.finished = append(p.finished, jobID)
	for len(p.finished) > p.opts.RetainFinished {
		delete(p.streams, p.finished[0])
		p.finished = p.finished[1:]
	}
}

// Subscribe returns a channel that first replays the job's history and then
// receives live events, and a function to unsubscribe. ok is false when the
// publisher holds no stream for the job: it was never published here or its
// history was evicted.
func (p *Publisher) Subscribe(jobID string) (events <-chan Event, unsubscribe func(), ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[jobID]
	if !ok {
		return nil, func() {}, false
	}
	ch := make(chan Event, len(s.history)+p.opts.SubscriberBuffer)
	for _, ev := range s.history {
		ch <- ev
	}
	if s.closed {
		close(ch)
		return ch, func() {}, true
	}

	id := p.nextSub
	p.nextSub++
	s.subs[id] = ch

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}, true
}

// History returns a copy of a job's events so far.
func (p *Publisher) History(jobID string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[jobID]
	if !ok {
		return nil
	}
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// Shutdown stops accepting sink events and waits for queued ones to be sent.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.out == nil || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.out)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.sinkWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) forward() {
	defer p.sinkWG.Done()
	ctx := context.Background()
	for ev := range p.out {
		for _, sink := range p.sinks {
			if err := sink.Send(ctx, ev); err != nil {
				logger.Warn("Progress sink failed for job %s seq %d: %v", ev.JobID, ev.Seq, err)
			}
		}
	}
}
