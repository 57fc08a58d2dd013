package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink consumes state changes. Sinks run on the executor, never on the
// transition path, so a slow sink cannot stall a module. Each sink sees
// changes one at a time in publish order.
type Sink interface {
	HandleStateChange(ctx context.Context, change StateChange) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, change StateChange) error

// HandleStateChange calls f.
func (f SinkFunc) HandleStateChange(ctx context.Context, change StateChange) error {
	return f(ctx, change)
}

// Observer receives kernel measurements. telemetry.Metrics implements it.
type Observer interface {
	ObserveStateChange(change StateChange)
	ObserveOrchestration(result *Result)
	ObserveJob(name string, err error, duration time.Duration, dropped bool)
}

type nopObserver struct{}

func (nopObserver) ObserveStateChange(StateChange)                {}
func (nopObserver) ObserveOrchestration(*Result)                  {}
func (nopObserver) ObserveJob(string, error, time.Duration, bool) {}

// MultiObserver fans measurements out to several observers in order.
func MultiObserver(observers ...Observer) Observer {
	filtered := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

type multiObserver []Observer

func (m multiObserver) ObserveStateChange(change StateChange) {
	for _, o := range m {
		o.ObserveStateChange(change)
	}
}

func (m multiObserver) ObserveOrchestration(result *Result) {
	for _, o := range m {
		o.ObserveOrchestration(result)
	}
}

func (m multiObserver) ObserveJob(name string, err error, duration time.Duration, dropped bool) {
	for _, o := range m {
		o.ObserveJob(name, err, duration, dropped)
	}
}

// Subscription is a channel of state changes.
type Subscription struct {
	ID string
	C  <-chan StateChange
}

type subscriber struct {
	id string
	ch chan StateChange
}

// sinkQueue holds changes not yet handed to one sink. At most one drain
// job per sink is in flight.
type sinkQueue struct {
	sink Sink

	mu       sync.Mutex
	pending  []StateChange
	draining bool
}

// Notifier fans state changes out to channel subscribers and sinks.
// Publishing never blocks: a full subscriber buffer drops the change.
type Notifier struct {
	executor *BoundedExecutor
	logger   zerolog.Logger

	mu          sync.RWMutex
	subscribers []*subscriber
	sinks       []*sinkQueue
	closed      bool
}

// newNotifier creates a notifier dispatching sinks through executor.
func newNotifier(executor *BoundedExecutor, logger zerolog.Logger) *Notifier {
	return &Notifier{
		executor:    executor,
		logger:      logger.With().Str("component", "notifier").Logger(),
		subscribers: make([]*subscriber, 0),
		sinks:       make([]*sinkQueue, 0),
	}
}

// Subscribe registers a channel subscriber with the given buffer size.
func (n *Notifier) Subscribe(buffer int) Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan StateChange, buffer),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(sub.ch)
		return Subscription{ID: sub.id, C: sub.ch}
	}
	n.subscribers = append(n.subscribers, sub)
	return Subscription{ID: sub.id, C: sub.ch}
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, sub := range n.subscribers {
		if sub.id == id {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			close(sub.ch)
			return true
		}
	}
	return false
}

// AddSink registers a sink.
func (n *Notifier) AddSink(sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, &sinkQueue{sink: sink})
}

// Publish delivers a change to every subscriber and schedules every sink.
func (n *Notifier) Publish(change StateChange) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	for _, sub := range n.subscribers {
		select {
		case sub.ch <- change:
		default:
			n.logger.Warn().
				Str("subscription", sub.id).
				Str("module", change.Module).
				Str("state", string(change.NewState)).
				Msg("Subscriber buffer full, state change dropped")
		}
	}

	for _, q := range n.sinks {
		n.enqueue(q, change)
	}
}

// enqueue appends change to q and starts a drain job if none is running.
func (n *Notifier) enqueue(q *sinkQueue, change StateChange) {
	q.mu.Lock()
	q.pending = append(q.pending, change)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	err := n.executor.Submit(JobOptions{Name: "sink"}, func(ctx context.Context) error {
		return n.drain(ctx, q)
	})
	if err != nil {
		q.mu.Lock()
		q.pending = nil
		q.draining = false
		q.mu.Unlock()
		n.logger.Debug().Err(err).Msg("Sink dispatch skipped")
	}
}

// drain hands queued changes to the sink until the queue is empty.
func (n *Notifier) drain(ctx context.Context, q *sinkQueue) error {
	var failed error
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return failed
		}
		change := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := handle(ctx, q.sink, change); err != nil {
			n.logger.Warn().Err(err).
				Str("module", change.Module).
				Str("state", string(change.NewState)).
				Msg("Sink failed to handle state change")
			if failed == nil {
				failed = err
			}
		}
	}
}

// handle calls sink and converts a panic into an error, so a queue keeps draining.
func handle(ctx context.Context, sink Sink, change StateChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.HandleStateChange(ctx, change)
}

// close closes every subscriber channel. Later publishes are ignored.
func (n *Notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for _, sub := range n.subscribers {
		close(sub.ch)
	}
	n.subscribers = nil
}
