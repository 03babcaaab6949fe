package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// namedSink is implemented by sinks that want their own metrics label.
type namedSink interface {
	Name() string
}

// MultiSink fans an event out to every sink. A failing sink does not stop
// delivery to the others.
type MultiSink struct {
	logger *logrus.Entry
	sinks  []EventSink
}

// NewMultiSink returns a sink over the non-nil entries of sinks.
func NewMultiSink(logger *logrus.Logger, sinks ...EventSink) *MultiSink {
	m := &MultiSink{logger: logger.WithField("component", "event_sink")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add registers another sink.
func (m *MultiSink) Add(sink EventSink) {
	if sink != nil {
		m.sinks = append(m.sinks, sink)
	}
}

func (m *MultiSink) Publish(ctx context.Context, event coaching.Event) error {
	var errs []error
	for _, sink := range m.sinks {
		name := sinkName(sink)
		if err := sink.Publish(ctx, event); err != nil {
			metrics.RecordEventPublish(name, "error")
			m.logger.WithError(err).WithFields(logrus.Fields{
				"sink":       name,
				"call_id":    event.CallID,
				"event_type": event.Type,
			}).Warn("Failed to publish event")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.RecordEventPublish(name, "ok")
	}
	return errors.Join(errs...)
}

func sinkName(sink EventSink) string {
	if n, ok := sink.(namedSink); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", sink)
}

// eventQueue delivers one session's events in order on a single goroutine.
type eventQueue struct {
	sink   EventSink
	logger *logrus.Entry
	ch     chan coaching.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

const eventPublishTimeout = 5 * time.Second

func newEventQueue(sink EventSink, size int, logger *logrus.Entry) *eventQueue {
	q := &eventQueue{
		sink:   sink,
		logger: logger,
		ch:     make(chan coaching.Event, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) run() {
	defer close(q.done)
	for event := range q.ch {
		q.deliver(event)
	}
}

func (q *eventQueue) deliver(event coaching.Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"event_type": event.Type,
				"panic":      r,
			}).Error("Recovered from panic in event sink")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()
	if err := q.sink.Publish(ctx, event); err != nil {
		q.logger.WithError(err).WithField("event_type", event.Type).Debug("Event delivery failed")
	}
}

// push enqueues event without blocking; a full queue drops the event.
func (q *eventQueue) push(event coaching.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- event:
	default:
		metrics.RecordEventPublish("queue", "dropped")
		q.logger.WithField("event_type", event.Type).Warn("Event queue full, dropping event")
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (q *eventQueue) close(ctx context.Context) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("Timed out draining event queue")
	}
}
