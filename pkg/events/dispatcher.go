package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics published by the workflow services. Collaborators subscribe to
// react to committed state changes; nothing here runs ahead of a commit.
const (
	TopicConsultationStatusChanged = "consultation.status_changed"
	TopicItemReassessed            = "assessment.item_reassessed"
	TopicApprovalCompleted         = "approval.completed"
)

// Event carries one committed state change.
type Event struct {
	Topic    string
	EntityID string
	Payload  map[string]interface{}
	Attempt  int
	Emitted  time.Time
}

// Handler consumes an event for one topic.
type Handler func(context.Context, Event) error

// Config tunes the dispatcher worker pool. QueueDepth, when set, receives
// the buffered event count after every enqueue and dequeue.
type Config struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	QueueDepth func(int)
	Logger     *zap.Logger
}

// Dispatcher fans committed workflow state changes out to registered
// handlers on a bounded goroutine pool. Delivery is at-least-once with
// bounded retries; handlers must tolerate duplicates.
type Dispatcher struct {
	handlers map[string][]Handler

	workers    int
	bufferSize int
	maxRetries int
	retryDelay time.Duration
	queueDepth func(int)
	logger     *zap.Logger

	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewDispatcher builds a dispatcher with the provided tuning.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Dispatcher{
		handlers:   make(map[string][]Handler),
		workers:    cfg.Workers,
		bufferSize: cfg.BufferSize,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		queueDepth: cfg.QueueDepth,
		logger:     cfg.Logger,
		events:     make(chan Event, cfg.BufferSize),
	}
}

// Subscribe registers a handler for a topic. Must be called before Start.
func (d *Dispatcher) Subscribe(topic string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || handler == nil {
		return
	}
	d.handlers[topic] = append(d.handlers[topic], handler)
}

// Start begins worker consumption. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.started = true
	d.logger.Sugar().Infow("event dispatcher started", "workers", d.workers)
}

// Stop cancels workers and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Sugar().Infow("event dispatcher stopped")
}

// Publish enqueues an event. Callers publish only after their transaction
// has committed.
func (d *Dispatcher) Publish(event Event) error {
	d.mu.Lock()
	ctx := d.ctx
	started := d.started
	d.mu.Unlock()

	if !started {
		return fmt.Errorf("event dispatcher not started")
	}
	if event.Emitted.IsZero() {
		event.Emitted = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("event dispatcher stopped: %w", ctx.Err())
	case d.events <- event:
		d.reportDepth()
		return nil
	}
}

func (d *Dispatcher) reportDepth() {
	if d.queueDepth != nil {
		d.queueDepth(len(d.events))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event := <-d.events:
			d.reportDepth()
			d.deliver(event)
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.mu.Lock()
	handlers := d.handlers[event.Topic]
	d.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(d.ctx, event); err != nil {
			d.handleFailure(event, err)
			return
		}
	}
}

func (d *Dispatcher) handleFailure(event Event, err error) {
	event.Attempt++
	if event.Attempt > d.maxRetries {
		d.logger.Sugar().Errorw("event exceeded retries", "topic", event.Topic, "entity_id", event.EntityID, "error", err)
		return
	}
	d.logger.Sugar().Warnw("event delivery failed, retrying", "topic", event.Topic, "entity_id", event.EntityID, "attempt", event.Attempt, "error", err)

	go func(e Event) {
		timer := time.NewTimer(d.retryDelay)
		defer timer.Stop()
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
			if err := d.Publish(e); err != nil {
				d.logger.Sugar().Errorw("failed to requeue event", "topic", e.Topic, "entity_id", e.EntityID, "error", err)
			}
		}
	}(event)
}
