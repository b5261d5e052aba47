package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"healthgate.org/internal/ids"
	"healthgate.org/internal/obs"
)

const defaultQueueSize = 1024

var errTrailClosed = errors.New("audit trail closed")

// Trail hands entries to a background worker that appends them to a Sink.
// Record never blocks the caller. Entries the sink rejects, or that arrive
// while the queue is full or closed, are written in full to the failure log.
type Trail struct {
	sink   Sink
	queue  chan Entry
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option configures a Trail.
type Option func(*Trail) error

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(t *Trail) error {
		if n <= 0 {
			return errors.New("audit queue size must be positive")
		}
		t.queue = make(chan Entry, n)
		return nil
	}
}

// WithLogger sets the logger used as the failure channel.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) error {
		if l == nil {
			return errors.New("logger is required")
		}
		t.logger = l
		return nil
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) error {
		if now == nil {
			return errors.New("clock function is required")
		}
		t.now = now
		return nil
	}
}

// NewTrail starts a trail writing to sink.
func NewTrail(sink Sink, opts ...Option) (*Trail, error) {
	if sink == nil {
		return nil, errors.New("audit sink is required")
	}
	t := &Trail{
		sink:   sink,
		logger: obs.Logger(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.queue == nil {
		t.queue = make(chan Entry, defaultQueueSize)
	}
	go t.run()
	return t, nil
}

// Record stamps e and queues it for the sink.
func (t *Trail) Record(ctx context.Context, e Entry) {
	e = t.stamp(ctx, e)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.fail(e, errTrailClosed)
		return
	}
	select {
	case t.queue <- e:
	default:
		obs.AuditQueueOverflow.Inc()
		t.fail(e, errors.New("audit queue full"))
	}
}

// Close stops accepting entries and waits for queued ones to reach the sink.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trail) run() {
	defer close(t.done)
	for e := range t.queue {
		if err := t.sink.Append(context.Background(), e); err != nil {
			obs.AuditWriteFailures.Inc()
			t.fail(e, err)
			continue
		}
		obs.AuditEvents.WithLabelValues(string(e.Action)).Inc()
	}
}

func (t *Trail) stamp(ctx context.Context, e Entry) Entry {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = t.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.OccurredAt)
	}
	if e.Request == (RequestMeta{}) {
		e.Request = RequestFromContext(ctx)
	}
	e.OldValues = cloneMap(e.OldValues)
	e.NewValues = cloneMap(e.NewValues)
	e.Metadata = cloneMap(e.Metadata)
	return e
}

func (t *Trail) fail(e Entry, err error) {
	t.logger.Error("audit entry not persisted", append(entryFields(e), zap.Error(err))...)
}

func entryFields(e Entry) []zap.Field {
	return []zap.Field{
		zap.String("audit_id", e.ID),
		zap.String("actor_id", e.ActorID),
		zap.String("actor_email", e.ActorEmail),
		zap.String("action", string(e.Action)),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.Bool("success", e.Success),
		zap.String("error_message", e.ErrorMessage),
		zap.Any("old_values", e.OldValues),
		zap.Any("new_values", e.NewValues),
		zap.Any("metadata", e.Metadata),
		zap.String("request_id", e.Request.RequestID),
		zap.String("ip_address", e.Request.IPAddress),
		zap.String("user_agent", e.Request.UserAgent),
		zap.Time("occurred_at", e.OccurredAt),
	}
}
