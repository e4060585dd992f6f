// Package notify fans committed escrow events out to webhook subscribers.
// Delivery is best effort: a failing subscriber never affects the settlement
// engine, and the queue sheds the oldest work when it fills up.
package notify

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/observability"
)

// Task is a queued delivery. A negative Subscriber marks a fresh event that
// has not yet been fanned out.
type Task struct {
	Event      escrow.Event
	Subscriber int
	Attempt    int
	NotBefore  time.Time
	// EnqueuedAt is stamped on the first enqueue and carried across retries,
	// so the TTL bounds the whole retry chain.
	EnqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultCapacity = 1024
	defaultTTL      = 24 * time.Hour
)

// WithCapacity sets the maximum number of pending tasks.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued tasks remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithQueueClock overrides the clock used for TTL evaluation.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue buffers delivery tasks in a bounded ring.
type Queue struct {
	mu      sync.Mutex
	tasks   ring[Task]
	ttl     time.Duration
	now     func() time.Time
	wake    chan struct{}
	dropped metric.Int64Counter
	prom    *observability.NotifierMetrics
}

// NewQueue constructs a bounded queue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{capacity: defaultCapacity, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newRing[Task](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		wake:    make(chan struct{}, 1),
		dropped: droppedCounter(),
		prom:    observability.Notifier(),
	}
}

// Publish enqueues committed events without blocking.
func (q *Queue) Publish(events []escrow.Event) {
	for _, ev := range events {
		q.Enqueue(Task{Event: ev, Subscriber: -1})
	}
}

// Enqueue adds a task, evicting the oldest pending task when full.
func (q *Queue) Enqueue(task Task) {
	now := q.now()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	q.mu.Lock()
	q.evictExpiredLocked(now)
	if _, overflow := q.tasks.push(task); overflow {
		q.recordDropped("overflow", 1)
	}
	depth := q.tasks.len()
	q.mu.Unlock()
	q.prom.SetDepth(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Dequeue waits for the oldest task that is due. Tasks backing off until a
// later NotBefore are skipped. It returns false once ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		if ctx.Err() != nil {
			return Task{}, false
		}
		now := q.now()
		q.mu.Lock()
		q.evictExpiredLocked(now)
		task, wait, ok := q.takeDueLocked(now)
		depth := q.tasks.len()
		q.mu.Unlock()
		if ok {
			q.prom.SetDepth(depth)
			return task, true
		}

		var timer *time.Timer
		var due <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// takeDueLocked removes the first task whose NotBefore has passed. When none
// is due it reports how long until the earliest one is.
func (q *Queue) takeDueLocked(now time.Time) (Task, time.Duration, bool) {
	var wait time.Duration
	for i := 0; i < q.tasks.len(); i++ {
		task := q.tasks.at(i)
		delay := task.NotBefore.Sub(now)
		if delay <= 0 {
			return q.tasks.removeAt(i), 0, true
		}
		if wait == 0 || delay < wait {
			wait = delay
		}
	}
	return Task{}, wait, false
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := q.tasks.filter(func(task Task) bool {
		return now.Sub(task.EnqueuedAt) <= q.ttl
	})
	q.recordDropped("ttl", expired)
}

func (q *Queue) recordDropped(reason string, count int) {
	if count <= 0 {
		return
	}
	q.prom.RecordDrop(count)
	if q.dropped != nil {
		q.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
	}
}

var (
	counterOnce   sync.Once
	sharedDropped metric.Int64Counter
)

func droppedCounter() metric.Int64Counter {
	counterOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("escrowd/notify")
		counter, err := meter.Int64Counter("escrow.notify.dropped")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("escrowd/notify").Int64Counter("escrow.notify.dropped")
		}
		sharedDropped = counter
	})
	return sharedDropped
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring[T]) removeAt(i int) T {
	v := r.at(i)
	for j := i; j < r.size-1; j++ {
		r.buf[(r.head+j)%len(r.buf)] = r.buf[(r.head+j+1)%len(r.buf)]
	}
	var zero T
	r.buf[(r.head+r.size-1)%len(r.buf)] = zero
	r.size--
	return v
}

// filter keeps the elements for which keep returns true, preserving order,
// and reports how many were removed.
func (r *ring[T]) filter(keep func(T) bool) int {
	kept := 0
	for i := 0; i < r.size; i++ {
		v := r.at(i)
		if keep(v) {
			r.buf[(r.head+kept)%len(r.buf)] = v
			kept++
		}
	}
	var zero T
	for i := kept; i < r.size; i++ {
		r.buf[(r.head+i)%len(r.buf)] = zero
	}
	removed := r.size - kept
	r.size = kept
	return removed
}

func (r *ring[T]) len() int {
	return r.size
}
