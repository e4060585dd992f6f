package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/Astralabs2050/render-backend-sub001/observability"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/trigger"
)

// Subscriber is one webhook receiver.
type Subscriber struct {
	URL    string
	Secret string
}

const (
	defaultMaxAttempts = 5
	defaultBackoff     = time.Second
	maxBackoff         = 5 * time.Minute
	defaultRate        = rate.Limit(20)
	defaultBurst       = 10
)

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(client *http.Client) WorkerOption {
	return func(w *Worker) {
		if client != nil {
			w.client = client
		}
	}
}

// WithTimeout bounds each delivery request.
func WithTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.client.Timeout = d
		}
	}
}

// WithMaxAttempts bounds the number of delivery attempts per subscriber.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay before the first retry. Later retries double it.
func WithBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.backoff = d
		}
	}
}

// WithSubscriberRate limits deliveries to each subscriber.
func WithSubscriberRate(limit rate.Limit, burst int) WorkerOption {
	return func(w *Worker) {
		if limit > 0 {
			w.rateLimit = limit
		}
		if burst > 0 {
			w.burst = burst
		}
	}
}

// WithWorkerLogger overrides the structured logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Worker delivers queued events to subscribers.
type Worker struct {
	queue       *Queue
	subs        []Subscriber
	limiters    []*rate.Limiter
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	rateLimit   rate.Limit
	burst       int
	logger      *slog.Logger
	metrics     *observability.NotifierMetrics
}

// NewWorker builds a worker draining queue into subs.
func NewWorker(queue *Queue, subs []Subscriber, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue: queue,
		subs:  append([]Subscriber(nil), subs...),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		rateLimit:   defaultRate,
		burst:       defaultBurst,
		logger:      slog.Default(),
		metrics:     observability.Notifier(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.limiters = make([]*rate.Limiter, len(w.subs))
	for i := range w.limiters {
		w.limiters[i] = rate.NewLimiter(w.rateLimit, w.burst)
	}
	return w
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscriber < 0 {
			for i := range w.subs {
				w.queue.Enqueue(Task{Event: task.Event, Subscriber: i, EnqueuedAt: task.EnqueuedAt})
			}
			continue
		}
		if task.Subscriber >= len(w.subs) {
			continue
		}
		w.deliver(ctx, task)
	}
}

type payload struct {
	Type        string            `json:"type"`
	ContractID  string            `json:"contractId"`
	MilestoneID string            `json:"milestoneId,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	Attributes  map[string]string `json:"attributes"`
	OccurredAt  string            `json:"occurredAt"`
}

func encode(task Task) ([]byte, error) {
	ev := task.Event
	body := payload{
		Type:       ev.Type,
		ContractID: ev.ContractID.String(),
		Actor:      ev.Actor,
		Attributes: ev.Attributes,
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.HasMilestone() {
		body.MilestoneID = ev.MilestoneID.String()
	}
	return json.Marshal(body)
}

func (w *Worker) deliver(ctx context.Context, task Task) {
	sub := w.subs[task.Subscriber]
	if limiter := w.limiters[task.Subscriber]; !limiter.Allow() {
		w.metrics.RecordDelivery("throttled")
		task.NotBefore = time.Now().Add(time.Duration(float64(time.Second) / float64(limiter.Limit())))
		w.queue.Enqueue(task)
		return
	}
	body, err := encode(task)
	if err != nil {
		w.metrics.RecordDelivery("error")
		w.logger.Error("encode webhook payload", slog.String("event_type", task.Event.Type), slog.String("error", err.Error()))
		return
	}
	if err := w.post(ctx, sub, task.Event.Type, body); err != nil {
		w.retryLater(task, err)
		return
	}
	w.metrics.RecordDelivery("success")
}

func (w *Worker) post(ctx context.Context, sub Subscriber, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", eventType)
	if sub.Secret != "" {
		req.Header.Set(trigger.SignatureHeader, trigger.Sign(sub.Secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber responded %s", strings.TrimSpace(resp.Status))
	}
	return nil
}

func (w *Worker) retryLater(task Task, cause error) {
	attempt := task.Attempt + 1
	if attempt >= w.maxAttempts {
		w.metrics.RecordDelivery("exhausted")
		w.logger.Warn("webhook delivery abandoned",
			slog.String("event_type", task.Event.Type),
			slog.String("contract_id", task.Event.ContractID.String()),
			slog.Int("attempts", attempt),
			slog.String("error", cause.Error()))
		return
	}
	w.metrics.RecordDelivery("retry")
	task.Attempt = attempt
	task.NotBefore = time.Now().Add(w.backoffFor(attempt))
	w.queue.Enqueue(task)
}

func (w *Worker) backoffFor(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := w.backoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
