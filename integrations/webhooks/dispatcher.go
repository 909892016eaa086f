package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"stxlend/core/events"
	"stxlend/native/lending"
)

const (
	// SignatureHeader carries "sha256=" + hex(HMAC-SHA256(secret, body)).
	SignatureHeader = "X-Lending-Signature"
	EventHeader     = "X-Lending-Event"
	DeliveryHeader  = "X-Lending-Delivery"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256
)

// DefaultTypes are the pool events operators usually want pushed.
var DefaultTypes = []string{
	lending.EventTypeLoanLiquidated,
	lending.EventTypePauseUpdated,
	lending.EventTypeCapsUpdated,
	lending.EventTypeRevenueWithdrawn,
}

// Payload is the JSON body of every delivery.
type Payload struct {
	Type       string            `json:"type"`
	DeliveryID string            `json:"deliveryId"`
	Attributes map[string]string `json:"attributes"`
	SentAt     time.Time         `json:"sentAt"`
}

// Dispatcher pushes selected pool events to an HTTP endpoint with retry and
// exponential backoff. It implements events.Emitter; Emit never blocks the
// pool and drops events once the queue is full.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	types       map[string]struct{}
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	queueSize   int
	meters      metric.MeterProvider
	metrics     *deliveryMetrics

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan delivery
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type delivery struct {
	id        string
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithTypes restricts deliveries to the listed event types.
func WithTypes(types ...string) Option {
	return func(d *Dispatcher) {
		if len(types) == 0 {
			return
		}
		d.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				d.types[trimmed] = struct{}{}
			}
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMeterProvider records delivery counters through provider instead of
// the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		if provider != nil {
			d.meters = provider
		}
	}
}

// WithQueueSize bounds the number of undelivered events held in memory.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		queueSize:   defaultQueueSize,
		ctx:         ctx,
		cancel:      cancel,
	}
	WithTypes(DefaultTypes...)(dispatcher)
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.metrics = newDeliveryMetrics(dispatcher.meters)
	dispatcher.queue = make(chan delivery, dispatcher.queueSize)
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for the inflight delivery to finish.
// Queued events that were not yet attempted are discarded.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed reports how many deliveries exhausted their retries.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Emit implements events.Emitter.
func (d *Dispatcher) Emit(evt events.Event) {
	if d == nil {
		return
	}
	typed, ok := evt.(events.Typed)
	if !ok {
		return
	}
	payload := typed.Event()
	if payload == nil {
		return
	}
	if _, ok := d.types[payload.Type]; !ok {
		return
	}
	if err := d.enqueue(payload.Type, payload.Clone().Attributes); err != nil {
		d.logger.Warn("webhook event dropped", slog.String("type", payload.Type), slog.Any("error", err))
	}
}

func (d *Dispatcher) enqueue(eventType string, attrs map[string]string) error {
	if d.ctx.Err() != nil {
		return errors.New("webhook: dispatcher closed")
	}
	body := Payload{Type: eventType, DeliveryID: uuid.NewString(), Attributes: attrs, SentAt: time.Now().UTC()}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	select {
	case d.queue <- delivery{id: body.DeliveryID, eventType: eventType, body: data}:
		return nil
	default:
		d.dropped.Add(1)
		d.metrics.add(d.metrics.dropped, eventType)
		return errors.New("webhook: queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			d.metrics.add(d.metrics.delivered, job.eventType)
			return
		}
		if attempt >= d.maxAttempts {
			d.failed.Add(1)
			d.metrics.add(d.metrics.failed, job.eventType)
			d.logger.Error("webhook delivery abandoned",
				slog.String("delivery", job.id),
				slog.String("type", job.eventType),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, job.eventType)
	req.Header.Set(DeliveryHeader, job.id)
	req.Header.Set(SignatureHeader, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign computes the signature header value for body. Receivers recompute it
// with the shared secret and compare with hmac.Equal.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit || next < current {
		return limit
	}
	return next
}
