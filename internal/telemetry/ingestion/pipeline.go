// Package ingestion accepts agent telemetry: it authenticates the sender,
// persists the sample and announces it to analysis.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/agent"
	"github.com/lvonguyen/sentinelforge/internal/events"
	"github.com/lvonguyen/sentinelforge/internal/observability"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
	"github.com/lvonguyen/sentinelforge/internal/telemetry/normalization"
)

// Outcome describes what happened to one inbound message.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeAnonymous Outcome = "anonymous"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFailed    Outcome = "failed"
)

// Envelope is a transport-neutral inbound message.
type Envelope struct {
	Body            []byte
	ContentEncoding string
	MessageID       string
}

// Validator authenticates senders.
type Validator interface {
	Validate(ctx context.Context, agentID, credential string) (*agent.ValidationResult, error)
}

// Publisher announces persisted samples.
type Publisher interface {
	PublishSampleAccepted(e events.SampleAccepted) bool
}

// Result is the outcome of Process along with the persisted sample, if any.
type Result struct {
	Outcome Outcome
	Sample  *telemetry.Sample
}

// Pipeline validates, persists and publishes telemetry. A sample is
// published only after it has been persisted.
type Pipeline struct {
	validator Validator
	store     telemetry.SampleStore
	publisher Publisher
	dedup     *Deduper
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithDeduper enables in-memory duplicate suppression.
func WithDeduper(d *Deduper) Option {
	return func(p *Pipeline) { p.dedup = d }
}

// WithMetrics records pipeline outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithIDGenerator overrides sample id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline creates a Pipeline.
func NewPipeline(v Validator, store telemetry.SampleStore, pub Publisher, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		validator: v,
		store:     store,
		publisher: pub,
		logger:    logger,
		tracer:    otel.Tracer("sentinelforge/ingestion"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one message end to end.
//
// Malformed bodies return an error wrapping normalization.ErrMalformed.
// Rejected credentials are not an error: the message is consumed and
// dropped. Any other error means nothing was published and the message
// should be redelivered.
func (p *Pipeline) Process(ctx context.Context, env Envelope) (Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ingestion.process")
	defer span.End()

	res, err := p.process(ctx, env)

	outcome := res.Outcome
	if err != nil && outcome == "" {
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if p.metrics != nil {
		p.metrics.TelemetryMessages.WithLabelValues(string(outcome)).Inc()
		p.metrics.TelemetryDuration.Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (p *Pipeline) process(ctx context.Context, env Envelope) (Result, error) {
	msg, err := normalization.Decode(env.Body, env.ContentEncoding)
	if err != nil {
		p.logger.Warn("Dropping malformed telemetry message",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		return Result{Outcome: OutcomeMalformed}, err
	}

	validation, err := p.validator.Validate(ctx, msg.AgentID, msg.APIKey)
	if errors.Is(err, agent.ErrInvalidCredentials) {
		p.logger.Warn("Security warning: telemetry rejected for invalid credentials",
			zap.String("agent_id", msg.AgentID),
			zap.String("hostname", msg.Hostname),
		)
		return Result{Outcome: OutcomeRejected}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to validate agent: %w", err)
	}

	key := msg.DedupKey(env.MessageID, env.Body)
	if key != "" && p.dedup != nil && p.dedup.Seen(key) {
		p.logger.Debug("Duplicate telemetry message suppressed", zap.String("dedup_key", key))
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	var agentID string
	if validation != nil {
		agentID = validation.AgentID
	}

	sample := msg.ToSample(p.newID(), agentID, p.now().UTC())
	sample.DedupKey = key

	inserted, err := p.store.Save(ctx, sample)
	if err != nil {
		return Result{}, fmt.Errorf("failed to persist sample: %w", err)
	}
	if key != "" && p.dedup != nil {
		p.dedup.Add(key)
	}
	if !inserted {
		p.logger.Debug("Duplicate telemetry sample already persisted", zap.String("dedup_key", key))
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	p.publisher.PublishSampleAccepted(events.NewSampleAccepted(sample))

	outcome := OutcomeAccepted
	if agentID == "" {
		outcome = OutcomeAnonymous
	}
	p.logger.Debug("Telemetry sample accepted",
		zap.String("sample_id", sample.ID),
		zap.String("agent_id", agentID),
		zap.String("outcome", string(outcome)),
	)
	return Result{Outcome: outcome, Sample: sample}, nil
}

// Deduper remembers recently persisted dedup keys.
type Deduper struct {
	cache *lru.Cache[string, struct{}]
}

// NewDeduper creates a Deduper holding up to size keys.
func NewDeduper(size int) (*Deduper, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Deduper{cache: c}, nil
}

// Seen reports whether key was recently added.
func (d *Deduper) Seen(key string) bool {
	return d.cache.Contains(key)
}

// Add records key.
func (d *Deduper) Add(key string) {
	d.cache.Add(key, struct{}{})
}
