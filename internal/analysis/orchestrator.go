package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/alert"
	"github.com/lvonguyen/sentinelforge/internal/enrichment"
	"github.com/lvonguyen/sentinelforge/internal/events"
	"github.com/lvonguyen/sentinelforge/internal/mitre"
	"github.com/lvonguyen/sentinelforge/internal/observability"
)

// ReputationLookup rates remote addresses.
type ReputationLookup interface {
	Lookup(ctx context.Context, ip string) (enrichment.Reputation, error)
}

// KnowledgeRetriever returns reference text relevant to a query.
type KnowledgeRetriever interface {
	Retrieve(query string, k int, threshold float64) string
}

// AlertPublisher announces persisted alerts.
type AlertPublisher interface {
	PublishAlertRaised(e events.AlertRaised) bool
}

// Config holds orchestrator settings.
type Config struct {
	Workers   int
	Timeout   time.Duration
	Query     string
	TopK      int
	Threshold float64
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		Timeout:   30 * time.Second,
		Query:     "High resource usage or suspicious network activity",
		TopK:      2,
		Threshold: 0.70,
	}
}

// Failure stages recorded on analysis_failures_total.
const (
	StageEnrichment = "enrichment"
	StageClassify   = "classify"
	StagePersist    = "persist"
	StageTimeout    = "timeout"
)

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Orchestrator turns accepted samples into alerts. Each sample is
// enriched, matched against the knowledge base and classified; an alert
// is persisted and announced only when the risk is non-trivial. Failures
// are logged and counted and never retried.
type Orchestrator struct {
	config     Config
	reputation ReputationLookup
	knowledge  KnowledgeRetriever
	classifier Classifier
	alerts     alert.Store
	publisher  AlertPublisher
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records analysis outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the alert clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator creates an Orchestrator. knowledge may be nil.
func NewOrchestrator(cfg Config, reputation ReputationLookup, knowledge KnowledgeRetriever, classifier Classifier,
	alerts alert.Store, publisher AlertPublisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Query == "" {
		cfg.Query = def.Query
	}
	if cfg.TopK < 1 {
		cfg.TopK = def.TopK
	}

	o := &Orchestrator{
		config:     cfg,
		reputation: reputation,
		knowledge:  knowledge,
		classifier: classifier,
		alerts:     alerts,
		publisher:  publisher,
		logger:     logger,
		tracer:     otel.Tracer("sentinelforge/analysis"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run analyzes samples from in with the configured number of workers
// until ctx is done or in is closed.
func (o *Orchestrator) Run(ctx context.Context, in <-chan events.SampleAccepted) {
	var wg sync.WaitGroup
	for i := 0; i < o.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-in:
					if !ok {
						return
					}
					o.Handle(ctx, e)
				}
			}
		}()
	}

	o.logger.Info("Security analysis started", zap.Int("workers", o.config.Workers))
	wg.Wait()
	o.logger.Info("Security analysis stopped")
}

// Handle analyzes one sample, swallowing any failure after logging it.
func (o *Orchestrator) Handle(ctx context.Context, e events.SampleAccepted) {
	if _, err := o.Analyze(ctx, e); err != nil {
		stage := StageClassify
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		if errors.Is(err, context.DeadlineExceeded) {
			stage = StageTimeout
		}
		o.logger.Error("Security analysis failed",
			zap.String("sample_id", e.SampleID),
			zap.String("agent_id", e.AgentID),
			zap.String("stage", stage),
			zap.Error(err),
		)
		if o.metrics != nil {
			o.metrics.AnalysisFailures.WithLabelValues(stage).Inc()
		}
	}
}

// Analyze runs one sample through enrichment, retrieval and
// classification, bounded by the configured timeout. It returns the
// persisted alert, or nil when the risk does not warrant one.
func (o *Orchestrator) Analyze(ctx context.Context, e events.SampleAccepted) (*alert.Alert, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "analysis.analyze", trace.WithAttributes(
		attribute.String("sample_id", e.SampleID),
		attribute.String("agent_id", e.AgentID),
	))
	defer span.End()

	a, err := o.analyze(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if o.metrics != nil {
		o.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	}
	return a, err
}

func (o *Orchestrator) analyze(ctx context.Context, e events.SampleAccepted) (*alert.Alert, error) {
	findings, err := o.enrich(ctx, e)
	if err != nil {
		return nil, &stageError{stage: StageEnrichment, err: err}
	}

	knowledge := mitre.Fallback
	if o.knowledge != nil {
		knowledge = o.knowledge.Retrieve(o.config.Query, o.config.TopK, o.config.Threshold)
	}

	in := Context{
		Hostname:       e.Hostname,
		CPUUsage:       e.Metrics.CPUUsage,
		RAMUsedPercent: e.Metrics.RAMUsedPercent,
		UploadMBps:     e.Metrics.UploadMBps(),
		DownloadMBps:   e.Metrics.DownloadMBps(),
		Processes:      e.Processes,
		Findings:       findings,
		Knowledge:      knowledge,
	}

	verdict, err := o.classifier.Classify(ctx, in)
	if err != nil {
		return nil, &stageError{stage: StageClassify, err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &stageError{stage: StageClassify, err: err}
	}
	verdict = verdict.Normalize()

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("risk_level", verdict.RiskLevel))

	if !ShouldAlert(verdict.RiskLevel) {
		o.logger.Debug("Sample assessed as low risk",
			zap.String("sample_id", e.SampleID),
			zap.String("risk_level", verdict.RiskLevel),
		)
		return nil, nil
	}

	a := &alert.Alert{
		ID:             o.newID(),
		Severity:       SeverityFor(verdict.RiskLevel),
		ThreatType:     verdict.ThreatType,
		Description:    verdict.Description,
		Recommendation: verdict.Recommendation,
		SourceAgentID:  e.AgentID,
		SampleID:       e.SampleID,
		Status:         alert.StatusNew,
		CreatedAt:      o.now(),
	}
	if err := o.alerts.Save(ctx, a); err != nil {
		return nil, &stageError{stage: StagePersist, err: fmt.Errorf("save alert: %w", err)}
	}

	o.publisher.PublishAlertRaised(events.AlertRaised{
		AlertID:        a.ID,
		AgentID:        a.SourceAgentID,
		SampleID:       a.SampleID,
		Severity:       string(a.Severity),
		ThreatType:     a.ThreatType,
		Description:    a.Description,
		Recommendation: a.Recommendation,
		Timestamp:      a.CreatedAt,
	})
	if o.metrics != nil {
		o.metrics.AlertsRaised.WithLabelValues(string(a.Severity)).Inc()
	}

	o.logger.Warn("Security alert raised",
		zap.String("alert_id", a.ID),
		zap.String("agent_id", a.SourceAgentID),
		zap.String("hostname", e.Hostname),
		zap.String("severity", string(a.Severity)),
		zap.String("threat_type", a.ThreatType),
	)
	return a, nil
}

// enrich rates each distinct remote address once and returns one finding
// per distinct process and address pair. Any failed lookup fails the
// analysis.
func (o *Orchestrator) enrich(ctx context.Context, e events.SampleAccepted) ([]Finding, error) {
	reps := make(map[string]enrichment.Reputation)
	seen := make(map[string]bool)
	var findings []Finding

	for _, c := range e.Connections {
		if c.RemoteAddress == "" {
			continue
		}
		key := c.ProcessName + "|" + c.RemoteAddress
		if seen[key] {
			continue
		}
		seen[key] = true

		rep, ok := reps[c.RemoteAddress]
		if !ok {
			var err error
			rep, err = o.lookup(ctx, c.RemoteAddress)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("reputation of %s: %w", c.RemoteAddress, err)
			}
			reps[c.RemoteAddress] = rep
		}

		findings = append(findings, Finding{
			ProcessName: c.ProcessName,
			RemotePort:  c.RemotePort,
			Reputation:  rep,
		})
	}
	return findings, nil
}

func (o *Orchestrator) lookup(ctx context.Context, ip string) (enrichment.Reputation, error) {
	if o.reputation == nil {
		return enrichment.Reputation{IP: ip, Country: enrichment.UnknownCountry, Source: enrichment.SourceNone}, nil
	}
	rep, err := o.reputation.Lookup(ctx, ip)
	if rep.IP == "" {
		rep.IP = ip
	}
	if rep.Country == "" {
		rep.Country = enrichment.UnknownCountry
	}
	return rep, err
}
