package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/alert"
	"github.com/lvonguyen/sentinelforge/internal/enrichment"
	"github.com/lvonguyen/sentinelforge/internal/events"
	"github.com/lvonguyen/sentinelforge/internal/mitre"
	"github.com/lvonguyen/sentinelforge/internal/observability"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

type stubReputation struct {
	mu    sync.Mutex
	calls map[string]int
	bad   map[string]bool
	fail  map[string]bool
}

func (s *stubReputation) Lookup(_ context.Context, ip string) (enrichment.Reputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[ip]++
	if s.fail[ip] {
		return enrichment.Reputation{IP: ip, Country: enrichment.UnknownCountry}, errors.New("provider down")
	}
	return enrichment.Reputation{IP: ip, Country: "Testland", Malicious: s.bad[ip]}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []events.AlertRaised
}

func (r *recordingAlerts) PublishAlertRaised(e events.AlertRaised) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recordingAlerts) published() []events.AlertRaised {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.AlertRaised(nil), r.events...)
}

type failingAlertStore struct {
	alert.Store
}

func (failingAlertStore) Save(context.Context, *alert.Alert) error {
	return errors.New("disk full")
}

type orchestratorFixture struct {
	reputation *stubReputation
	alerts     *alert.MemoryStore
	publisher  *recordingAlerts
	metrics    *observability.Metrics
	seen       []Context
	mu         sync.Mutex
	now        time.Time
}

func newOrchestrator(t *testing.T, verdict Verdict, classifyErr error, opts ...func(*Config)) (*Orchestrator, *orchestratorFixture) {
	t.Helper()
	f := &orchestratorFixture{
		reputation: &stubReputation{},
		alerts:     alert.NewMemoryStore(),
		publisher:  &recordingAlerts{},
		metrics:    observability.NewMetrics(prometheus.NewRegistry()),
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	classifier := ClassifierFunc(func(_ context.Context, in Context) (Verdict, error) {
		f.mu.Lock()
		f.seen = append(f.seen, in)
		f.mu.Unlock()
		return verdict, classifyErr
	})

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	o := NewOrchestrator(cfg, f.reputation, mitre.NewKnowledgeBase(zap.NewNop()), classifier, f.alerts, f.publisher, zap.NewNop(),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return f.now }),
		WithIDGenerator(func() string { return "alert-1" }),
	)
	return o, f
}

func sample() events.SampleAccepted {
	return events.SampleAccepted{
		SampleID: "s-1",
		AgentID:  "a-1",
		Hostname: "web-01",
		Metrics:  telemetry.Metrics{CPUUsage: 95.5, BytesSentSec: 5_000_000},
		Processes: []telemetry.Process{
			{PID: 666, Name: "suspicious_miner.exe", CPUUsage: 70.5},
		},
		Connections: []telemetry.Connection{
			{ProcessName: "suspicious_miner.exe", RemoteAddress: "203.0.113.9", RemotePort: 3333},
			{ProcessName: "suspicious_miner.exe", RemoteAddress: "203.0.113.9", RemotePort: 3333},
			{ProcessName: "curl", RemoteAddress: "203.0.113.9", RemotePort: 443},
			{ProcessName: "sshd", RemoteAddress: ""},
		},
	}
}

func TestAnalyze_RaisesAlert(t *testing.T) {
	o, f := newOrchestrator(t, Verdict{RiskLevel: "high", ThreatType: "Cryptominer"}, nil)
	f.reputation.bad = map[string]bool{"203.0.113.9": true}

	a, err := o.Analyze(context.Background(), sample())
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, "alert-1", a.ID)
	assert.Equal(t, alert.SeverityHigh, a.Severity)
	assert.Equal(t, "Cryptominer", a.ThreatType)
	assert.Equal(t, DefaultRecommendation, a.Recommendation)
	assert.Equal(t, "a-1", a.SourceAgentID)
	assert.Equal(t, "s-1", a.SampleID)
	assert.Equal(t, alert.StatusNew, a.Status)
	assert.Equal(t, f.now, a.CreatedAt)

	stored, err := f.alerts.Get(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Equal(t, a.Severity, stored.Severity)

	pub := f.publisher.published()
	require.Len(t, pub, 1)
	assert.Equal(t, "HIGH", pub[0].Severity)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsRaised.WithLabelValues("HIGH")))

	require.Len(t, f.seen, 1)
	in := f.seen[0]
	assert.Equal(t, "web-01", in.Hostname)
	assert.InDelta(t, 4.768, in.UploadMBps, 0.001)
	assert.Contains(t, in.Knowledge, "T1496")
	require.Len(t, in.Findings, 2)
	assert.True(t, in.Findings[0].Reputation.Malicious)
	assert.Equal(t, 1, f.reputation.calls["203.0.113.9"])
}

func TestAnalyze_LowRiskNoAlert(t *testing.T) {
	for _, level := range []string{"LOW", "safe", "NONE", ""} {
		o, f := newOrchestrator(t, Verdict{RiskLevel: level}, nil)

		a, err := o.Analyze(context.Background(), sample())
		require.NoError(t, err)
		assert.Nil(t, a, level)

		all, err := f.alerts.List(context.Background(), alert.Filter{})
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.Empty(t, f.publisher.published())
	}
}

func TestAnalyze_UnknownRiskIsMedium(t *testing.T) {
	o, _ := newOrchestrator(t, Verdict{RiskLevel: "SEVERE"}, nil)

	a, err := o.Analyze(context.Background(), sample())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, alert.SeverityMedium, a.Severity)
}

func TestHandle_ReputationFailureRaisesNothing(t *testing.T) {
	o, f := newOrchestrator(t, Verdict{RiskLevel: RiskHigh}, nil)
	f.reputation.fail = map[string]bool{"203.0.113.9": true}

	_, err := o.Analyze(context.Background(), sample())
	require.Error(t, err)
	var se *stageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageEnrichment, se.stage)

	o.Handle(context.Background(), sample())

	assert.Empty(t, f.seen, "classifier must not run after a failed lookup")
	all, err := f.alerts.List(context.Background(), alert.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.publisher.published())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalysisFailures.WithLabelValues(StageEnrichment)))
}

func TestHandle_ClassifierFailure(t *testing.T) {
	o, f := newOrchestrator(t, Verdict{}, errors.New("model unavailable"))

	o.Handle(context.Background(), sample())

	all, err := f.alerts.List(context.Background(), alert.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.publisher.published())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalysisFailures.WithLabelValues(StageClassify)))
}

func TestHandle_Timeout(t *testing.T) {
	f := &orchestratorFixture{
		alerts:    alert.NewMemoryStore(),
		publisher: &recordingAlerts{},
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	slow := ClassifierFunc(func(ctx context.Context, _ Context) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	o := NewOrchestrator(cfg, nil, nil, slow, f.alerts, f.publisher, zap.NewNop(), WithMetrics(f.metrics))

	o.Handle(context.Background(), sample())

	assert.Empty(t, f.publisher.published())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalysisFailures.WithLabelValues(StageTimeout)))
}

func TestHandle_PersistFailureNotPublished(t *testing.T) {
	f := &orchestratorFixture{
		publisher: &recordingAlerts{},
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	classifier := ClassifierFunc(func(context.Context, Context) (Verdict, error) {
		return Verdict{RiskLevel: RiskCritical}, nil
	})
	o := NewOrchestrator(DefaultConfig(), nil, nil, classifier, failingAlertStore{}, f.publisher, zap.NewNop(), WithMetrics(f.metrics))

	o.Handle(context.Background(), sample())

	assert.Empty(t, f.publisher.published())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalysisFailures.WithLabelValues(StagePersist)))
}

func TestAnalyze_NilCollaborators(t *testing.T) {
	var seen Context
	classifier := ClassifierFunc(func(_ context.Context, in Context) (Verdict, error) {
		seen = in
		return Verdict{RiskLevel: RiskLow}, nil
	})
	o := NewOrchestrator(Config{}, nil, nil, classifier, alert.NewMemoryStore(), &recordingAlerts{}, zap.NewNop())

	_, err := o.Analyze(context.Background(), sample())
	require.NoError(t, err)
	assert.Equal(t, mitre.Fallback, seen.Knowledge)
	require.NotEmpty(t, seen.Findings)
	assert.Equal(t, enrichment.UnknownCountry, seen.Findings[0].Reputation.Country)
}

func TestRun_DrainsUntilClosed(t *testing.T) {
	o, f := newOrchestrator(t, Verdict{RiskLevel: RiskLow}, nil, func(c *Config) { c.Workers = 3 })

	in := make(chan events.SampleAccepted, 10)
	for i := 0; i < 10; i++ {
		in <- sample()
	}
	close(in)

	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.seen, 10)
}
