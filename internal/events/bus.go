// Package events carries pipeline events between components in process.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/observability"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

// SampleAccepted is published after a sample has been persisted.
type SampleAccepted struct {
	SampleID    string                 `json:"sampleId"`
	AgentID     string                 `json:"agentId,omitempty"`
	Hostname    string                 `json:"hostname"`
	Metrics     telemetry.Metrics      `json:"metrics"`
	Processes   []telemetry.Process    `json:"processes"`
	Connections []telemetry.Connection `json:"networkConnections"`
	ReceivedAt  time.Time              `json:"receivedAt"`
}

// NewSampleAccepted builds the event for a persisted sample.
func NewSampleAccepted(s *telemetry.Sample) SampleAccepted {
	return SampleAccepted{
		SampleID:    s.ID,
		AgentID:     s.AgentID,
		Hostname:    s.Hostname,
		Metrics:     s.Metrics,
		Processes:   append([]telemetry.Process(nil), s.Processes...),
		Connections: append([]telemetry.Connection(nil), s.Connections...),
		ReceivedAt:  s.ReceivedAt,
	}
}

// AlertRaised is published after an alert has been persisted.
type AlertRaised struct {
	AlertID        string    `json:"alertId"`
	AgentID        string    `json:"agentId,omitempty"`
	SampleID       string    `json:"sampleId"`
	Severity       string    `json:"severity"`
	ThreatType     string    `json:"threatType"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers over buffered channels. Publishing
// never blocks: an event that does not fit in a subscriber's buffer is
// dropped for that subscriber.
type Bus struct {
	samples *topic[SampleAccepted]
	alerts  *topic[AlertRaised]
}

// NewBus creates a Bus whose subscriber channels hold bufferSize events.
// metrics may be nil.
func NewBus(bufferSize int, logger *zap.Logger, metrics *observability.Metrics) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		samples: newTopic[SampleAccepted]("sample_accepted", bufferSize, logger, metrics),
		alerts:  newTopic[AlertRaised]("alert_raised", bufferSize, logger, metrics),
	}
}

// SubscribeSamples returns a channel receiving every SampleAccepted
// published after the call. The channel closes when the Bus is closed.
func (b *Bus) SubscribeSamples() <-chan SampleAccepted { return b.samples.subscribe() }

// SubscribeAlerts returns a channel receiving every AlertRaised published
// after the call.
func (b *Bus) SubscribeAlerts() <-chan AlertRaised { return b.alerts.subscribe() }

// PublishSampleAccepted delivers e to sample subscribers. It reports
// whether every subscriber received it.
func (b *Bus) PublishSampleAccepted(e SampleAccepted) bool { return b.samples.publish(e) }

// PublishAlertRaised delivers e to alert subscribers.
func (b *Bus) PublishAlertRaised(e AlertRaised) bool { return b.alerts.publish(e) }

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.samples.close()
	b.alerts.close()
}

type topic[T any] struct {
	name    string
	size    int
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	subs   []chan T
	closed bool
}

func newTopic[T any](name string, size int, logger *zap.Logger, metrics *observability.Metrics) *topic[T] {
	return &topic[T]{name: name, size: size, logger: logger, metrics: metrics}
}

func (t *topic[T]) subscribe() <-chan T {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, t.size)
	if t.closed {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

func (t *topic[T]) publish(e T) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return false
	}

	delivered := true
	for i, ch := range t.subs {
		select {
		case ch <- e:
		default:
			delivered = false
			if t.metrics != nil {
				t.metrics.EventsDropped.WithLabelValues(t.name).Inc()
			}
			t.logger.Warn("Event dropped: subscriber buffer full",
				zap.String("event", t.name),
				zap.Int("subscriber", i),
			)
		}
	}
	return delivered
}

func (t *topic[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.subs {
		close(ch)
	}
}
