// Package natsbridge forwards raised alerts to NATS for downstream
// consumers such as ticketing and paging.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/events"
)

const (
	// DefaultSubject is used when none is configured.
	DefaultSubject = "sentinel.alerts.raised"
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout = 10 * time.Second
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Forwarder republishes AlertRaised events on a NATS subject.
type Forwarder struct {
	pub     Publisher
	subject string
	logger  *zap.Logger
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("sentinelforge"),
		nats.Timeout(ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// NewForwarder creates a Forwarder publishing on subject.
func NewForwarder(pub Publisher, subject string, logger *zap.Logger) *Forwarder {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Forwarder{pub: pub, subject: subject, logger: logger}
}

// Run forwards alerts until ctx is done or alerts is closed. Publish
// failures are logged and the alert is not retried.
func (f *Forwarder) Run(ctx context.Context, alerts <-chan events.AlertRaised) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-alerts:
			if !ok {
				return
			}
			if err := f.Forward(e); err != nil {
				f.logger.Error("Failed to forward alert",
					zap.String("alert_id", e.AlertID),
					zap.Error(err),
				)
			}
		}
	}
}

// Forward publishes a single alert.
func (f *Forwarder) Forward(e events.AlertRaised) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := nats.NewMsg(f.subject)
	msg.Data = data
	msg.Header.Set("x-alert-id", e.AlertID)
	msg.Header.Set("x-severity", e.Severity)
	if e.AgentID != "" {
		msg.Header.Set("x-agent-id", e.AgentID)
	}

	if err := f.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	f.logger.Debug("Alert forwarded",
		zap.String("alert_id", e.AlertID),
		zap.String("subject", f.subject),
	)
	return nil
}
