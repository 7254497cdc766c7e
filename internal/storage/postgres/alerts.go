package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lvonguyen/sentinelforge/internal/alert"
)

const alertColumns = `id, severity, threat_type, description, recommendation,
	source_agent_id, sample_id, status, created_at`

// AlertStore is an alert.Store backed by the security_alerts table.
type AlertStore struct {
	db *sql.DB
}

var _ alert.Store = (*AlertStore)(nil)

// Save inserts a.
func (s *AlertStore) Save(ctx context.Context, a *alert.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, string(a.Severity), a.ThreatType, a.Description, a.Recommendation,
		nullString(a.SourceAgentID), nullString(a.SampleID), string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// Get returns the alert with the given id.
func (s *AlertStore) Get(ctx context.Context, id string) (*alert.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM security_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	return a, nil
}

// List returns alerts matching f, newest first.
func (s *AlertStore) List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error) {
	query, args := listAlertsQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	out := []*alert.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the triage status of an alert.
func (s *AlertStore) UpdateStatus(ctx context.Context, id string, status alert.Status) (*alert.Alert, error) {
	if _, err := alert.ParseStatus(string(status)); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE security_alerts SET status = $2 WHERE id = $1
		RETURNING `+alertColumns, id, string(status))
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}
	return a, nil
}

// Stats counts alerts by severity and status.
func (s *AlertStore) Stats(ctx context.Context) (alert.Stats, error) {
	stats := alert.NewStats()
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, status, COUNT(*) FROM security_alerts
		GROUP BY severity, status`)
	if err != nil {
		return stats, fmt.Errorf("failed to query alert stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var severity, status string
		var n int
		if err := rows.Scan(&severity, &status, &n); err != nil {
			return stats, fmt.Errorf("failed to scan alert stats: %w", err)
		}
		stats.Total += n
		stats.BySeverity[alert.Severity(severity)] += n
		stats.ByStatus[alert.Status(status)] += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating alert stats: %w", err)
	}
	return stats, nil
}

func listAlertsQuery(f alert.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column, value string) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.AgentID != "" {
		add("source_agent_id", f.AgentID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}

	query := `SELECT ` + alertColumns + ` FROM security_alerts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	return query + ` ORDER BY created_at DESC, id DESC`, args
}

func scanAlert(row scanner) (*alert.Alert, error) {
	var (
		a                   alert.Alert
		severity, status    string
		sourceAgent, sample sql.NullString
	)
	err := row.Scan(&a.ID, &severity, &a.ThreatType, &a.Description, &a.Recommendation,
		&sourceAgent, &sample, &status, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Severity = alert.Severity(severity)
	a.Status = alert.Status(status)
	a.SourceAgentID = sourceAgent.String
	a.SampleID = sample.String
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}
