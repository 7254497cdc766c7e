package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

const sampleColumns = `id, agent_id, hostname, metrics, processes, connections,
	received_at, dedup_key, authenticated`

// SampleStore is a telemetry.SampleStore backed by the telemetry_samples
// table. The unique dedup_key column makes Save idempotent under
// redelivery.
type SampleStore struct {
	db *sql.DB
}

var _ telemetry.SampleStore = (*SampleStore)(nil)

// Save inserts s. It reports false when a sample with the same DedupKey
// already exists.
func (s *SampleStore) Save(ctx context.Context, sample *telemetry.Sample) (bool, error) {
	metrics, processes, connections, err := encodeSample(sample)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_samples (`+sampleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING`,
		sample.ID, nullString(sample.AgentID), sample.Hostname, metrics, processes, connections,
		sample.ReceivedAt, nullString(sample.DedupKey), sample.Authenticated,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert sample: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns the sample with the given id.
func (s *SampleStore) Get(ctx context.Context, id string) (*telemetry.Sample, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM telemetry_samples WHERE id = $1`, id)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, telemetry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sample: %w", err)
	}
	return sample, nil
}

// History returns an agent's samples in [from, to], oldest first.
func (s *SampleStore) History(ctx context.Context, agentID string, from, to time.Time) ([]*telemetry.Sample, error) {
	query, args := historyQuery(agentID, from, to)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []*telemetry.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}
	return out, nil
}

func historyQuery(agentID string, from, to time.Time) (string, []any) {
	conds := []string{"agent_id = $1"}
	args := []any{agentID}
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("received_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("received_at <= $%d", len(args)))
	}
	query := `SELECT ` + sampleColumns + ` FROM telemetry_samples WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY received_at, id`
	return query, args
}

func encodeSample(s *telemetry.Sample) (metrics, processes, connections []byte, err error) {
	if metrics, err = json.Marshal(s.Metrics); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode metrics: %w", err)
	}
	procs := s.Processes
	if procs == nil {
		procs = []telemetry.Process{}
	}
	if processes, err = json.Marshal(procs); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode processes: %w", err)
	}
	conns := s.Connections
	if conns == nil {
		conns = []telemetry.Connection{}
	}
	if connections, err = json.Marshal(conns); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode connections: %w", err)
	}
	return metrics, processes, connections, nil
}

func scanSample(row scanner) (*telemetry.Sample, error) {
	var (
		s                               telemetry.Sample
		agentID, dedupKey               sql.NullString
		metrics, processes, connections []byte
	)
	err := row.Scan(&s.ID, &agentID, &s.Hostname, &metrics, &processes, &connections,
		&s.ReceivedAt, &dedupKey, &s.Authenticated)
	if err != nil {
		return nil, err
	}
	s.AgentID = agentID.String
	s.DedupKey = dedupKey.String
	s.ReceivedAt = s.ReceivedAt.UTC()

	if err := json.Unmarshal(metrics, &s.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	if err := json.Unmarshal(processes, &s.Processes); err != nil {
		return nil, fmt.Errorf("failed to decode processes: %w", err)
	}
	if err := json.Unmarshal(connections, &s.Connections); err != nil {
		return nil, fmt.Errorf("failed to decode connections: %w", err)
	}
	return &s, nil
}
