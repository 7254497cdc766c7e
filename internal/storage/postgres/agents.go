package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lvonguyen/sentinelforge/internal/agent"
)

const agentColumns = `id, hostname, operating_system, agent_version, ip_address,
	credential_hash, status, registered_at, last_heartbeat`

// AgentStore is an agent.Store backed by the agents table.
type AgentStore struct {
	db *sql.DB
}

var _ agent.Store = (*AgentStore)(nil)

// Create inserts a. A duplicate hostname yields agent.ErrAlreadyExists.
func (s *AgentStore) Create(ctx context.Context, a *agent.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Hostname, a.OperatingSystem, a.AgentVersion, a.IPAddress,
		a.CredentialHash, string(a.Status), a.RegisteredAt, nullTime(a.LastHeartbeat),
	)
	if isUniqueViolation(err) {
		return agent.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// Get returns the agent with the given id.
func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	return a, nil
}

// List returns every agent ordered by registration time.
func (s *AgentStore) List(ctx context.Context) ([]*agent.Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at, id`)
}

// ListByStatus returns agents in the given status.
func (s *AgentStore) ListByStatus(ctx context.Context, status agent.Status) ([]*agent.Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status = $1 ORDER BY registered_at, id`, string(status))
}

// Update applies fn to the agent inside a transaction holding a row lock,
// so concurrent updates of the same agent serialize.
func (s *AgentStore) Update(ctx context.Context, id string, fn func(*agent.Agent) error) (*agent.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id)
	current, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock agent: %w", err)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents
		SET operating_system = $2, agent_version = $3, ip_address = $4,
			credential_hash = $5, status = $6, last_heartbeat = $7
		WHERE id = $1`,
		current.ID, next.OperatingSystem, next.AgentVersion, next.IPAddress,
		next.CredentialHash, string(next.Status), nullTime(next.LastHeartbeat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit agent update: %w", err)
	}

	next.ID = current.ID
	next.Hostname = current.Hostname
	return next, nil
}

func (s *AgentStore) query(ctx context.Context, query string, args ...any) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return out, nil
}

func scanAgent(row scanner) (*agent.Agent, error) {
	var (
		a         agent.Agent
		status    string
		heartbeat sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Hostname, &a.OperatingSystem, &a.AgentVersion, &a.IPAddress,
		&a.CredentialHash, &status, &a.RegisteredAt, &heartbeat)
	if err != nil {
		return nil, err
	}
	a.Status = agent.Status(status)
	a.RegisteredAt = a.RegisteredAt.UTC()
	if heartbeat.Valid {
		a.LastHeartbeat = heartbeat.Time.UTC()
	}
	return &a, nil
}
