package agent

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ValidationResult identifies an authenticated sender.
type ValidationResult struct {
	AgentID       string
	Hostname      string
	Status        Status
	Authenticated bool
}

// Validator authenticates inbound agent traffic against the Registry.
type Validator struct {
	registry *Registry
	logger   *zap.Logger
}

// NewValidator creates a Validator.
func NewValidator(registry *Registry, logger *zap.Logger) *Validator {
	return &Validator{registry: registry, logger: logger}
}

// Validate authenticates a telemetry sender.
//
// An empty or unknown agentID is treated as anonymous and yields (nil, nil).
// A known agent presenting the wrong credential, or any REVOKED agent, yields
// ErrInvalidCredentials and its heartbeat is not touched. Otherwise the
// heartbeat is recorded, activating INACTIVE or ERROR agents.
func (v *Validator) Validate(ctx context.Context, agentID, credential string) (*ValidationResult, error) {
	if agentID == "" {
		return nil, nil
	}

	res, err := v.authenticate(ctx, agentID, credential)
	if errors.Is(err, ErrNotFound) {
		v.logger.Warn("Telemetry from unknown agent treated as anonymous",
			zap.String("agent_id", agentID),
		)
		return nil, nil
	}
	return res, err
}

// Heartbeat authenticates an explicit check-in. Unlike Validate, an unknown
// or malformed agentID is reported as ErrNotFound.
func (v *Validator) Heartbeat(ctx context.Context, agentID, credential string) (*ValidationResult, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, ErrNotFound
	}
	return v.authenticate(ctx, agentID, credential)
}

func (v *Validator) authenticate(ctx context.Context, agentID, credential string) (*ValidationResult, error) {
	a, err := v.registry.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if a.Status == StatusRevoked || !v.registry.Credentials().Verify(credential, a.CredentialHash) {
		v.logger.Warn("Agent authentication failed",
			zap.String("agent_id", agentID),
			zap.String("status", string(a.Status)),
		)
		return nil, ErrInvalidCredentials
	}

	// Re-check REVOKED inside the atomic update so a concurrent revoke wins.
	heartbeat := v.registry.heartbeatFn()
	updated, err := v.registry.store.Update(ctx, agentID, func(cur *Agent) error {
		if cur.Status == StatusRevoked {
			return ErrInvalidCredentials
		}
		return heartbeat(cur)
	})
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		AgentID:       updated.ID,
		Hostname:      updated.Hostname,
		Status:        updated.Status,
		Authenticated: true,
	}, nil
}
