package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/observability"
)

// RegistrationRequest describes an agent asking to join.
type RegistrationRequest struct {
	Hostname        string `json:"hostname"`
	OperatingSystem string `json:"operatingSystem"`
	AgentVersion    string `json:"agentVersion"`
	IPAddress       string `json:"ipAddress"`
}

// Registration is returned once per successful registration. APIKey is the
// only copy of the plaintext credential.
type Registration struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	ActivateOnRegister bool
	StaleThreshold     time.Duration
	BcryptCost         int
}

// Registry is the authority on agent identity and lifecycle.
type Registry struct {
	store   Store
	creds   *Credentials
	config  RegistryConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics records registry activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store, cfg RegistryConfig, logger *zap.Logger, opts ...Option) *Registry {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	r := &Registry{
		store:  store,
		creds:  NewCredentials(cfg.BcryptCost),
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates an agent and issues its credential. A hostname that is
// already registered always yields ErrAlreadyExists.
func (r *Registry) Register(ctx context.Context, req RegistrationRequest) (*Registration, error) {
	hostname := strings.TrimSpace(req.Hostname)
	if hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrInvalidRequest)
	}

	plaintext, hash, err := r.creds.Generate()
	if err != nil {
		return nil, err
	}

	status := StatusInactive
	if r.config.ActivateOnRegister {
		status = StatusActive
	}

	a := &Agent{
		ID:              uuid.NewString(),
		Hostname:        hostname,
		OperatingSystem: req.OperatingSystem,
		AgentVersion:    req.AgentVersion,
		IPAddress:       req.IPAddress,
		CredentialHash:  hash,
		Status:          status,
		RegisteredAt:    r.now().UTC(),
	}

	if err := r.store.Create(ctx, a); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			r.logger.Warn("Registration rejected: hostname already registered",
				zap.String("hostname", hostname),
			)
			return nil, fmt.Errorf("%w: hostname %s", ErrAlreadyExists, hostname)
		}
		return nil, fmt.Errorf("failed to store agent: %w", err)
	}

	if r.metrics != nil {
		r.metrics.AgentsRegistered.Inc()
	}
	r.logger.Info("Agent registered",
		zap.String("agent_id", a.ID),
		zap.String("hostname", hostname),
		zap.String("status", string(status)),
	)

	return &Registration{
		AgentID: a.ID,
		APIKey:  plaintext,
		Status:  status,
		Message: "Agent registered successfully. Store the API key securely; it will not be shown again.",
	}, nil
}

// Lookup returns the agent with the given id.
func (r *Registry) Lookup(ctx context.Context, id string) (*Agent, error) {
	return r.store.Get(ctx, id)
}

// RecordHeartbeat stamps the agent as seen now and activates it if it was
// INACTIVE or ERROR. REVOKED agents are left untouched.
func (r *Registry) RecordHeartbeat(ctx context.Context, id string) (*Agent, error) {
	return r.store.Update(ctx, id, r.heartbeatFn())
}

func (r *Registry) heartbeatFn() func(*Agent) error {
	return func(a *Agent) error {
		if a.Status == StatusRevoked {
			return nil
		}
		next, err := a.Status.Apply(TransitionHeartbeat)
		if err != nil {
			return err
		}
		now := r.now().UTC()
		if now.After(a.LastHeartbeat) {
			a.LastHeartbeat = now
		}
		a.Status = next
		return nil
	}
}

// Revoke permanently disables the agent. Revoking twice is a no-op.
func (r *Registry) Revoke(ctx context.Context, id string) (*Agent, error) {
	return r.transition(ctx, id, TransitionRevoke)
}

// Deactivate pauses a non-revoked agent.
func (r *Registry) Deactivate(ctx context.Context, id string) (*Agent, error) {
	return r.transition(ctx, id, TransitionDeactivate)
}

// MarkFault moves a non-revoked agent to ERROR.
func (r *Registry) MarkFault(ctx context.Context, id string) (*Agent, error) {
	return r.transition(ctx, id, TransitionFault)
}

func (r *Registry) transition(ctx context.Context, id string, t Transition) (*Agent, error) {
	a, err := r.store.Update(ctx, id, func(a *Agent) error {
		next, err := a.Status.Apply(t)
		if err != nil {
			return err
		}
		a.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("Agent status changed",
		zap.String("agent_id", id),
		zap.String("transition", t.String()),
		zap.String("status", string(a.Status)),
	)
	return a, nil
}

// List returns every registered agent.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	return r.store.List(ctx)
}

// ListByStatus returns agents in the given status.
func (r *Registry) ListByStatus(ctx context.Context, status Status) ([]*Agent, error) {
	return r.store.ListByStatus(ctx, status)
}

// Stats counts agents per status. Every status is present in the result.
func (r *Registry) Stats(ctx context.Context) (map[Status]int, error) {
	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, a := range agents {
		counts[a.Status]++
	}
	return counts, nil
}

// Stale returns agents whose last heartbeat is missing or older than the
// configured threshold.
func (r *Registry) Stale(ctx context.Context) ([]*Agent, error) {
	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var out []*Agent
	for _, a := range agents {
		if a.IsStale(now, r.config.StaleThreshold) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Details returns the public view of a at the current time.
func (r *Registry) Details(a *Agent) Details {
	return a.Details(r.now(), r.config.StaleThreshold)
}

// Credentials exposes the credential verifier for validation.
func (r *Registry) Credentials() *Credentials {
	return r.creds
}
