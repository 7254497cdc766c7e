// Package enrichment provides IP reputation lookups for network
// connections reported by agents.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedIndicator is returned for values a provider cannot look up.
var ErrUnsupportedIndicator = errors.New("unsupported indicator")

// Source names recorded on a Reputation.
const (
	SourcePrivate  = "private"
	SourceCache    = "cache"
	SourceProvider = "provider"
	SourceNone     = "none"
)

// PrivateCountry is the country reported for non-routable addresses.
const PrivateCountry = "Private"

// UnknownCountry is reported when no provider knows the address.
const UnknownCountry = "Unknown"

// Reputation is what is known about a remote IP.
type Reputation struct {
	IP         string    `json:"ip"`
	Country    string    `json:"country"`
	Malicious  bool      `json:"malicious"`
	PulseCount int       `json:"pulseCount"`
	Source     string    `json:"source"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Label renders the reputation verdict for analyst-facing text.
func (r Reputation) Label() string {
	if r.Malicious {
		return "MALICIOUS"
	}
	return "Safe"
}

// Provider is a threat intelligence source that can rate an IP.
type Provider interface {
	Name() string
	CheckIP(ctx context.Context, ip string) (*Reputation, error)
	HealthCheck(ctx context.Context) error
	RateLimit() RateLimitStatus
}

// RateLimitStatus represents API rate limiting.
type RateLimitStatus struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	APIKeyEnv  string        `yaml:"api_key_env"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RateLimit  int           `yaml:"rate_limit"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:    10 * time.Second,
		RetryCount: 2,
		RateLimit:  60,
	}
}

// Chain consults several providers for each address. An address is
// malicious if any provider says so; the first known country wins. A
// failure of any provider fails the lookup.
type Chain struct {
	providers []Provider
}

// NewChain combines providers. A single provider is returned unchanged
// and no providers yield nil.
func NewChain(providers ...Provider) Provider {
	switch len(providers) {
	case 0:
		return nil
	case 1:
		return providers[0]
	}
	return &Chain{providers: providers}
}

// Name joins the names of the chained providers.
func (c *Chain) Name() string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return strings.Join(names, "+")
}

// CheckIP asks every provider about ip and merges the answers.
func (c *Chain) CheckIP(ctx context.Context, ip string) (*Reputation, error) {
	merged := &Reputation{IP: ip, Country: UnknownCountry, Source: c.Name()}
	for _, p := range c.providers {
		rep, err := p.CheckIP(ctx, ip)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		if merged.Country == UnknownCountry && rep.Country != "" {
			merged.Country = rep.Country
		}
		merged.Malicious = merged.Malicious || rep.Malicious
		merged.PulseCount += rep.PulseCount
		if rep.CheckedAt.After(merged.CheckedAt) {
			merged.CheckedAt = rep.CheckedAt
		}
	}
	return merged, nil
}

// HealthCheck reports every unhealthy provider.
func (c *Chain) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, p := range c.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// RateLimit returns the most constrained provider's status.
func (c *Chain) RateLimit() RateLimitStatus {
	var out RateLimitStatus
	for i, p := range c.providers {
		rl := p.RateLimit()
		if i == 0 || rl.Remaining < out.Remaining {
			out = rl
		}
	}
	return out
}
