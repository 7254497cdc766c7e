package enrichment

// AlienVault OTX (Open Threat Exchange) is a free threat intelligence
// community; an IP referenced by any pulse is treated as malicious.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const otxDefaultBaseURL = "https://otx.alienvault.com/api/v1"

// OTXProvider implements Provider for AlienVault OTX.
type OTXProvider struct {
	config     ProviderConfig
	apiKey     string
	httpClient *retryablehttp.Client
	rateLimit  RateLimitStatus
	mu         sync.RWMutex
	now        func() time.Time
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() ProviderConfig {
	cfg := DefaultProviderConfig()
	cfg.APIKeyEnv = "OTX_API_KEY"
	cfg.BaseURL = otxDefaultBaseURL
	return cfg
}

// NewOTXProvider creates a new OTX provider. The API key is read from the
// environment variable named by config.APIKeyEnv.
func NewOTXProvider(config ProviderConfig) (*OTXProvider, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKeyEnv)
	}

	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryCount
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = config.Timeout
	client.Logger = nil

	return &OTXProvider{
		config:     config,
		apiKey:     apiKey,
		httpClient: client,
		rateLimit: RateLimitStatus{
			Remaining: config.RateLimit,
			Limit:     config.RateLimit,
			ResetAt:   time.Now().Add(time.Minute),
		},
		now: time.Now,
	}, nil
}

// Name returns the provider identifier.
func (p *OTXProvider) Name() string {
	return "otx"
}

// HealthCheck verifies connectivity to OTX.
func (p *OTXProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	p.updateRateLimit(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}
	return nil
}

// RateLimit returns current rate limit status.
func (p *OTXProvider) RateLimit() RateLimitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLimit
}

// CheckIP looks up the general section for ip. An address OTX has never
// seen is reported as not malicious with an unknown country.
func (p *OTXProvider) CheckIP(ctx context.Context, ip string) (*Reputation, error) {
	path, err := buildIndicatorPath(ip)
	if err != nil {
		return nil, err
	}

	req, err := p.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, fmt.Errorf("creating check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OTX lookup failed: %w", err)
	}
	defer resp.Body.Close()

	p.updateRateLimit(resp)

	rep := &Reputation{
		IP:        ip,
		Country:   UnknownCountry,
		Source:    p.Name(),
		CheckedAt: p.now(),
	}

	// 404 means not found in OTX
	if resp.StatusCode == http.StatusNotFound {
		return rep, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("OTX returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var general OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return nil, fmt.Errorf("decoding OTX response: %w", err)
	}

	if general.CountryName != "" {
		rep.Country = general.CountryName
	} else if general.CountryCode != "" {
		rep.Country = general.CountryCode
	}
	rep.PulseCount = general.PulseInfo.Count
	rep.Malicious = general.PulseInfo.Count > 0
	return rep, nil
}

// buildIndicatorPath constructs the API path for an IP lookup.
func buildIndicatorPath(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedIndicator, ip)
	}

	kind := "IPv4"
	if addr.Is6() && !addr.Is4In6() {
		kind = "IPv6"
	}
	return fmt.Sprintf("/indicators/%s/%s/general", kind, url.PathEscape(addr.Unmap().String())), nil
}

// newRequest creates an authenticated OTX API request.
func (p *OTXProvider) newRequest(ctx context.Context, method, path string) (*retryablehttp.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + path

	req, err := retryablehttp.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-OTX-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "SentinelForge/1.0")
	return req, nil
}

// updateRateLimit updates rate limit from response headers.
func (p *OTXProvider) updateRateLimit(resp *http.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		p.rateLimit.Remaining = v
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		p.rateLimit.Limit = v
	}
	if v, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		p.rateLimit.ResetAt = time.Unix(v, 0)
	}
}

// OTX API Response Types

// OTXGeneralResponse is the response from /indicators/{type}/{value}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	ASN         string       `json:"asn,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
	CountryName string       `json:"country_name,omitempty"`
	City        string       `json:"city,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []OTXPulse `json:"pulses"`
}

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Adversary string   `json:"adversary,omitempty"`
}
