package enrichment

// MISP (Malware Information Sharing Platform) is an open-source threat
// intelligence platform; an IP present in its attributes is treated as
// malicious.

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// mispIPTypes are the attribute types searched for an address.
const mispIPTypes = "ip-src|ip-dst"

// MISPProvider implements Provider for a MISP instance.
type MISPProvider struct {
	config     MISPConfig
	apiKey     string
	httpClient *retryablehttp.Client
	rateLimit  RateLimitStatus
	mu         sync.RWMutex
	now        func() time.Time
}

// MISPConfig holds MISP-specific configuration.
type MISPConfig struct {
	ProviderConfig `yaml:",inline"`
	VerifySSL      bool  `yaml:"verify_ssl"`
	PublishedOnly  bool  `yaml:"published_only"`
	ThreatLevels   []int `yaml:"threat_levels"` // 1=High, 2=Medium, 3=Low, 4=Undefined
}

// DefaultMISPConfig returns sensible defaults for MISP.
func DefaultMISPConfig() MISPConfig {
	cfg := DefaultProviderConfig()
	cfg.APIKeyEnv = "MISP_API_KEY"
	return MISPConfig{
		ProviderConfig: cfg,
		VerifySSL:      true,
		PublishedOnly:  true,
		ThreatLevels:   []int{1, 2, 3}, // exclude undefined
	}
}

// NewMISPProvider creates a new MISP provider. The API key is read from
// the environment variable named by config.APIKeyEnv.
func NewMISPProvider(config MISPConfig) (*MISPProvider, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		return nil, errors.New("MISP base URL is required")
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
	if !config.VerifySSL {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		client.HTTPClient.Transport = tr
	}

	return &MISPProvider{
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
func (p *MISPProvider) Name() string {
	return "misp"
}

// HealthCheck verifies connectivity to MISP.
func (p *MISPProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MISP health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.New("MISP authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP returned status %d", resp.StatusCode)
	}
	return nil
}

// RateLimit returns current rate limit status. MISP sends no rate limit
// headers, so this reflects the configured budget.
func (p *MISPProvider) RateLimit() RateLimitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLimit
}

// CheckIP searches the ip-src and ip-dst attributes for ip. Attributes
// whose event threat level is outside the configured levels are ignored.
// MISP knows nothing about geography, so the country is always unknown.
func (p *MISPProvider) CheckIP(ctx context.Context, ip string) (*Reputation, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedIndicator, ip)
	}

	body, err := json.Marshal(MISPAttributeSearchRequest{
		Value:     addr.Unmap().String(),
		Type:      mispIPTypes,
		Published: p.config.PublishedOnly,
	})
	if err != nil {
		return nil, err
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/attributes/restSearch", body)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MISP search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("MISP returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var searchResp MISPAttributeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode MISP response: %w", err)
	}

	var hits int
	for _, attr := range searchResp.Response.Attribute {
		if p.levelIncluded(attr.Event.ThreatLevelID) {
			hits++
		}
	}

	return &Reputation{
		IP:         ip,
		Country:    UnknownCountry,
		Malicious:  hits > 0,
		PulseCount: hits,
		Source:     p.Name(),
		CheckedAt:  p.now(),
	}, nil
}

func (p *MISPProvider) levelIncluded(level string) bool {
	if len(p.config.ThreatLevels) == 0 {
		return true
	}
	n, err := strconv.Atoi(level)
	if err != nil {
		n = 4 // undefined
	}
	return slices.Contains(p.config.ThreatLevels, n)
}

// newRequest creates an authenticated MISP API request.
func (p *MISPProvider) newRequest(ctx context.Context, method, path string, body []byte) (*retryablehttp.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// MISP API types

// MISPAttributeSearchRequest is the MISP attribute search request.
type MISPAttributeSearchRequest struct {
	Value     string `json:"value,omitempty"`
	Type      string `json:"type,omitempty"`
	Published bool   `json:"published,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// MISPAttributeSearchResponse is the MISP attribute search response.
type MISPAttributeSearchResponse struct {
	Response struct {
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"response"`
}

// MISPAttribute represents a MISP attribute.
type MISPAttribute struct {
	ID       string    `json:"id"`
	UUID     string    `json:"uuid"`
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Category string    `json:"category"`
	Value    string    `json:"value"`
	ToIDS    bool      `json:"to_ids"`
	Event    MISPEvent `json:"Event,omitempty"`
}

// MISPEvent represents minimal MISP event info.
type MISPEvent struct {
	ID            string `json:"id"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
	Published     bool   `json:"published"`
}
