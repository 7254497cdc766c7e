package enrichment

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/observability"
)

// ReputationService answers reputation lookups from cache, then from the
// configured provider. Non-routable addresses never leave the process.
type ReputationService struct {
	provider Provider
	cache    Cache
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// ServiceOption configures a ReputationService.
type ServiceOption func(*ReputationService)

// WithCache replaces the default in-process cache.
func WithCache(c Cache) ServiceOption {
	return func(s *ReputationService) { s.cache = c }
}

// WithMetrics records lookups by source.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *ReputationService) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *ReputationService) { s.now = now }
}

// NewReputationService creates a service. provider may be nil, in which
// case public addresses are reported with an unknown country.
func NewReputationService(provider Provider, logger *zap.Logger, opts ...ServiceOption) *ReputationService {
	s := &ReputationService{
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewMemoryCache(time.Hour)
	}
	return s
}

// Lookup returns the reputation of ip. On a provider failure the returned
// reputation is the unknown verdict together with the error.
func (s *ReputationService) Lookup(ctx context.Context, ip string) (Reputation, error) {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return s.unknown(ip), fmt.Errorf("%w: %q", ErrUnsupportedIndicator, ip)
	}

	if isPrivate(addr) {
		s.record(SourcePrivate)
		return Reputation{
			IP:        ip,
			Country:   PrivateCountry,
			Source:    SourcePrivate,
			CheckedAt: s.now(),
		}, nil
	}

	if cached, ok, err := s.cache.Get(ctx, ip); err != nil {
		s.logger.Warn("Reputation cache read failed", zap.String("ip", ip), zap.Error(err))
	} else if ok {
		s.record(SourceCache)
		return *cached, nil
	}

	if s.provider == nil {
		s.record(SourceNone)
		return s.unknown(ip), nil
	}

	rep, err := s.provider.CheckIP(ctx, ip)
	if err != nil {
		s.record("error")
		return s.unknown(ip), fmt.Errorf("%s lookup for %s: %w", s.provider.Name(), ip, err)
	}
	s.record(SourceProvider)

	if err := s.cache.Set(ctx, ip, rep); err != nil {
		s.logger.Warn("Reputation cache write failed", zap.String("ip", ip), zap.Error(err))
	}

	if rep.Malicious {
		s.logger.Info("Malicious IP detected",
			zap.String("ip", ip),
			zap.String("provider", s.provider.Name()),
			zap.Int("pulses", rep.PulseCount),
		)
	}
	return *rep, nil
}

func (s *ReputationService) unknown(ip string) Reputation {
	return Reputation{
		IP:        ip,
		Country:   UnknownCountry,
		Source:    SourceNone,
		CheckedAt: s.now(),
	}
}

func (s *ReputationService) record(source string) {
	if s.metrics != nil {
		s.metrics.ReputationLookups.WithLabelValues(source).Inc()
	}
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		addr.IsMulticast()
}
