package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"stxlend/native/lending"
	"stxlend/observability"
)

const (
	tierRecent    = "recent"
	tierPrimary   = "primary"
	tierSecondary = "secondary"
	tierCache     = "cache"
)

// Manager resolves collateral prices through the fallback chain primary,
// secondary, last cached sample. It satisfies lending.PriceOracle.
type Manager struct {
	logger    *slog.Logger
	store     *Store
	primary   Source
	secondary Source
	assets    []string
	interval  time.Duration
	timeout   time.Duration
	maxAge    time.Duration
	height    func() uint64
	now       func() time.Time
	metrics   *observability.OracleMetrics
	once      sync.Once

	mu     sync.RWMutex
	latest map[string]Sample
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHeight supplies the pool block height used to stamp quotes.
func WithHeight(height func() uint64) Option {
	return func(m *Manager) {
		if height != nil {
			m.height = height
		}
	}
}

// WithInterval sets the polling interval. Quotes younger than one interval
// are served without contacting the sources again.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTimeout bounds each upstream request.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxAge rejects upstream quotes observed longer than d ago.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics records source health into the supplied registry.
func WithMetrics(metrics *observability.OracleMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// New constructs a manager. secondary and store may be nil; at least one
// source is required.
func New(primary, secondary Source, store *Store, assets []string, opts ...Option) (*Manager, error) {
	if primary == nil {
		if secondary == nil {
			return nil, fmt.Errorf("at least one source required")
		}
		primary, secondary = secondary, nil
	}
	normalized := make([]string, 0, len(assets))
	for _, asset := range assets {
		if symbol := normaliseSymbol(asset); symbol != "" {
			normalized = append(normalized, symbol)
		}
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("at least one asset required")
	}
	mgr := &Manager{
		logger:    slog.Default(),
		store:     store,
		primary:   primary,
		secondary: secondary,
		assets:    normalized,
		interval:  30 * time.Second,
		timeout:   5 * time.Second,
		maxAge:    5 * time.Minute,
		height:    func() uint64 { return 0 },
		now:       time.Now,
		latest:    make(map[string]Sample),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically refreshing prices until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.String("primary", m.primary.Name()), slog.Int("assets", len(m.assets)))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick refreshes every configured asset once.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var failed []string
	for _, asset := range m.assets {
		if _, _, err := m.fetchLive(ctx, asset); err != nil {
			failed = append(failed, asset)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("no live price for %s", strings.Join(failed, ","))
	}
	return nil
}

// Price implements lending.PriceOracle.
func (m *Manager) Price(asset string) (lending.PriceQuote, error) {
	if m == nil {
		return lending.PriceQuote{}, fmt.Errorf("%w: oracle not configured", lending.ErrOracleFailure)
	}
	symbol := normaliseSymbol(asset)
	if sample, ok := m.recent(symbol); ok {
		return m.resolve(symbol, tierRecent, sample), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.timeout)
	defer cancel()
	sample, tier, err := m.fetchLive(ctx, symbol)
	if err == nil {
		return m.resolve(symbol, tier, sample), nil
	}
	cached, cacheErr := m.cached(ctx, symbol)
	if cacheErr == nil {
		m.logger.Warn("serving cached price", slog.String("asset", symbol), slog.Uint64("height", cached.Height), slog.Any("error", err))
		return m.resolve(symbol, tierCache, cached), nil
	}
	return lending.PriceQuote{}, fmt.Errorf("%w: %s: live sources failed (%v); cache: %v", lending.ErrOracleFailure, symbol, err, cacheErr)
}

// Latest returns the most recent accepted sample without contacting any
// source.
func (m *Manager) Latest(asset string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.latest[normaliseSymbol(asset)]
	return sample, ok
}

func (m *Manager) resolve(asset, tier string, sample Sample) lending.PriceQuote {
	m.metrics.RecordResolved(asset, tier)
	return lending.PriceQuote{Price: new(big.Int).Set(sample.Price), Block: sample.Height, Source: sample.Source}
}

func (m *Manager) recent(asset string) (Sample, bool) {
	sample, ok := m.Latest(asset)
	if !ok {
		return Sample{}, false
	}
	if m.now().Sub(sample.RecordedAt) >= m.interval {
		return Sample{}, false
	}
	return sample, true
}

func (m *Manager) cached(ctx context.Context, asset string) (Sample, error) {
	if sample, ok := m.Latest(asset); ok {
		return sample, nil
	}
	if m.store == nil {
		return Sample{}, ErrNoSample
	}
	sample, err := m.store.Latest(ctx, asset)
	if err != nil {
		return Sample{}, err
	}
	m.remember(sample)
	return sample, nil
}

func (m *Manager) fetchLive(ctx context.Context, asset string) (Sample, string, error) {
	sample, err := m.fetchFrom(ctx, m.primary, asset)
	if err == nil {
		return sample, tierPrimary, nil
	}
	errs := []error{err}
	if m.secondary != nil {
		sample, err = m.fetchFrom(ctx, m.secondary, asset)
		if err == nil {
			return sample, tierSecondary, nil
		}
		errs = append(errs, err)
	}
	return Sample{}, "", errors.Join(errs...)
}

func (m *Manager) fetchFrom(ctx context.Context, src Source, asset string) (Sample, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	quote, err := src.Fetch(reqCtx, asset)
	if err == nil {
		err = m.validate(quote)
	}
	if err != nil {
		m.metrics.RecordFailure(src.Name())
		m.logger.Warn("oracle source failed", slog.String("source", src.Name()), slog.String("asset", asset), slog.Any("error", err))
		return Sample{}, fmt.Errorf("%s: %w", src.Name(), err)
	}
	now := m.now()
	if quote.Asset == "" {
		quote.Asset = asset
	}
	if quote.Source == "" {
		quote.Source = src.Name()
	}
	sample := Sample{Quote: quote, Height: m.height(), RecordedAt: now}
	if m.store != nil {
		if err := m.store.RecordSample(ctx, quote, sample.Height, now); err != nil {
			m.logger.Warn("oracle cache write failed", slog.String("asset", asset), slog.Any("error", err))
		}
	}
	m.remember(sample)
	m.metrics.RecordPrice(asset, quote.Source, quote.Price, now.Sub(quote.ObservedAt))
	return sample, nil
}

func (m *Manager) validate(q Quote) error {
	if q.Price == nil || q.Price.Sign() <= 0 {
		return fmt.Errorf("invalid price")
	}
	now := m.now()
	if q.ObservedAt.After(now.Add(5 * time.Second)) {
		return fmt.Errorf("quote from the future")
	}
	if m.maxAge > 0 && q.ObservedAt.Before(now.Add(-m.maxAge)) {
		return fmt.Errorf("quote expired")
	}
	return nil
}

func (m *Manager) remember(sample Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.latest[sample.Asset]; ok && prev.RecordedAt.After(sample.RecordedAt) {
		return
	}
	m.latest[sample.Asset] = sample
}
