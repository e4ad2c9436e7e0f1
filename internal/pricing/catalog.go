// Package pricing maintains the model price catalog used for per-call
// cost attribution and exposes the gateway credit balance.
package pricing

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// Fetcher retrieves pricing data from the gateway. The transport layer
// implements it.
type Fetcher interface {
	FetchModelPrices(ctx context.Context) ([]models.ModelPrice, error)
	FetchCreditBalance(ctx context.Context) (*models.CreditBalance, error)
}

// DefaultRefreshInterval is how often the catalog refetches prices when
// cost tracking is enabled and no interval is configured.
const DefaultRefreshInterval = 6 * time.Hour

// Catalog caches model prices and computes call costs. Prices come from
// an initial seed, the gateway's model listing, or both; a background
// refresh keeps them current.
type Catalog struct {
	fetcher Fetcher
	logger  *observability.Logger

	refreshInterval time.Duration

	mu     sync.RWMutex
	prices map[string]models.ModelPrice

	stopCh chan struct{}
	once   sync.Once
}

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	Fetcher Fetcher

	// InitialPrices seed the catalog before the first fetch. They are
	// kept until a refresh replaces them.
	InitialPrices []models.ModelPrice

	// RefreshInterval between background fetches. Zero means
	// DefaultRefreshInterval; negative disables the background refresh.
	RefreshInterval time.Duration

	Logger *observability.Logger
}

// NewCatalog builds a price catalog. The background refresh runs only
// when a fetcher is available and the interval is not negative. Without
// seed prices the first fetch happens immediately rather than waiting a
// full interval, so costs are attributable from the first call.
func NewCatalog(cfg CatalogConfig) *Catalog {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	interval := cfg.RefreshInterval
	if interval == 0 {
		interval = DefaultRefreshInterval
	}
	c := &Catalog{
		fetcher:         cfg.Fetcher,
		logger:          logger,
		refreshInterval: interval,
		prices:          map[string]models.ModelPrice{},
		stopCh:          make(chan struct{}),
	}
	for _, p := range cfg.InitialPrices {
		c.prices[p.ID] = p
	}
	if c.fetcher != nil && interval > 0 {
		go c.refreshLoop(len(cfg.InitialPrices) == 0)
	}
	return c
}

func (c *Catalog) refreshLoop(primeFirst bool) {
	if primeFirst {
		c.refreshOnce()
	}
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refreshOnce()
		}
	}
}

func (c *Catalog) refreshOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("model price refresh failed", "error", err)
	}
}

// Refresh fetches the price list and replaces the catalog contents. On
// failure the previous prices stay in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.fetcher == nil {
		return nil
	}
	prices, err := c.fetcher.FetchModelPrices(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]models.ModelPrice, len(prices))
	for _, p := range prices {
		next[p.ID] = p
	}
	c.mu.Lock()
	c.prices = next
	c.mu.Unlock()
	c.logger.Debug("model prices refreshed", "models", len(next))
	return nil
}

// Prices returns a copy of the current catalog.
func (c *Catalog) Prices() []models.ModelPrice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ModelPrice, 0, len(c.prices))
	for _, p := range c.prices {
		out = append(out, p)
	}
	return out
}

// Price looks up one model's pricing.
func (c *Catalog) Price(model string) (models.ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[model]
	return p, ok
}

// ComputeCost prices a usage record against the model's catalog entry,
// rounded to 8 decimal places. Unknown models yield nil rather than a
// guessed zero.
func (c *Catalog) ComputeCost(model string, usage *models.Usage) *float64 {
	if usage == nil {
		return nil
	}
	p, ok := c.Price(model)
	if !ok {
		return nil
	}
	cost := float64(usage.PromptTokens)/1e6*p.PromptCostPerMillion +
		float64(usage.CompletionTokens)/1e6*p.CompletionCostPerMillion
	cost = math.Round(cost*1e8) / 1e8
	return &cost
}

// CreditBalance fetches the current gateway account balance.
func (c *Catalog) CreditBalance(ctx context.Context) (*models.CreditBalance, error) {
	if c.fetcher == nil {
		return nil, nil
	}
	return c.fetcher.FetchCreditBalance(ctx)
}

// Close stops the background refresh. Idempotent.
func (c *Catalog) Close() {
	c.once.Do(func() { close(c.stopCh) })
}
