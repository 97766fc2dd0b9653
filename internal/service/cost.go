package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/forgeops/agentd/internal/adapter/ristretto"
	"github.com/forgeops/agentd/internal/domain"
	"github.com/forgeops/agentd/internal/domain/pricing"
	"github.com/forgeops/agentd/internal/domain/run"
	"github.com/forgeops/agentd/internal/port/database"
)

// CostEstimator prices token usage against the model_pricing table,
// caching rows in-process so every completed run does not hit Postgres.
type CostEstimator struct {
	store database.Store
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCostEstimator creates a CostEstimator. cache may be nil to disable
// caching.
func NewCostEstimator(store database.Store, cache *ristretto.Cache, ttl time.Duration) *CostEstimator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CostEstimator{store: store, cache: cache, ttl: ttl}
}

// Estimate returns the estimated USD cost of the usage and the pricing
// version it was computed with. Missing pricing or usage yields zero cost
// with an empty version; estimation never fails a run.
func (c *CostEstimator) Estimate(ctx context.Context, provider, model string, u *run.Usage) (float64, string) {
	if u == nil || provider == "" || model == "" {
		return 0, ""
	}

	p, err := c.lookup(ctx, provider, model)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("pricing lookup failed", "provider", provider, "model", model, "error", err)
		}
		return 0, ""
	}
	return p.Estimate(*u), p.Version
}

func (c *CostEstimator) lookup(ctx context.Context, provider, model string) (*pricing.ModelPricing, error) {
	key := "pricing:" + provider + "/" + model

	if c.cache != nil {
		if data, ok, _ := c.cache.Get(ctx, key); ok {
			var p pricing.ModelPricing
			if err := json.Unmarshal(data, &p); err == nil {
				return &p, nil
			}
		}
	}

	p, err := c.store.GetModelPricing(ctx, provider, model)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			_ = c.cache.Set(ctx, key, data, c.ttl)
		}
	}
	return p, nil
}
