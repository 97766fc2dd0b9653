// Package pricing defines per-model token pricing used for cost estimation.
package pricing

import "github.com/forgeops/agentd/internal/domain/run"

// ModelPricing holds the per-million-token rates for one provider/model pair.
type ModelPricing struct {
	Provider           string  `json:"provider"`
	Model              string  `json:"model"`
	InputPerMTok       float64 `json:"input_per_mtok"`
	OutputPerMTok      float64 `json:"output_per_mtok"`
	CachedInputPerMTok float64 `json:"cached_input_per_mtok"`
	Version            string  `json:"version"`
}

// Estimate computes the USD cost of the given usage under this pricing.
// Cached input tokens are billed at the cached rate instead of the full
// input rate when one is configured.
func (p ModelPricing) Estimate(u run.Usage) float64 {
	const mtok = 1_000_000
	billedInput := u.InputTokens
	var cachedCost float64
	if p.CachedInputPerMTok > 0 && u.CachedInputTokens > 0 {
		if u.CachedInputTokens < billedInput {
			billedInput -= u.CachedInputTokens
		} else {
			billedInput = 0
		}
		cachedCost = float64(u.CachedInputTokens) / mtok * p.CachedInputPerMTok
	}
	return float64(billedInput)/mtok*p.InputPerMTok +
		float64(u.OutputTokens)/mtok*p.OutputPerMTok +
		cachedCost
}
