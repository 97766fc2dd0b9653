package service

import (
	"fmt"
	"os"

	"github.com/forgeops/agentd/internal/config"
)

// Model source labels recorded in the model_resolved event.
const (
	ModelSourceRequest = "request"
	ModelSourceEnv     = "env"
	ModelSourceDefault = "default"
)

// Env knobs honored by the selector between the request and the
// configured default.
const (
	envProvider = "AGENT_PROVIDER"
	envModel    = "AGENT_MODEL"
)

// ModelSelector resolves which provider/model an attempt runs with.
// Precedence: request > environment > configured default. An empty
// resolution is a hard error so runs never start against an unknown
// model.
type ModelSelector struct {
	cfg config.Agent
	// lookupEnv is swapped in tests.
	lookupEnv func(string) (string, bool)
}

// NewModelSelector creates a selector over the given agent config.
func NewModelSelector(cfg config.Agent) *ModelSelector {
	return &ModelSelector{cfg: cfg, lookupEnv: os.LookupEnv}
}

// Resolve picks the provider and model for a run. Provider and model
// resolve independently but the reported source is the model's.
func (m *ModelSelector) Resolve(provider, model string) (string, string, string, error) {
	source := ModelSourceRequest

	if model == "" {
		if v, ok := m.lookupEnv(envModel); ok && v != "" {
			model = v
			source = ModelSourceEnv
		} else if m.cfg.DefaultModel != "" {
			model = m.cfg.DefaultModel
			source = ModelSourceDefault
		}
	}
	if provider == "" {
		if v, ok := m.lookupEnv(envProvider); ok && v != "" {
			provider = v
		} else {
			provider = m.cfg.DefaultProvider
		}
	}

	if provider == "" || model == "" {
		return "", "", "", fmt.Errorf("no model configured: set provider/model on the request, %s/%s, or agent defaults", envProvider, envModel)
	}
	return provider, model, source, nil
}
