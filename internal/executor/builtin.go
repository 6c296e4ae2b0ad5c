package executor

import (
	"context"
	"encoding/json"

	"github.com/agentoven/toolgate/pkg/contracts"
	"github.com/agentoven/toolgate/pkg/models"
)

// Inventory is the catalog view the built-in tools report on.
type Inventory interface {
	ListTools() []models.ToolRequirements
	ListProviders() []models.ProviderCapabilities
}

// StatusFunc contributes runtime state to the status tool.
type StatusFunc func(ctx context.Context) map[string]any

type providerModels struct {
	Provider string              `json:"provider"`
	Health   models.HealthStatus `json:"health"`
	Models   []string            `json:"models"`
}

// RegisterBuiltins registers the direct tools: version, listmodels and
// status.
func RegisterBuiltins(r *Registry, inv Inventory, version string, status StatusFunc) {
	r.Register("version", contracts.ToolExecutorFunc(func(context.Context, *contracts.ToolCall) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"name": "toolgate", "version": version})
	}))

	r.Register("listmodels", contracts.ToolExecutorFunc(func(context.Context, *contracts.ToolCall) (json.RawMessage, error) {
		var out []providerModels
		for _, p := range inv.ListProviders() {
			out = append(out, providerModels{Provider: p.Name, Health: p.Health, Models: p.Models})
		}
		return json.Marshal(map[string]any{"providers": out})
	}))

	r.Register("status", contracts.ToolExecutorFunc(func(ctx context.Context, _ *contracts.ToolCall) (json.RawMessage, error) {
		health := make(map[string]models.HealthStatus)
		available := 0
		for _, p := range inv.ListProviders() {
			health[p.Name] = p.Health
			if p.Health != models.HealthDown {
				available++
			}
		}
		res := map[string]any{
			"version":             version,
			"tools":               len(inv.ListTools()),
			"providers":           health,
			"providers_available": available,
		}
		if status != nil {
			for k, v := range status(ctx) {
				res[k] = v
			}
		}
		return json.Marshal(res)
	}))
}
