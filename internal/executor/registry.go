// Package executor maps tool names to the executors that implement them.
//
// Direct tools (status, version, listmodels) are answered in-process from
// the catalog. Model-backed tools are normally forwarded to an upstream MCP
// server through MCPExecutor, registered as the default executor.
package executor

import (
	"sort"
	"sync"

	"github.com/agentoven/toolgate/pkg/contracts"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/rs/zerolog/log"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byTool   map[string]contracts.ToolExecutor
	fallback contracts.ToolExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTool: make(map[string]contracts.ToolExecutor)}
}

// Register adds or replaces the executor for a tool.
func (r *Registry) Register(tool string, e contracts.ToolExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTool[tool] = e
	log.Debug().Str("tool", tool).Msg("Tool executor registered")
}

// SetDefault sets the executor used for tools with no specific executor.
func (r *Registry) SetDefault(e contracts.ToolExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// Lookup returns the executor for tool.
func (r *Registry) Lookup(tool string) (contracts.ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byTool[tool]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, &models.ErrNotFound{Entity: "executor", Key: tool}
}

// Tools lists tools with a specific executor, sorted.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTool))
	for t := range r.byTool {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasDefault reports whether a default executor is set.
func (r *Registry) HasDefault() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback != nil
}
