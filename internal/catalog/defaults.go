package catalog

import (
	"github.com/agentoven/toolgate/pkg/models"
)

// ── Built-in Defaults ───────────────────────────────────────

// BuiltinSnapshot returns the registry the gateway ships with. A registry file
// may override any section of it.
func BuiltinSnapshot() *Snapshot {
	providers := []models.ProviderCapabilities{
		{Name: "openai", Streaming: true, ThinkingMode: true, Vision: true, ToolCalling: true, FileUploads: true,
			MaxTokens: 200000, Models: []string{"o3", "o4-mini", "gpt-4.1", "gpt-4o", "gpt-4o-mini"}},
		{Name: "gemini", Streaming: true, ThinkingMode: true, Vision: true, ToolCalling: true, FileUploads: true, WebSearch: true,
			MaxTokens: 1048576, Models: []string{"gemini-2.5-pro", "gemini-2.5-flash"}},
		{Name: "xai", Streaming: true, ThinkingMode: true, Vision: true, ToolCalling: true, WebSearch: true,
			MaxTokens: 256000, Models: []string{"grok-4", "grok-3-mini"}},
		{Name: "openrouter", Streaming: true, Vision: true, ToolCalling: true,
			MaxTokens: 200000, Models: []string{"claude-sonnet-4", "llama-3.3-70b"}},
		{Name: "ollama", Streaming: true,
			MaxTokens: 32768, Models: []string{"llama3.2", "qwen2.5-coder"}},
	}

	soft := []models.Feature{models.FeatureThinking, models.FeatureStreaming}
	tools := []models.ToolRequirements{
		{ToolName: "chat", Description: "General conversation and brainstorming",
			RequiresModel: true, MinTokens: 8000, Category: models.CategoryFastResponse, Optional: soft,
			ArgumentSchema: map[string]any{
				"type":     "object",
				"required": []any{"prompt"},
				"properties": map[string]any{
					"prompt":         map[string]any{"type": "string", "minLength": 1},
					"use_web_search": map[string]any{"type": "boolean"},
				},
			}},
		{ToolName: "thinkdeep", Description: "Extended reasoning over a problem",
			RequiresModel: true, NeedsReasoning: true, MinTokens: 32000, Category: models.CategoryExtendedReasoning,
			Optional: []models.Feature{models.FeatureStreaming}},
		{ToolName: "analyze", Description: "Code and architecture analysis",
			RequiresModel: true, NeedsFileUpload: true, MinTokens: 64000, Category: models.CategoryBalanced, Optional: soft},
		{ToolName: "codereview", Description: "Structured code review",
			RequiresModel: true, NeedsFileUpload: true, MinTokens: 64000, Category: models.CategoryBalanced, Optional: soft},
		{ToolName: "debug", Description: "Root cause investigation",
			RequiresModel: true, NeedsReasoning: true, MinTokens: 32000, Category: models.CategoryExtendedReasoning, Optional: soft},
		{ToolName: "planner", Description: "Step-by-step planning",
			RequiresModel: true, MinTokens: 16000, Category: models.CategoryBalanced, Optional: soft},
		{ToolName: "consensus", Description: "Multi-model consensus",
			RequiresModel: true, NeedsToolCalling: true, MinTokens: 32000, Category: models.CategoryExtendedReasoning, Optional: soft},
		{ToolName: "precommit", Description: "Pre-commit validation",
			RequiresModel: true, NeedsFileUpload: true, MinTokens: 64000, Category: models.CategoryBalanced, Optional: soft},
		{ToolName: "websearch", Description: "Research with live web results",
			RequiresModel: true, NeedsWebSearch: true, MinTokens: 8000, Category: models.CategoryFastResponse, Optional: soft},
		{ToolName: "status", Description: "Gateway status", RequiresModel: false},
		{ToolName: "listmodels", Description: "List available models", RequiresModel: false},
		{ToolName: "version", Description: "Gateway version", RequiresModel: false},
	}

	snap := &Snapshot{
		Tools:     make(map[string]models.ToolRequirements, len(tools)),
		Providers: make(map[string]models.ProviderCapabilities, len(providers)),
		Priority:  []string{"openai", "gemini", "xai", "openrouter", "ollama"},
		Chains: map[models.Category][]string{
			models.CategoryFastResponse:      {"gemini-2.5-flash", "gpt-4o-mini", "grok-3-mini", "llama3.2"},
			models.CategoryExtendedReasoning: {"gemini-2.5-pro", "o3", "grok-4"},
			models.CategoryBalanced:          {"gpt-4.1", "gemini-2.5-flash", "claude-sonnet-4", "qwen2.5-coder"},
		},
	}
	for _, p := range providers {
		snap.Providers[p.Name] = p
	}
	for _, t := range tools {
		snap.Tools[t.ToolName] = t
	}
	return snap
}
