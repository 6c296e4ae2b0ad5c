package router

import (
	"fmt"
	"strings"

	"github.com/agentoven/toolgate/pkg/models"
)

// Selection is the result of matching a request against the capability
// matrix.
type Selection struct {
	Provider models.ProviderCapabilities
	Degraded []models.Feature // optional features the provider lacks
	Warnings []string
}

// requestedFeatures merges the tool's static needs with the request flags,
// in models.AllFeatures order.
func requestedFeatures(tool models.ToolRequirements, f models.RequestFeatures) []models.Feature {
	want := map[models.Feature]bool{
		models.FeatureWebSearch:   tool.NeedsWebSearch || f.WebSearch,
		models.FeatureVision:      tool.NeedsVision || f.Images,
		models.FeatureThinking:    tool.NeedsReasoning || f.Thinking,
		models.FeatureToolCalling: tool.NeedsToolCalling || f.ToolCalling,
		models.FeatureFileUpload:  tool.NeedsFileUpload || f.Files,
		models.FeatureStreaming:   tool.NeedsStreaming || f.Streaming,
	}
	var out []models.Feature
	for _, feat := range models.AllFeatures {
		if want[feat] {
			out = append(out, feat)
		}
	}
	return out
}

// ResolveProviderForFeatures picks the first provider, in the order given,
// that satisfies every hard requirement of the request, has a large enough
// context window and is not down. Web search is always a hard requirement.
// Optional features the chosen provider lacks become warnings.
//
// This is the only place capability matching happens; every routing path
// calls it.
func ResolveProviderForFeatures(tool models.ToolRequirements, f models.RequestFeatures, providers []models.ProviderCapabilities) (Selection, error) {
	requested := requestedFeatures(tool, f)
	var hard, soft []models.Feature
	for _, feat := range requested {
		if tool.IsOptional(feat) {
			soft = append(soft, feat)
		} else {
			hard = append(hard, feat)
		}
	}

	var unavailable []string
	for _, p := range providers {
		if !supportsAll(p, hard) {
			continue
		}
		if p.MaxTokens < tool.MinTokens {
			unavailable = append(unavailable, fmt.Sprintf("%s: max_tokens %d < %d", p.Name, p.MaxTokens, tool.MinTokens))
			continue
		}
		if p.Health == models.HealthDown {
			unavailable = append(unavailable, p.Name+": down")
			continue
		}

		sel := Selection{Provider: p}
		for _, feat := range soft {
			if !p.Supports(feat) {
				sel.Degraded = append(sel.Degraded, feat)
				sel.Warnings = append(sel.Warnings, fmt.Sprintf("%s does not support %s; continuing without it", p.Name, feat))
			}
		}
		return sel, nil
	}

	err := &models.CapabilityError{Tool: tool.ToolName, Missing: hard}
	if len(unavailable) > 0 {
		err.Reason = models.ReasonProvidersUnavailable
		err.Detail = strings.Join(unavailable, "; ")
	} else {
		err.Reason = models.ReasonNoProviderSupports
		err.Missing = unsupported(hard, providers)
	}
	return Selection{}, err
}

func supportsAll(p models.ProviderCapabilities, feats []models.Feature) bool {
	for _, feat := range feats {
		if !p.Supports(feat) {
			return false
		}
	}
	return true
}

// unsupported narrows the reported features to those no provider offers.
// When each feature exists somewhere but never together, all are reported.
func unsupported(hard []models.Feature, providers []models.ProviderCapabilities) []models.Feature {
	var missing []models.Feature
	for _, feat := range hard {
		found := false
		for _, p := range providers {
			if p.Supports(feat) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, feat)
		}
	}
	if len(missing) == 0 {
		return hard
	}
	return missing
}

// DeriveExecutionPath picks the strategy used to fulfil a request on
// provider p. Precedence: vision, thinking, streaming, tool calling, file
// upload, standard. A feature only selects its path when p supports it, so
// a soft-degraded feature never chooses the path.
func DeriveExecutionPath(tool models.ToolRequirements, f models.RequestFeatures, p models.ProviderCapabilities) models.ExecutionPath {
	if !tool.RequiresModel {
		return models.PathDirect
	}
	switch {
	case (f.Images || tool.NeedsVision) && p.Vision:
		return models.PathVision
	case (f.Thinking || tool.NeedsReasoning) && p.ThinkingMode:
		return models.PathThinking
	case (f.Streaming || tool.NeedsStreaming) && p.Streaming:
		return models.PathStreaming
	case (f.ToolCalling || tool.NeedsToolCalling) && p.ToolCalling:
		return models.PathToolCalling
	case (f.Files || tool.NeedsFileUpload) && p.FileUploads:
		return models.PathFileUpload
	}
	return models.PathStandard
}
