// Package router implements the capability router.
//
// Route turns a tool name and the shape of a request into a RouteDecision:
// a provider, a model and an execution path, or a typed error explaining why
// no provider can serve it. Hard requirements are never silently dropped;
// only features a tool marks optional degrade, and each one that does adds a
// warning to the decision.
//
// Resolution order:
//  1. Tools that need no model run DIRECT.
//  2. An explicit model or provider bypasses category selection but is still
//     checked against the tool's hard requirements.
//  3. With no feature constraints, the category fallback chain picks the model.
//  4. Otherwise the capability matrix is matched in provider priority order.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/toolgate/internal/catalog"
	"github.com/agentoven/toolgate/internal/metrics"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("toolgate/router")

// Registry is the read side of the catalog used for routing. A route loads
// one Snapshot and reads everything else through it.
type Registry interface {
	Snapshot() *catalog.Snapshot
	ProvidersOf(snap *catalog.Snapshot) []models.ProviderCapabilities
}

// CategoryResolver resolves auto-mode requests with no feature constraints.
type CategoryResolver interface {
	ResolveForCategory(ctx context.Context, cat models.Category) (models.CategorySelection, error)
}

// Router routes tool requests to providers.
type Router struct {
	reg      Registry
	fallback CategoryResolver
	now      func() time.Time
}

// New creates a router. fb may be nil, in which case auto-mode requests
// always go through capability matching.
func New(reg Registry, fb CategoryResolver) *Router {
	return &Router{reg: reg, fallback: fb, now: time.Now}
}

// Route resolves a request. On failure the returned decision carries the
// error text in Errors and err is the typed cause; callers must check err.
func (r *Router) Route(ctx context.Context, toolName string, f models.RequestFeatures) (*models.RouteDecision, error) {
	ctx, span := tracer.Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("toolgate.tool", toolName),
		attribute.String("toolgate.model", f.Model),
	)

	d, err := r.route(ctx, toolName, f)
	d.DecidedAt = r.now()
	if err != nil {
		d.Provider, d.Model, d.ExecutionPath = "", "", ""
		d.Errors = append(d.Errors, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "route failed")
		metrics.RouteDecisions.WithLabelValues(string(d.Resolution), outcome(err)).Inc()
		log.Warn().Err(err).Str("tool", toolName).Str("model", f.Model).Msg("Route rejected")
		return d, err
	}

	span.SetAttributes(
		attribute.String("toolgate.provider", d.Provider),
		attribute.String("toolgate.execution_path", string(d.ExecutionPath)),
		attribute.String("toolgate.resolution", string(d.Resolution)),
	)
	metrics.RouteDecisions.WithLabelValues(string(d.Resolution), "ok").Inc()
	if len(d.Warnings) > 0 {
		log.Warn().
			Str("tool", toolName).
			Str("provider", d.Provider).
			Strs("warnings", d.Warnings).
			Msg("⚠️ Route degraded optional features")
	} else {
		log.Debug().
			Str("tool", toolName).
			Str("provider", d.Provider).
			Str("model", d.Model).
			Str("path", string(d.ExecutionPath)).
			Msg("Route resolved")
	}
	return d, nil
}

func (r *Router) route(ctx context.Context, toolName string, f models.RequestFeatures) (*models.RouteDecision, error) {
	d := &models.RouteDecision{ToolName: toolName}

	snap := r.reg.Snapshot()
	tool, ok := snap.Tools[toolName]
	if !ok {
		return d, fmt.Errorf("%w: %s", models.ErrUnknownTool, toolName)
	}
	if !tool.RequiresModel {
		d.ExecutionPath = models.PathDirect
		d.Resolution = models.ResolvedDirect
		return d, nil
	}

	providers := r.reg.ProvidersOf(snap)
	cat := f.Category
	if cat == "" {
		cat = tool.Category
	}
	if cat == "" {
		cat = models.CategoryBalanced
	}
	d.Category = cat

	if !f.AutoMode() {
		d.Resolution = models.ResolvedExplicit
		return r.routeExplicit(d, tool, f, snap, providers)
	}

	if r.fallback != nil && len(requestedFeatures(tool, f)) == 0 {
		sel, err := r.fallback.ResolveForCategory(ctx, cat)
		if err != nil {
			d.Resolution = models.ResolvedCategory
			return d, err
		}
		// The chain knows nothing about context size; confirm the pick
		// still satisfies the tool before accepting it.
		if row, ok := providerRow(providers, sel.Provider); ok {
			if s, err := ResolveProviderForFeatures(tool, f, []models.ProviderCapabilities{row}); err == nil {
				d.Resolution = models.ResolvedCategory
				return r.accept(d, tool, f, s, sel.Model), nil
			}
		}
		log.Debug().
			Str("tool", tool.ToolName).
			Str("category", string(cat)).
			Str("provider", sel.Provider).
			Msg("Category pick rejected by tool requirements, matching capabilities")
	}

	d.Resolution = models.ResolvedFeatures
	s, err := ResolveProviderForFeatures(tool, f, providers)
	if err != nil {
		return d, err
	}
	return r.accept(d, tool, f, s, modelFor(snap, cat, s.Provider)), nil
}

func (r *Router) routeExplicit(d *models.RouteDecision, tool models.ToolRequirements, f models.RequestFeatures, snap *catalog.Snapshot, providers []models.ProviderCapabilities) (*models.RouteDecision, error) {
	providerName, model := "", ""
	if _, ok := snap.Providers[f.Model]; ok {
		providerName = f.Model
	} else if p, ok := snap.ProviderForModel(f.Model); ok {
		providerName, model = p, f.Model
	} else {
		return d, &models.ErrNotFound{Entity: "model", Key: f.Model}
	}

	row, ok := providerRow(providers, providerName)
	if !ok {
		return d, &models.ErrNotFound{Entity: "provider", Key: providerName}
	}
	s, err := ResolveProviderForFeatures(tool, f, []models.ProviderCapabilities{row})
	if err != nil {
		var ce *models.CapabilityError
		if errors.As(err, &ce) {
			ce.Provider = providerName
			if ce.Reason == models.ReasonNoProviderSupports {
				ce.Reason = models.ReasonProviderMismatch
			}
		}
		return d, err
	}
	if model == "" {
		model = modelFor(snap, d.Category, s.Provider)
	}
	return r.accept(d, tool, f, s, model), nil
}

func (r *Router) accept(d *models.RouteDecision, tool models.ToolRequirements, f models.RequestFeatures, s Selection, model string) *models.RouteDecision {
	d.Provider = s.Provider.Name
	d.Model = model
	d.ExecutionPath = DeriveExecutionPath(tool, f, s.Provider)
	d.Warnings = s.Warnings
	for _, feat := range s.Degraded {
		metrics.RouteWarnings.WithLabelValues(string(feat)).Inc()
	}
	return d
}

func providerRow(providers []models.ProviderCapabilities, name string) (models.ProviderCapabilities, bool) {
	for _, p := range providers {
		if p.Name == name {
			return p, true
		}
	}
	return models.ProviderCapabilities{}, false
}

// modelFor prefers the first model of the category chain served by provider,
// then the provider's first listed model.
func modelFor(snap *catalog.Snapshot, cat models.Category, p models.ProviderCapabilities) string {
	for _, m := range snap.Chains[cat] {
		if p.HasModel(m) {
			return m
		}
	}
	if len(p.Models) > 0 {
		return p.Models[0]
	}
	return ""
}

func outcome(err error) string {
	switch {
	case errors.Is(err, models.ErrCapabilityUnsatisfiable):
		return "capability_unsatisfiable"
	case errors.Is(err, models.ErrNoProviderAvailable):
		return "no_provider_available"
	case errors.Is(err, models.ErrUnknownTool):
		return "unknown_tool"
	case models.IsNotFound(err):
		return "not_found"
	}
	return "error"
}
