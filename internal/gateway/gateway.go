// Package gateway is the facade the execution layer calls. Execute runs
// the whole admission pipeline for one tool call:
//
//	validate arguments → route → ensure session → dedup/admit →
//	execute under the tool timeout → offload oversized results → release
//
// Every step reports a typed error from pkg/models; nothing is retried or
// degraded here beyond what the router and transport already decided.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/toolgate/internal/events"
	"github.com/agentoven/toolgate/internal/metrics"
	"github.com/agentoven/toolgate/internal/sessions"
	"github.com/agentoven/toolgate/internal/timeouts"
	"github.com/agentoven/toolgate/internal/transport"
	"github.com/agentoven/toolgate/pkg/contracts"
	"github.com/agentoven/toolgate/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("toolgate/gateway")

// Validator checks tool arguments before admission.
type Validator interface {
	ValidateArguments(tool string, args json.RawMessage) error
}

// Router resolves a request to a provider.
type Router interface {
	Route(ctx context.Context, tool string, f models.RequestFeatures) (*models.RouteDecision, error)
}

// Executors looks up the executor for a tool.
type Executors interface {
	Lookup(tool string) (contracts.ToolExecutor, error)
}

// Deps are the components a Gateway composes. Events may be nil.
type Deps struct {
	Validator Validator
	Router    Router
	Sessions  *sessions.Manager
	Transport *transport.Transport
	Executors Executors
	Events    events.Writer
	Timeouts  models.TimeoutSpec
}

// Gateway implements contracts.GatewayService.
type Gateway struct {
	validator Validator
	router    Router
	sessions  *sessions.Manager
	transport *transport.Transport
	executors Executors
	events    events.Writer
	timeouts  models.TimeoutSpec
	now       func() time.Time
}

var _ contracts.GatewayService = (*Gateway)(nil)

// New creates a Gateway. A zero tool timeout falls back to the default
// hierarchy.
func New(d Deps) *Gateway {
	if d.Timeouts.Tool <= 0 {
		d.Timeouts = timeouts.Derive(timeouts.DefaultToolTimeout)
	}
	return &Gateway{
		validator: d.Validator,
		router:    d.Router,
		sessions:  d.Sessions,
		transport: d.Transport,
		executors: d.Executors,
		events:    d.Events,
		timeouts:  d.Timeouts,
		now:       time.Now,
	}
}

// Timeouts returns the validated hierarchy the gateway enforces.
func (g *Gateway) Timeouts() models.TimeoutSpec { return g.timeouts }

// Route resolves a request without executing it.
func (g *Gateway) Route(ctx context.Context, tool string, f models.RequestFeatures) (*models.RouteDecision, error) {
	start := g.now()
	d, err := g.router.Route(ctx, tool, f)
	g.emitRoute(uuid.New().String(), "", tool, d, err, start)
	return d, err
}

// Fetch returns the payload an envelope carries.
func (g *Gateway) Fetch(ctx context.Context, env *models.Envelope) ([]byte, error) {
	return g.transport.Receive(ctx, env)
}

// Execute runs one tool call through the full pipeline.
//
// Identical calls (same tool, session and normalised arguments) share one
// execution. A caller that attaches to a live entry takes no permit; the
// caller that owns the execution holds its permit until the executor
// returns, even if that caller stops waiting first.
func (g *Gateway) Execute(ctx context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error) {
	start := g.now()
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "gateway.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("toolgate.request_id", req.RequestID),
		attribute.String("toolgate.tool", req.ToolName),
	)
	fail := func(err error) (*contracts.ExecuteResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute failed")
		return nil, err
	}

	if err := g.validator.ValidateArguments(req.ToolName, req.Arguments); err != nil {
		g.emit(&events.Event{
			RequestID: req.RequestID, Kind: events.KindExecution, SessionID: req.SessionID,
			ToolName: req.ToolName, Outcome: "invalid_arguments", Error: err.Error(),
			LatencyMs: sinceMs(g.now(), start),
		})
		return fail(err)
	}

	req.Features = liftArgumentFeatures(req.Features, req.Arguments)
	decision, err := g.router.Route(ctx, req.ToolName, req.Features)
	g.emitRoute(req.RequestID, req.SessionID, req.ToolName, decision, err, start)
	if err != nil {
		return fail(err)
	}

	sess, created := g.sessions.Ensure(req.SessionID)
	if created {
		log.Debug().Str("session", sess.ID).Msg("Session created")
	}
	span.SetAttributes(attribute.String("toolgate.session", sess.ID), attribute.String("toolgate.provider", decision.Provider))

	key, err := sessions.CallKey(req.ToolName, sess.ID, req.Arguments)
	if err != nil {
		return fail(err)
	}

	call := contracts.ToolCall{
		RequestID:     req.RequestID,
		SessionID:     sess.ID,
		ToolName:      req.ToolName,
		Provider:      decision.Provider,
		Model:         decision.Model,
		ExecutionPath: decision.ExecutionPath,
		Arguments:     req.Arguments,
	}

	// Only the owner of a new entry is admitted; attaching callers wait on
	// the owner's execution without a permit.
	isNew, entry := g.sessions.GetOrAttach(key, sess.ID, req.ToolName)
	if isNew {
		permit, err := g.sessions.Admit(ctx, sess.ID, decision.Provider, key)
		g.emitAdmission(req.RequestID, sess.ID, decision, err, start)
		if err != nil {
			g.sessions.Abandon(entry, err)
			return fail(err)
		}
		g.sessions.Run(ctx, entry, func(runCtx context.Context) ([]byte, error) {
			defer permit.Release()
			return g.run(runCtx, call)
		})
	}
	raw, err := entry.Wait(ctx)
	shared := !isNew

	ev := &events.Event{
		RequestID:     req.RequestID,
		Kind:          events.KindExecution,
		SessionID:     sess.ID,
		ToolName:      req.ToolName,
		Provider:      decision.Provider,
		Model:         decision.Model,
		ExecutionPath: string(decision.ExecutionPath),
		Resolution:    string(decision.Resolution),
		Deduplicated:  shared,
	}
	if err != nil {
		ev.Outcome, ev.Error, ev.LatencyMs = outcome(err), err.Error(), sinceMs(g.now(), start)
		g.emit(ev)
		return fail(err)
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fail(fmt.Errorf("decode result envelope: %w", err))
	}

	res := &contracts.ExecuteResult{
		RequestID:    req.RequestID,
		SessionID:    sess.ID,
		CallKey:      key,
		Decision:     decision,
		Deduplicated: shared,
		Envelope:     &env,
		Duration:     g.now().Sub(start),
	}
	ev.Outcome, ev.Offloaded, ev.LatencyMs = "ok", env.Offloaded(), sinceMs(g.now(), start)
	g.emit(ev)
	return res, nil
}

// featureArguments maps argument names a tool may accept to the routing
// feature they turn on.
var featureArguments = map[string]func(*models.RequestFeatures){
	"use_web_search": func(f *models.RequestFeatures) { f.WebSearch = true },
	"thinking_mode":  func(f *models.RequestFeatures) { f.Thinking = true },
	"stream":         func(f *models.RequestFeatures) { f.Streaming = true },
	"images":         func(f *models.RequestFeatures) { f.Images = true },
	"files":          func(f *models.RequestFeatures) { f.Files = true },
	"tool_calling":   func(f *models.RequestFeatures) { f.ToolCalling = true },
}

// liftArgumentFeatures turns on every feature the arguments ask for, so a
// flag the executor forwards upstream is also one the router checked. Flags
// already set on f are never cleared.
func liftArgumentFeatures(f models.RequestFeatures, args json.RawMessage) models.RequestFeatures {
	if len(args) == 0 {
		return f
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		return f
	}
	for name, set := range featureArguments {
		if v, ok := fields[name]; ok && enabled(v) {
			set(&f)
		}
	}
	return f
}

// enabled reports whether a raw argument value switches a feature on: true,
// a non-empty array or object (images, files), or a non-empty string.
func enabled(v json.RawMessage) bool {
	var b bool
	if json.Unmarshal(v, &b) == nil {
		return b
	}
	var list []json.RawMessage
	if json.Unmarshal(v, &list) == nil {
		return len(list) > 0
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(v, &obj) == nil {
		return len(obj) > 0
	}
	var str string
	if json.Unmarshal(v, &str) == nil {
		return str != ""
	}
	return false
}

// run executes the call under the tool timeout and wraps the result in a
// transport envelope. It runs on the dedup owner's goroutine, detached from
// any single caller.
func (g *Gateway) run(ctx context.Context, call contracts.ToolCall) ([]byte, error) {
	exec, err := g.executors.Lookup(call.ToolName)
	if err != nil {
		return nil, err
	}

	toolCtx, cancel := context.WithTimeout(ctx, g.timeouts.Tool)
	defer cancel()
	call.Deadline, _ = toolCtx.Deadline()

	started := time.Now()
	out, err := exec.Execute(toolCtx, &call)
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("tool %s exceeded its %s timeout: %w", call.ToolName, g.timeouts.Tool, err)
		}
		metrics.ToolExecutions.WithLabelValues(call.ToolName, "error").Observe(elapsed.Seconds())
		log.Warn().Err(err).Str("tool", call.ToolName).Str("provider", call.Provider).Dur("elapsed", elapsed).Msg("Tool execution failed")
		return nil, err
	}
	metrics.ToolExecutions.WithLabelValues(call.ToolName, "ok").Observe(elapsed.Seconds())

	env, err := g.transport.Send(ctx, transport.WriteRequest{
		TransactionID: call.RequestID,
		SessionID:     call.SessionID,
		ToolName:      call.ToolName,
		Payload:       out,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ── Events ───────────────────────────────────────────────────

func (g *Gateway) emit(e *events.Event) {
	if g.events == nil {
		return
	}
	e.Timestamp = g.now()
	g.events.Write(e)
}

func (g *Gateway) emitRoute(requestID, sessionID, tool string, d *models.RouteDecision, err error, start time.Time) {
	e := &events.Event{
		RequestID: requestID,
		Kind:      events.KindRoute,
		SessionID: sessionID,
		ToolName:  tool,
		Outcome:   "ok",
		LatencyMs: sinceMs(g.now(), start),
	}
	if d != nil {
		e.Provider, e.Model = d.Provider, d.Model
		e.ExecutionPath, e.Resolution = string(d.ExecutionPath), string(d.Resolution)
		e.Warnings = d.Warnings
	}
	if err != nil {
		e.Outcome, e.Error = outcome(err), err.Error()
	}
	g.emit(e)
}

func (g *Gateway) emitAdmission(requestID, sessionID string, d *models.RouteDecision, err error, start time.Time) {
	e := &events.Event{
		RequestID: requestID,
		Kind:      events.KindAdmission,
		SessionID: sessionID,
		ToolName:  d.ToolName,
		Provider:  d.Provider,
		Outcome:   "admitted",
		LatencyMs: sinceMs(g.now(), start),
	}
	if err != nil {
		e.Outcome, e.Error = outcome(err), err.Error()
	}
	g.emit(e)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, models.ErrCapabilityUnsatisfiable):
		return "capability_unsatisfiable"
	case errors.Is(err, models.ErrNoProviderAvailable):
		return "no_provider_available"
	case errors.Is(err, models.ErrOverCapacity):
		return "over_capacity"
	case errors.Is(err, models.ErrCircuitOpenRejected):
		return "circuit_open_rejected"
	case errors.Is(err, models.ErrTransportIntegrity):
		return "transport_integrity"
	case errors.Is(err, models.ErrInvalidArguments):
		return "invalid_arguments"
	case errors.Is(err, models.ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case models.IsNotFound(err):
		return "not_found"
	}
	return "error"
}

func sinceMs(now, start time.Time) float32 {
	return float32(now.Sub(start).Microseconds()) / 1000
}
