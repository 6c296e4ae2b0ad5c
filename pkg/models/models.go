// Package models defines the shared data model for the toolgate engine:
// tool requirements, provider capabilities, routing decisions, sessions,
// call entries, timeout hierarchies, transport records and breaker state.
package models

import (
	"time"
)

// ── Provider Health ──────────────────────────────────────────

// HealthStatus is the live health of an upstream provider.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Valid reports whether h is a known health value.
func (h HealthStatus) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthDown:
		return true
	}
	return false
}

// HealthEvent is published whenever a provider's health changes.
type HealthEvent struct {
	Provider string       `json:"provider"`
	Old      HealthStatus `json:"old"`
	New      HealthStatus `json:"new"`
	At       time.Time    `json:"at"`
}

// ── Features ─────────────────────────────────────────────────

// Feature names a provider capability a request may need.
type Feature string

const (
	FeatureVision      Feature = "vision"
	FeatureWebSearch   Feature = "web_search"
	FeatureThinking    Feature = "thinking_mode"
	FeatureToolCalling Feature = "tool_calling"
	FeatureFileUpload  Feature = "file_uploads"
	FeatureStreaming   Feature = "streaming"
)

// AllFeatures lists features in the order they are checked and reported.
var AllFeatures = []Feature{
	FeatureWebSearch,
	FeatureVision,
	FeatureThinking,
	FeatureToolCalling,
	FeatureFileUpload,
	FeatureStreaming,
}

// ── Tool Registry ────────────────────────────────────────────

// ToolRequirements declares what a tool needs from the provider that runs it.
// Entries are immutable once the registry snapshot is loaded.
type ToolRequirements struct {
	ToolName         string         `json:"tool_name" yaml:"tool_name"`
	Description      string         `json:"description,omitempty" yaml:"description"`
	NeedsReasoning   bool           `json:"needs_reasoning" yaml:"needs_reasoning"`
	NeedsVision      bool           `json:"needs_vision" yaml:"needs_vision"`
	NeedsWebSearch   bool           `json:"needs_web_search" yaml:"needs_web_search"`
	NeedsFileUpload  bool           `json:"needs_file_upload" yaml:"needs_file_upload"`
	NeedsToolCalling bool           `json:"needs_tool_calling" yaml:"needs_tool_calling"`
	NeedsStreaming   bool           `json:"needs_streaming" yaml:"needs_streaming"`
	MinTokens        int            `json:"min_tokens" yaml:"min_tokens"`
	RequiresModel    bool           `json:"requires_model" yaml:"requires_model"`
	Category         Category       `json:"category,omitempty" yaml:"category"`             // used for model=auto
	Optional         []Feature      `json:"optional,omitempty" yaml:"optional"`             // may soft-degrade
	ArgumentSchema   map[string]any `json:"argument_schema,omitempty" yaml:"argument_schema"` // JSON Schema
}

// IsOptional reports whether f may be dropped with a warning instead of
// failing the route. Web search is never optional.
func (t *ToolRequirements) IsOptional(f Feature) bool {
	if f == FeatureWebSearch {
		return false
	}
	for _, o := range t.Optional {
		if o == f {
			return true
		}
	}
	return false
}

// ── Capability Matrix ────────────────────────────────────────

// ProviderCapabilities is one row of the capability matrix. Capability flags
// are static; Health is filled in from the health registry at read time.
type ProviderCapabilities struct {
	Name         string       `json:"provider_name" yaml:"name"`
	Streaming    bool         `json:"streaming" yaml:"streaming"`
	ThinkingMode bool         `json:"thinking_mode" yaml:"thinking_mode"`
	Vision       bool         `json:"vision" yaml:"vision"`
	ToolCalling  bool         `json:"tool_calling" yaml:"tool_calling"`
	FileUploads  bool         `json:"file_uploads" yaml:"file_uploads"`
	WebSearch    bool         `json:"web_search" yaml:"web_search"`
	MaxTokens    int          `json:"max_tokens" yaml:"max_tokens"`
	Models       []string     `json:"models,omitempty" yaml:"models"`
	Health       HealthStatus `json:"health" yaml:"-"`
}

// Supports reports whether the provider has the given capability.
func (p *ProviderCapabilities) Supports(f Feature) bool {
	switch f {
	case FeatureVision:
		return p.Vision
	case FeatureWebSearch:
		return p.WebSearch
	case FeatureThinking:
		return p.ThinkingMode
	case FeatureToolCalling:
		return p.ToolCalling
	case FeatureFileUpload:
		return p.FileUploads
	case FeatureStreaming:
		return p.Streaming
	}
	return false
}

// HasModel reports whether the provider serves the named model.
func (p *ProviderCapabilities) HasModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ── Routing ──────────────────────────────────────────────────

// Category selects a fallback chain in auto mode.
type Category string

const (
	CategoryFastResponse      Category = "fast_response"
	CategoryExtendedReasoning Category = "extended_reasoning"
	CategoryBalanced          Category = "balanced"
)

// ModelAuto is the model name that requests category-based selection.
const ModelAuto = "auto"

// ExecutionPath is the strategy chosen to fulfil a request.
type ExecutionPath string

const (
	PathDirect      ExecutionPath = "direct"
	PathVision      ExecutionPath = "vision"
	PathThinking    ExecutionPath = "thinking"
	PathStreaming   ExecutionPath = "streaming"
	PathToolCalling ExecutionPath = "tool_calling"
	PathFileUpload  ExecutionPath = "file_upload"
	PathStandard    ExecutionPath = "standard"
)

// RequestFeatures describes the shape of an incoming tool request.
type RequestFeatures struct {
	Images      bool     `json:"images,omitempty"`
	WebSearch   bool     `json:"use_web_search,omitempty"`
	Thinking    bool     `json:"thinking_mode,omitempty"`
	Streaming   bool     `json:"stream,omitempty"`
	Files       bool     `json:"files,omitempty"`
	ToolCalling bool     `json:"tool_calling,omitempty"`
	Model       string   `json:"model,omitempty"`    // explicit model or provider; "" or "auto" for auto mode
	Category    Category `json:"category,omitempty"` // overrides the tool's default category
}

// AutoMode reports whether the request leaves model selection to the gateway.
func (f RequestFeatures) AutoMode() bool {
	return f.Model == "" || f.Model == ModelAuto
}

// CategorySelection is the fallback chain's answer for one category.
type CategorySelection struct {
	Category   Category  `json:"category"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Resolution records which path produced a RouteDecision.
type Resolution string

const (
	ResolvedDirect   Resolution = "direct"
	ResolvedExplicit Resolution = "explicit"
	ResolvedFeatures Resolution = "features"
	ResolvedCategory Resolution = "category"
)

// RouteDecision is the outcome of routing one request. Either Provider is set
// and Errors is empty, or Provider is empty and Errors explains why. Direct
// tools run locally and carry neither a provider nor errors.
type RouteDecision struct {
	ToolName      string        `json:"tool_name"`
	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	ExecutionPath ExecutionPath `json:"execution_path,omitempty"`
	Resolution    Resolution    `json:"resolution,omitempty"`
	Category      Category      `json:"category,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
	DecidedAt     time.Time     `json:"decided_at"`
}

// OK reports whether the decision can be executed.
func (d *RouteDecision) OK() bool {
	if d.ExecutionPath == PathDirect {
		return len(d.Errors) == 0
	}
	return d.Provider != "" && len(d.Errors) == 0
}

// ── Sessions & Calls ─────────────────────────────────────────

// SessionState tracks a session through CREATED → ACTIVE ↔ IDLE → EVICTED.
type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionIdle    SessionState = "idle"
	SessionEvicted SessionState = "evicted"
)

// Session is a point-in-time view of a client session.
type Session struct {
	ID           string        `json:"id"`
	State        SessionState  `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	PermitsInUse int           `json:"permits_in_use"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CallKeys     int           `json:"call_keys"`
}

// CallStatus is the state of a deduplicated call.
type CallStatus string

const (
	CallInProgress CallStatus = "in_progress"
	CallComplete   CallStatus = "complete"
	CallError      CallStatus = "error"
)

// CallEntry is a point-in-time view of a deduplicated call.
type CallEntry struct {
	Key         string        `json:"call_key"`
	SessionID   string        `json:"session_id"`
	ToolName    string        `json:"tool_name"`
	Status      CallStatus    `json:"status"`
	Result      []byte        `json:"result,omitempty"`
	Err         string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	TTL         time.Duration `json:"ttl"`
	Waiters     int           `json:"waiters"`
}

// ── Timeouts ─────────────────────────────────────────────────

// TimeoutSpec is the nested timeout hierarchy derived from one tool timeout.
type TimeoutSpec struct {
	Tool   time.Duration `json:"tool_timeout"`
	Daemon time.Duration `json:"daemon_timeout"`
	Shim   time.Duration `json:"shim_timeout"`
	Client time.Duration `json:"client_timeout"`
	HTTP   time.Duration `json:"http_timeout"`
}

// ── Durable Transport ────────────────────────────────────────

// CompressionType names the codec applied to an offloaded payload.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// TransportStatus is the lifecycle state of a TransportRecord.
type TransportStatus string

const (
	TransportPending  TransportStatus = "pending"
	TransportComplete TransportStatus = "complete"
	TransportError    TransportStatus = "error"
	TransportExpired  TransportStatus = "expired"
)

// TransportRecord describes a payload offloaded to the durable store.
// The payload bytes live in the store under StoreRef.
type TransportRecord struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transaction_id"`
	SessionID       string          `json:"session_id,omitempty"`
	ToolName        string          `json:"tool_name,omitempty"`
	StoreRef        string          `json:"store_ref"`
	PayloadSize     int             `json:"payload_size"`
	CompressionType CompressionType `json:"compression_type"`
	CompressedSize  int             `json:"compressed_size"`
	Checksum        string          `json:"checksum"` // sha256 hex of the uncompressed payload
	Status          TransportStatus `json:"status"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Envelope is what travels over the primary channel: either the payload
// inline or a reference to a TransportRecord.
type Envelope struct {
	Inline   []byte `json:"inline,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Size     int    `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// Offloaded reports whether the payload went through durable storage.
func (e *Envelope) Offloaded() bool { return e.RecordID != "" }

// CircuitState is the state of the durable-store circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerSnapshot is a point-in-time view of the circuit breaker.
type BreakerSnapshot struct {
	State           CircuitState  `json:"state"`
	FailureCount    int           `json:"failure_count"`
	Threshold       int           `json:"threshold"`
	Window          time.Duration `json:"window"`
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	LastFailureAt   time.Time     `json:"last_failure_at,omitempty"`
	OpenedAt        time.Time     `json:"opened_at,omitempty"`
	ProbeInFlight   bool          `json:"probe_in_flight"`
}
