// Package events records gateway decisions (routing, admission, execution)
// to an asynchronous sink. Writers never block the request path.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind names the decision an Event records.
type Kind string

const (
	KindRoute     Kind = "route"
	KindAdmission Kind = "admission"
	KindExecution Kind = "execution"
)

// Event is one gateway decision.
type Event struct {
	RequestID     string
	Kind          Kind
	Timestamp     time.Time
	SessionID     string
	ToolName      string
	Provider      string
	Model         string
	ExecutionPath string
	Resolution    string
	Outcome       string
	Warnings      []string
	Error         string
	Deduplicated  bool
	Offloaded     bool
	LatencyMs     float32
}

// Writer receives events. Implementations must be safe for concurrent use.
type Writer interface {
	Write(e *Event)
	Close()
}

// LogWriter writes events to the structured log. It is the default sink
// when no ClickHouse DSN is configured.
type LogWriter struct{}

// NewLogWriter creates a LogWriter.
func NewLogWriter() *LogWriter { return &LogWriter{} }

func (w *LogWriter) Write(e *Event) {
	ev := log.Info()
	if e.Error != "" {
		ev = log.Warn().Str("error", e.Error)
	}
	ev.Str("request_id", e.RequestID).
		Str("kind", string(e.Kind)).
		Str("session_id", e.SessionID).
		Str("tool", e.ToolName).
		Str("provider", e.Provider).
		Str("model", e.Model).
		Str("path", e.ExecutionPath).
		Str("resolution", e.Resolution).
		Str("outcome", e.Outcome).
		Strs("warnings", e.Warnings).
		Bool("deduplicated", e.Deduplicated).
		Bool("offloaded", e.Offloaded).
		Float32("latency_ms", e.LatencyMs).
		Msg("gateway_event")
}

func (w *LogWriter) Close() {}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Write(e *Event) {
	r.mu.Lock()
	r.events = append(r.events, *e)
	r.mu.Unlock()
}

func (r *Recorder) Close() {}

// Events returns a copy of everything written so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
