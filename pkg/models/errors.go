package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ── Error Taxonomy ───────────────────────────────────────────

var (
	ErrCapabilityUnsatisfiable = errors.New("capability unsatisfiable")
	ErrNoProviderAvailable     = errors.New("no provider available")
	ErrOverCapacity            = errors.New("over capacity")
	ErrConfigurationInvalid    = errors.New("configuration invalid")
	ErrTransportIntegrity      = errors.New("transport integrity error")
	ErrCircuitOpenRejected     = errors.New("circuit open: payload exceeds primary channel limit")
	ErrInvalidArguments        = errors.New("invalid tool arguments")
	ErrUnknownTool             = errors.New("unknown tool")
)

// CapabilityReason distinguishes the two user-visible flavours of
// CapabilityUnsatisfiable.
type CapabilityReason string

const (
	// ReasonNoProviderSupports means no configured provider has the capability at all.
	ReasonNoProviderSupports CapabilityReason = "no_provider_supports"
	// ReasonProvidersUnavailable means capable providers exist but are down or too small.
	ReasonProvidersUnavailable CapabilityReason = "providers_unavailable"
	// ReasonProviderMismatch means an explicitly requested provider lacks the capability.
	ReasonProviderMismatch CapabilityReason = "provider_mismatch"
)

// CapabilityError reports hard requirements that no candidate can satisfy.
type CapabilityError struct {
	Tool     string
	Provider string // set for ReasonProviderMismatch
	Missing  []Feature
	Reason   CapabilityReason
	Detail   string
}

func (e *CapabilityError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		missing[i] = string(f)
	}
	msg := fmt.Sprintf("tool %q: %s (%s)", e.Tool, e.Reason, strings.Join(missing, ", "))
	if e.Provider != "" {
		msg += ": provider " + e.Provider
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityUnsatisfiable }

// OverCapacityError is returned when a semaphore wait times out.
type OverCapacityError struct {
	Scope      string // "session", "provider" or "global"
	Name       string
	RetryAfter time.Duration
}

func (e *OverCapacityError) Error() string {
	return fmt.Sprintf("over capacity: %s %q (retry after %s)", e.Scope, e.Name, e.RetryAfter)
}

func (e *OverCapacityError) Unwrap() error { return ErrOverCapacity }

// ConfigError is a fatal startup configuration problem.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration invalid: %s: %s", e.Field, e.Detail)
}

func (e *ConfigError) Unwrap() error { return ErrConfigurationInvalid }

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// Retryable reports whether the caller may retry err after a backoff.
// Hard-requirement, configuration and integrity failures are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrOverCapacity) || errors.Is(err, ErrCircuitOpenRejected)
}

// RetryAfter extracts the retry hint from an over-capacity error.
func RetryAfter(err error) (time.Duration, bool) {
	var oc *OverCapacityError
	if errors.As(err, &oc) {
		return oc.RetryAfter, true
	}
	return 0, false
}
