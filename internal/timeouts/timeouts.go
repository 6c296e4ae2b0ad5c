// Package timeouts derives the nested timeout hierarchy used across protocol
// layers from a single tool timeout and validates it once at startup.
//
// Each outer layer must outlive the one inside it so that an inner failure is
// always observed and reported before the outer layer gives up:
//
//	tool < daemon (1.5×) < shim (2.0×) < client (2.5×),  http ≥ tool
//
// The ordering holds for tool timeouts between MinToolTimeout and
// MaxToolTimeout. Validate rejects anything outside that range.
package timeouts

import (
	"fmt"
	"math"
	"time"

	"github.com/agentoven/toolgate/internal/config"
	"github.com/agentoven/toolgate/pkg/models"
)

// DefaultToolTimeout applies when no tool timeout is configured.
const DefaultToolTimeout = 60 * time.Second

// Layer multipliers, expressed in tenths to keep the arithmetic integral.
const (
	daemonFactor = 15
	shimFactor   = 20
	clientFactor = 25
)

// Tool timeout bounds. Below the minimum the scaled layers round down onto
// each other; above the maximum the client layer overflows.
const (
	MinToolTimeout = time.Millisecond
	MaxToolTimeout = time.Duration(math.MaxInt64 / clientFactor)
)

// Derive computes the full hierarchy from the tool timeout. HTTP defaults to
// the tool timeout; FromConfig applies the configured value. The result is
// only meaningful for tool timeouts within [MinToolTimeout, MaxToolTimeout].
func Derive(tool time.Duration) models.TimeoutSpec {
	return models.TimeoutSpec{
		Tool:   tool,
		Daemon: scale(tool, daemonFactor),
		Shim:   scale(tool, shimFactor),
		Client: scale(tool, clientFactor),
		HTTP:   tool,
	}
}

func scale(d time.Duration, tenths int64) time.Duration {
	return time.Duration(int64(d) * tenths / 10)
}

// Validate checks the ordering invariants. It is meant to run once before the
// process serves traffic; a failure is fatal.
func Validate(spec models.TimeoutSpec) error {
	if spec.Tool <= 0 {
		return &models.ConfigError{Field: "tool_timeout", Detail: fmt.Sprintf("must be positive, got %s", spec.Tool)}
	}
	if spec.Tool < MinToolTimeout || spec.Tool > MaxToolTimeout {
		return &models.ConfigError{
			Field:  "tool_timeout",
			Detail: fmt.Sprintf("%s outside supported range [%s, %s]", spec.Tool, MinToolTimeout, MaxToolTimeout),
		}
	}
	if !(spec.Tool < spec.Daemon) {
		return orderErr("daemon_timeout", spec.Daemon, "tool_timeout", spec.Tool)
	}
	if !(spec.Daemon < spec.Shim) {
		return orderErr("shim_timeout", spec.Shim, "daemon_timeout", spec.Daemon)
	}
	if !(spec.Shim < spec.Client) {
		return orderErr("client_timeout", spec.Client, "shim_timeout", spec.Shim)
	}
	if spec.HTTP < spec.Tool {
		return &models.ConfigError{
			Field:  "http_timeout",
			Detail: fmt.Sprintf("%s must be >= tool_timeout %s", spec.HTTP, spec.Tool),
		}
	}
	return nil
}

func orderErr(outer string, outerVal time.Duration, inner string, innerVal time.Duration) error {
	return &models.ConfigError{
		Field:  outer,
		Detail: fmt.Sprintf("%s must be greater than %s %s", outerVal, inner, innerVal),
	}
}

// FromConfig derives the hierarchy from configuration and validates it.
// Only the tool and HTTP timeouts are configurable.
func FromConfig(cfg config.TimeoutConfig) (models.TimeoutSpec, error) {
	spec := Derive(cfg.Tool)
	spec.HTTP = cfg.HTTP
	if err := Validate(spec); err != nil {
		return models.TimeoutSpec{}, err
	}
	return spec, nil
}
