// Package noopbackend provides a minimal registry.Adapter that echoes
// whatever tool call it receives as a successful no-op. Concrete
// backend implementations are explicitly out of scope (spec.md §1:
// "the individual backend implementations behind the backend
// registry"); this adapter exists only so cmd/gatewayd has something
// registerable out of the box for local development and smoke tests.
package noopbackend

import (
	"context"
	"fmt"

	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/pkg/registry"
)

// Adapter is a registry.Adapter that always succeeds, echoing the tool
// name and payload it was called with as its result data.
type Adapter struct {
	clk clock.Clock
}

// New creates an Adapter.
func New(clk clock.Clock) *Adapter {
	return &Adapter{clk: clk}
}

// HandleTool implements registry.Adapter.
func (a *Adapter) HandleTool(_ context.Context, name string, payload map[string]any, _ registry.ToolContext) (registry.ToolResponse, error) {
	return registry.ToolResponse{
		OK: true,
		Data: map[string]any{
			"tool":      name,
			"payload":   payload,
			"handledAt": a.clk.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		},
		Revision: fmt.Sprintf("noop-%d", a.clk.Now().UnixNano()),
	}, nil
}

// CheckHealth implements internal/registry's HealthChecker: the no-op
// adapter is always healthy.
func (*Adapter) CheckHealth(context.Context) error { return nil }
