// Package catalog provides a static mcprouter.ToolRegistryResolver: the
// same tool catalog is visible to every principal, which is sufficient
// until a deployment needs per-workspace tool visibility. Grounded on
// pkg/mcprouter.ToolRegistryResolver's interface contract; no teacher
// file implements this concern directly (the teacher's aggregator
// merges *multiple backends'* live tool lists, a larger problem than
// this gateway's single static catalog needs).
package catalog

import (
	"context"

	"github.com/sigee-min/bbmcp-sub010/pkg/mcprouter"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
)

// StaticResolver resolves the same fixed ToolRegistry for every
// principal.
type StaticResolver struct {
	registry mcprouter.ToolRegistry
}

// NewStatic creates a StaticResolver advertising tools.
func NewStatic(tools []mcprouter.ToolDefinition) *StaticResolver {
	return &StaticResolver{registry: mcprouter.ToolRegistry{Tools: tools}}
}

// Resolve implements mcprouter.ToolRegistryResolver.
func (s *StaticResolver) Resolve(context.Context, mcpsession.Principal) mcprouter.ToolRegistry {
	return s.registry
}
