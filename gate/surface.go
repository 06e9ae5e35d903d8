package gate

import (
	"net/http"
	"strings"

	"github.com/jmcleod/sudogate/registry"
)

// RuntimeContext carries the ambient invocation flags surface detection
// inspects. Flags can overlap (a scheduled job may also look like an
// API request to naive checks); detection order resolves the ambiguity.
type RuntimeContext struct {
	CLI            bool
	ScheduledJob   bool
	LegacyRPC      bool
	AsyncRPC       bool
	DeclarativeAPI bool
	Interactive    bool
}

// DetectSurface is a total function over the runtime context. Exactly
// one surface comes back; overlapping flags resolve in fixed order so a
// scheduled job is never misclassified as an API request.
func DetectSurface(rc RuntimeContext) registry.Surface {
	switch {
	case rc.CLI:
		return registry.SurfaceCLI
	case rc.ScheduledJob:
		return registry.SurfaceCron
	case rc.LegacyRPC:
		return registry.SurfaceLegacyRPC
	case rc.AsyncRPC:
		return registry.SurfaceAsyncRPC
	case rc.DeclarativeAPI:
		return registry.SurfaceAPI
	case rc.Interactive:
		return registry.SurfaceInteractive
	default:
		return registry.SurfaceUnknown
	}
}

// RequestSurface classifies an HTTP request by the configured URL
// conventions.
func (g *Gate) RequestSurface(r *http.Request) registry.Surface {
	return DetectSurface(g.runtimeContext(r))
}

func (g *Gate) runtimeContext(r *http.Request) RuntimeContext {
	path := r.URL.Path
	return RuntimeContext{
		ScheduledJob:   path == g.paths.CronPath,
		LegacyRPC:      path == g.paths.LegacyRPCPath,
		AsyncRPC:       path == g.paths.AsyncPath,
		DeclarativeAPI: strings.HasPrefix(path, g.paths.APIPrefix) || path == g.paths.GraphQLPath,
		Interactive:    strings.HasPrefix(path, g.paths.AdminPrefix),
	}
}
