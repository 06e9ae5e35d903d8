package registry

import (
	"slices"
	"strings"
)

// confirmAction is the generic action value used by two-step confirm
// flows. When the primary action is "confirm", the real action name
// arrives in the secondary parameter instead.
const confirmAction = "confirm"

// Match returns the first rule, in registration order, whose matcher
// for the given surface accepts the request. A miss means the request
// is not sensitive and should proceed normally.
func (g *Registry) Match(surface Surface, req *Request) (Rule, bool) {
	if req == nil {
		return Rule{}, false
	}
	for _, r := range g.rules {
		if r.matches(surface, req) {
			return r, true
		}
	}
	return Rule{}, false
}

func (r Rule) matches(surface Surface, req *Request) bool {
	switch surface {
	case SurfaceInteractive:
		return r.Interactive != nil && r.Interactive.matches(req)
	case SurfaceAsyncRPC:
		return r.Async != nil && r.Async.matches(req)
	case SurfaceAPI:
		return r.API != nil && r.API.matches(req)
	default:
		// CLI, cron, and legacy-RPC interception is policy-driven per
		// surface; there is nothing to match request-shape against.
		return false
	}
}

func (m *InteractiveMatcher) matches(req *Request) bool {
	if !slices.Contains(m.Routes, req.Route) {
		return false
	}
	action := req.Action
	if action == confirmAction && req.ConfirmAction != "" {
		action = req.ConfirmAction
	}
	if !slices.Contains(m.Actions, action) {
		return false
	}
	if m.Method != "" && !strings.EqualFold(m.Method, req.Method) {
		return false
	}
	if m.Condition != nil && !m.Condition(req) {
		return false
	}
	return true
}

func (m *AsyncMatcher) matches(req *Request) bool {
	return slices.Contains(m.Actions, req.Action)
}

func (m *APIMatcher) matches(req *Request) bool {
	if m.Route == nil || !m.Route.MatchString(req.Path) {
		return false
	}
	if len(m.Methods) > 0 {
		found := false
		for _, method := range m.Methods {
			if strings.EqualFold(method, req.Method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.Condition != nil && !m.Condition(req) {
		return false
	}
	return true
}
