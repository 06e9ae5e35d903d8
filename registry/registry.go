// Package registry holds the declarative table of sensitive operations.
// Each rule maps inbound requests, per transport surface, to a stable
// operation identifier. The effective rule set is composed once at
// startup (builtin rules plus registered extensions) and is immutable
// afterwards.
package registry

import (
	"fmt"
	"net/url"
	"regexp"
)

// Surface identifies the transport/invocation channel a request arrived
// through.
type Surface string

const (
	SurfaceInteractive Surface = "interactive"
	SurfaceAsyncRPC    Surface = "async-rpc"
	SurfaceAPI         Surface = "api"
	SurfaceCLI         Surface = "cli"
	SurfaceCron        Surface = "cron"
	SurfaceLegacyRPC   Surface = "legacy-rpc"
	SurfaceUnknown     Surface = "unknown"
)

// Request is the gate's view of a live request, passed to matchers and
// predicates. Predicates receive it as their only input; they must not
// reach for ambient request state.
type Request struct {
	Surface Surface
	Method  string
	Path    string

	// Route is the interactive admin route identifier (e.g. "plugins").
	Route string
	// Action is the primary action parameter.
	Action string
	// ConfirmAction carries the real action name in two-step confirm
	// flows, where Action is just "confirm".
	ConfirmAction string

	Query url.Values
	Form  url.Values

	// Body is the raw request body for API-surface predicates.
	Body []byte
}

// Predicate narrows a broad matcher against live request state.
type Predicate func(*Request) bool

// InteractiveMatcher matches requests on the interactive admin UI.
type InteractiveMatcher struct {
	// Routes is the set of admin route identifiers the rule applies to.
	Routes []string
	// Actions is the set of action-parameter values that fire the rule.
	Actions []string
	// Method constrains the HTTP verb; empty means any.
	Method string
	// Condition, when set, must also accept the request.
	Condition Predicate
}

// AsyncMatcher matches asynchronous RPC calls by action name only.
type AsyncMatcher struct {
	Actions []string
}

// APIMatcher matches declarative-API requests by route pattern, method
// set, and optional predicate over the parsed request.
type APIMatcher struct {
	Route     *regexp.Regexp
	Methods   []string
	Condition Predicate
}

// Rule describes one sensitive operation.
type Rule struct {
	// ID is the stable operation identifier, e.g. "plugin.delete".
	ID string
	// Label is shown to the principal during the challenge.
	Label string
	// Category groups rules for UI filtering (plugins, themes, ...).
	Category string

	Interactive *InteractiveMatcher
	Async       *AsyncMatcher
	API         *APIMatcher
}

func (r Rule) hasSurface() bool {
	return r.Interactive != nil || r.Async != nil || r.API != nil
}

// Registry is the immutable, composed rule set.
type Registry struct {
	rules []Rule
	index map[string]int
}

// New composes the builtin rules with any extension rules, validates
// the result, and returns the frozen registry. Rule IDs must be unique
// across the effective set and every rule needs at least one surface
// matcher.
func New(extensions ...Rule) (*Registry, error) {
	rules := append(builtinRules(), extensions...)
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("registry: rule %d has no id", i)
		}
		if !r.hasSurface() {
			return nil, fmt.Errorf("registry: rule %q has no surface matcher", r.ID)
		}
		if _, dup := index[r.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate rule id %q", r.ID)
		}
		index[r.ID] = i
	}
	return &Registry{rules: rules, index: index}, nil
}

// MustNew is New for composition roots with a static rule set.
func MustNew(extensions ...Rule) *Registry {
	g, err := New(extensions...)
	if err != nil {
		panic(err)
	}
	return g
}

// Rules returns the full rule set in registration order.
func (g *Registry) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// Find returns the rule with the given id.
func (g *Registry) Find(id string) (Rule, bool) {
	i, ok := g.index[id]
	if !ok {
		return Rule{}, false
	}
	return g.rules[i], true
}

// ByCategory returns the rules in the given category, in registration
// order.
func (g *Registry) ByCategory(category string) []Rule {
	var out []Rule
	for _, r := range g.rules {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out
}
