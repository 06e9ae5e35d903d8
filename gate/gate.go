// Package gate orchestrates the interception-and-replay flow: it
// detects the transport surface of each inbound request, consults the
// rule registry, checks the principal's elevated session, and either
// passes the request through, defers it behind a challenge, or blocks
// it according to per-surface policy.
package gate

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/jmcleod/sudogate/registry"
	"github.com/jmcleod/sudogate/session"
	"github.com/jmcleod/sudogate/stash"
	"github.com/jmcleod/sudogate/storage"
)

// CredentialKind distinguishes how an API caller authenticated.
type CredentialKind string

const (
	// CredentialSession is an interactive, session-bound caller who can
	// complete a challenge.
	CredentialSession CredentialKind = "session"
	// CredentialAPIKey is a long-lived credential with no interactive
	// challenge path.
	CredentialAPIKey CredentialKind = "api_key"
)

// Credential identifies how a request authenticated. ID is the API key
// identifier when Kind is api_key, used for per-credential policy
// overrides.
type Credential struct {
	Kind CredentialKind
	ID   string
}

// PrincipalResolver returns the current principal id for a request, or
// "" for anonymous callers.
type PrincipalResolver func(*http.Request) string

// CredentialResolver classifies how a request authenticated.
type CredentialResolver func(*http.Request) Credential

// Gate is the orchestrator. Construct it once at startup with the
// composed registry and wire its middleware around the host handler.
type Gate struct {
	registry *registry.Registry
	sessions *session.Manager
	stash    *stash.Stash
	notices  storage.TTLStore
	policies Policies

	principalFn  PrincipalResolver
	credentialFn CredentialResolver

	paths Paths
	host  http.Handler

	audit   *auditLogger
	webhook *auditWebhook
	metrics *metricsCollector
}

// Paths holds the URL conventions the gate needs to classify requests
// and to send principals through the challenge flow.
type Paths struct {
	// AdminPrefix is the interactive admin UI prefix, e.g. "/admin/".
	AdminPrefix string
	// AsyncPath is the asynchronous-RPC endpoint.
	AsyncPath string
	// APIPrefix is the declarative-API prefix, e.g. "/api/".
	APIPrefix string
	// GraphQLPath is the GraphQL endpoint, classified as declarative API.
	GraphQLPath string
	// LegacyRPCPath is the legacy XML-RPC style endpoint.
	LegacyRPCPath string
	// CronPath is the scheduled-job trigger endpoint.
	CronPath string
	// Challenge is where deferred principals are sent to reauthenticate.
	Challenge string
	// Fallback is the safe landing location when a replay finds no
	// stash.
	Fallback string
}

func (p Paths) withDefaults() Paths {
	if p.AdminPrefix == "" {
		p.AdminPrefix = "/admin/"
	}
	if p.AsyncPath == "" {
		p.AsyncPath = "/admin/async"
	}
	if p.APIPrefix == "" {
		p.APIPrefix = "/api/"
	}
	if p.GraphQLPath == "" {
		p.GraphQLPath = "/graphql"
	}
	if p.LegacyRPCPath == "" {
		p.LegacyRPCPath = "/xmlrpc"
	}
	if p.CronPath == "" {
		p.CronPath = "/cron"
	}
	if p.Challenge == "" {
		p.Challenge = "/sudo/challenge"
	}
	if p.Fallback == "" {
		p.Fallback = "/admin/"
	}
	return p
}

// Option configures the Gate.
type Option func(*Gate)

// WithLogger sets the structured logger for audit events. Without it a
// JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.audit = newAuditLogger(logger) }
}

// WithPolicies sets the non-interactive surface policies.
func WithPolicies(p Policies) Option {
	return func(g *Gate) { g.policies = p }
}

// WithPaths overrides the URL conventions.
func WithPaths(p Paths) Option {
	return func(g *Gate) { g.paths = p }
}

// WithCredentialResolver sets the API credential classifier. Without
// one every API caller is treated as session-bound.
func WithCredentialResolver(fn CredentialResolver) Option {
	return func(g *Gate) { g.credentialFn = fn }
}

// WithAuditWebhook mirrors audit events to an external HTTP endpoint.
func WithAuditWebhook(url, authHeader string) Option {
	return func(g *Gate) { g.webhook = newAuditWebhook(url, authHeader) }
}

// WithAlerts installs the anomaly alert callback.
func WithAlerts(fn AlertFunc) Option {
	return func(g *Gate) { g.metrics = newMetricsCollector(fn) }
}

// New builds the Gate. The notices store holds the short-lived "you
// were just blocked" flags for async callers; it may be the same
// TTLStore backing the stash.
func New(reg *registry.Registry, sessions *session.Manager, st *stash.Stash, notices storage.TTLStore, principalFn PrincipalResolver, opts ...Option) *Gate {
	g := &Gate{
		registry:    reg,
		sessions:    sessions,
		stash:       st,
		notices:     notices,
		principalFn: principalFn,
		policies:    Policies{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.paths = g.paths.withDefaults()
	g.policies = g.policies.withDefaults()
	if g.audit == nil {
		g.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	g.audit.webhook = g.webhook
	g.audit.metrics = g.metrics
	if g.credentialFn == nil {
		g.credentialFn = func(*http.Request) Credential {
			return Credential{Kind: CredentialSession}
		}
	}
	return g
}

// Registry exposes the composed rule set.
func (g *Gate) Registry() *registry.Registry {
	return g.registry
}

// Sessions exposes the session state machine.
func (g *Gate) Sessions() *session.Manager {
	return g.sessions
}

// SessionAudit adapts the gate's audit logger for the session state
// machine, so both ends of the flow log through one sink.
func (g *Gate) SessionAudit() session.AuditFunc {
	return g.audit.sessionFunc()
}

// Close shuts down background dispatchers.
func (g *Gate) Close() {
	if g.webhook != nil {
		g.webhook.close()
	}
}
