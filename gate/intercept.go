package gate

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/sudogate/registry"
	"github.com/jmcleod/sudogate/session"
	"github.com/jmcleod/sudogate/stash"
)

const (
	// maxMatchBodySize bounds how much of an API body is read for
	// predicate matching. The remainder streams through untouched.
	maxMatchBodySize = 1 << 20

	// noticeTTL is how long the "you were just blocked" flag survives
	// for the next interactive page render.
	noticeTTL = 2 * time.Minute

	// StashParam is the query parameter carrying the stash key through
	// the challenge redirect.
	StashParam = "stash"
)

// Middleware wraps the host handler with interception. It must enclose
// the host's own routing: the gate decides before the host handler
// runs. The wrapped handler is also the dispatch target for replays.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	g.host = next
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := session.WithScope(r.Context(), session.NewScope())
		r = r.WithContext(ctx)

		switch g.RequestSurface(r) {
		case registry.SurfaceInteractive:
			g.interceptInteractive(w, r, next)
		case registry.SurfaceAsyncRPC:
			g.interceptAsync(w, r, next)
		case registry.SurfaceAPI:
			g.interceptAPI(w, r, next)
		case registry.SurfaceCron:
			g.interceptEarly(w, r, next, registry.SurfaceCron)
		case registry.SurfaceLegacyRPC:
			g.interceptEarly(w, r, next, registry.SurfaceLegacyRPC)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// interceptInteractive defers matched requests from principals without
// a live elevated session: the request is stashed verbatim and the
// principal is redirected into the challenge flow.
func (g *Gate) interceptInteractive(w http.ResponseWriter, r *http.Request, next http.Handler) {
	principalID := g.principalFn(r)
	if principalID == "" {
		next.ServeHTTP(w, r)
		return
	}

	req := g.interactiveRequest(r)
	rule, ok := g.registry.Match(registry.SurfaceInteractive, req)
	if !ok {
		next.ServeHTTP(w, r)
		return
	}
	if g.sessions.IsActive(r.Context(), principalID, g.sessions.Config().Token(r)) {
		next.ServeHTTP(w, r)
		return
	}

	key, err := g.stash.Save(r.Context(), stash.Record{
		PrincipalID: principalID,
		RuleID:      rule.ID,
		Label:       rule.Label,
		Method:      r.Method,
		TargetURL:   r.URL.Path,
		Query:       r.URL.Query(),
		Body:        r.PostForm,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not defer request")
		return
	}

	g.audit.logEvent(AuditDeferred, r, principalID,
		slog.String("rule_id", rule.ID),
		slog.String("stash_key_set", "true"))

	target := g.paths.Challenge + "?" + url.Values{StashParam: {key}}.Encode()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// interceptAsync soft-blocks matched async-RPC calls. The response is
// HTTP 200 with a logical failure code so JSON-parsing clients route it
// through their normal success-path parser, and a short-lived notice
// flag is persisted for the next page render as a fallback.
func (g *Gate) interceptAsync(w http.ResponseWriter, r *http.Request, next http.Handler) {
	principalID := g.principalFn(r)
	if principalID == "" {
		next.ServeHTTP(w, r)
		return
	}

	_ = r.ParseForm()
	req := &registry.Request{
		Surface: registry.SurfaceAsyncRPC,
		Method:  r.Method,
		Path:    r.URL.Path,
		Action:  r.Form.Get("action"),
		Query:   r.URL.Query(),
		Form:    r.PostForm,
	}
	rule, ok := g.registry.Match(registry.SurfaceAsyncRPC, req)
	if !ok {
		next.ServeHTTP(w, r)
		return
	}
	if g.sessions.IsActive(r.Context(), principalID, g.sessions.Config().Token(r)) {
		next.ServeHTTP(w, r)
		return
	}

	if data, err := json.Marshal(blockedNotice{RuleID: rule.ID, Label: rule.Label}); err == nil {
		_ = g.notices.Set(r.Context(), noticeKey(principalID), data, noticeTTL)
	}
	g.audit.logEvent(AuditSoftBlocked, r, principalID,
		slog.String("rule_id", rule.ID),
		slog.String("surface", string(registry.SurfaceAsyncRPC)))

	writeJSON(w, http.StatusOK, BlockResponse{
		Code:    CodeSudoRequired,
		RuleID:  rule.ID,
		Message: "this action requires an elevated session",
	})
}

// interceptAPI runs after the gate's route match but before the host
// handler. API-key callers get the three-tier policy; session-bound
// callers always get a soft elevation error they can resolve through
// the challenge flow.
func (g *Gate) interceptAPI(w http.ResponseWriter, r *http.Request, next http.Handler) {
	req, ok := g.apiRequest(w, r)
	if !ok {
		return
	}
	rule, matched := g.registry.Match(registry.SurfaceAPI, req)
	if !matched {
		next.ServeHTTP(w, r)
		return
	}

	cred := g.credentialFn(r)
	if cred.Kind == CredentialAPIKey {
		switch g.policies.forAPIKey(cred.ID) {
		case TierUnrestricted:
			next.ServeHTTP(w, r)
		case TierDisabled:
			// Disabled is silent by design: the surface does not exist
			// for this credential, so there is nothing to audit.
			writeJSON(w, http.StatusForbidden, BlockResponse{
				Code:    CodeSudoDisabled,
				Message: "this operation is disabled on this surface",
			})
		default:
			g.audit.log(r.Context(), AuditPolicyBlocked, r,
				slog.String("rule_id", rule.ID),
				slog.String("credential_id", cred.ID),
				slog.String("surface", string(registry.SurfaceAPI)))
			writeJSON(w, http.StatusForbidden, BlockResponse{
				Code:    CodeSudoBlocked,
				RuleID:  rule.ID,
				Message: "this operation requires an elevated session",
			})
		}
		return
	}

	principalID := g.principalFn(r)
	if principalID == "" {
		next.ServeHTTP(w, r)
		return
	}
	if g.sessions.IsActive(r.Context(), principalID, g.sessions.Config().Token(r)) {
		next.ServeHTTP(w, r)
		return
	}

	g.audit.logEvent(AuditSoftBlocked, r, principalID,
		slog.String("rule_id", rule.ID),
		slog.String("surface", string(registry.SurfaceAPI)))
	writeJSON(w, http.StatusUnauthorized, BlockResponse{
		Code:    CodeSudoRequired,
		RuleID:  rule.ID,
		Message: "this operation requires an elevated session",
	})
}

// interceptEarly is the once-per-request check for the scheduled-job
// and legacy-RPC endpoints. Disabled terminates the surface outright;
// limited interception happens at the mutation primitives via
// GuardMutation, not here.
func (g *Gate) interceptEarly(w http.ResponseWriter, r *http.Request, next http.Handler, surface registry.Surface) {
	if err := g.CheckSurface(surface); err != nil {
		writeJSON(w, http.StatusForbidden, BlockResponse{
			Code:    CodeSudoDisabled,
			Message: "this surface is disabled",
		})
		return
	}
	next.ServeHTTP(w, r)
}

// interactiveRequest parses an admin-UI request into the registry's
// view. The route is the first path segment under the admin prefix;
// the action arrives as a query or form parameter.
func (g *Gate) interactiveRequest(r *http.Request) *registry.Request {
	_ = r.ParseForm()
	route := strings.TrimPrefix(r.URL.Path, g.paths.AdminPrefix)
	if i := strings.IndexByte(route, '/'); i >= 0 {
		route = route[:i]
	}
	return &registry.Request{
		Surface:       registry.SurfaceInteractive,
		Method:        r.Method,
		Path:          r.URL.Path,
		Route:         route,
		Action:        r.Form.Get("action"),
		ConfirmAction: r.Form.Get("confirm_action"),
		Query:         r.URL.Query(),
		Form:          r.PostForm,
	}
}

// apiRequest reads a bounded prefix of the body for predicate matching
// and restores it so the host handler sees the original stream.
func (g *Gate) apiRequest(w http.ResponseWriter, r *http.Request) (*registry.Request, bool) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxMatchBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read request body")
			return nil, false
		}
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	}
	return &registry.Request{
		Surface: registry.SurfaceAPI,
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Body:    body,
	}, true
}

func noticeKey(principalID string) string {
	return "notice:" + principalID
}
