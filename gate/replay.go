package gate

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/sudogate/stash"
)

// Replay re-issues the stashed request after a successful challenge.
// GET replays as a redirect to the original URL; other verbs are
// re-dispatched into the host handler carrying the stashed body
// verbatim. The stash entry is consumed first, so a concurrent double
// submission observes a miss and falls back to the safe landing
// location instead of replaying twice.
func (g *Gate) Replay(w http.ResponseWriter, r *http.Request, principalID, key string) {
	rec, err := g.stash.Take(r.Context(), principalID, key)
	if errors.Is(err, stash.ErrNotFound) {
		g.audit.logEvent(AuditReplayMissed, r, principalID)
		http.Redirect(w, r, g.paths.Fallback, http.StatusSeeOther)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not retrieve deferred request")
		return
	}

	g.audit.logEvent(AuditReplayed, r, principalID,
		slog.String("rule_id", rec.RuleID),
		slog.String("method", rec.Method))

	if rec.Method == http.MethodGet {
		http.Redirect(w, r, targetWithQuery(rec), http.StatusSeeOther)
		return
	}
	g.dispatch(w, r, rec)
}

// dispatch rebuilds the captured request and runs it through the host
// handler as if freshly submitted.
func (g *Gate) dispatch(w http.ResponseWriter, r *http.Request, rec stash.Record) {
	if g.host == nil {
		writeError(w, http.StatusInternalServerError, "no host handler installed")
		return
	}

	var body string
	contentType := rec.ContentType
	if len(rec.RawBody) > 0 {
		body = string(rec.RawBody)
	} else {
		body = rec.Body.Encode()
		contentType = "application/x-www-form-urlencoded"
	}

	replayed, err := http.NewRequestWithContext(r.Context(), rec.Method, targetWithQuery(rec), strings.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not rebuild deferred request")
		return
	}
	if contentType != "" {
		replayed.Header.Set("Content-Type", contentType)
	}
	// Carry the live request's cookies so the host sees the same
	// authenticated caller. The fresh binding token is not among them:
	// it was issued via Set-Cookie on this response and only reaches us
	// on the browser's next request.
	for _, c := range r.Cookies() {
		replayed.AddCookie(c)
	}
	replayed.RemoteAddr = r.RemoteAddr

	g.host.ServeHTTP(w, replayed)
}

func targetWithQuery(rec stash.Record) string {
	if len(rec.Query) == 0 {
		return rec.TargetURL
	}
	return rec.TargetURL + "?" + rec.Query.Encode()
}
