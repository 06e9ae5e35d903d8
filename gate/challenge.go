package gate

import (
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/sudogate/session"
	"github.com/jmcleod/sudogate/storage"
)

//go:embed openapi.yaml
var openapiSpec []byte

// ChallengeRouter returns the challenge-flow endpoints as a chi.Router,
// ready to mount wherever the host serves the challenge UI from. The
// handlers are thin: they collect credentials, drive the session state
// machine, and hand off to Replay.
func (g *Gate) ChallengeRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/sudo/openapi.yaml",
		Path:    "sudo/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/sudo/openapi.yaml",
		Path:    "sudo/redoc",
	}, nil))

	r.Post("/challenge", g.HandleChallenge)
	r.Post("/challenge/2fa", g.HandleTwoFactor)
	r.Post("/deactivate", g.HandleDeactivate)
	r.Get("/status", g.HandleStatus)
	r.Get("/notice", g.HandleNotice)

	return r
}

// HandleChallenge is the password step. On success with a stashed
// request, the response tells the client where to resume; the actual
// replay happens when the client follows ReplayTo to HandleReplay via
// the challenge page, or immediately for form posts.
func (g *Gate) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	principalID := g.principalFn(r)
	if principalID == "" {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	req, ok := g.challengeInput(w, r)
	if !ok {
		return
	}

	res, err := g.sessions.AttemptActivation(r.Context(), principalID, []byte(req.Password))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "activation failed")
		return
	}
	session.ApplyMutations(w, res.Mutations)

	if res.Code == session.CodeSuccess && req.StashKey != "" {
		g.Replay(w, r, principalID, req.StashKey)
		return
	}
	writeChallengeResult(w, res)
}

// HandleTwoFactor is the second-factor step. The challenge nonce comes
// from the browser-bound cookie set by the password step.
func (g *Gate) HandleTwoFactor(w http.ResponseWriter, r *http.Request) {
	principalID := g.principalFn(r)
	if principalID == "" {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	req, ok := g.twoFactorInput(w, r)
	if !ok {
		return
	}

	nonce := g.sessions.Config().ChallengeNonce(r)
	res, err := g.sessions.ValidateTwoFactor(r.Context(), principalID, nonce, req.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}
	session.ApplyMutations(w, res.Mutations)

	if res.Code == session.CodeSuccess && req.StashKey != "" {
		g.Replay(w, r, principalID, req.StashKey)
		return
	}
	writeChallengeResult(w, res)
}

// HandleDeactivate drops the elevated session early.
func (g *Gate) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	principalID := g.principalFn(r)
	if principalID == "" {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	muts, err := g.sessions.Deactivate(r.Context(), principalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deactivation failed")
		return
	}
	session.ApplyMutations(w, muts)
	writeJSON(w, http.StatusOK, ChallengeResponse{Code: string(session.CodeSuccess)})
}

// HandleStatus reports whether the caller currently holds an elevated
// session.
func (g *Gate) HandleStatus(w http.ResponseWriter, r *http.Request) {
	principalID := g.principalFn(r)
	if principalID == "" {
		writeJSON(w, http.StatusOK, StatusResponse{Active: false})
		return
	}
	active := g.sessions.IsActive(r.Context(), principalID, g.sessions.Config().Token(r))
	writeJSON(w, http.StatusOK, StatusResponse{Active: active})
}

// HandleNotice consumes the "you were just blocked" flag left by an
// async soft block, for the next interactive page render.
func (g *Gate) HandleNotice(w http.ResponseWriter, r *http.Request) {
	principalID := g.principalFn(r)
	if principalID == "" {
		writeJSON(w, http.StatusOK, NoticeResponse{})
		return
	}
	data, err := g.notices.Get(r.Context(), noticeKey(principalID))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, NoticeResponse{})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read notice")
		return
	}
	_ = g.notices.Delete(r.Context(), noticeKey(principalID))

	var notice blockedNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		writeJSON(w, http.StatusOK, NoticeResponse{})
		return
	}
	writeJSON(w, http.StatusOK, NoticeResponse{
		Blocked: true,
		RuleID:  notice.RuleID,
		Label:   notice.Label,
	})
}

// challengeInput accepts the password step as JSON or as a form post
// from the challenge page.
func (g *Gate) challengeInput(w http.ResponseWriter, r *http.Request) (ChallengeRequest, bool) {
	if isJSON(r) {
		return decodeJSON[ChallengeRequest](w, r)
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return ChallengeRequest{}, false
	}
	return ChallengeRequest{
		Password: r.PostForm.Get("password"),
		StashKey: r.PostForm.Get(StashParam),
	}, true
}

func (g *Gate) twoFactorInput(w http.ResponseWriter, r *http.Request) (TwoFactorRequest, bool) {
	if isJSON(r) {
		return decodeJSON[TwoFactorRequest](w, r)
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return TwoFactorRequest{}, false
	}
	return TwoFactorRequest{
		Code:     r.PostForm.Get("code"),
		StashKey: r.PostForm.Get(StashParam),
	}, true
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

func writeChallengeResult(w http.ResponseWriter, res session.Result) {
	out := ChallengeResponse{Code: string(res.Code)}
	status := http.StatusOK
	switch res.Code {
	case session.CodeSuccess, session.CodeTwoFactorPending:
		if !res.ExpiresAt.IsZero() {
			t := res.ExpiresAt
			out.ExpiresAt = &t
		}
	case session.CodeLockedOut:
		status = http.StatusTooManyRequests
		out.RetryAfterSeconds = int(res.RetryAfter.Seconds())
	case session.CodeInvalidPassword, session.CodeInvalidCode:
		status = http.StatusUnauthorized
	case session.CodeNotAllowed:
		status = http.StatusForbidden
	}
	writeJSON(w, status, out)
}
