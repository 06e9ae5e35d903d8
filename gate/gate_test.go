package gate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sudogate/principal"
	"github.com/jmcleod/sudogate/registry"
	"github.com/jmcleod/sudogate/session"
	"github.com/jmcleod/sudogate/stash"
	"github.com/jmcleod/sudogate/storage/memory"
)

const principalHeader = "X-Test-Principal"

type capturedRequest struct {
	Method string
	Path   string
	Form   url.Values
	Body   string
}

// testHost records every request that reaches the host application.
type testHost struct {
	requests []capturedRequest
}

func (h *testHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	_ = r.ParseForm()
	h.requests = append(h.requests, capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Form:   r.PostForm,
		Body:   string(body),
	})
	w.WriteHeader(http.StatusOK)
}

type testEnv struct {
	gate    *Gate
	handler http.Handler
	host    *testHost
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := principal.NewMemoryDirectory()
	require.NoError(t, dir.Add(principal.Principal{ID: "u1", Login: "alice"}, "hunter2"))
	require.NoError(t, dir.Add(principal.Principal{ID: "u2", Login: "bob"}, "swordfish"))

	ttl := memory.NewTTLStore()
	sessions := session.NewManager(memory.NewStore(), ttl, dir, session.Config{})
	st := stash.New(ttl)

	resolve := func(r *http.Request) string { return r.Header.Get(principalHeader) }
	g := New(registry.MustNew(), sessions, st, ttl, resolve, opts...)

	host := &testHost{}
	return &testEnv{gate: g, handler: g.Middleware(host), host: host}
}

func TestDetectSurfaceOrder(t *testing.T) {
	cases := []struct {
		name string
		rc   RuntimeContext
		want registry.Surface
	}{
		{"CLIWinsOverEverything", RuntimeContext{CLI: true, ScheduledJob: true, DeclarativeAPI: true}, registry.SurfaceCLI},
		{"CronBeatsAPIFlag", RuntimeContext{ScheduledJob: true, DeclarativeAPI: true}, registry.SurfaceCron},
		{"LegacyBeatsAsync", RuntimeContext{LegacyRPC: true, AsyncRPC: true}, registry.SurfaceLegacyRPC},
		{"AsyncBeatsInteractive", RuntimeContext{AsyncRPC: true, Interactive: true}, registry.SurfaceAsyncRPC},
		{"APIBeatsInteractive", RuntimeContext{DeclarativeAPI: true, Interactive: true}, registry.SurfaceAPI},
		{"Interactive", RuntimeContext{Interactive: true}, registry.SurfaceInteractive},
		{"NothingIsUnknown", RuntimeContext{}, registry.SurfaceUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectSurface(tc.rc))
		})
	}
}

func TestAnonymousPassesThrough(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/admin/plugins?action=delete", strings.NewReader("plugin=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, env.host.requests, 1)
}

func TestNonSensitivePassesThrough(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/admin/dashboard", nil)
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, env.host.requests, 1)
}

func TestInteractiveDeferChallengeReplay(t *testing.T) {
	env := newTestEnv(t)

	// 1. Sensitive admin POST without elevation is stashed and the
	// principal is redirected into the challenge flow.
	form := url.Values{
		"action": {"delete-selected"},
		"plugin": {"hello-dolly", "akismet"},
	}
	req := httptest.NewRequest("POST", "/admin/plugins?page=2", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Empty(t, env.host.requests, "deferred request never reaches the host")

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/sudo/challenge", loc.Path)
	key := loc.Query().Get(StashParam)
	require.NotEmpty(t, key)

	// 2. Correct password elevates and immediately replays the stashed
	// request into the host, body verbatim.
	challenge := url.Values{"password": {"hunter2"}, StashParam: {key}}
	req = httptest.NewRequest("POST", "/sudo/challenge", strings.NewReader(challenge.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	w = httptest.NewRecorder()
	env.gate.HandleChallenge(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.host.requests, 1)
	replayed := env.host.requests[0]
	assert.Equal(t, "POST", replayed.Method)
	assert.Equal(t, "/admin/plugins", replayed.Path)
	assert.Equal(t, []string{"hello-dolly", "akismet"}, replayed.Form["plugin"])
	assert.Equal(t, "delete-selected", replayed.Form.Get("action"))

	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == "sudogate_token" {
			token = c.Value
		}
	}
	require.NotEmpty(t, token, "binding cookie set on success")

	// 3. With the binding cookie, the same sensitive POST now passes
	// straight through.
	req = httptest.NewRequest("POST", "/admin/plugins", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	req.AddCookie(&http.Cookie{Name: "sudogate_token", Value: token})
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, env.host.requests, 2)

	// 4. The stash was consumed: replaying the same key again falls
	// back to the safe landing location.
	req = httptest.NewRequest("POST", "/sudo/challenge", strings.NewReader(challenge.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	w = httptest.NewRecorder()
	env.gate.HandleChallenge(w, req)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/admin/", w.Header().Get("Location"))
}

func TestStashIsPrincipalBound(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/admin/export?action=download", nil)
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusSeeOther, w.Code)

	loc, _ := url.Parse(w.Header().Get("Location"))
	key := loc.Query().Get(StashParam)
	require.NotEmpty(t, key)

	// A different principal authenticating with the stolen key gets
	// their own session but never the foreign stash.
	challenge := url.Values{"password": {"swordfish"}, StashParam: {key}}
	req = httptest.NewRequest("POST", "/sudo/challenge", strings.NewReader(challenge.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u2")
	w = httptest.NewRecorder()
	env.gate.HandleChallenge(w, req)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/admin/", w.Header().Get("Location"))
	assert.Empty(t, env.host.requests)
}

func TestWrongPasswordDoesNotReplay(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/admin/export?action=download", nil)
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	loc, _ := url.Parse(w.Header().Get("Location"))
	key := loc.Query().Get(StashParam)

	challenge := url.Values{"password": {"wrong"}, StashParam: {key}}
	req = httptest.NewRequest("POST", "/sudo/challenge", strings.NewReader(challenge.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	w = httptest.NewRecorder()
	env.gate.HandleChallenge(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_password")
	assert.Empty(t, env.host.requests)
}

func TestGetReplaysAsRedirect(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/admin/export?action=download&content=all", nil)
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	loc, _ := url.Parse(w.Header().Get("Location"))
	key := loc.Query().Get(StashParam)

	challenge := url.Values{"password": {"hunter2"}, StashParam: {key}}
	req = httptest.NewRequest("POST", "/sudo/challenge", strings.NewReader(challenge.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	w = httptest.NewRecorder()
	env.gate.HandleChallenge(w, req)

	require.Equal(t, http.StatusSeeOther, w.Code)
	target, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/admin/export", target.Path)
	assert.Equal(t, "download", target.Query().Get("action"))
	assert.Equal(t, "all", target.Query().Get("content"))
	assert.Empty(t, env.host.requests, "GET replays as a redirect, not a dispatch")
}

func TestAsyncSoftBlock(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"action": {"delete-plugin"}, "plugin": {"x"}}
	req := httptest.NewRequest("POST", "/admin/async", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	// HTTP 200 on purpose: JSON clients parse it on their success path.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), CodeSudoRequired)
	assert.Contains(t, w.Body.String(), "plugin.delete")
	assert.Empty(t, env.host.requests)

	// The soft block left a notice for the next page render, consumed
	// on read.
	req = httptest.NewRequest("GET", "/sudo/notice", nil)
	req.Header.Set(principalHeader, "u1")
	w = httptest.NewRecorder()
	env.gate.HandleNotice(w, req)
	assert.Contains(t, w.Body.String(), `"blocked":true`)

	w = httptest.NewRecorder()
	env.gate.HandleNotice(w, httptest.NewRequest("GET", "/sudo/notice", nil))
	assert.Contains(t, w.Body.String(), `"blocked":false`)
}

func TestAPISessionBoundSoftBlock(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("DELETE", "/api/v1/plugins/hello-dolly", nil)
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), CodeSudoRequired)
	assert.Empty(t, env.host.requests)
}

func TestAPIKeyPolicyTiers(t *testing.T) {
	apiKeyResolver := func(r *http.Request) Credential {
		if id := r.Header.Get("X-Api-Key"); id != "" {
			return Credential{Kind: CredentialAPIKey, ID: id}
		}
		return Credential{Kind: CredentialSession}
	}

	t.Run("OverrideBeatsGlobalLimited", func(t *testing.T) {
		env := newTestEnv(t,
			WithCredentialResolver(apiKeyResolver),
			WithPolicies(Policies{
				API:             TierLimited,
				APIKeyOverrides: map[string]Tier{"trusted-key": TierUnrestricted},
			}))

		req := httptest.NewRequest("DELETE", "/api/v1/plugins/hello-dolly", nil)
		req.Header.Set("X-Api-Key", "trusted-key")
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, env.host.requests, 1)
	})

	t.Run("GlobalLimitedBlocks", func(t *testing.T) {
		env := newTestEnv(t, WithCredentialResolver(apiKeyResolver))

		req := httptest.NewRequest("DELETE", "/api/v1/plugins/hello-dolly", nil)
		req.Header.Set("X-Api-Key", "other-key")
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), CodeSudoBlocked)
	})

	t.Run("DisabledOverride", func(t *testing.T) {
		env := newTestEnv(t,
			WithCredentialResolver(apiKeyResolver),
			WithPolicies(Policies{
				API:             TierUnrestricted,
				APIKeyOverrides: map[string]Tier{"banned-key": TierDisabled},
			}))

		req := httptest.NewRequest("DELETE", "/api/v1/plugins/hello-dolly", nil)
		req.Header.Set("X-Api-Key", "banned-key")
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), CodeSudoDisabled)
	})
}

func TestAPIBodySurvivesMatching(t *testing.T) {
	env := newTestEnv(t)

	// A GraphQL query (no mutation) must pass through with its body
	// intact after the predicate read it.
	body := `{"query":"query { plugins { name } }"}`
	req := httptest.NewRequest("POST", "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.host.requests, 1)
	assert.Equal(t, body, env.host.requests[0].Body)
}

func TestGraphQLMutationBlocked(t *testing.T) {
	env := newTestEnv(t)

	body := `{"query":"mutation { deleteUser(id: 7) }"}`
	req := httptest.NewRequest("POST", "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "graphql.mutation")
}

func TestDisabledSurfaces(t *testing.T) {
	env := newTestEnv(t, WithPolicies(Policies{Cron: TierDisabled, LegacyRPC: TierDisabled}))

	for _, path := range []string{"/cron", "/xmlrpc"} {
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, httptest.NewRequest("POST", path, nil))
		assert.Equal(t, http.StatusForbidden, w.Code, path)
		assert.Contains(t, w.Body.String(), CodeSudoDisabled)
	}
	assert.Empty(t, env.host.requests)
}

func TestGuardMutation(t *testing.T) {
	ctx := context.Background()

	t.Run("Unrestricted", func(t *testing.T) {
		env := newTestEnv(t, WithPolicies(Policies{CLI: TierUnrestricted}))
		assert.NoError(t, env.gate.GuardMutation(ctx, registry.SurfaceCLI, "plugin.delete"))
	})

	t.Run("Limited", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.gate.GuardMutation(ctx, registry.SurfaceCLI, "plugin.delete")
		assert.ErrorIs(t, err, ErrElevationRequired)
	})

	t.Run("Disabled", func(t *testing.T) {
		env := newTestEnv(t, WithPolicies(Policies{CLI: TierDisabled}))
		assert.ErrorIs(t, env.gate.CheckSurface(registry.SurfaceCLI), ErrSurfaceDisabled)
		assert.ErrorIs(t, env.gate.GuardMutation(ctx, registry.SurfaceCLI, "plugin.delete"), ErrSurfaceDisabled)
	})
}

func TestDeactivateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	challenge := url.Values{"password": {"hunter2"}}
	req := httptest.NewRequest("POST", "/sudo/challenge", strings.NewReader(challenge.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(principalHeader, "u1")
	w := httptest.NewRecorder()
	env.gate.HandleChallenge(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == "sudogate_token" {
			token = c.Value
		}
	}
	require.NotEmpty(t, token)

	req = httptest.NewRequest("GET", "/sudo/status", nil)
	req.Header.Set(principalHeader, "u1")
	req.AddCookie(&http.Cookie{Name: "sudogate_token", Value: token})
	w = httptest.NewRecorder()
	env.gate.HandleStatus(w, req)
	assert.Contains(t, w.Body.String(), `"active":true`)

	req = httptest.NewRequest("POST", "/sudo/deactivate", nil)
	req.Header.Set(principalHeader, "u1")
	w = httptest.NewRecorder()
	env.gate.HandleDeactivate(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/sudo/status", nil)
	req.Header.Set(principalHeader, "u1")
	req.AddCookie(&http.Cookie{Name: "sudogate_token", Value: token})
	w = httptest.NewRecorder()
	env.gate.HandleStatus(w, req)
	assert.Contains(t, w.Body.String(), `"active":false`)
}
