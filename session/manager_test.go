package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sudogate/principal"
	"github.com/jmcleod/sudogate/storage/memory"
)

type testClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Sleep(d time.Duration)   { c.sleeps = append(c.sleeps, d) }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *testClock) {
	t.Helper()
	dir := principal.NewMemoryDirectory()
	require.NoError(t, dir.Add(principal.Principal{ID: "u1", Login: "alice"}, "hunter2"))

	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now, clock.Sleep)}, opts...)
	m := NewManager(memory.NewStore(), memory.NewTTLStore(), dir, Config{}, opts...)
	return m, clock
}

func activateToken(t *testing.T, res Result) string {
	t.Helper()
	require.Equal(t, CodeSuccess, res.Code)
	require.Len(t, res.Mutations, 1)
	require.NotNil(t, res.Mutations[0].Cookie)
	return res.Mutations[0].Cookie.Value
}

func TestActivationLifecycle(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token := activateToken(t, res)
	assert.Equal(t, clock.Now().Add(10*time.Minute), res.ExpiresAt)

	assert.True(t, m.IsActive(ctx, "u1", token))
	assert.False(t, m.IsActive(ctx, "u2", token), "other principals stay unelevated")

	muts, err := m.Deactivate(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, muts, 2)
	for _, mut := range muts {
		assert.True(t, mut.Cookie.Expires.Before(clock.Now()))
	}
	assert.False(t, m.IsActive(ctx, "u1", token))
}

func TestTamperedTokenFailsClosed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token := activateToken(t, res)

	flipped := []byte(token)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.False(t, m.IsActive(ctx, "u1", string(flipped)))
	assert.False(t, m.IsActive(ctx, "u1", ""))
}

func TestExpiryAndGraceWindow(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token := activateToken(t, res)

	clock.Advance(10*time.Minute + time.Second)
	assert.False(t, m.IsActive(ctx, "u1", token))
	assert.True(t, m.IsWithinGrace(ctx, "u1", token), "just past expiry is within grace")

	clock.Advance(time.Minute)
	assert.False(t, m.IsWithinGrace(ctx, "u1", token), "grace window is bounded")
	assert.False(t, m.IsActive(ctx, "u1", token))
}

func TestExpiryBoundaryInstant(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token := activateToken(t, res)

	// At exactly expires_at the session is no longer elevated, and the
	// grace window has not started either.
	clock.Advance(10 * time.Minute)
	assert.False(t, m.IsActive(ctx, "u1", token))
	assert.False(t, m.IsWithinGrace(ctx, "u1", token))

	clock.Advance(time.Nanosecond)
	assert.False(t, m.IsActive(ctx, "u1", token))
	assert.True(t, m.IsWithinGrace(ctx, "u1", token))
}

func TestGraceRequiresValidToken(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	activateToken(t, res)

	clock.Advance(10*time.Minute + time.Second)
	assert.False(t, m.IsWithinGrace(ctx, "u1", "not-the-token"))
}

func TestLockoutSequence(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	// Three immediate failures, then throttled ones.
	for i := 0; i < 3; i++ {
		res, err := m.AttemptActivation(ctx, "u1", []byte("wrong"))
		require.NoError(t, err)
		assert.Equal(t, CodeInvalidPassword, res.Code)
	}
	assert.Equal(t, []time.Duration{0, 0, 0}, clock.sleeps)

	res, err := m.AttemptActivation(ctx, "u1", []byte("wrong"))
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidPassword, res.Code)
	assert.Equal(t, 2*time.Second, clock.sleeps[3])

	res, err = m.AttemptActivation(ctx, "u1", []byte("wrong"))
	require.NoError(t, err)
	assert.Equal(t, CodeLockedOut, res.Code)
	assert.Equal(t, 5*time.Minute, res.RetryAfter)
	assert.Equal(t, 5*time.Second, clock.sleeps[4])

	// During lockout even the correct password is refused, with no
	// additional delay: the credential is never checked.
	res, err = m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, CodeLockedOut, res.Code)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Len(t, clock.sleeps, 5)

	// After the lockout elapses the correct password works and the
	// counters reset.
	clock.Advance(5*time.Minute + time.Second)
	res, err = m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	activateToken(t, res)
}

func TestStaleFailuresIgnored(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	for i := 0; i < 4; i++ {
		_, err := m.AttemptActivation(ctx, "u1", []byte("wrong"))
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Hour)
	res, err := m.AttemptActivation(ctx, "u1", []byte("wrong"))
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidPassword, res.Code, "stale counter restarts instead of locking out")
}

func TestReactivationRotatesToken(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	res1, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token1 := activateToken(t, res1)

	res2, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token2 := activateToken(t, res2)

	assert.NotEqual(t, token1, token2)
	assert.False(t, m.IsActive(ctx, "u1", token1), "old token stops validating")
	assert.True(t, m.IsActive(ctx, "u1", token2))
}

func TestScopeMemoization(t *testing.T) {
	m, _ := newTestManager(t)
	scope := NewScope()
	ctx := WithScope(context.Background(), scope)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token := activateToken(t, res)

	assert.True(t, m.IsActive(ctx, "u1", token))

	// Deactivate through a path that bypasses the scope, then confirm
	// the memo still answers true until invalidated.
	require.NoError(t, m.durable.Delete(context.Background(), "elev:u1"))
	assert.True(t, m.IsActive(ctx, "u1", token), "memoized within the request")

	scope.Invalidate("u1")
	assert.False(t, m.IsActive(ctx, "u1", token))
}

func TestDeactivateInvalidatesScope(t *testing.T) {
	m, _ := newTestManager(t)
	scope := NewScope()
	ctx := WithScope(context.Background(), scope)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	token := activateToken(t, res)
	assert.True(t, m.IsActive(ctx, "u1", token))

	_, err = m.Deactivate(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, m.IsActive(ctx, "u1", token))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	res, err := m.AttemptActivation(ctx, "u1", []byte("hunter2"))
	require.NoError(t, err)
	activateToken(t, res)

	require.NoError(t, m.Sweep(ctx))
	keys, err := m.durable.Keys(ctx, "elev:")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "live records survive the sweep")

	clock.Advance(11 * time.Minute)
	require.NoError(t, m.Sweep(ctx))
	keys, err = m.durable.Keys(ctx, "elev:")
	require.NoError(t, err)
	assert.Empty(t, keys, "expired records past grace are removed")
}

func TestDurationCap(t *testing.T) {
	dir := principal.NewMemoryDirectory()
	require.NoError(t, dir.Add(principal.Principal{ID: "u1", Login: "alice"}, "hunter2"))
	clock := newTestClock()
	m := NewManager(memory.NewStore(), memory.NewTTLStore(), dir,
		Config{Duration: time.Hour}, WithClock(clock.Now, clock.Sleep))

	res, err := m.AttemptActivation(context.Background(), "u1", []byte("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), res.ExpiresAt)
}
