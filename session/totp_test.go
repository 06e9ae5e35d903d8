package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sudogate/principal"
)

func TestTOTPProvider(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)

	dir := principal.NewMemoryDirectory()
	require.NoError(t, dir.Add(principal.Principal{ID: "u1", Login: "alice", TOTPSecret: secret}, "pw"))
	require.NoError(t, dir.Add(principal.Principal{ID: "u2", Login: "bob"}, "pw"))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewTOTPProvider(dir)
	p.now = func() time.Time { return at }
	ctx := context.Background()

	t.Run("RequiredOnlyWithSecret", func(t *testing.T) {
		required, err := p.Required(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, required)

		required, err = p.Required(ctx, "u2")
		require.NoError(t, err)
		assert.False(t, required)

		required, err = p.Required(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, required)
	})

	t.Run("CurrentCodeValidates", func(t *testing.T) {
		code, err := totpCodeAt(secret, at)
		require.NoError(t, err)
		ok, err := p.Validate(ctx, "u1", code)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("AdjacentWindowAccepted", func(t *testing.T) {
		code, err := totpCodeAt(secret, at.Add(-30*time.Second))
		require.NoError(t, err)
		ok, err := p.Validate(ctx, "u1", code)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("SpacesInCodeTolerated", func(t *testing.T) {
		code, err := totpCodeAt(secret, at)
		require.NoError(t, err)
		spaced := code[:3] + " " + code[3:]
		ok, err := p.Validate(ctx, "u1", spaced)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("MalformedCodeRejected", func(t *testing.T) {
		for _, code := range []string{"", "12345", "1234567", "abcdef"} {
			ok, err := p.Validate(ctx, "u1", code)
			require.NoError(t, err)
			assert.False(t, ok, "code %q", code)
		}
	})

	t.Run("NoSecretNeverValidates", func(t *testing.T) {
		ok, err := p.Validate(ctx, "u2", "123456")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestOTPAuthURL(t *testing.T) {
	u := OTPAuthURL("SECRET123", "alice")
	assert.True(t, strings.HasPrefix(u, "otpauth://totp/Sudogate:alice?"))
	assert.Contains(t, u, "secret=SECRET123")
	assert.Contains(t, u, "digits=6")
	assert.Contains(t, u, "period=30")
}
