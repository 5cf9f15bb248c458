package auth

import (
	"testing"
	"time"

	"github.com/lalith-99/hghs/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService(t *testing.T, alg string, clk clock.Clock) *TokenService {
	t.Helper()
	svc, err := NewTokenService("test-secret", alg, 5, "example.org", clk)
	require.NoError(t, err)
	return svc
}

func TestTokenRoundTrip(t *testing.T) {
	for _, alg := range []string{"HS256", "HS384", "HS512"} {
		t.Run(alg, func(t *testing.T) {
			clk := clock.Fake(time.Unix(1_700_000_000, 0))
			svc := newTestTokenService(t, alg, clk)

			token, issued, err := svc.CreateToken("@alice:example.org", "DEVICE1")
			require.NoError(t, err)
			assert.NotEmpty(t, issued.TokenID)
			assert.Equal(t, clk.Now().Add(5*time.Minute), issued.ExpiresAt)

			got, err := svc.VerifyToken(token)
			require.NoError(t, err)
			assert.Equal(t, "@alice:example.org", got.UserID)
			assert.Equal(t, "DEVICE1", got.DeviceID)
			assert.Equal(t, issued.TokenID, got.TokenID)
		})
	}
}

func TestTokenIDsAreUnique(t *testing.T) {
	svc := newTestTokenService(t, "HS256", clock.Fake(time.Unix(1_700_000_000, 0)))

	_, a, err := svc.CreateToken("@alice:example.org", "D")
	require.NoError(t, err)
	_, b, err := svc.CreateToken("@alice:example.org", "D")
	require.NoError(t, err)
	assert.NotEqual(t, a.TokenID, b.TokenID)
}

func TestVerifyTokenExpired(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	svc := newTestTokenService(t, "HS256", clk)

	token, _, err := svc.CreateToken("@alice:example.org", "DEVICE1")
	require.NoError(t, err)

	clk.Advance(4 * time.Minute)
	_, err = svc.VerifyToken(token)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = svc.VerifyToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenInvalid(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	svc := newTestTokenService(t, "HS256", clk)

	other, err := NewTokenService("another-secret", "HS256", 5, "example.org", clk)
	require.NoError(t, err)
	foreign, _, err := other.CreateToken("@alice:example.org", "DEVICE1")
	require.NoError(t, err)

	hs512 := newTestTokenService(t, "HS512", clk)
	wrongAlg, _, err := hs512.CreateToken("@alice:example.org", "DEVICE1")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", foreign},
		{"wrong algorithm", wrongAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.VerifyToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewTokenServiceRejectsUnsupportedAlgorithm(t *testing.T) {
	for _, alg := range []string{"RS256", "ES256", "none", "HS1024", ""} {
		t.Run(alg, func(t *testing.T) {
			_, err := NewTokenService("secret", alg, 5, "example.org", nil)
			assert.ErrorIs(t, err, ErrSigning)
		})
	}
}

func TestNewTokenServiceValidatesInputs(t *testing.T) {
	_, err := NewTokenService("", "HS256", 5, "example.org", nil)
	assert.ErrorIs(t, err, ErrSigning)

	_, err = NewTokenService("secret", "HS256", 0, "example.org", nil)
	assert.Error(t, err)
}
