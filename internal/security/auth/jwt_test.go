package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", "")
	tok, err := tm.GenerateToken("t1", "u1", "a@example.com", domain.RoleTrainer, time.Hour)
	require.NoError(t, err)

	claims, err := tm.ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, domain.RoleTrainer, claims.Role)
}

func TestTokenRejections(t *testing.T) {
	tm := NewTokenManager("secret", "")

	_, err := tm.GenerateToken("", "u1", "", domain.RoleAdmin, time.Hour)
	require.Error(t, err)
	_, err = tm.GenerateToken("t1", "u1", "", domain.Role("ROOT"), time.Hour)
	require.Error(t, err)

	expired, err := tm.GenerateToken("t1", "u1", "", domain.RoleAdmin, -time.Minute)
	require.NoError(t, err)
	_, err = tm.ValidateToken(expired)
	require.Error(t, err)

	other := NewTokenManager("other-secret", "")
	tok, err := other.GenerateToken("t1", "u1", "", domain.RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = tm.ValidateToken(tok)
	require.Error(t, err)

	foreign := NewTokenManager("secret", "someone-else")
	tok, err = foreign.GenerateToken("t1", "u1", "", domain.RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = tm.ValidateToken(tok)
	require.Error(t, err, "issuer must match")
}

func TestExtractToken(t *testing.T) {
	tok, err := ExtractToken("Bearer abc")
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	for _, h := range []string{"", "abc", "Basic abc", "Bearer a b"} {
		_, err := ExtractToken(h)
		require.Error(t, err, h)
	}
}
