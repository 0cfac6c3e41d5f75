package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	tok, err := GenerateToken("secret", "user-1", []string{"team-1", "team-2"}, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(tok, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.True(t, claims.InTeam("team-2"))
	assert.False(t, claims.InTeam("team-3"))
}

func TestValidateToken_Rejects(t *testing.T) {
	wrongSecret, err := GenerateToken("other", "user-1", []string{"team-1"}, time.Hour)
	require.NoError(t, err)
	_, err = ValidateToken(wrongSecret, "secret")
	assert.Error(t, err)

	past := Claims{
		UserID:  "user-1",
		TeamIDs: []string{"team-1"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, past).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ValidateToken(expired, "secret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	noTeams, err := GenerateToken("secret", "user-1", nil, time.Hour)
	require.NoError(t, err)
	_, err = ValidateToken(noTeams, "secret")
	assert.ErrorIs(t, err, ErrNoTeams)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u", TeamIDs: []string{"team-1"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ValidateToken(unsigned, "secret")
	assert.Error(t, err)
}
