package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "opendxa-processing"

var ErrNoTeams = errors.New("token carries no team memberships")

// Claims are the HMAC-signed tokens issued by the web application
type Claims struct {
	UserID  string   `json:"userId"`
	Email   string   `json:"email,omitempty"`
	TeamIDs []string `json:"teamIds"`
	jwt.RegisteredClaims
}

// InTeam reports whether the token grants access to teamID
func (c *Claims) InTeam(teamID string) bool {
	return slices.Contains(c.TeamIDs, teamID)
}

// ValidateToken parses and verifies a token signed with secret
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if len(claims.TeamIDs) == 0 {
		return nil, ErrNoTeams
	}
	return claims, nil
}

// GenerateToken signs a token for userID with the given teams. ttl of zero
// issues a token without expiry.
func GenerateToken(secret, userID string, teamIDs []string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:  userID,
		TeamIDs: teamIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
