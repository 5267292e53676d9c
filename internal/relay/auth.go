package relay

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer-token shape accepted on the auth frame. Only UserID
// is load-bearing; RegisteredClaims carries standard expiry/issuer checks.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

var errUnexpectedSigningMethod = errors.New("relay: unexpected JWT signing method")

// VerifyToken validates tokenString against secret using HS256 and returns
// the claimed user id. It is the sole authentication check on the auth
// frame (spec §6): a token that fails verification does not abort the
// connection (the Python prototype trusts the claimed user_id outright) but
// the caller must flag the connection unverified for logging/metrics.
func VerifyToken(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", errUnexpectedSigningMethod, token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: verify auth token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("relay: invalid auth token")
	}
	return claims, nil
}
