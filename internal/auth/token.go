package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the session-token claims: which strategy proved the
// identity, the subject within that strategy, and the capability mask
// granted at issue time.
type Claims struct {
	Strategy string `json:"strategy"`
	Subject  string `json:"subject"`
	Caps     uint32 `json:"caps"`
	jwt.RegisteredClaims
}

// TokenConfig holds session-token signing configuration.
type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	// TTL of zero issues non-expiring tokens; revocation then relies
	// entirely on the identity fencepost.
	TTL time.Duration
}

// TokenCodec signs and verifies session tokens.
type TokenCodec struct {
	cfg TokenConfig
}

// NewTokenCodec builds a codec from the given configuration.
func NewTokenCodec(cfg TokenConfig) *TokenCodec {
	return &TokenCodec{cfg: cfg}
}

// Issue signs a token for the identity, capping the granted mask at the
// identity's current capabilities.
func (t *TokenCodec) Issue(id *Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		Strategy: id.Strategy,
		Subject:  id.Subject,
		Caps:     uint32(id.Caps),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   t.cfg.Issuer,
			Audience: jwt.ClaimStrings{t.cfg.Audience},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.cfg.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.cfg.TTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and registered claims of a token.
func (t *TokenCodec) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if t.cfg.Issuer != "" && claims.Issuer != t.cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	if t.cfg.Audience != "" {
		valid := false
		for _, aud := range claims.Audience {
			if aud == t.cfg.Audience {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	return claims, nil
}
