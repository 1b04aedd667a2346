package auth

import (
	"errors"
	"fmt"
	"time"

	"collab-server/core"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("missing token")

// AppClaims represents the custom claims carried by participant tokens.
type AppClaims struct {
	jwt.RegisteredClaims
	Login string `json:"login,omitempty"`
	Name  string `json:"name"`
}

// Participant maps the claims onto a session participant. The display name
// falls back to the login, then to the subject.
func (c *AppClaims) Participant() core.Participant {
	name := c.Name
	if name == "" {
		name = c.Login
	}
	if name == "" {
		name = c.Subject
	}
	return core.Participant{ID: c.Subject, Name: name}
}

// Verifier checks HS256 participant tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

func (v *Verifier) ParseJWT(tokenString string) (*AppClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// Authenticate resolves a raw token to the participant it identifies.
func (v *Verifier) Authenticate(tokenString string) (core.Participant, error) {
	claims, err := v.ParseJWT(tokenString)
	if err != nil {
		return core.Participant{}, err
	}
	return claims.Participant(), nil
}

// CreateJWT signs a token for participant p valid for ttl.
func (v *Verifier) CreateJWT(p core.Participant, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Name: p.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
