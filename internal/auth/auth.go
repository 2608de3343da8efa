// Package auth verifies the bearer tokens presented on the socket and the
// REST endpoints. Tokens are issued elsewhere; only HS256 is accepted.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken       = errors.New("missing bearer token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string, leeway time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(leeway),
		),
	}
}

// Verify returns the participant named by the token subject.
func (v *Verifier) Verify(token string) (domain.Participant, error) {
	if token == "" {
		return domain.Participant{}, ErrMissingToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return domain.Participant{}, fmt.Errorf("%w: empty subject", ErrInvalidCredentials)
	}
	return domain.Participant{ID: domain.UserID(claims.Subject), DisplayName: claims.Name}, nil
}

// TokenFromRequest reads the Authorization header, falling back to the
// token query parameter browsers use for websockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Identify reads the participant out of token without checking its
// signature. Clients use it to learn their own id; the server never does.
func Identify(token string) (domain.Participant, error) {
	if token == "" {
		return domain.Participant{}, ErrMissingToken
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return domain.Participant{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return domain.Participant{}, fmt.Errorf("%w: empty subject", ErrInvalidCredentials)
	}
	return domain.Participant{ID: domain.UserID(claims.Subject), DisplayName: claims.Name}, nil
}
