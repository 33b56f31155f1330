// Package auth resolves the identity of the user making a request.
// The rest of the system treats the identity as an opaque user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = errors.New("no caller identity")

type ctxKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the user id in ctx, or "" when there is none.
func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Resolver extracts the caller identity from a request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderResolver trusts a header set by an authenticating proxy in
// front of the service.
type HeaderResolver struct {
	Header string
}

// Resolve returns the trimmed header value.
func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(h.Header))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// Claims is the token payload; the subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTResolver verifies HMAC-signed bearer tokens.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver for tokens signed with secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve validates the Authorization bearer token and returns its
// subject.
func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrNoIdentity
	}
	return j.Verify(strings.TrimSpace(token))
}

// Verify parses a token string and returns its subject.
func (j *JWTResolver) Verify(tokenString string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrNoIdentity)
	}
	return claims.Subject, nil
}

// Sign issues a token for userID. Used by the CLI and tests.
func (j *JWTResolver) Sign(userID string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims})
	return token.SignedString(j.secret)
}

// NewResolver builds the resolver for mode ("header" or "jwt").
func NewResolver(mode, header, secret string) (Resolver, error) {
	switch mode {
	case "", "header":
		if header == "" {
			header = "X-User-ID"
		}
		return HeaderResolver{Header: header}, nil
	case "jwt":
		if secret == "" {
			return nil, errors.New("jwt mode requires a secret")
		}
		return NewJWTResolver(secret), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// Middleware stores the resolved identity in the request context.
// Requests without an identity pass through with none; handlers decide
// whether that is an error.
func Middleware(res Resolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, err := res.Resolve(r); err == nil {
			r = r.WithContext(WithUser(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
