package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHeaderResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	res := HeaderResolver{Header: "X-User-ID"}
	if _, err := res.Resolve(r); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("missing header err = %v", err)
	}
	r.Header.Set("X-User-ID", "  alice ")
	if id, err := res.Resolve(r); err != nil || id != "alice" {
		t.Errorf("Resolve = %q, %v", id, err)
	}
}

func TestJWTResolver(t *testing.T) {
	res := NewJWTResolver("secret")
	valid, err := res.Sign("alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatal(err)
	}
	expired, _ := res.Sign("alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	foreign, _ := NewJWTResolver("other").Sign("mallory", jwt.RegisteredClaims{})

	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer " + valid, "alice", true},
		{"missing", "", "", false},
		{"not bearer", "Basic abc", "", false},
		{"expired", "Bearer " + expired, "", false},
		{"wrong secret", "Bearer " + foreign, "", false},
		{"garbage", "Bearer not.a.token", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := res.Resolve(r)
			if tt.ok {
				if err != nil || got != tt.want {
					t.Errorf("Resolve = %q, %v", got, err)
				}
				return
			}
			if !errors.Is(err, ErrNoIdentity) {
				t.Errorf("err = %v, want ErrNoIdentity", err)
			}
		})
	}
}

func TestNewResolver(t *testing.T) {
	if r, err := NewResolver("", "", ""); err != nil || r.(HeaderResolver).Header != "X-User-ID" {
		t.Errorf("default resolver = %#v, %v", r, err)
	}
	if _, err := NewResolver("jwt", "", ""); err == nil {
		t.Error("jwt without secret should fail")
	}
	if _, err := NewResolver("oauth", "", ""); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(HeaderResolver{Header: "X-User-ID"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-User-ID", "alice")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen != "alice" {
		t.Errorf("user = %q", seen)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != "" {
		t.Errorf("anonymous user = %q", seen)
	}
}
