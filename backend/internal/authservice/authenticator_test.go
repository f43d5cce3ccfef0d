package authservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("test-secret")
	tok, _, err := SignAccessToken(secret, 42, "alice", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a := NewJWTAuthenticator("test-secret")

	id, err := a.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != 42 || id.Username != "alice" {
		t.Fatalf("unexpected identity %+v", id)
	}

	if _, err := NewJWTAuthenticator("other").Authenticate(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := a.Authenticate(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	expired, _, _ := SignAccessToken(secret, 42, "alice", -time.Minute)
	if _, err := a.Authenticate(context.Background(), expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws_chat/1?token=q", nil)
	if got := ExtractToken(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r.Header.Set("Authorization", "bearer h")
	if got := ExtractToken(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
}

func TestRemoteAuthenticator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/verify" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_ = json.NewEncoder(w).Encode(VerifyClaims{UserID: 7, Username: "bob", Type: "access"})
		case "Bearer refresh":
			_ = json.NewEncoder(w).Encode(VerifyClaims{UserID: 7, Username: "bob", Type: "refresh"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(verifyErrResp{Error: "token expired"})
		}
	}))
	defer srv.Close()

	a := NewRemoteAuthenticator(srv.URL+"/", time.Second)
	id, err := a.Authenticate(context.Background(), "good")
	if err != nil || id.UserID != 7 {
		t.Fatalf("good token: %+v %v", id, err)
	}
	if _, err := a.Authenticate(context.Background(), "refresh"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token should be rejected, got %v", err)
	}
	if _, err := a.Authenticate(context.Background(), "bad"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("bad token should be rejected, got %v", err)
	}

	down := NewRemoteAuthenticator("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := down.Authenticate(context.Background(), "good"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}
