package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignInSendsAPIKeyAndDecodesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		if r.Header.Get("apikey") != "anon" {
			t.Errorf("missing apikey header")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ana@example.com" || body["password"] != "secret123" {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
			"user": map[string]any{
				"id":            "u-1",
				"email":         "ana@example.com",
				"user_metadata": map[string]any{"full_name": " Ana Silva "},
			},
		})
	}))
	defer srv.Close()

	client := NewClientWithHTTP(srv.URL, "anon", srv.Client())
	session, err := client.SignIn(context.Background(), "ana@example.com", "secret123")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.AccessToken != "at" || session.RefreshToken != "rt" || session.User.ID != "u-1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if got := session.User.Metadata("full_name"); got != "Ana Silva" {
		t.Fatalf("metadata = %q", got)
	}
	now := time.Unix(1_700_000_000, 0)
	if exp := session.Expiry(now); !exp.Equal(now.Add(time.Hour).UTC()) {
		t.Fatalf("expiry = %v", exp)
	}
}

func TestSignUpPendingConfirmation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		data, _ := body["data"].(map[string]any)
		if data["full_name"] != "Ana" {
			t.Errorf("metadata not sent: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "u-2", "email": "ana@example.com"})
	}))
	defer srv.Close()

	session, user, err := NewClientWithHTTP(srv.URL, "anon", srv.Client()).
		SignUp(context.Background(), "ana@example.com", "secret123", map[string]any{"full_name": "Ana", "name": "Ana"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if session != nil {
		t.Fatalf("expected no session while confirmation is pending")
	}
	if user.ID != "u-2" {
		t.Fatalf("user = %+v", user)
	}
}

func TestAPIErrorShapes(t *testing.T) {
	cases := []struct {
		name     string
		body     map[string]any
		wantCode string
		wantMsg  string
	}{
		{name: "error_code", body: map[string]any{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"}, wantCode: "invalid_credentials", wantMsg: "Invalid login credentials"},
		{name: "oauth", body: map[string]any{"error": "invalid_grant", "error_description": "Invalid Refresh Token"}, wantCode: "invalid_grant", wantMsg: "Invalid Refresh Token"},
		{name: "message", body: map[string]any{"message": "User already registered"}, wantCode: "", wantMsg: "User already registered"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			_, err := NewClientWithHTTP(srv.URL, "anon", srv.Client()).Refresh(context.Background(), "rt")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Status != http.StatusBadRequest || apiErr.Code != tc.wantCode || apiErr.Message != tc.wantMsg {
				t.Fatalf("got %+v", apiErr)
			}
		})
	}
}

func TestSignOutSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/logout" || r.Header.Get("Authorization") != "Bearer at" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewClientWithHTTP(srv.URL, "anon", srv.Client()).SignOut(context.Background(), "at"); err != nil {
		t.Fatalf("sign out: %v", err)
	}
}
