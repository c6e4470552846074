package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestJWKSInspectAndRefreshOnUnknownKid(t *testing.T) {
	key1 := mustRSAKey(t)
	key2 := mustRSAKey(t)

	var mu sync.Mutex
	active := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		kid := active
		mu.Unlock()
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=1")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Audience: "authenticated"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	claims, err := v.Inspect(signToken(t, key1, "kid-1", "user-a", "authenticated", time.Now()))
	if err != nil || claims.Subject != "user-a" {
		t.Fatalf("inspect token1 failed: claims=%+v err=%v", claims, err)
	}
	if claims.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry to be populated")
	}

	mu.Lock()
	active = "kid-2"
	mu.Unlock()
	claims, err = v.Inspect(signToken(t, key2, "kid-2", "user-b", "authenticated", time.Now()))
	if err != nil || claims.Subject != "user-b" {
		t.Fatalf("inspect token2 failed: claims=%+v err=%v", claims, err)
	}
}

func TestJWKSRejectsWrongAudienceAndFutureIssuedAt(t *testing.T) {
	key := mustRSAKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Audience: "authenticated", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := v.Inspect(signToken(t, key, "kid-1", "user-1", "other", time.Now())); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
	if _, err := v.Inspect(signToken(t, key, "kid-1", "user-1", "authenticated", time.Now().Add(2*time.Minute))); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestUnverifiedInspect(t *testing.T) {
	key := mustRSAKey(t)
	claims, err := Unverified{}.Inspect(signToken(t, key, "any", "user-9", "authenticated", time.Now()))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if claims.Subject != "user-9" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if _, err := (Unverified{}).Inspect("not-a-token"); err == nil {
		t.Fatalf("expected malformed token to fail")
	}
	if _, err := (Unverified{}).Inspect(signToken(t, key, "any", "", "authenticated", time.Now())); !errors.Is(err, ErrSubjectMissing) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid, subject, audience string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
