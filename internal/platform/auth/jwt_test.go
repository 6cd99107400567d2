package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestManager_SignAndParse(t *testing.T) {
	m := NewManager("secret", time.Hour)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }

	tok, err := m.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	claims, err := m.Parse(tok)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if claims.Subject != "u1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.IssuedAt != now.Unix() {
		t.Fatalf("IssuedAt = %d, want %d", claims.IssuedAt, now.Unix())
	}
}

func TestManager_ParseRejectsForeignAlgorithm(t *testing.T) {
	m := NewManager("secret", time.Hour)

	// A correctly signed token whose header claims a different algorithm
	// must not verify.
	head := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u1","exp":99999999999}`))
	mac := hmac.New(sha256.New, m.Secret)
	mac.Write([]byte(head + "." + body))
	tok := head + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	if _, err := m.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestManager_ParseExpired(t *testing.T) {
	m := NewManager("secret", time.Second)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	tok, err := m.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	m.Now = func() time.Time { return now.Add(2 * time.Second) }
	_, err = m.Parse(tok)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("unexpected token: %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestManager_ParseTampered(t *testing.T) {
	m := NewManager("secret", time.Hour)
	tok, err := m.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	other := NewManager("other-secret", time.Hour)
	if _, err := other.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}
