package initdata

import (
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"
)

const testBotToken = "7000000001:AAFakeTokenForVerifierTests"

func signedInitData(t *testing.T, v *Verifier, authDate time.Time, user string) string {
	t.Helper()
	values := url.Values{}
	values.Set("query_id", "AAH9mZcRAAAAAP2ZlxFXlsPq")
	values.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	if user != "" {
		values.Set("user", user)
	}
	values.Set("hash", v.Sign(values))
	return values.Encode()
}

func TestVerifyAcceptsSignedPayload(t *testing.T) {
	v, err := NewVerifier(testBotToken, time.Hour)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	now := time.Now().UTC()
	raw := signedInitData(t, v, now, `{"id":42,"first_name":"Ada","username":"ada"}`)

	data, err := v.Verify(raw, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if data.User.ID != 42 || data.User.Username != "ada" {
		t.Fatalf("unexpected user: %+v", data.User)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	v, _ := NewVerifier(testBotToken, time.Hour)
	now := time.Now().UTC()
	raw := signedInitData(t, v, now, `{"id":42,"first_name":"Ada"}`)

	values, _ := url.ParseQuery(raw)
	values.Set("user", `{"id":43,"first_name":"Eve"}`)

	if _, err := v.Verify(values.Encode(), now); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestVerifyRejectsWrongBotToken(t *testing.T) {
	signer, _ := NewVerifier(testBotToken, time.Hour)
	other, _ := NewVerifier("7000000002:AADifferentBotEntirely", time.Hour)
	now := time.Now().UTC()
	raw := signedInitData(t, signer, now, `{"id":42,"first_name":"Ada"}`)

	if _, err := other.Verify(raw, now); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestVerifyRejectsStaleAuthDate(t *testing.T) {
	v, _ := NewVerifier(testBotToken, time.Hour)
	now := time.Now().UTC()
	raw := signedInitData(t, v, now.Add(-2*time.Hour), `{"id":42,"first_name":"Ada"}`)

	if _, err := v.Verify(raw, now); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRequiresUser(t *testing.T) {
	v, _ := NewVerifier(testBotToken, time.Hour)
	now := time.Now().UTC()
	raw := signedInitData(t, v, now, "")

	if _, err := v.Verify(raw, now); err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	now := time.Now().UTC()

	token, err := issuer.Issue(42, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := issuer.VerifySubject(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != 42 {
		t.Fatalf("expected subject 42, got %d", userID)
	}
}

func TestSessionTokenRejectsExpired(t *testing.T) {
	issuer, _ := NewTokenIssuer(TokenConfig{Secret: "test-secret", TTL: time.Minute, Leeway: time.Second})
	token, err := issuer.Issue(42, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.VerifySubject(token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestSessionTokenRejectsForeignSecret(t *testing.T) {
	a, _ := NewTokenIssuer(TokenConfig{Secret: "secret-a"})
	b, _ := NewTokenIssuer(TokenConfig{Secret: "secret-b"})
	token, err := a.Issue(42, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.VerifySubject(token); err == nil {
		t.Fatal("expected token signed with other secret to fail")
	}
}
