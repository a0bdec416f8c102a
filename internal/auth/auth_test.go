package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const serviceDID = "did:web:atdata.example.com"

func token(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256K","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestVerifyAccepts(t *testing.T) {
	v := NewServiceVerifier(serviceDID, nil)
	tok := token(t, map[string]any{
		"iss": "did:plc:caller",
		"aud": serviceDID,
		"exp": time.Now().Add(time.Minute).Unix(),
		"lxm": "science.alt.dataset.sendInteractions",
	})

	p, err := v.Verify(context.Background(), tok, "science.alt.dataset.sendInteractions")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Iss != "did:plc:caller" {
		t.Fatalf("iss = %q", p.Iss)
	}
}

func TestVerifyRejectsWrongEndpoint(t *testing.T) {
	v := NewServiceVerifier(serviceDID, nil)
	tok := token(t, map[string]any{
		"iss": "did:plc:caller",
		"aud": serviceDID,
		"lxm": "science.alt.dataset.sendInteractions",
	})

	_, err := v.Verify(context.Background(), tok, "science.alt.dataset.subscribeChanges")
	if !errors.Is(err, ErrWrongEndpoint) {
		t.Fatalf("err = %v, want ErrWrongEndpoint", err)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	v := NewServiceVerifier(serviceDID, nil)
	tok := token(t, map[string]any{
		"iss": "did:plc:caller",
		"aud": "did:web:other.example.com",
	})

	_, err := v.Verify(context.Background(), tok, "science.alt.dataset.sendInteractions")
	if !errors.Is(err, ErrBadAudience) {
		t.Fatalf("err = %v, want ErrBadAudience", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewServiceVerifier(serviceDID, nil)
	tok := token(t, map[string]any{
		"iss": "did:plc:caller",
		"aud": serviceDID,
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := v.Verify(context.Background(), tok, "science.alt.dataset.sendInteractions")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewServiceVerifier(serviceDID, nil)
	for _, tok := range []string{"", "abc", "a.b", "!!.??.!!"} {
		if _, err := v.Verify(context.Background(), tok, "x"); err == nil {
			t.Fatalf("token %q accepted", tok)
		}
	}
}

type rejectingChecker struct{}

func (rejectingChecker) CheckSignature(context.Context, string, string, string) error {
	return errors.New("bad signature")
}

func TestVerifyConsultsSignatureChecker(t *testing.T) {
	v := NewServiceVerifier(serviceDID, rejectingChecker{})
	tok := token(t, map[string]any{
		"iss": "did:plc:caller",
		"aud": serviceDID,
	})

	if _, err := v.Verify(context.Background(), tok, "x"); err == nil {
		t.Fatal("expected signature failure")
	}
}

func TestBearerToken(t *testing.T) {
	if _, err := BearerToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatal("expected ErrMissingToken for empty header")
	}
	if _, err := BearerToken("Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatal("expected ErrMissingToken for non-bearer header")
	}
	tok, err := BearerToken("Bearer abc.def.ghi")
	if err != nil || tok != "abc.def.ghi" {
		t.Fatalf("got %q, %v", tok, err)
	}
}
