package auth

import (
	"strings"
	"testing"
)

func TestGenerateAndVerifyAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(key, apiKeyPrefix) {
		t.Fatalf("missing prefix: %q", key)
	}
	if err := CheckFormat(key); err != nil {
		t.Fatalf("generated key failed format check: %v", err)
	}
	hash := HashAPIKey(key)
	if len(hash) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(hash))
	}
	if !VerifyAPIKey(key, hash) {
		t.Fatalf("expected key to verify against its hash")
	}
	if VerifyAPIKey(key+"x", hash) {
		t.Fatalf("expected altered key to fail")
	}

	other, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate second: %v", err)
	}
	if other == key {
		t.Fatalf("expected distinct keys")
	}
}

func TestCheckFormat(t *testing.T) {
	bad := []string{
		"",
		"achan_op_",
		"achan_op_nope",
		"achan_op_" + strings.Repeat("z", 40),
		"op_" + strings.Repeat("a", 40),
		"achan_op_" + strings.Repeat("a", 41),
	}
	for _, key := range bad {
		if err := CheckFormat(key); err != ErrMalformedKey {
			t.Fatalf("CheckFormat(%q) = %v want ErrMalformedKey", key, err)
		}
	}
	if err := CheckFormat("achan_op_" + strings.Repeat("0f", 20)); err != nil {
		t.Fatalf("expected well-formed key to pass: %v", err)
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("achan_op_deadbeefcafe"); got != "achan_op_dead..." {
		t.Fatalf("unexpected redaction: %q", got)
	}
	if got := Redact("hunter2"); got != "[redacted]" {
		t.Fatalf("unexpected redaction of foreign key: %q", got)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"Bearer   abc ": "abc",
		"bearer abc":    "abc",
		"Bearer ":       "",
		"Basic abc":     "",
		"":              "",
	}
	for header, want := range cases {
		if got := BearerToken(header); got != want {
			t.Fatalf("BearerToken(%q) = %q want %q", header, got, want)
		}
	}
}
