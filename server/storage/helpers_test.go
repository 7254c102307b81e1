package storage

import (
	"testing"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := generateSecureToken(32)
	if err != nil {
		t.Fatalf("generateSecureToken: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 (32 bytes hex)", len(token))
	}

	second, err := generateSecureToken(32)
	if err != nil {
		t.Fatalf("second generateSecureToken: %v", err)
	}
	if token == second {
		t.Error("generateSecureToken produced duplicate token")
	}
}

func TestTokenHash(t *testing.T) {
	// Well-known SHA-256 vector.
	if got := TokenHash("abc"); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("TokenHash(abc) = %s", got)
	}
	if TokenHash("a") == TokenHash("b") {
		t.Error("distinct inputs hashed identically")
	}
}

func TestArgonRoundTrip(t *testing.T) {
	hash, err := hashArgon("hunter2hunter2")
	if err != nil {
		t.Fatalf("hashArgon: %v", err)
	}

	ok, err := verifyArgonHash("hunter2hunter2", hash)
	if err != nil {
		t.Fatalf("verifyArgonHash: %v", err)
	}
	if !ok {
		t.Error("correct password rejected")
	}

	ok, err = verifyArgonHash("wrong-password", hash)
	if err != nil {
		t.Fatalf("verifyArgonHash wrong: %v", err)
	}
	if ok {
		t.Error("wrong password accepted")
	}

	if _, err := verifyArgonHash("x", "not-an-encoded-hash"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestEncodeDecodeStrings(t *testing.T) {
	if got := decodeStrings(encodeStrings(nil)); got != nil {
		t.Errorf("nil round trip = %v", got)
	}

	in := []string{"a", "b", "c"}
	out := decodeStrings(encodeStrings(in))
	if len(out) != 3 || out[0] != "a" || out[2] != "c" {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

func TestConvertPlaceholders(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"a = ?", "a = $1"},
		{"a = ? AND b = ? AND c = ?", "a = $1 AND b = $2 AND c = $3"},
	}
	for _, tt := range tests {
		if got := ConvertPlaceholders(tt.in); got != tt.want {
			t.Errorf("ConvertPlaceholders(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlaceholderSet(t *testing.T) {
	if got := PlaceholderSet(&SQLiteDialect{}, 3, 1); got != "?, ?, ?" {
		t.Errorf("sqlite set = %q", got)
	}
	if got := PlaceholderSet(&PostgresDialect{}, 3, 2); got != "$2, $3, $4" {
		t.Errorf("postgres set = %q", got)
	}
	if got := PlaceholderSet(&SQLiteDialect{}, 0, 1); got != "" {
		t.Errorf("empty set = %q", got)
	}
}
