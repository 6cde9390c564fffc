package security

import (
	"encoding/base64"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]struct{})

	for i := 0; i < 100; i++ {
		tok, err := GenerateToken(DefaultTokenBytes)
		if err != nil {
			t.Fatalf("GenerateToken error: %v", err)
		}

		raw, err := base64.RawURLEncoding.DecodeString(tok)
		if err != nil {
			t.Fatalf("token is not base64url: %v", err)
		}
		if len(raw) != DefaultTokenBytes {
			t.Fatalf("expected %d bytes, got %d", DefaultTokenBytes, len(raw))
		}

		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token generated")
		}
		seen[tok] = struct{}{}
	}
}

func TestGenerateToken_TooShort(t *testing.T) {
	if _, err := GenerateToken(MinTokenBytes - 1); err == nil {
		t.Fatalf("expected error for short token")
	}
}

func TestHashToken(t *testing.T) {
	a := HashToken("abc")
	if a != HashToken("abc") {
		t.Fatalf("HashToken must be deterministic")
	}
	if a == "abc" || a == HashToken("abd") {
		t.Fatalf("HashToken must not return the input or collide trivially")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got len %d", len(a))
	}
}
