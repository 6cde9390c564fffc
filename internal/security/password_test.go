package security

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testHasher() *Hasher {
	return NewHasher(HasherConfig{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32, Concurrency: 2, MaxBcryptCost: 10})
}

func TestHasher_HashAndVerify(t *testing.T) {
	h := testHasher()
	ctx := context.Background()

	for _, pw := range []string{"Secret@123", "password1", "ünïcødé-pass-9"} {
		hash, err := h.Hash(ctx, pw)
		if err != nil {
			t.Fatalf("Hash(%q) error: %v", pw, err)
		}
		if hash == pw {
			t.Fatalf("hash must differ from plaintext")
		}
		if !strings.HasPrefix(hash, "$argon2id$v=19$") {
			t.Fatalf("unexpected encoding: %s", hash)
		}
		if !h.Verify(ctx, pw, hash) {
			t.Fatalf("Verify(%q) = false, want true", pw)
		}
		if h.Verify(ctx, pw+"x", hash) {
			t.Fatalf("Verify(wrong) = true, want false")
		}
	}
}

func TestHasher_SaltsAreIndependent(t *testing.T) {
	h := testHasher()
	ctx := context.Background()

	a, err := h.Hash(ctx, "Secret@123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash(ctx, "Secret@123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatalf("two hashes of the same input must differ")
	}
}

func TestHasher_VerifyMalformed(t *testing.T) {
	h := testHasher()
	ctx := context.Background()

	for _, enc := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=8192,t=1,p=1$$",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdA$a2V5",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$a2V5",
		"$2a$04$short",
	} {
		if h.Verify(ctx, "Secret@123", enc) {
			t.Fatalf("Verify(%q) = true, want false", enc)
		}
	}
}

func TestHasher_RejectsCostAboveConfigured(t *testing.T) {
	strong := NewHasher(HasherConfig{Time: 3, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32})
	weak := testHasher()
	ctx := context.Background()

	hash, err := strong.Hash(ctx, "Secret@123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if weak.Verify(ctx, "Secret@123", hash) {
		t.Fatalf("hash with time cost above the configured ceiling must not verify")
	}
}

func TestHasher_LegacyBcrypt(t *testing.T) {
	h := testHasher()
	ctx := context.Background()

	legacy, err := bcrypt.GenerateFromPassword([]byte("Secret@123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	if !h.Verify(ctx, "Secret@123", string(legacy)) {
		t.Fatalf("legacy bcrypt hash should verify")
	}
	if h.Verify(ctx, "nope", string(legacy)) {
		t.Fatalf("legacy bcrypt wrong password should fail")
	}
	if !h.NeedsRehash(string(legacy)) {
		t.Fatalf("bcrypt hash should need rehash")
	}

	expensive, err := bcrypt.GenerateFromPassword([]byte("Secret@123"), 11)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if h.Verify(ctx, "Secret@123", string(expensive)) {
		t.Fatalf("bcrypt cost above ceiling must not verify")
	}
}

func TestHasher_NeedsRehash(t *testing.T) {
	h := testHasher()
	ctx := context.Background()

	hash, err := h.Hash(ctx, "Secret@123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h.NeedsRehash(hash) {
		t.Fatalf("fresh hash should not need rehash")
	}

	upgraded := NewHasher(HasherConfig{Time: 2, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32})
	if !upgraded.NeedsRehash(hash) {
		t.Fatalf("hash with older parameters should need rehash")
	}
}

func TestHasher_CancelledContext(t *testing.T) {
	h := NewHasher(HasherConfig{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, Concurrency: 1})
	ctx := context.Background()

	hash, err := h.Hash(ctx, "Secret@123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	// hold the only slot so acquisition has to wait on ctx
	if err := h.sem.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.sem.Release(1)

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	if _, err := h.Hash(cctx, "Secret@123"); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
	if h.Verify(cctx, "Secret@123", hash) {
		t.Fatalf("Verify with cancelled context should be false")
	}
}
