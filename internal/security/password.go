package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const argonSaltLen = 16

// HasherConfig holds the fixed argon2id work factor. Callers never pass cost
// parameters per call.
type HasherConfig struct {
	Time        uint32
	MemoryKiB   uint32
	Threads     uint8
	KeyLen      uint32
	Concurrency int64 // max hashes computed at once
	// MaxBcryptCost caps the cost accepted for legacy bcrypt hashes.
	MaxBcryptCost int
}

func DefaultHasherConfig() HasherConfig {
	return HasherConfig{
		Time:          1,
		MemoryKiB:     64 * 1024,
		Threads:       4,
		KeyLen:        32,
		Concurrency:   int64(runtime.NumCPU()),
		MaxBcryptCost: 12,
	}
}

type Hasher struct {
	cfg HasherConfig
	sem *semaphore.Weighted
}

func NewHasher(cfg HasherConfig) *Hasher {
	def := DefaultHasherConfig()
	if cfg.Time == 0 {
		cfg.Time = def.Time
	}
	if cfg.MemoryKiB == 0 {
		cfg.MemoryKiB = def.MemoryKiB
	}
	if cfg.Threads == 0 {
		cfg.Threads = def.Threads
	}
	if cfg.KeyLen == 0 {
		cfg.KeyLen = def.KeyLen
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxBcryptCost <= 0 {
		cfg.MaxBcryptCost = def.MaxBcryptCost
	}

	return &Hasher{cfg: cfg, sem: semaphore.NewWeighted(cfg.Concurrency)}
}

// Hash derives a PHC encoded argon2id hash with a fresh random salt.
func (h *Hasher) Hash(ctx context.Context, plain string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plain), salt, h.cfg.Time, h.cfg.MemoryKiB, h.cfg.Threads, h.cfg.KeyLen)
	h.sem.Release(1)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.cfg.MemoryKiB, h.cfg.Time, h.cfg.Threads,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	), nil
}

// Verify reports whether plain matches encoded. Malformed hashes, hashes whose
// parameters exceed the configured work factor and cancelled contexts all
// yield false.
func (h *Hasher) Verify(ctx context.Context, plain, encoded string) bool {
	if isBcrypt(encoded) {
		return h.verifyBcrypt(ctx, plain, encoded)
	}

	p, err := parseArgon2(encoded)
	if err != nil {
		return false
	}
	if p.time > h.cfg.Time || p.memory > h.cfg.MemoryKiB || p.threads > h.cfg.Threads || len(p.key) > 1024 {
		return false
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	key := argon2.IDKey([]byte(plain), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	h.sem.Release(1)

	return subtle.ConstantTimeCompare(key, p.key) == 1
}

// NeedsRehash reports whether encoded was produced with anything other than
// the current argon2id parameters.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	p, err := parseArgon2(encoded)
	if err != nil {
		return true
	}
	return p.time != h.cfg.Time || p.memory != h.cfg.MemoryKiB || p.threads != h.cfg.Threads || uint32(len(p.key)) != h.cfg.KeyLen
}

func (h *Hasher) verifyBcrypt(ctx context.Context, plain, encoded string) bool {
	cost, err := bcrypt.Cost([]byte(encoded))
	if err != nil || cost > h.cfg.MaxBcryptCost {
		return false
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.sem.Release(1)

	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plain)) == nil
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

var errMalformedHash = errors.New("malformed password hash")

func parseArgon2(encoded string) (argonParams, error) {
	var p argonParams

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, errMalformedHash
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, errMalformedHash
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, errMalformedHash
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) == 0 {
		return p, errMalformedHash
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return p, errMalformedHash
	}

	return p, nil
}
