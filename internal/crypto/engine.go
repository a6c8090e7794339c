// Package crypto implements versioned secret hashing, constant-time comparison
// and random string generation.
package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Result is the outcome of Verify.
type Result uint8

const (
	// Failed means the secret does not match the hash.
	Failed Result = iota
	// Success means the secret matches the hash.
	Success
	// SuccessRehashNeeded means the secret matches, but the hash was produced
	// with outdated parameters and should be replaced by a fresh Hash.
	SuccessRehashNeeded
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case SuccessRehashNeeded:
		return "success_rehash_needed"
	default:
		return "failed"
	}
}

// Matched reports whether the secret matched, regardless of rehash state.
func (r Result) Matched() bool { return r == Success || r == SuccessRehashNeeded }

var (
	// ErrUnsupportedVersion indicates a hash blob with an unknown format version tag.
	ErrUnsupportedVersion = errors.New("unsupported hash version")
	// ErrMalformedHash indicates a truncated or internally inconsistent hash blob.
	ErrMalformedHash = errors.New("malformed hash")
)

// Params are the Argon2id cost parameters used for new hashes.
type Params struct {
	KeySize     uint32
	SaltSize    uint32
	Iterations  uint32
	MemoryKB    uint32
	Parallelism uint32
}

// DefaultParams returns production defaults.
func DefaultParams() Params {
	return Params{
		KeySize:     32,
		SaltSize:    16,
		Iterations:  3,
		MemoryKB:    64 * 1024,
		Parallelism: 1,
	}
}

// Validate checks the parameters against the supported lower bounds.
func (p Params) Validate() error {
	switch {
	case p.SaltSize < 16:
		return errors.New("salt size must be >= 16")
	case p.KeySize < 32:
		return errors.New("key size must be >= 32")
	case p.MemoryKB < 8:
		return errors.New("memory must be >= 8 KiB")
	case p.Iterations < 1:
		return errors.New("iterations must be >= 1")
	case p.Parallelism < 1 || p.Parallelism > 255:
		return errors.New("parallelism must be in [1, 255]")
	}
	return nil
}

// Engine hashes and verifies secrets. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	params Params
}

// NewEngine constructs an Engine hashing with p.
func NewEngine(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("crypto params: %w", err)
	}
	return &Engine{params: p}, nil
}

// Params returns the parameters used for new hashes.
func (e *Engine) Params() Params { return e.params }

// Hash returns the latest-version blob for secret. An empty secret yields an
// empty blob, which never verifies.
func (e *Engine) Hash(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return []byte{}, nil
	}
	return e.hashV1(secret)
}

// Verify checks secret against blob by dispatching on the blob's version tag.
// Unknown versions and malformed blobs are reported as errors, never as Failed.
func (e *Engine) Verify(secret, blob []byte) (Result, error) {
	if len(secret) == 0 || len(blob) == 0 {
		return Failed, nil
	}

	version, err := HashVersion(blob)
	if err != nil {
		return Failed, err
	}

	var res Result
	switch version {
	case 1:
		res, err = e.verifyV1(secret, blob)
	default:
		return Failed, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if err != nil {
		return Failed, err
	}

	if res == Success && version != latestVersion {
		return SuccessRehashNeeded, nil
	}
	return res, nil
}

// HashString hashes a string secret through a scratch buffer that is wiped on return.
func (e *Engine) HashString(secret string) ([]byte, error) {
	buf := []byte(secret)
	defer clear(buf)
	return e.Hash(buf)
}

// VerifyString verifies a string secret through a scratch buffer that is wiped on return.
func (e *Engine) VerifyString(secret string, blob []byte) (Result, error) {
	buf := []byte(secret)
	defer clear(buf)
	return e.Verify(buf, blob)
}

func (e *Engine) hashV1(secret []byte) ([]byte, error) {
	p := e.params

	salt, err := RandBytes(int(p.SaltSize))
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	defer clear(salt)

	key := deriveKey(secret, salt, p)
	defer clear(key)

	return encodeV1(hashV1{
		key:         key,
		salt:        salt,
		iterations:  p.Iterations,
		memoryKB:    p.MemoryKB,
		parallelism: p.Parallelism,
	}), nil
}

func (e *Engine) verifyV1(secret, blob []byte) (Result, error) {
	h, err := decodeV1(blob)
	if err != nil {
		return Failed, err
	}
	defer h.wipe()

	computed := deriveKey(secret, h.salt, Params{
		KeySize:     uint32(len(h.key)),
		Iterations:  h.iterations,
		MemoryKB:    h.memoryKB,
		Parallelism: h.parallelism,
	})
	defer clear(computed)

	if !SecureCompare(computed, h.key) {
		return Failed, nil
	}

	p := e.params
	if h.iterations != p.Iterations ||
		h.memoryKB != p.MemoryKB ||
		h.parallelism != p.Parallelism ||
		uint32(len(h.key)) != p.KeySize ||
		uint32(len(h.salt)) != p.SaltSize {
		return SuccessRehashNeeded, nil
	}
	return Success, nil
}

// deriveKey runs Argon2id; p.SaltSize is ignored in favour of len(salt).
func deriveKey(secret, salt []byte, p Params) []byte {
	return argon2.IDKey(secret, salt, p.Iterations, p.MemoryKB, uint8(p.Parallelism), p.KeySize)
}
