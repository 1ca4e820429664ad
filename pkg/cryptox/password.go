package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	ErrPasswordMismatch = errors.New("cryptox: password does not match")
	ErrInvalidHash      = errors.New("cryptox: invalid hash format")
)

// Argon2Params configures Argon2id hashing.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
	SaltLength  int
}

// DefaultArgon2Params follows the OWASP minimum for Argon2id (19 MiB, t=2, p=1).
var DefaultArgon2Params = Argon2Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	KeyLength:   32,
	SaltLength:  16,
}

// PasswordHasher produces and checks peppered Argon2id hashes in PHC string
// format: $argon2id$v=19$m=X,t=Y,p=Z$salt$hash
type PasswordHasher struct {
	pepper []byte
	params Argon2Params

	// dummy is verified against when the user does not exist so a miss costs
	// the same as a wrong password.
	dummy string
}

// NewPasswordHasher builds a hasher with the given pepper and parameters.
func NewPasswordHasher(pepper []byte, params Argon2Params) (*PasswordHasher, error) {
	if params.KeyLength == 0 || params.SaltLength == 0 || params.Iterations == 0 || params.Memory == 0 {
		return nil, errors.New("cryptox: incomplete argon2 parameters")
	}
	if params.Parallelism == 0 {
		params.Parallelism = 1
	}

	h := &PasswordHasher{pepper: pepper, params: params}

	dummy, err := h.Hash(MustGenerateToken(TokenSize128))
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to prepare dummy hash: %w", err)
	}
	h.dummy = dummy

	return h, nil
}

// Hash returns the PHC encoded hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: failed to read salt: %w", err)
	}

	sum := argon2.IDKey(h.peppered(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verify checks password against an encoded hash. The parameters stored in
// the hash are used, so hashes made with older parameters keep verifying.
func (h *PasswordHasher) Verify(password, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return ErrInvalidHash
	}

	var mem, iters uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return ErrInvalidHash
	}
	if mem == 0 || iters == 0 || par == 0 {
		return ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return ErrInvalidHash
	}

	got := argon2.IDKey(h.peppered(password), salt, iters, mem, par, uint32(len(want))) // #nosec G115
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}

// VerifyDummy burns the same work as Verify against a throwaway hash.
func (h *PasswordHasher) VerifyDummy(password string) {
	_ = h.Verify(password, h.dummy)
}

func (h *PasswordHasher) peppered(password string) []byte {
	out := make([]byte, 0, len(password)+len(h.pepper))
	out = append(out, password...)
	return append(out, h.pepper...)
}
