package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

type PasswordHasher struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

func NewPasswordHasher() *PasswordHasher {
	parallelism := runtime.NumCPU()
	if parallelism > 255 {
		parallelism = 255
	}
	return &PasswordHasher{
		memory:      128 * 1024, // 128 MB
		iterations:  4,
		parallelism: uint8(parallelism),
		saltLength:  16,
		keyLength:   32,
	}
}

// NewPasswordHasherWithParams trades strength for speed, e.g. on small
// gateways. memory is in KiB.
func NewPasswordHasherWithParams(memory, iterations uint32, parallelism uint8) *PasswordHasher {
	return &PasswordHasher{
		memory:      memory,
		iterations:  iterations,
		parallelism: parallelism,
		saltLength:  16,
		keyLength:   32,
	}
}

// ErrInvalidHash is returned for anything that is not an argon2id PHC string.
var ErrInvalidHash = errors.New("invalid argon2id hash")

// argonHash is the decoded form of $argon2id$v=19$m=..,t=..,p=..$salt$key.
type argonHash struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (h argonHash) String() string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key))
}

func parseArgonHash(encoded string) (argonHash, error) {
	var h argonHash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return h, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return h, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, parts[2])
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.iterations, &h.parallelism); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return h, fmt.Errorf("%w: key: %v", ErrInvalidHash, err)
	}
	return h, nil
}

// HashPassword returns an argon2id PHC string, the format expected in
// auth.users[].password_hash.
func (ph *PasswordHasher) HashPassword(password string) (string, error) {
	h := argonHash{
		memory:      ph.memory,
		iterations:  ph.iterations,
		parallelism: ph.parallelism,
		salt:        make([]byte, ph.saltLength),
	}
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	h.key = argon2.IDKey([]byte(password), h.salt, h.iterations, h.memory, h.parallelism, ph.keyLength)
	return h.String(), nil
}

// VerifyPassword uses the parameters stored in encodedHash, not the
// hasher's own, so hashes made on other machines keep working.
func (ph *PasswordHasher) VerifyPassword(password, encodedHash string) (bool, error) {
	h, err := parseArgonHash(encodedHash)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), h.salt, h.iterations, h.memory, h.parallelism, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(h.key, key) == 1, nil
}
