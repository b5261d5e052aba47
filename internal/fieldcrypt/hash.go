package fieldcrypt

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	hashMemory      = 64 * 1024
	hashIterations  = 2
	hashParallelism = 1
	hashKeyLength   = 32
	SaltSize        = 16
)

// HashResult is a salted one-way digest.
type HashResult struct {
	Hash []byte
	Salt []byte
}

// Hash derives an argon2id digest of data. A nil or empty salt is replaced
// with a fresh random one.
func Hash(data, salt []byte) (HashResult, error) {
	if len(salt) == 0 {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return HashResult{}, fmt.Errorf("fieldcrypt: generate salt: %w", err)
		}
	}
	sum := argon2.IDKey(data, salt, hashIterations, hashMemory, hashParallelism, hashKeyLength)
	return HashResult{Hash: sum, Salt: append([]byte(nil), salt...)}, nil
}

// VerifyHash recomputes the digest of data with salt and compares it to
// hash in constant time.
func VerifyHash(data, hash, salt []byte) bool {
	if len(hash) == 0 || len(salt) == 0 {
		return false
	}
	sum := argon2.IDKey(data, salt, hashIterations, hashMemory, hashParallelism, hashKeyLength)
	return subtle.ConstantTimeCompare(sum, hash) == 1
}
