package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashHexLength is the length of every digest produced by the supported hashers.
const HashHexLength = 64

// Hasher turns arbitrary bytes into a lowercase hex digest.
type Hasher func(data []byte) string

func SHA256Hex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func Keccak256Hex(data []byte) string {
	d := sha3.NewLegacyKeccak256()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// HasherByName resolves the hasher configured under chain.hasher.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256":
		return SHA256Hex, nil
	case "keccak256", "keccak":
		return Keccak256Hex, nil
	default:
		return nil, fmt.Errorf("unknown hasher: %s", name)
	}
}

// MeetsDifficulty reports whether hash starts with difficulty zero hex digits.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}
