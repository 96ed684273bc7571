package chunk

import (
	"crypto/sha256"
	"encoding/hex"
)

// Address returns the content address of a chunk: the lowercase hex
// SHA-256 of its exact text. Identical text always yields the same
// address, so re-ingesting a chunk overwrites rather than duplicates it.
func Address(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
