package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the hex sha256 of the parts joined with NUL separators,
// so ("ab", "c") and ("a", "bc") hash differently.
func HashString(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
