package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ContentID derives a deterministic 32-hex identifier from its non-empty
// inputs: sha256 over the inputs joined with "::", truncated to 16 bytes.
// Store record IDs, certificate IDs and instance IDs are all built this way.
func ContentID(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	digest := sha256.Sum256([]byte(strings.Join(nonEmpty, "::")))
	return hex.EncodeToString(digest[:16])
}

// RandomID returns a random 32-hex identifier (a UUID without dashes).
func RandomID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsHexID reports whether s is a 32-character lowercase hex identifier.
func IsHexID(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
