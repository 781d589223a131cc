package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashIdentity is how an identity key appears in logs and the audit log.
func HashIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}
