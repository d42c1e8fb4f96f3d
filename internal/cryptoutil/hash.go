package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// StrongETag returns a quoted strong entity tag for data.
func StrongETag(data []byte) string {
	return `"` + SHA256Hex(data) + `"`
}
