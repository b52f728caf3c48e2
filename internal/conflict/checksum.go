// Package conflict implements divergence detection and resolution for
// queued mutations.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Checksum returns the hex-encoded sha256 digest of the payload bytes.
// Both client and server compute checksums this way, so equality means
// the two sides hold the identical payload.
func Checksum(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
