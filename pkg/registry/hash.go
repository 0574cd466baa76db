package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// HashBytes returns the hex SHA-256 content hash used throughout the
// registry and write protocol.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile hashes the current on-disk content of path.
func HashFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return HashBytes(b), nil
}
