// Package hashutil computes the SHA-256 digests used throughout the
// content-addressed rootfs/snapshot layout and the guest agent's artifact
// upload protocol. Digests are always returned in full hex form: the
// upload protocol's (path, hash, size) tuples are compared byte-for-byte
// against what the control plane already has, so truncating the hash
// would raise the collision rate exactly where it matters most.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashFile returns the hex-encoded SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
