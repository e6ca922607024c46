// Package integrity detects drift in protected memory files. Each
// protected path has at most one signed baseline record; a check
// recomputes the file digest and compares it with the record after
// verifying the record's signature against the trust anchor.
package integrity

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

var digestDomainKey = [32]byte{
	'c', 'h', 'i', 't', 'i', 'n', 'w', 'a', 'l', 'l', '.', 'i', 'n', 't', 'e', 'g',
	'r', 'i', 't', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func newHasher() *blake3.Hasher {
	h, err := blake3.NewKeyed(digestDomainKey[:])
	if err != nil {
		panic("integrity: blake3 keyed hasher: " + err.Error())
	}
	return h
}

// Digest returns the hex digest of data.
func Digest(data []byte) string {
	h := newHasher()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DigestFile streams the file at path through the hasher.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := newHasher()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
