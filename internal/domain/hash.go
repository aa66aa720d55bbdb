package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashSampleFile computes the full SHA-256 hex digest of a submitted
// sample. Unlike the teacher's HashCodeFile (which truncates to 16 chars
// for a human-friendly function ID), a sample's FileHash is the value an
// analyst cross-references against an external threat-intel feed, so the
// full digest is kept.
func HashSampleFile(path string) (string, error) {
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
