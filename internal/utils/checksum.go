// Package utils provides utility functions for kiln.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// checksumBufSize bounds memory use while hashing multi-gigabyte images.
const checksumBufSize = 64 * 1024

// ValidateChecksum checks a file against an expected SHA-256 hex digest.
// A mismatch is a normal validation outcome, not an error: it returns
// (false, nil). Errors are reserved for I/O failures.
func ValidateChecksum(filePath, expectedHexDigest string) (bool, error) {
	actual, err := SumFile(filePath)
	if err != nil {
		return false, err
	}
	return actual == expectedHexDigest, nil
}

// SumFile calculates the SHA-256 hex digest of a file, reading it in
// fixed-size chunks.
func SumFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	buf := make([]byte, checksumBufSize)
	if _, err := io.CopyBuffer(hash, file, buf); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
