// Package checksum fingerprints task definitions and config files so a run
// record says exactly what was registered.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const prefix = "sha256:"

// Bytes returns the checksum of data as "sha256:<hex>"
func Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return prefix + hex.EncodeToString(hash[:])
}

// File returns the checksum of the file at path, streaming its contents
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return prefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Value returns the checksum of v's JSON encoding. Map keys are encoded in
// sorted order, so equal values always hash the same.
func Value(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return Bytes(data), nil
}

// Check validates the "sha256:<hex>" format
func Check(sum string) error {
	if !strings.HasPrefix(sum, prefix) {
		return fmt.Errorf("invalid checksum %q: must start with %q", sum, prefix)
	}
	if len(sum) != len(prefix)+sha256.Size*2 {
		return fmt.Errorf("invalid checksum %q: expected %d characters, got %d", sum, len(prefix)+sha256.Size*2, len(sum))
	}
	if _, err := hex.DecodeString(sum[len(prefix):]); err != nil {
		return fmt.Errorf("invalid checksum %q: %w", sum, err)
	}
	return nil
}
