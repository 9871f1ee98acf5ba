// Package checksum computes the SHA-256 checksums sent along with uploads.
package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

const bufferSize = 64 * 1024

// FileSHA256 returns the base64 encoded SHA-256 of the file at name.
func FileSHA256(fs afero.Fs, name string) (string, error) {
	file, err := fs.Open(name)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return CalculateSHA256(file)
}

// CalculateSHA256 returns the base64 encoded SHA-256 of r, the format S3
// uses for x-amz-checksum-sha256.
func CalculateSHA256(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.CopyBuffer(hash, r, make([]byte, bufferSize)); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}

// CompareChecksums compares two base64 encoded checksums.
func CompareChecksums(checksum1, checksum2 string) bool {
	return checksum1 == checksum2
}
