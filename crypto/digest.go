package crypto

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the length in bytes of a file digest (BLAKE2b-256).
const DigestSize = blake2b.Size256

// Digest returns the hex BLAKE2b-256 digest of everything read from r.
func Digest(r io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b hasher: %w", err)
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FileDigest returns the hex BLAKE2b-256 digest of the file at path.
func FileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for digest: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	return Digest(file)
}

// FormatDigest returns the first 32 hex chars of a digest in uppercase
// groups of 4, for display.
func FormatDigest(digest string) string {
	clean := strings.ToUpper(strings.ReplaceAll(digest, " ", ""))
	if clean == "" {
		return ""
	}
	if len(clean) > 32 {
		clean = clean[:32]
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
