package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// fingerprintSpan is how much of each end of the file is hashed.
const fingerprintSpan = 64 * 1024

// Fingerprint derives a stable identity for a source file from its size,
// modification time, and a hash over the first and last 64 KiB. Reading the
// whole file is avoided so library scans stay cheap.
func Fingerprint(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	hash := sha256.New()
	fmt.Fprintf(hash, "%d|%d|", info.Size(), info.ModTime().UTC().UnixNano())

	head := int64(fingerprintSpan)
	if head > info.Size() {
		head = info.Size()
	}
	if _, err := io.CopyN(hash, file, head); err != nil && err != io.EOF {
		return "", fmt.Errorf("hash head: %w", err)
	}

	if info.Size() > fingerprintSpan {
		tailStart := info.Size() - fingerprintSpan
		if tailStart < head {
			tailStart = head
		}
		if _, err := file.Seek(tailStart, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek tail: %w", err)
		}
		if _, err := io.Copy(hash, file); err != nil {
			return "", fmt.Errorf("hash tail: %w", err)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
