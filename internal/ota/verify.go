package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

var errChecksumMismatch = errors.New("ota: checksum mismatch")

// ChecksumRange computes the hex SHA-256 of exactly the first length bytes of
// r, reading in chunkSize pieces. Hashing must never extend past length: the
// partition behind r may carry residual bytes of an older image, and
// including them would reject every valid download. The optional stop hook is
// consulted at each chunk boundary.
func ChecksumRange(r io.ReaderAt, length int64, stop func() bool) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)

	var off int64
	for off < length {
		if stop != nil && stop() {
			return "", fmt.Errorf("verification cancelled at %d bytes", off)
		}
		n := int64(len(buf))
		if remaining := length - off; remaining < n {
			n = remaining
		}
		read, err := r.ReadAt(buf[:n], off)
		if read > 0 {
			h.Write(buf[:read])
			off += int64(read)
		}
		if err == io.EOF && off < length {
			return "", fmt.Errorf("short read: %d of %d bytes", off, length)
		}
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read at %d: %w", off, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func equalHex(a, b string) bool {
	return strings.EqualFold(a, b)
}
