package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Checksum is the digest and length of a package payload
type Checksum struct {
	SHA256 string
	Size   int64
}

// ChecksumReader digests a stream in a single pass
func ChecksumReader(r io.Reader) (*Checksum, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, err
	}
	return &Checksum{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// ChecksumFile digests a file on disk
func ChecksumFile(path string) (*Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ChecksumReader(f)
}

// ChecksumBytes digests an in-memory payload
func ChecksumBytes(data []byte) *Checksum {
	// bytes.Reader never fails mid-read
	sum, _ := ChecksumReader(bytes.NewReader(data))
	return sum
}

// SHA256Hex returns the hex SHA-256 digest of data
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CacheFileName maps a cache key to a deterministic on-disk file name
func CacheFileName(key string) string {
	return SHA256Hex([]byte(key))[:32] + ".pkg"
}
