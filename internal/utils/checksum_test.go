package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestChecksumFileMatchesBytes(t *testing.T) {
	data := []byte("resolver package payload")
	path := filepath.Join(t.TempDir(), "pkg.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fromFile, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile failed: %v", err)
	}
	fromBytes := ChecksumBytes(data)
	if *fromFile != *fromBytes {
		t.Errorf("file digest %+v differs from bytes digest %+v", fromFile, fromBytes)
	}
	if fromBytes.SHA256 != SHA256Hex(data) || fromBytes.Size != int64(len(data)) {
		t.Errorf("unexpected digest %+v", fromBytes)
	}

	if _, err := ChecksumFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for a missing file")
	}
}
