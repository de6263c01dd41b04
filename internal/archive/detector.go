package archive

import (
	"bytes"
	"path"
	"strings"
)

// Magic bytes for archive detection
var (
	// Zip and jar archives start with a local file header
	zipMagic = []byte{'P', 'K', 0x03, 0x04}

	// Empty zip archives consist of the end-of-central-directory record only
	zipEmptyMagic = []byte{'P', 'K', 0x05, 0x06}

	// Gzip magic bytes
	gzipMagic = []byte{0x1F, 0x8B}

	// Zstandard magic bytes
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

	// XZ magic bytes
	xzMagic = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}

	// POSIX tar carries "ustar" at offset 257
	tarMagic = []byte("ustar")
)

// Detect determines the archive format from its leading bytes
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, zipMagic), bytes.HasPrefix(data, zipEmptyMagic):
		return FormatZip
	case bytes.HasPrefix(data, gzipMagic):
		return FormatTarGz
	case bytes.HasPrefix(data, zstdMagic):
		return FormatTarZst
	case bytes.HasPrefix(data, xzMagic):
		return FormatTarXz
	case len(data) >= 262 && bytes.Equal(data[257:262], tarMagic):
		return FormatTar
	}
	return FormatUnknown
}

// codeExtensions are entries holding resolver code
var codeExtensions = map[string]bool{
	".lua":   true,
	".luac":  true,
	".class": true,
	".dex":   true,
	".js":    true,
}

// IsCode reports whether an entry holds resolver code
func IsCode(name string) bool {
	return codeExtensions[strings.ToLower(path.Ext(name))]
}

// IsLua reports whether an entry is a Lua resolver module
func IsLua(name string) bool {
	return strings.EqualFold(path.Ext(name), ".lua")
}

// ModuleName returns the resolver class name for a code entry
func ModuleName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
