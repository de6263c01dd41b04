package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ralt/resolvd/internal/utils"
)

// Format represents the container format of a package
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarZst
	FormatTarXz
)

// String returns the string representation of Format
func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarZst:
		return "tar.zst"
	case FormatTarXz:
		return "tar.xz"
	default:
		return "unknown"
	}
}

const (
	// MaxEntryBytes bounds how much of a single entry is read into memory
	MaxEntryBytes = 16 << 20
	// MaxTotalBytes bounds the decompressed size of a whole package
	MaxTotalBytes = 256 << 20
)

// ErrUnsupportedFormat is returned for payloads that are not a known archive
var ErrUnsupportedFormat = errors.New("unsupported package format")

// Entry is one member of a package archive
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
	// Data holds the entry contents, truncated at MaxEntryBytes
	Data []byte
	// Truncated is set when Data does not hold the whole entry
	Truncated bool
}

// Read enumerates every entry of a package archive
func Read(data []byte) (Format, []Entry, error) {
	format := Detect(data)
	var entries []Entry
	var err error

	switch format {
	case FormatZip:
		entries, err = readZip(data)
	case FormatTar:
		entries, err = readTar(bytes.NewReader(data))
	case FormatTarGz:
		entries, err = readCompressedTar(data, utils.GzipReader)
	case FormatTarZst:
		entries, err = readCompressedTar(data, utils.ZstdReader)
	case FormatTarXz:
		entries, err = readCompressedTar(data, utils.XzReader)
	default:
		return FormatUnknown, nil, ErrUnsupportedFormat
	}

	if err != nil {
		return format, entries, fmt.Errorf("failed to read %s archive: %w", format, err)
	}
	return format, entries, nil
}

func readZip(data []byte) ([]Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, err
	}

	var entries []Entry
	var total int64
	for _, f := range zr.File {
		entry := Entry{
			Name:  f.Name,
			Size:  int64(f.UncompressedSize64),
			IsDir: f.FileInfo().IsDir(),
		}
		if !entry.IsDir {
			rc, err := f.Open()
			if err != nil {
				return entries, fmt.Errorf("%s: %w", f.Name, err)
			}
			entry.Data, entry.Truncated, err = readLimited(rc)
			rc.Close()
			if err != nil {
				return entries, fmt.Errorf("%s: %w", f.Name, err)
			}
			total += int64(len(entry.Data))
			if total > MaxTotalBytes {
				return entries, fmt.Errorf("decompressed size exceeds %d bytes", MaxTotalBytes)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func readCompressedTar(data []byte, open func(io.Reader) (io.ReadCloser, error)) ([]Entry, error) {
	rc, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return readTar(rc)
}

func readTar(r io.Reader) ([]Entry, error) {
	tr := tar.NewReader(r)

	var entries []Entry
	var total int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return entries, err
		}

		entry := Entry{
			Name:  header.Name,
			Size:  header.Size,
			IsDir: header.Typeflag == tar.TypeDir,
		}
		if header.Typeflag == tar.TypeReg {
			entry.Data, entry.Truncated, err = readLimited(tr)
			if err != nil {
				return entries, fmt.Errorf("%s: %w", header.Name, err)
			}
			total += int64(len(entry.Data))
			if total > MaxTotalBytes {
				return entries, fmt.Errorf("decompressed size exceeds %d bytes", MaxTotalBytes)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func readLimited(r io.Reader) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxEntryBytes+1))
	if err != nil {
		return nil, false, err
	}
	if len(data) > MaxEntryBytes {
		return data[:MaxEntryBytes], true, nil
	}
	return data, false, nil
}
