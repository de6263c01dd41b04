package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/ralt/resolvd/internal/utils"
)

// Build packs files into an archive of the given format. Entries are written
// in name order so identical inputs produce identical archives.
func Build(format Format, files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	switch format {
	case FormatZip:
		return buildZip(names, files)
	case FormatTar:
		return buildTar(names, files)
	case FormatTarGz:
		raw, err := buildTar(names, files)
		if err != nil {
			return nil, err
		}
		return utils.GzipCompress(raw)
	case FormatTarZst:
		raw, err := buildTar(names, files)
		if err != nil {
			return nil, err
		}
		return utils.ZstdCompress(raw)
	case FormatTarXz:
		raw, err := buildTar(names, files)
		if err != nil {
			return nil, err
		}
		return utils.XzCompress(raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ParseFormat maps a format name to a Format
func ParseFormat(name string) (Format, error) {
	for _, f := range []Format{FormatZip, FormatTar, FormatTarGz, FormatTarZst, FormatTarXz} {
		if f.String() == name {
			return f, nil
		}
	}
	if name == "jar" {
		return FormatZip, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

func buildZip(names []string, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildTar(names []string, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	modTime := time.Unix(0, 0)

	for _, name := range names {
		data := files[name]
		header := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: modTime,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
