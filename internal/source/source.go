// Package source opens Apple Health exports for streaming, decompressing
// them on the fly when needed.
package source

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
)

// ExportEntry is the name of the export document inside the archive Apple produces.
const ExportEntry = "export.xml"

// Supported reports whether name has an extension Open understands.
func Supported(name string) bool {
	switch ext(name) {
	case ".xml", ".gz", ".zst", ".zip":
		return true
	}
	return false
}

func ext(name string) string {
	return strings.ToLower(path.Ext(name))
}

// Open returns a reader over the export document at filePath. Plain files are
// read as-is, .gz and .zst are decompressed and .zip archives are searched
// for the export entry. Errors are source-type AppErrors.
func Open(filePath string) (io.ReadCloser, error) {
	switch ext(filePath) {
	case ".zip":
		return openZip(filePath)
	case ".gz":
		return openCompressed(filePath, func(r io.Reader) (io.ReadCloser, error) {
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr, nil
		})
	case ".zst":
		return openCompressed(filePath, func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		})
	default:
		f, err := os.Open(filePath)
		if err != nil {
			return nil, apperrors.NewSourceError(err, filePath)
		}
		return f, nil
	}
}

// stackedCloser reads from the outermost reader and closes every layer, outermost first.
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openCompressed(filePath string, wrap func(io.Reader) (io.ReadCloser, error)) (io.ReadCloser, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, apperrors.NewSourceError(err, filePath)
	}
	rc, err := wrap(f)
	if err != nil {
		_ = f.Close()
		return nil, apperrors.NewSourceError(fmt.Errorf("failed to start decompression: %w", err), filePath)
	}
	return &stackedCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
}

func openZip(filePath string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, apperrors.NewSourceError(err, filePath)
	}

	entry := findExport(zr.File)
	if entry == nil {
		_ = zr.Close()
		return nil, apperrors.Derive(apperrors.ErrExportNotFound, fs.ErrNotExist).
			WithContext("path", filePath)
	}

	rc, err := entry.Open()
	if err != nil {
		_ = zr.Close()
		return nil, apperrors.NewSourceError(err, filePath).WithContext("entry", entry.Name)
	}
	return &stackedCloser{Reader: rc, closers: []io.Closer{rc, zr}}, nil
}

// findExport picks apple_health_export/export.xml, then any */export.xml,
// then a top-level export.xml.
func findExport(files []*zip.File) *zip.File {
	var nested, top *zip.File
	for _, f := range files {
		name := strings.TrimPrefix(f.Name, "./")
		if f.FileInfo().IsDir() || path.Base(name) != ExportEntry {
			continue
		}
		switch dir := path.Dir(name); {
		case dir == "apple_health_export":
			return f
		case dir == ".":
			if top == nil {
				top = f
			}
		case !strings.Contains(dir, "/") && nested == nil:
			nested = f
		}
	}
	if nested != nil {
		return nested
	}
	return top
}
