package source

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
)

const doc = `<HealthData><Record type="HKQuantityTypeIdentifierStepCount" value="10"/></HealthData>`

func readAll(t *testing.T, path string) string {
	t.Helper()
	rc, err := Open(path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestOpen_PlainXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	assert.Equal(t, doc, readAll(t, path))
}

func TestOpen_Gzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xml.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	_, err = io.WriteString(gw, doc)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())

	assert.Equal(t, doc, readAll(t, path))
}

func TestOpen_Zstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(doc), nil)
	require.NoError(t, enc.Close())

	path := filepath.Join(t.TempDir(), "export.xml.zst")
	require.NoError(t, os.WriteFile(path, compressed, 0o600))
	assert.Equal(t, doc, readAll(t, path))
}

func TestOpen_ZipEntryPreference(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]string
		want    string
	}{
		{
			name: "apple layout wins",
			entries: map[string]string{
				"export.xml":                         "top",
				"backup/export.xml":                  "nested",
				"apple_health_export/export.xml":     "apple",
				"apple_health_export/export_cda.xml": "cda",
			},
			want: "apple",
		},
		{
			name:    "any folder before top level",
			entries: map[string]string{"export.xml": "top", "renamed/export.xml": "nested"},
			want:    "nested",
		},
		{
			name:    "top level",
			entries: map[string]string{"export.xml": "top", "a/b/export.xml": "deep"},
			want:    "top",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, readAll(t, writeZip(t, tt.entries)))
		})
	}
}

func TestOpen_ZipWithoutExport(t *testing.T) {
	path := writeZip(t, map[string]string{"apple_health_export/export_cda.xml": "cda"})

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrExportNotFound))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSource))
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.xml"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSource))
	assert.ErrorIs(t, err, os.ErrNotExist)

	notZip := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(notZip, []byte("not a zip"), 0o600))
	_, err = Open(notZip)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSource))

	notGzip := filepath.Join(dir, "bad.gz")
	require.NoError(t, os.WriteFile(notGzip, []byte("not gzip"), 0o600))
	_, err = Open(notGzip)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSource))
}

func TestSupported(t *testing.T) {
	for name, want := range map[string]bool{
		"export.zip":    true,
		"EXPORT.XML":    true,
		"export.xml.gz": true,
		"export.zst":    true,
		"export.csv":    false,
		"export":        false,
	} {
		assert.Equal(t, want, Supported(name), name)
	}
}
