package services

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vladimiradmaev/health-importer/internal/config"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
	"github.com/vladimiradmaev/health-importer/internal/ingest"
	"github.com/vladimiradmaev/health-importer/internal/repository"
	"github.com/vladimiradmaev/health-importer/internal/runstate"
)

const export = `<HealthData>
 <Record type="HKQuantityTypeIdentifierStepCount" unit="count" value="120"
   startDate="2024-06-29 10:00:00 +0000" endDate="2024-06-29 10:05:00 +0000"/>
 <ActivitySummary dateComponents="2024-06-29" appleStandHours="10"/>
</HealthData>`

func setupService(t *testing.T) (*ImportService, *repository.MemoryStore, string) {
	t.Helper()
	store := repository.NewMemoryStore(config.DuplicatePolicyAppend)
	uploadDir := t.TempDir()
	o := ingest.New(repository.MemoryConnector{Store: store}, ingest.Options{})
	svc := NewImportService(o, config.DBConfig{}, config.ImportConfig{CommitEvery: 10, UploadDir: uploadDir}, nil)
	return svc, store, uploadDir
}

func zipped(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestImportService_ImportFile(t *testing.T) {
	svc, store, _ := setupService(t)
	path := filepath.Join(t.TempDir(), "export.xml")
	require.NoError(t, os.WriteFile(path, []byte(export), 0o600))

	res, err := svc.ImportFile(context.Background(), 5, path)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateCompleted, res.Status)
	assert.Equal(t, int64(2), res.RowsImported)
	assert.Len(t, store.Records(), 1)

	status, found, err := svc.RunStatus(context.Background(), res.RunID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, runstate.StateCompleted, status.State)
	assert.Equal(t, uint64(5), status.UserID)
}

func TestImportService_ImportUploadZip(t *testing.T) {
	svc, store, uploadDir := setupService(t)

	data := zipped(t, "apple_health_export/export.xml", export)
	res, err := svc.ImportUpload(context.Background(), 5, "export.zip", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsImported)
	assert.Len(t, store.ActivitySummaries(), 1)

	left, err := os.ReadDir(filepath.Join(uploadDir, "5"))
	require.NoError(t, err)
	assert.Empty(t, left, "the upload is removed after the import")
}

func TestImportService_ImportUploadZipWithoutExport(t *testing.T) {
	svc, _, uploadDir := setupService(t)

	data := zipped(t, "apple_health_export/export_cda.xml", export)
	res, err := svc.ImportUpload(context.Background(), 5, "export.zip", bytes.NewReader(data))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrExportNotFound))
	assert.Equal(t, ingest.StateFailed, res.Status)

	left, err := os.ReadDir(filepath.Join(uploadDir, "5"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestImportService_ImportUploadRejectsBadInput(t *testing.T) {
	svc, store, uploadDir := setupService(t)

	res, err := svc.ImportUpload(context.Background(), 5, "export.csv", strings.NewReader("a,b"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Equal(t, ingest.StateFailed, res.Status)

	_, err = svc.ImportUpload(context.Background(), 0, "export.xml", strings.NewReader(export))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	assert.Empty(t, store.Records())
	_, statErr := os.Stat(filepath.Join(uploadDir, "5"))
	assert.True(t, os.IsNotExist(statErr), "nothing is written for rejected uploads")
}

func TestImportService_ImportUploadStripsDirectories(t *testing.T) {
	svc, _, uploadDir := setupService(t)

	_, err := svc.ImportUpload(context.Background(), 9, "../../etc/export.xml", strings.NewReader(export))
	require.NoError(t, err)

	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "9", entries[0].Name())
}
