package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vladimiradmaev/health-importer/internal/config"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
	"github.com/vladimiradmaev/health-importer/internal/ingest"
	"github.com/vladimiradmaev/health-importer/internal/interfaces"
	"github.com/vladimiradmaev/health-importer/internal/logger"
	"github.com/vladimiradmaev/health-importer/internal/runstate"
	"github.com/vladimiradmaev/health-importer/internal/source"
)

var _ interfaces.ImportServiceInterface = (*ImportService)(nil)

// ImportService is the entry point callers use to import exports for an owner.
type ImportService struct {
	orchestrator *ingest.Orchestrator
	db           config.DBConfig
	cfg          config.ImportConfig
	log          *slog.Logger
}

func NewImportService(orchestrator *ingest.Orchestrator, db config.DBConfig, cfg config.ImportConfig, log *slog.Logger) *ImportService {
	if log == nil {
		log = logger.Nop()
	}
	return &ImportService{
		orchestrator: orchestrator,
		db:           db,
		cfg:          cfg,
		log:          log,
	}
}

// ImportFile imports the export at path. The returned error is the run's
// error, nil only when the run completed.
func (s *ImportService) ImportFile(ctx context.Context, userID uint64, path string) (ingest.Result, error) {
	res := s.orchestrator.Run(ctx, ingest.Request{
		SourcePath:  path,
		DB:          s.db,
		UserID:      userID,
		CommitEvery: s.cfg.CommitEvery,
	})
	return res, res.Err
}

// ImportUpload stores an uploaded export under the owner's upload directory,
// imports it and removes it again.
func (s *ImportService) ImportUpload(ctx context.Context, userID uint64, filename string, r io.Reader) (ingest.Result, error) {
	failed := func(err error) (ingest.Result, error) {
		return ingest.Result{Status: ingest.StateFailed, Err: err}, err
	}

	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || !source.Supported(name) {
		return failed(apperrors.NewValidationError(fmt.Sprintf("unsupported export file %q: expected .zip, .xml, .gz or .zst", filename)))
	}
	if userID == 0 {
		return failed(apperrors.NewValidationError("owner identity is required"))
	}

	path, err := s.saveUpload(userID, name, r)
	if err != nil {
		return failed(err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove upload", "path", path, "error", err)
		}
	}()

	s.log.InfoContext(ctx, "Importing uploaded export", "user_id", userID, "file", name)
	return s.ImportFile(ctx, userID, path)
}

func (s *ImportService) saveUpload(userID uint64, name string, r io.Reader) (string, error) {
	dir := filepath.Join(s.cfg.UploadDir, strconv.FormatUint(userID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeSource, "UPLOAD_DIR", "Failed to create upload directory")
	}

	f, err := os.CreateTemp(dir, "*-"+strings.ReplaceAll(name, "*", "_"))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeSource, "UPLOAD_SAVE", "Failed to save upload")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", apperrors.Wrap(err, apperrors.ErrorTypeSource, "UPLOAD_SAVE", "Failed to save upload")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", apperrors.Wrap(err, apperrors.ErrorTypeSource, "UPLOAD_SAVE", "Failed to save upload")
	}
	return f.Name(), nil
}

// RunStatus returns the recorded status of a run.
func (s *ImportService) RunStatus(ctx context.Context, runID string) (runstate.Status, bool, error) {
	return s.orchestrator.Tracker().GetStatus(ctx, runID)
}
