package interfaces

import (
	"context"
	"io"

	"github.com/vladimiradmaev/health-importer/internal/ingest"
	"github.com/vladimiradmaev/health-importer/internal/runstate"
)

// ImportServiceInterface defines the contract for import operations
type ImportServiceInterface interface {
	ImportFile(ctx context.Context, userID uint64, path string) (ingest.Result, error)
	ImportUpload(ctx context.Context, userID uint64, filename string, r io.Reader) (ingest.Result, error)
	RunStatus(ctx context.Context, runID string) (runstate.Status, bool, error)
}
