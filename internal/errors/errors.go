package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// ErrorType represents different classes of ingestion failures
type ErrorType string

const (
	ErrorTypeConnection  ErrorType = "connection"
	ErrorTypeParse       ErrorType = "parse"
	ErrorTypeFieldDecode ErrorType = "field_decode"
	ErrorTypeInsert      ErrorType = "insert"
	ErrorTypeCommit      ErrorType = "commit"
	ErrorTypeCancelled   ErrorType = "cancelled"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeSource      ErrorType = "source"
	ErrorTypeInternal    ErrorType = "internal"
)

// AppError represents an application error with additional context
type AppError struct {
	Type     ErrorType
	Message  string
	Code     string
	Internal error
	Context  map[string]interface{}
	Source   string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the internal error
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is matches another AppError by type and code, otherwise defers to the wrapped error.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return errors.Is(e.Internal, target)
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// LogFields returns structured logging fields
func (e *AppError) LogFields() []interface{} {
	fields := []interface{}{
		"error_type", e.Type,
		"error_code", e.Code,
		"error_message", e.Message,
		"source", e.Source,
	}

	if e.Internal != nil {
		fields = append(fields, "internal_error", e.Internal.Error())
	}

	for k, v := range e.Context {
		fields = append(fields, k, v)
	}

	return fields
}

// New creates a new AppError
func New(errorType ErrorType, code, message string) *AppError {
	return build(3, nil, errorType, code, message)
}

// Wrap wraps an existing error into AppError
func Wrap(err error, errorType ErrorType, code, message string) *AppError {
	return build(3, err, errorType, code, message)
}

// Derive returns a fresh AppError that matches sentinel under errors.Is.
// Sentinels are shared, so callers must never hand them out directly.
func Derive(sentinel *AppError, cause error) *AppError {
	return build(3, cause, sentinel.Type, sentinel.Code, sentinel.Message)
}

// build records the frame skip levels above caller as Source.
func build(skip int, err error, errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:     errorType,
		Code:     code,
		Message:  message,
		Internal: err,
		Source:   caller(skip),
		Context:  make(map[string]interface{}),
	}
}

func caller(skip int) string {
	_, file, line, _ := runtime.Caller(skip)
	return fmt.Sprintf("%s:%d", file, line)
}

// TypeOf returns the type of the outermost AppError in err's chain, or "" if there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsType reports whether err's chain carries an AppError of type t.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Internal
	}
	return false
}

// Handler provides error handling strategies
type Handler struct {
	logger *slog.Logger
}

// NewHandler creates a new error handler
func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle logs an error according to its type
func (h *Handler) Handle(ctx context.Context, err error) {
	if err == nil {
		return
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		h.handleAppError(ctx, appErr)
	} else {
		h.handleGenericError(ctx, err)
	}
}

func (h *Handler) handleAppError(ctx context.Context, err *AppError) {
	switch err.Type {
	case ErrorTypeFieldDecode:
		h.logger.DebugContext(ctx, "Field decode error", err.LogFields()...)
	case ErrorTypeValidation, ErrorTypeConflict:
		h.logger.WarnContext(ctx, "Rejected ingestion request", err.LogFields()...)
	case ErrorTypeCancelled:
		h.logger.WarnContext(ctx, "Ingestion cancelled", err.LogFields()...)
	case ErrorTypeConnection, ErrorTypeParse, ErrorTypeInsert, ErrorTypeCommit, ErrorTypeSource, ErrorTypeInternal:
		h.logger.ErrorContext(ctx, "Ingestion failed", err.LogFields()...)
	default:
		h.logger.ErrorContext(ctx, "Unknown error type", err.LogFields()...)
	}
}

func (h *Handler) handleGenericError(ctx context.Context, err error) {
	h.logger.ErrorContext(ctx, "Unhandled error", "error", err.Error())
}

// LogAndReturn logs an error and returns it
func (h *Handler) LogAndReturn(ctx context.Context, err error) error {
	h.Handle(ctx, err)
	return err
}

// Predefined errors, usable as errors.Is targets.
var (
	ErrBadCredentials  = New(ErrorTypeConnection, "BAD_CREDENTIALS", "Invalid database credentials")
	ErrUnknownDatabase = New(ErrorTypeConnection, "UNKNOWN_DATABASE", "Database does not exist")
	ErrUnreachable     = New(ErrorTypeConnection, "UNREACHABLE", "Database is unreachable")
	ErrMalformedXML    = New(ErrorTypeParse, "MALFORMED_XML", "Export document is not well-formed XML")
	ErrNoRootElement   = New(ErrorTypeParse, "NO_ROOT", "Export document has no root element")
	ErrRunInProgress   = New(ErrorTypeConflict, "RUN_IN_PROGRESS", "An ingestion run is already active for this owner")
	ErrExportNotFound  = New(ErrorTypeSource, "EXPORT_NOT_FOUND", "Could not find export.xml in archive")
)

func NewValidationError(message string) *AppError {
	return build(3, nil, ErrorTypeValidation, "VALIDATION", message)
}

func NewConnectionError(err error, code, message string) *AppError {
	return build(3, err, ErrorTypeConnection, code, message)
}

func NewParseError(err error, offset int64) *AppError {
	return build(3, err, ErrorTypeParse, ErrMalformedXML.Code, ErrMalformedXML.Message).
		WithContext("offset", offset)
}

func NewInsertError(err error, table string) *AppError {
	return build(3, err, ErrorTypeInsert, "INSERT_FAILED", fmt.Sprintf("insert into %s failed", table)).
		WithContext("table", table)
}

func NewCommitError(err error) *AppError {
	return build(3, err, ErrorTypeCommit, "COMMIT_FAILED", "Failed to commit batch")
}

func NewCancelledError(err error) *AppError {
	return build(3, err, ErrorTypeCancelled, "CANCELLED", "Ingestion cancelled")
}

func NewSourceError(err error, path string) *AppError {
	return build(3, err, ErrorTypeSource, "SOURCE_OPEN", "Failed to open export").
		WithContext("path", path)
}

func NewInternalError(err error) *AppError {
	return build(3, err, ErrorTypeInternal, "INTERNAL", "Internal error")
}
