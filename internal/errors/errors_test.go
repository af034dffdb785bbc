package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewInsertError(cause, "workout")

	assert.Equal(t, "insert: insert into workout failed: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "workout", err.Context["table"])
	assert.Contains(t, err.Source, "errors_test.go")

	assert.Equal(t, "validation: bad user", NewValidationError("bad user").Error())
}

func TestAppError_SourceIsCallerOfConstructor(t *testing.T) {
	cause := errors.New("boom")
	for name, err := range map[string]*AppError{
		"New":        New(ErrorTypeInternal, "X", "x"),
		"Wrap":       Wrap(cause, ErrorTypeInternal, "X", "x"),
		"Derive":     Derive(ErrRunInProgress, nil),
		"validation": NewValidationError("x"),
		"connection": NewConnectionError(cause, "C", "c"),
		"parse":      NewParseError(cause, 1),
		"insert":     NewInsertError(cause, "workout"),
		"commit":     NewCommitError(cause),
		"cancelled":  NewCancelledError(cause),
		"source":     NewSourceError(cause, "export.xml"),
		"internal":   NewInternalError(cause),
	} {
		assert.Contains(t, err.Source, "errors_test.go", name)
	}
}

func TestDerive_LeavesSentinelUntouched(t *testing.T) {
	cause := errors.New("lock held")
	err := Derive(ErrRunInProgress, cause).WithContext("user_id", 7)

	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.ErrorIs(t, err, cause)
	assert.NotSame(t, ErrRunInProgress, err)
	assert.Empty(t, ErrRunInProgress.Context)
	assert.Nil(t, ErrRunInProgress.Internal)
}

func TestAppError_IsMatchesTypeAndCode(t *testing.T) {
	err := Wrap(errors.New("auth failed"), ErrorTypeConnection, ErrBadCredentials.Code, "nope")
	assert.True(t, errors.Is(err, ErrBadCredentials))
	assert.False(t, errors.Is(err, ErrUnknownDatabase))
	assert.False(t, errors.Is(NewParseError(errors.New("eof"), 10), ErrNoRootElement))
	assert.True(t, errors.Is(NewParseError(errors.New("eof"), 10), ErrMalformedXML))
}

func TestTypeOfAndIsType(t *testing.T) {
	inner := NewCancelledError(context.Canceled)
	outer := fmt.Errorf("run: %w", Wrap(inner, ErrorTypeInsert, "X", "wrapped"))

	assert.Equal(t, ErrorTypeInsert, TypeOf(outer))
	assert.True(t, IsType(outer, ErrorTypeInsert))
	assert.True(t, IsType(outer, ErrorTypeCancelled))
	assert.False(t, IsType(outer, ErrorTypeParse))
	assert.ErrorIs(t, outer, context.Canceled)

	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
	assert.False(t, IsType(nil, ErrorTypeInternal))
}

func TestLogFields(t *testing.T) {
	err := NewParseError(errors.New("unexpected EOF"), 42)
	fields := err.LogFields()

	got := map[string]interface{}{}
	for i := 0; i+1 < len(fields); i += 2 {
		got[fields[i].(string)] = fields[i+1]
	}
	assert.Equal(t, ErrorTypeParse, got["error_type"])
	assert.Equal(t, "MALFORMED_XML", got["error_code"])
	assert.Equal(t, "unexpected EOF", got["internal_error"])
	assert.Equal(t, int64(42), got["offset"])
}

func TestHandler_LevelsByType(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	ctx := context.Background()

	h.Handle(ctx, nil)
	assert.Zero(t, buf.Len())

	h.Handle(ctx, New(ErrorTypeFieldDecode, "BAD_INTEGER", "x"))
	assert.Contains(t, buf.String(), "level=DEBUG")
	buf.Reset()

	h.Handle(ctx, ErrRunInProgress)
	assert.Contains(t, buf.String(), "level=WARN")
	buf.Reset()

	err := h.LogAndReturn(ctx, NewCommitError(errors.New("conn lost")))
	require.Error(t, err)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.True(t, strings.Contains(buf.String(), "COMMIT_FAILED"))
	buf.Reset()

	h.Handle(ctx, errors.New("plain"))
	assert.Contains(t, buf.String(), "Unhandled error")
}
