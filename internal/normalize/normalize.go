// Package normalize converts raw export attribute strings into typed column
// values. Every function is total: malformed input yields an absent value
// together with a *FieldError describing why, never a panic.
package normalize

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// TimestampLayout is the export's timestamp format, e.g. "2024-06-29 15:00:12 +0530".
	TimestampLayout = "2006-01-02 15:04:05 -0700"
	DateLayout      = "2006-01-02"
)

var timestampLayouts = []string{
	TimestampLayout,
	"2006-01-02 15:04:05 -07:00",
}

// Kind names the target type a raw value failed to convert to.
type Kind string

const (
	KindTimestamp Kind = "timestamp"
	KindDate      Kind = "date"
	KindDecimal   Kind = "decimal"
	KindInteger   Kind = "integer"
)

// FieldError reports a value that could not be normalized.
type FieldError struct {
	Kind Kind
	Raw  string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("cannot parse %q as %s: %v", e.Raw, e.Kind, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Timestamp parses a timestamp with an explicit UTC offset and returns it in
// UTC, truncated to whole seconds. Empty input is absent without error.
func Timestamp(raw string) (sql.NullTime, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sql.NullTime{}, nil
	}

	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return sql.NullTime{Time: t.UTC().Truncate(time.Second), Valid: true}, nil
		}
		lastErr = err
	}
	return sql.NullTime{}, &FieldError{Kind: KindTimestamp, Raw: raw, Err: lastErr}
}

// DateOnly parses a calendar date (YYYY-MM-DD) as midnight UTC.
func DateOnly(raw string) (sql.NullTime, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sql.NullTime{}, nil
	}

	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return sql.NullTime{}, &FieldError{Kind: KindDate, Raw: raw, Err: err}
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

// Decimal parses an arbitrary-precision decimal.
func Decimal(raw string) (decimal.NullDecimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, &FieldError{Kind: KindDecimal, Raw: raw, Err: err}
	}
	return decimal.NewNullDecimal(d), nil
}

// Integer parses a base-10 integer.
func Integer(raw string) (sql.NullInt64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sql.NullInt64{}, nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return sql.NullInt64{}, &FieldError{Kind: KindInteger, Raw: raw, Err: err}
	}
	return sql.NullInt64{Int64: n, Valid: true}, nil
}

// String maps a present attribute to a valid string and a missing one to NULL.
func String(raw string, present bool) sql.NullString {
	if !present {
		return sql.NullString{}
	}
	return sql.NullString{String: raw, Valid: true}
}
