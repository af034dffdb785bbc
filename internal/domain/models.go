package domain

import (
	"database/sql"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// HealthRecord is one <Record> sample from the export, owned by UserID.
type HealthRecord struct {
	ID            uint64              `gorm:"column:record_id;primaryKey;autoIncrement"`
	UserID        uint64              `gorm:"not null;index"`
	Type          string              `gorm:"type:varchar(128);not null"`
	Unit          sql.NullString      `gorm:"type:varchar(64)"`
	Value         decimal.NullDecimal `gorm:"type:numeric"`
	SourceName    sql.NullString
	SourceVersion sql.NullString
	Device        sql.NullString
	CreationDate  sql.NullTime `gorm:"type:timestamp"`
	StartDate     sql.NullTime `gorm:"type:timestamp"`
	EndDate       sql.NullTime `gorm:"type:timestamp"`
}

func (HealthRecord) TableName() string { return "health_record" }

// MetadataEntry is a key/value pair attached to a HealthRecord.
// Duplicate keys for the same record are kept as they appear in the source.
type MetadataEntry struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	RecordID uint64 `gorm:"not null;index"`
	Key      string `gorm:"column:meta_key"`
	Value    string `gorm:"column:meta_value"`
}

func (MetadataEntry) TableName() string { return "metadata_entry" }

type Workout struct {
	ID                    uint64 `gorm:"primaryKey;autoIncrement"`
	UserID                uint64 `gorm:"not null;index"`
	ActivityType          sql.NullString
	Duration              decimal.NullDecimal `gorm:"type:numeric"`
	DurationUnit          sql.NullString
	TotalDistance         decimal.NullDecimal `gorm:"type:numeric"`
	TotalDistanceUnit     sql.NullString
	TotalEnergyBurned     decimal.NullDecimal `gorm:"type:numeric"`
	TotalEnergyBurnedUnit sql.NullString
	StartDate             sql.NullTime `gorm:"type:timestamp"`
	EndDate               sql.NullTime `gorm:"type:timestamp"`
	SourceName            sql.NullString
}

func (Workout) TableName() string { return "workout" }

// ActivitySummary is the per-day ring summary. Its natural key is (UserID, Date).
type ActivitySummary struct {
	ID                 uint64              `gorm:"primaryKey;autoIncrement"`
	UserID             uint64              `gorm:"not null;index"`
	Date               sql.NullTime        `gorm:"type:date"`
	ActiveEnergyBurned decimal.NullDecimal `gorm:"type:numeric"`
	MoveTime           sql.NullInt64
	ExerciseTime       sql.NullInt64
	StandHours         sql.NullInt64
}

func (ActivitySummary) TableName() string { return "activity_summary" }

// HealthSample is the deduplicated view of a HealthRecord keyed by
// (UserID, SampleType, StartTime, EndTime).
type HealthSample struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	UserID     uint64
	SampleType string
	StartTime  time.Time
	EndTime    time.Time
	AvgValue   decimal.Decimal
	MinValue   decimal.Decimal
	MaxValue   decimal.Decimal
	Unit       sql.NullString
}

func (HealthSample) TableName() string { return "health_sample" }

// SampleKey is the dedup key of health_sample.
type SampleKey struct {
	UserID     uint64
	SampleType string
	StartTime  time.Time
	EndTime    time.Time
}

func (s HealthSample) Key() SampleKey {
	return SampleKey{UserID: s.UserID, SampleType: s.SampleType, StartTime: s.StartTime, EndTime: s.EndTime}
}

// SampleFromRecord derives the sample row for rec. Records without a numeric
// value or without both timestamps have no sample.
func SampleFromRecord(rec *HealthRecord) (HealthSample, bool) {
	if !rec.Value.Valid || !rec.StartDate.Valid || !rec.EndDate.Valid {
		return HealthSample{}, false
	}
	sampleType := SampleType(rec.Type)
	if sampleType == "" {
		return HealthSample{}, false
	}
	return HealthSample{
		UserID:     rec.UserID,
		SampleType: sampleType,
		StartTime:  rec.StartDate.Time,
		EndTime:    rec.EndDate.Time,
		AvgValue:   rec.Value.Decimal,
		MinValue:   rec.Value.Decimal,
		MaxValue:   rec.Value.Decimal,
		Unit:       rec.Unit,
	}, true
}

var typePrefixes = []string{
	"HKQuantityTypeIdentifier",
	"HKCategoryTypeIdentifier",
	"HKCorrelationTypeIdentifier",
	"HKDataType",
}

// SampleType turns a record type identifier into the snake_case sample type,
// e.g. HKQuantityTypeIdentifierHeartRateVariabilitySDNN -> heart_rate_variability_sdnn.
func SampleType(recordType string) string {
	name := recordType
	for _, prefix := range typePrefixes {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			break
		}
	}

	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(runes) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
