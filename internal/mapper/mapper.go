// Package mapper turns scanned export elements into destination rows.
package mapper

import (
	"database/sql"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vladimiradmaev/health-importer/internal/domain"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
	"github.com/vladimiradmaev/health-importer/internal/logger"
	"github.com/vladimiradmaev/health-importer/internal/normalize"
	"github.com/vladimiradmaev/health-importer/internal/observability"
	"github.com/vladimiradmaev/health-importer/internal/scanner"
)

// Element tags carrying data.
const (
	TagRecord            = "Record"
	TagWorkout           = "Workout"
	TagActivitySummary   = "ActivitySummary"
	TagMetadataEntry     = "MetadataEntry"
	TagWorkoutStatistics = "WorkoutStatistics"
)

const (
	distanceTypePrefix = "HKQuantityTypeIdentifierDistance"
	activeEnergyType   = "HKQuantityTypeIdentifierActiveEnergyBurned"
)

// Kind says which row a Result holds.
type Kind int

const (
	KindSkip Kind = iota
	KindHealthRecord
	KindWorkout
	KindActivitySummary
)

func (k Kind) String() string {
	switch k {
	case KindHealthRecord:
		return "health_record"
	case KindWorkout:
		return "workout"
	case KindActivitySummary:
		return "activity_summary"
	default:
		return "skip"
	}
}

// Result is the outcome of mapping one element. Exactly one of the row
// pointers is set unless Kind is KindSkip. Rows own their data and stay valid
// after the scanner advances.
type Result struct {
	Kind     Kind
	Record   *domain.HealthRecord
	Metadata []domain.MetadataEntry
	Workout  *domain.Workout
	Summary  *domain.ActivitySummary
}

// Options tunes mapping.
type Options struct {
	// StrictIntegers makes a malformed integer attribute fail the element
	// instead of becoming NULL.
	StrictIntegers bool
	Logger         *slog.Logger
}

// Mapper maps elements for a single owner.
type Mapper struct {
	userID      uint64
	strict      bool
	log         *slog.Logger
	fieldErrors map[string]int64
}

func New(userID uint64, opts Options) *Mapper {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Mapper{
		userID:      userID,
		strict:      opts.StrictIntegers,
		log:         log,
		fieldErrors: make(map[string]int64),
	}
}

// FieldErrors returns how many values failed to normalize, per "Tag.attribute".
func (m *Mapper) FieldErrors() map[string]int64 {
	out := make(map[string]int64, len(m.fieldErrors))
	for k, v := range m.fieldErrors {
		out[k] = v
	}
	return out
}

// Map converts el. Unknown tags are skipped without error.
func (m *Mapper) Map(el *scanner.Element) (Result, error) {
	switch el.Tag {
	case TagRecord:
		rec, meta := m.healthRecord(el)
		return Result{Kind: KindHealthRecord, Record: rec, Metadata: meta}, nil
	case TagWorkout:
		return Result{Kind: KindWorkout, Workout: m.workout(el)}, nil
	case TagActivitySummary:
		summary, err := m.activitySummary(el)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindActivitySummary, Summary: summary}, nil
	default:
		return Result{Kind: KindSkip}, nil
	}
}

func (m *Mapper) healthRecord(el *scanner.Element) (*domain.HealthRecord, []domain.MetadataEntry) {
	rec := &domain.HealthRecord{
		UserID:        m.userID,
		Type:          el.Attrs["type"],
		Unit:          optString(el, "unit"),
		Value:         m.decimal(el, "value"),
		SourceName:    optString(el, "sourceName"),
		SourceVersion: optString(el, "sourceVersion"),
		Device:        optString(el, "device"),
		CreationDate:  m.timestamp(el, "creationDate"),
		StartDate:     m.timestamp(el, "startDate"),
		EndDate:       m.timestamp(el, "endDate"),
	}

	var meta []domain.MetadataEntry
	for i := range el.Children {
		child := &el.Children[i]
		if child.Tag != TagMetadataEntry {
			continue
		}
		key, _ := child.Attr("key")
		value, _ := child.Attr("value")
		meta = append(meta, domain.MetadataEntry{Key: key, Value: value})
	}
	return rec, meta
}

func (m *Mapper) workout(el *scanner.Element) *domain.Workout {
	w := &domain.Workout{
		UserID:                m.userID,
		ActivityType:          optString(el, "workoutActivityType"),
		Duration:              m.decimal(el, "duration"),
		DurationUnit:          optString(el, "durationUnit"),
		TotalDistance:         m.decimal(el, "totalDistance"),
		TotalDistanceUnit:     optString(el, "totalDistanceUnit"),
		TotalEnergyBurned:     m.decimal(el, "totalEnergyBurned"),
		TotalEnergyBurnedUnit: optString(el, "totalEnergyBurnedUnit"),
		StartDate:             m.timestamp(el, "startDate"),
		EndDate:               m.timestamp(el, "endDate"),
		SourceName:            optString(el, "sourceName"),
	}

	// Newer exports carry totals in WorkoutStatistics children instead of attributes.
	_, hasDistance := el.Attr("totalDistance")
	_, hasEnergy := el.Attr("totalEnergyBurned")
	if hasDistance && hasEnergy {
		return w
	}
	for i := range el.Children {
		child := &el.Children[i]
		if child.Tag != TagWorkoutStatistics {
			continue
		}
		statType, _ := child.Attr("type")
		switch {
		case !hasDistance && strings.HasPrefix(statType, distanceTypePrefix):
			w.TotalDistance, w.TotalDistanceUnit = m.statistic(child, w.TotalDistance, w.TotalDistanceUnit)
		case !hasEnergy && statType == activeEnergyType:
			w.TotalEnergyBurned, w.TotalEnergyBurnedUnit = m.statistic(child, w.TotalEnergyBurned, w.TotalEnergyBurnedUnit)
		}
	}
	return w
}

// statistic adds a WorkoutStatistics sum to an accumulated total. Sums with a
// unit different from the one already accumulated are ignored.
func (m *Mapper) statistic(child *scanner.Child, total decimal.NullDecimal, unit sql.NullString) (decimal.NullDecimal, sql.NullString) {
	raw, _ := child.Attr("sum")
	sum, err := normalize.Decimal(raw)
	if err != nil {
		m.fieldError(TagWorkoutStatistics, "sum", err)
		return total, unit
	}
	if !sum.Valid {
		return total, unit
	}
	childUnit := normalize.String(child.Attr("unit"))
	if !total.Valid {
		return sum, childUnit
	}
	if unit.String != childUnit.String {
		return total, unit
	}
	return decimal.NewNullDecimal(total.Decimal.Add(sum.Decimal)), unit
}

func (m *Mapper) activitySummary(el *scanner.Element) (*domain.ActivitySummary, error) {
	s := &domain.ActivitySummary{
		UserID:             m.userID,
		Date:               m.date(el, "dateComponents"),
		ActiveEnergyBurned: m.decimal(el, "activeEnergyBurned"),
	}

	var err error
	if s.MoveTime, err = m.integer(el, "appleMoveTime"); err != nil {
		return nil, err
	}
	if s.ExerciseTime, err = m.integer(el, "appleExerciseTime"); err != nil {
		return nil, err
	}
	if s.StandHours, err = m.integer(el, "appleStandHours"); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Mapper) timestamp(el *scanner.Element, attr string) sql.NullTime {
	v, err := normalize.Timestamp(el.Attrs[attr])
	if err != nil {
		m.fieldError(el.Tag, attr, err)
	}
	return v
}

func (m *Mapper) date(el *scanner.Element, attr string) sql.NullTime {
	v, err := normalize.DateOnly(el.Attrs[attr])
	if err != nil {
		m.fieldError(el.Tag, attr, err)
	}
	return v
}

func (m *Mapper) decimal(el *scanner.Element, attr string) decimal.NullDecimal {
	v, err := normalize.Decimal(el.Attrs[attr])
	if err != nil {
		m.fieldError(el.Tag, attr, err)
	}
	return v
}

func (m *Mapper) integer(el *scanner.Element, attr string) (sql.NullInt64, error) {
	v, err := normalize.Integer(el.Attrs[attr])
	if err == nil {
		return v, nil
	}
	if m.strict {
		return sql.NullInt64{}, apperrors.Wrap(err, apperrors.ErrorTypeFieldDecode, "BAD_INTEGER", "malformed integer attribute").
			WithContext("element", el.Tag).
			WithContext("attribute", attr).
			WithContext("offset", el.Offset)
	}
	m.fieldError(el.Tag, attr, err)
	return v, nil
}

func (m *Mapper) fieldError(tag, attr string, err error) {
	field := tag + "." + attr
	m.fieldErrors[field]++
	observability.RecordFieldDecodeError(field)
	m.log.Debug("Field decoded as NULL", "field", field, "error", err)
}

func optString(el *scanner.Element, attr string) sql.NullString {
	return normalize.String(el.Attr(attr))
}
