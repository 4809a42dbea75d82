package filters

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// Orientation fixes which side of the anchor events are expected on.
type Orientation string

const (
	// Before keeps events occurring on or before the anchor date.
	Before Orientation = "BEFORE"
	// After keeps events occurring on or after the anchor date.
	After Orientation = "AFTER"
)

// anchorDateColumn is the derived column the anchor's event date is joined
// in under; it never leaks into the filter's output.
const anchorDateColumn = "__ANCHOR_DATE"

// RelativeTimeRangeFilter keeps rows whose event date falls within
// [minDays, maxDays] of a reference date. The reference is either an anchor
// node's computed event date, joined in on the subject identifier, or an
// INDEX_DATE column already present on the table.
//
// The delta is anchor minus event in whole days; with orientation After the
// delta is negated, so in both orientations a positive delta means further
// from the anchor in the expected direction and 0 means on the anchor date.
type RelativeTimeRangeFilter struct {
	when       Orientation
	minDays    *domain.Value
	maxDays    *domain.Value
	anchor     Anchor
	dateColumn string
}

// RelativeTimeRangeOption adjusts filter construction.
type RelativeTimeRangeOption func(*RelativeTimeRangeFilter)

// WithAnchor makes the filter reference another node's computed event date
// instead of the table's INDEX_DATE column.
func WithAnchor(anchor Anchor) RelativeTimeRangeOption {
	return func(f *RelativeTimeRangeFilter) { f.anchor = anchor }
}

// WithDateColumn overrides the event-date column (default EVENT_DATE).
func WithDateColumn(column string) RelativeTimeRangeOption {
	return func(f *RelativeTimeRangeFilter) { f.dateColumn = column }
}

// NewRelativeTimeRangeFilter validates everything at construction: the
// orientation, minDays' operator (> or >=), maxDays' operator (< or <=),
// and that min's threshold does not exceed max's.
func NewRelativeTimeRangeFilter(when Orientation, minDays, maxDays *domain.Value, opts ...RelativeTimeRangeOption) (*RelativeTimeRangeFilter, error) {
	if when != Before && when != After {
		return nil, fmt.Errorf("%w: unknown orientation %q", domain.ErrConfiguration, when)
	}
	if minDays == nil && maxDays == nil {
		return nil, fmt.Errorf("%w: relative time range requires at least one bound", domain.ErrConfiguration)
	}
	if minDays != nil && minDays.Operator != domain.OpGreater && minDays.Operator != domain.OpGreaterOrEqual {
		return nil, fmt.Errorf("%w: min days operator must be > or >=, got %q", domain.ErrConfiguration, minDays.Operator)
	}
	if maxDays != nil && maxDays.Operator != domain.OpLess && maxDays.Operator != domain.OpLessOrEqual {
		return nil, fmt.Errorf("%w: max days operator must be < or <=, got %q", domain.ErrConfiguration, maxDays.Operator)
	}
	if err := domain.ValidateRange(minDays, maxDays); err != nil {
		return nil, err
	}
	f := &RelativeTimeRangeFilter{when: when, minDays: minDays, maxDays: maxDays, dateColumn: domain.ColEventDate}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Anchor returns the filter's anchor node, or nil when the filter references
// the table's INDEX_DATE column instead.
func (f *RelativeTimeRangeFilter) Anchor() Anchor { return f.anchor }

func (f *RelativeTimeRangeFilter) Name() string {
	if f.anchor != nil {
		return fmt.Sprintf("relative_time(%s %s)", f.when, f.anchor.Name())
	}
	return fmt.Sprintf("relative_time(%s index date)", f.when)
}

func (f *RelativeTimeRangeFilter) Apply(_ context.Context, table *tables.TypedTable, _ *Env) (*tables.TypedTable, error) {
	if !table.HasColumn(f.dateColumn) {
		return nil, fmt.Errorf("%w: table %s has no %s column", domain.ErrConfiguration, table.Kind(), f.dateColumn)
	}
	original := table.Columns()

	work := table
	referenceColumn := domain.ColIndexDate
	joined := false
	if f.anchor != nil {
		result, err := f.anchor.Result()
		if err != nil {
			return nil, fmt.Errorf("relative time anchor %s: %w", f.anchor.Name(), err)
		}
		anchorDates, err := result.Relation().Select(domain.ColPersonID, domain.ColEventDate)
		if err != nil {
			return nil, fmt.Errorf("relative time anchor %s: %w", f.anchor.Name(), err)
		}
		anchorDates = anchorDates.Rename(map[string]string{domain.ColEventDate: anchorDateColumn}).Distinct()
		// A multi-row anchor can carry several dates per subject; tag first
		// so the join does not multiply input rows. A row qualifies when any
		// anchor date satisfies the range.
		tagged, err := table.Rewrap(tagRowIdentity(table.Relation()))
		if err != nil {
			return nil, fmt.Errorf("relative time anchor %s: %w", f.anchor.Name(), err)
		}
		work, err = tagged.JoinRelation(anchorDates, []relational.JoinKey{relational.On(domain.ColPersonID)})
		if err != nil {
			return nil, fmt.Errorf("relative time anchor %s: %w", f.anchor.Name(), err)
		}
		referenceColumn = anchorDateColumn
		joined = true
	} else if !table.HasColumn(domain.ColIndexDate) {
		return nil, fmt.Errorf("%w: no anchor declared and table %s has no %s column",
			ErrMissingReference, table.Kind(), domain.ColIndexDate)
	}

	filtered := work.Filter(func(row relational.Row) bool {
		event, ok := relational.AsTime(row[f.dateColumn])
		if !ok {
			return false
		}
		reference, ok := relational.AsTime(row[referenceColumn])
		if !ok {
			return false
		}
		days := wholeDays(reference, event)
		if f.when == After {
			days = -days
		}
		if f.minDays != nil && !f.minDays.Compare(float64(days)) {
			return false
		}
		if f.maxDays != nil && !f.maxDays.Compare(float64(days)) {
			return false
		}
		return true
	})

	result := filtered.Relation()
	if joined {
		result = collapseRowIdentity(result)
	}
	selected, err := result.Select(original...)
	if err != nil {
		return nil, err
	}
	return table.Rewrap(selected)
}

// wholeDays computes reference minus event in whole days: positive when the
// event precedes the reference.
func wholeDays(reference, event time.Time) int {
	return int(reference.Sub(event).Hours() / 24)
}
