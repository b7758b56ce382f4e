package linepulse

import (
	"fmt"
	"strings"

	"github.com/jpalmerr/linepulse/internal/backend"
	"github.com/jpalmerr/linepulse/internal/line"
)

// Filter scopes the data shown for a line.
//
// A date range is only honored once it has been applied: editing either
// date through [Filter.WithDateFrom] or [Filter.WithDateTo] clears
// DateActive, so typing a date never changes what is fetched until
// [Filter.ApplyDateFilter] is called. Filter is a value type; the With
// methods return modified copies.
type Filter struct {
	WorkOrder  string `json:"work_order"`
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`
	DateActive bool   `json:"date_active"`
}

// WithWorkOrder returns a copy of f filtered to work order wo. An empty wo
// clears the work order filter.
func (f Filter) WithWorkOrder(wo string) Filter {
	f.WorkOrder = wo
	return f
}

// WithDateFrom returns a copy of f with a new start date and the date
// filter deactivated.
func (f Filter) WithDateFrom(date string) Filter {
	f.DateFrom = date
	f.DateActive = false
	return f
}

// WithDateTo returns a copy of f with a new end date and the date filter
// deactivated.
func (f Filter) WithDateTo(date string) Filter {
	f.DateTo = date
	f.DateActive = false
	return f
}

// ApplyDateFilter returns a copy of f with the date filter active.
func (f Filter) ApplyDateFilter() Filter {
	f.DateActive = true
	return f
}

// HasDateFilter reports whether the date range takes part in fetches: it
// must be active and at least one date must be set.
func (f Filter) HasDateFilter() bool {
	return f.DateActive && (strings.TrimSpace(f.DateFrom) != "" || strings.TrimSpace(f.DateTo) != "")
}

// Key identifies the data f selects on lineID. Inactive dates do not take
// part in the key.
func (f Filter) Key(lineID string) string {
	var b strings.Builder
	b.WriteString(line.NormalizeID(lineID))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(f.WorkOrder))
	if f.HasDateFilter() {
		b.WriteByte('|')
		b.WriteString(strings.TrimSpace(f.DateFrom))
		b.WriteByte('|')
		b.WriteString(strings.TrimSpace(f.DateTo))
	}
	return b.String()
}

// Validate checks that any active date parses.
func (f Filter) Validate() error {
	if !f.HasDateFilter() {
		return nil
	}
	for _, d := range []string{f.DateFrom, f.DateTo} {
		if strings.TrimSpace(d) == "" {
			continue
		}
		if _, err := backend.FormatDate(d); err != nil {
			return fmt.Errorf("filter: %w", err)
		}
	}
	return nil
}

func (f Filter) query(lineID string) backend.Query {
	q := backend.Query{
		Line:      lineID,
		WorkOrder: strings.TrimSpace(f.WorkOrder),
	}
	if f.HasDateFilter() {
		q.DateFrom = f.DateFrom
		q.DateTo = f.DateTo
	}
	return q
}
