// Package catalog resolves the stage template set for an audit period.
// Resolution is a pure lookup against a static catalog and is safe to call
// concurrently.
package catalog

import (
	"fmt"
	"sort"
)

const (
	WorkTypeFinished   = "finished"
	WorkTypeInProgress = "in_progress"
)

// OldestPeriod is the fallback period for works created before the period
// field existed. Listings filtered by it must also match works with no
// period set.
const OldestPeriod = "2022"

// StageTemplate is one entry of a period's stage list.
type StageTemplate struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`
	Responsible string `json:"responsible" enum:"engineering,finance,shared"`
}

// InvalidPeriodError indicates the period is unknown or disabled.
type InvalidPeriodError struct {
	Period string
}

func (e InvalidPeriodError) Error() string {
	return fmt.Sprintf("period %q is not in the audit catalog", e.Period)
}

// MissingWorkTypeError indicates the period distinguishes work types and
// none was supplied.
type MissingWorkTypeError struct {
	Period string
}

func (e MissingWorkTypeError) Error() string {
	return fmt.Sprintf("period %q requires a work type (finished or in_progress)", e.Period)
}

type periodEntry struct {
	// fixed is the single stage list for periods that do not distinguish
	// work types; byType holds one list per work type otherwise.
	fixed    []StageTemplate
	byType   map[string][]StageTemplate
	disabled bool
}

var periods = map[string]periodEntry{
	"2022": {
		fixed: []StageTemplate{
			{1, "Apertura de expediente", "shared"},
			{2, "Revisión documental", "engineering"},
			{3, "Verificación de contrato", "finance"},
			{4, "Inspección física", "engineering"},
			{5, "Avance físico-financiero", "shared"},
			{6, "Comprobación de pagos", "finance"},
			{7, "Acta de observaciones", "engineering"},
			{8, "Cierre de auditoría", "shared"},
		},
	},
	"2023": {
		byType: map[string][]StageTemplate{
			WorkTypeFinished: {
				{1, "Apertura de expediente", "shared"},
				{2, "Verificación documental y de pagos", "finance"},
				{3, "Inspección física final", "engineering"},
				{4, "Cierre de auditoría", "shared"},
			},
			WorkTypeInProgress: {
				{1, "Apertura de expediente", "shared"},
				{2, "Revisión de avance financiero", "finance"},
				{3, "Inspección de avance físico", "engineering"},
				{4, "Acta de seguimiento", "shared"},
			},
		},
	},
	"2024": {
		byType: map[string][]StageTemplate{
			WorkTypeFinished: {
				{1, "Apertura de expediente", "shared"},
				{2, "Verificación documental y de pagos", "finance"},
				{3, "Inspección física final", "engineering"},
				{4, "Cierre de auditoría", "shared"},
			},
			WorkTypeInProgress: {
				{1, "Apertura de expediente", "shared"},
				{2, "Revisión de avance financiero", "finance"},
				{3, "Inspección de avance físico", "engineering"},
				{4, "Acta de seguimiento", "shared"},
			},
		},
	},
}

// Resolve returns the ordered stage templates for a period and, when the
// period distinguishes work types, the given work type. The returned slice
// is a copy; callers may keep it.
func Resolve(period, workType string) ([]StageTemplate, error) {
	entry, ok := periods[period]
	if !ok || entry.disabled {
		return nil, InvalidPeriodError{Period: period}
	}
	source := entry.fixed
	if source == nil {
		if workType == "" {
			return nil, MissingWorkTypeError{Period: period}
		}
		source, ok = entry.byType[workType]
		if !ok {
			return nil, fmt.Errorf("unknown work type %q for period %s", workType, period)
		}
	}
	out := make([]StageTemplate, len(source))
	copy(out, source)
	return out, nil
}

// RequiresWorkType reports whether a period selects its stage list by work
// type. Unknown periods report false.
func RequiresWorkType(period string) bool {
	entry, ok := periods[period]
	return ok && entry.fixed == nil
}

// PeriodInfo describes one catalog entry for listings.
type PeriodInfo struct {
	ID               string `json:"id"`
	RequiresWorkType bool   `json:"requires_work_type"`
	StageCount       int    `json:"stage_count"`
}

// Periods lists the catalog entries sorted by period id.
func Periods() []PeriodInfo {
	out := make([]PeriodInfo, 0, len(periods))
	for id, entry := range periods {
		if entry.disabled {
			continue
		}
		count := len(entry.fixed)
		if entry.fixed == nil {
			for _, list := range entry.byType {
				count = len(list)
				break
			}
		}
		out = append(out, PeriodInfo{ID: id, RequiresWorkType: entry.fixed == nil, StageCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
