package ledger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Criteria filters audit events. Zero-valued fields match everything.
type Criteria struct {
	UserID   string     `json:"user_id,omitempty"`
	Action   string     `json:"action,omitempty"`
	Resource string     `json:"resource,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Result   Result     `json:"result,omitempty"`
	Risk     RiskLevel  `json:"risk,omitempty"`
	PHI      *bool      `json:"phi,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Offset   int        `json:"offset,omitempty"`
}

// Matches reports whether an event satisfies the criteria, ignoring
// Limit/Offset.
func (c *Criteria) Matches(e *Event) bool {
	if c.UserID != "" && e.UserID != c.UserID {
		return false
	}
	if c.Action != "" && e.Action != c.Action {
		return false
	}
	if c.Resource != "" && e.Resource != c.Resource {
		return false
	}
	if c.DateFrom != nil && e.Timestamp.Before(*c.DateFrom) {
		return false
	}
	if c.DateTo != nil && e.Timestamp.After(*c.DateTo) {
		return false
	}
	if c.Result != "" && e.Result != c.Result {
		return false
	}
	if c.Risk != "" && e.RiskLevel != c.Risk {
		return false
	}
	if c.PHI != nil && e.PHIInvolved != *c.PHI {
		return false
	}
	return true
}

// Summary aggregates audit activity over a period. Consumed by compliance
// reporting.
type Summary struct {
	From          time.Time            `json:"from"`
	To            time.Time            `json:"to"`
	TotalEvents   int                  `json:"total_events"`
	PHIEvents     int                  `json:"phi_events"`
	Failures      int                  `json:"failures"`
	ByAction      map[string]int       `json:"by_action"`
	ByRisk        map[RiskLevel]int    `json:"by_risk"`
	ByResult      map[Result]int       `json:"by_result"`
	DistinctUsers int                  `json:"distinct_users"`
	GeneratedAt   time.Time            `json:"generated_at"`
}

// Query returns persisted events matching the criteria in chronological
// order, honouring Limit and Offset.
func (l *Ledger) Query(criteria Criteria) ([]Event, error) {
	all, err := l.loadAll()
	if err != nil {
		return nil, err
	}

	var matched []Event
	for i := range all {
		if criteria.Matches(&all[i]) {
			matched = append(matched, all[i])
		}
	}

	if criteria.Offset > 0 {
		if criteria.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[criteria.Offset:]
	}
	if criteria.Limit > 0 && len(matched) > criteria.Limit {
		matched = matched[:criteria.Limit]
	}
	if matched == nil {
		matched = []Event{}
	}
	return matched, nil
}

// GenerateSummary aggregates activity between from and to. Zero times mean
// an unbounded side.
func (l *Ledger) GenerateSummary(from, to time.Time) (*Summary, error) {
	criteria := Criteria{}
	if !from.IsZero() {
		criteria.DateFrom = &from
	}
	if !to.IsZero() {
		criteria.DateTo = &to
	}
	events, err := l.Query(criteria)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		From:        from,
		To:          to,
		ByAction:    make(map[string]int),
		ByRisk:      make(map[RiskLevel]int),
		ByResult:    make(map[Result]int),
		GeneratedAt: time.Now().UTC(),
	}
	users := make(map[string]struct{})
	for i := range events {
		e := &events[i]
		s.TotalEvents++
		s.ByAction[e.Action]++
		s.ByRisk[e.RiskLevel]++
		s.ByResult[e.Result]++
		if e.PHIInvolved {
			s.PHIEvents++
		}
		if e.Result == ResultFailure {
			s.Failures++
		}
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
	}
	s.DistinctUsers = len(users)
	return s, nil
}

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// csvHeader is the fixed column order of CSV exports.
var csvHeader = []string{
	"id", "timestamp", "user_id", "session_id", "action", "resource",
	"resource_id", "result", "risk_level", "phi_involved", "hash", "previous_hash",
}

// Export writes all events between from and to in the given format.
func (l *Ledger) Export(w io.Writer, from, to time.Time, format ExportFormat) error {
	criteria := Criteria{}
	if !from.IsZero() {
		criteria.DateFrom = &from
	}
	if !to.IsZero() {
		criteria.DateTo = &to
	}
	events, err := l.Query(criteria)
	if err != nil {
		return err
	}

	switch format {
	case ExportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)

	case ExportCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for i := range events {
			e := &events[i]
			row := []string{
				e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.UserID, e.SessionID, e.Action, e.Resource,
				e.ResourceID, string(e.Result), string(e.RiskLevel),
				strconv.FormatBool(e.PHIInvolved), e.Hash, e.PrevHash,
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()

	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
