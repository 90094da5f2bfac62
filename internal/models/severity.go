package models

import (
	"encoding/json"
	"fmt"
)

// Severity ranks alerts from P0 (page now) to P3 (informational).
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

var severityRank = map[Severity]int{
	SeverityP0: 0,
	SeverityP1: 1,
	SeverityP2: 2,
	SeverityP3: 3,
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MoreSevereThan reports whether s outranks other. Unknown values rank below P3.
func (s Severity) MoreSevereThan(other Severity) bool {
	return s.rank() < other.rank()
}

func (s Severity) rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.MoreSevereThan(a) {
		return b
	}
	return a
}

// UnmarshalJSON rejects unknown severities.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v := Severity(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown severity %q", raw)
	}
	*s = v
	return nil
}
