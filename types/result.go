package types

import (
	"encoding/json"
	"strings"
	"time"
)

// nonePart is the placeholder the external tool writes for empty name parts
const nonePart = "None"

// Unit identifies one (service, operation, region, profile) result
type Unit struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	Region    string `json:"region,omitempty"`
	Profile   string `json:"profile,omitempty"`
}

// ID returns the deterministic unit identifier
func (u Unit) ID() string {
	return strings.Join([]string{
		orNone(u.Service),
		orNone(u.Operation),
		orNone(u.Region),
		orNone(u.Profile),
	}, "_")
}

func orNone(v string) string {
	if v == "" {
		return nonePart
	}
	return v
}

// ResultItem is one parsed unit stored for a scan
type ResultItem struct {
	ScanID     string          `json:"scan_id"`
	UnitID     string          `json:"unit_identifier"`
	Service    string          `json:"service"`
	Operation  string          `json:"operation"`
	Region     string          `json:"region,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	SourceFile string          `json:"source_file"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// NewResultItem builds the stored record for one unit
func NewResultItem(scanID string, unit Unit, payload json.RawMessage, sourceFile string, at time.Time) ResultItem {
	return ResultItem{
		ScanID:     scanID,
		UnitID:     unit.ID(),
		Service:    unit.Service,
		Operation:  unit.Operation,
		Region:     unit.Region,
		Profile:    unit.Profile,
		Payload:    payload,
		SourceFile: sourceFile,
		IngestedAt: at.UTC(),
	}
}

// Unit returns the unit the item was parsed from
func (r ResultItem) Unit() Unit {
	return Unit{Service: r.Service, Operation: r.Operation, Region: r.Region, Profile: r.Profile}
}

// ScanEvent is published on every lifecycle transition
type ScanEvent struct {
	ScanID string     `json:"scan_id"`
	State  State      `json:"state"`
	At     time.Time  `json:"at"`
	Record ScanRecord `json:"record"`
}
