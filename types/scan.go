package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Exit codes reported instead of the process's own code
const (
	ExitCodeTimeout  = -2
	ExitCodeCanceled = -3
)

// MaxIngestErrors caps the ingestion errors kept on a scan record
const MaxIngestErrors = 100

// ScanRecord is the persisted state of one scan invocation
type ScanRecord struct {
	ScanID           string        `json:"scan_id"`
	Targets          Targets       `json:"requested_targets"`
	State            State         `json:"lifecycle_state"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	ExitCode         *int          `json:"exit_code,omitempty"`
	ItemsIngested    int64         `json:"items_ingested"`
	FilesSeen        int64         `json:"files_seen"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	LogDirectory     string        `json:"log_directory,omitempty"`
	Command          []string      `json:"command,omitempty"`
	DurationSeconds  float64       `json:"duration_seconds,omitempty"`
	ErrorDetail      string        `json:"error_detail,omitempty"`
	IngestErrors     []IngestError `json:"ingest_errors,omitempty"`
}

// IngestError is a per-file ingestion failure logged against a scan
type IngestError struct {
	File  string    `json:"file"`
	Kind  string    `json:"kind"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Ingest error kinds
const (
	IngestErrorParse = "parse"
	IngestErrorWrite = "write"
	IngestErrorRead  = "read"
)

// NewScanID builds a scan id from the start time and a random suffix
func NewScanID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("scan_%s_%s", now.UTC().Format("20060102_150405"), suffix)
}

// NewScanRecord creates a pending record
func NewScanRecord(id string, targets Targets, workdir string, now time.Time) ScanRecord {
	return ScanRecord{
		ScanID:           id,
		Targets:          targets,
		State:            StatePending,
		StartTime:        now.UTC(),
		WorkingDirectory: workdir,
	}
}

// Transition moves the record to next, stamping end time on terminal states
func (r *ScanRecord) Transition(next State, at time.Time) error {
	if !r.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}
	r.State = next
	if next.IsTerminal() {
		end := at.UTC()
		r.EndTime = &end
		r.DurationSeconds = end.Sub(r.StartTime).Seconds()
	}
	return nil
}

// Fail transitions to failed with a human readable detail
func (r *ScanRecord) Fail(detail string, at time.Time) error {
	if err := r.Transition(StateFailed, at); err != nil {
		return err
	}
	r.ErrorDetail = detail
	return nil
}

// SetExitCode records the external process's termination code
func (r *ScanRecord) SetExitCode(code int) {
	r.ExitCode = &code
}

// AddIngestError appends an ingestion error, dropping the oldest past the cap
func (r *ScanRecord) AddIngestError(e IngestError) {
	r.IngestErrors = append(r.IngestErrors, e)
	if n := len(r.IngestErrors); n > MaxIngestErrors {
		r.IngestErrors = r.IngestErrors[n-MaxIngestErrors:]
	}
}

// IsTerminal reports whether the scan has finished
func (r *ScanRecord) IsTerminal() bool {
	return r.State.IsTerminal()
}
