package storage

import (
	"context"
	"time"

	"github.com/yairfalse/sweep/types"
)

// ScanQuery selects scan records. Results are ordered newest first.
type ScanQuery struct {
	States []types.State
	Since  time.Time
	Before time.Time
	Limit  int
	Offset int
}

// Matches reports whether rec passes the state and time predicates
func (q ScanQuery) Matches(rec *types.ScanRecord) bool {
	if len(q.States) > 0 {
		found := false
		for _, s := range q.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.Since.IsZero() && rec.StartTime.Before(q.Since) {
		return false
	}
	if !q.Before.IsZero() && !rec.StartTime.Before(q.Before) {
		return false
	}
	return true
}

// ResultQuery selects result items within one scan, ordered by unit identifier.
type ResultQuery struct {
	Service   string
	Region    string
	Operation string
	Limit     int
	Offset    int
}

// Stats summarizes the store contents
type Stats struct {
	TotalScans   int                 `json:"total_scans"`
	ScansByState map[types.State]int `json:"scans_by_state"`
	TotalResults int64               `json:"total_results"`
	Services     []string            `json:"services"`
	Regions      []string            `json:"regions"`
}

// ScanWriter mutates scan records
type ScanWriter interface {
	// PutScan inserts or replaces a record keyed by scan_id
	PutScan(ctx context.Context, rec *types.ScanRecord) error
	// UpdateScan applies fn to the stored record in a single transaction
	UpdateScan(ctx context.Context, scanID string, fn func(*types.ScanRecord) error) (*types.ScanRecord, error)
	// DeleteScan removes the results of a scan, then the record itself
	DeleteScan(ctx context.Context, scanID string) (deletedResults int, err error)
}

// ScanReader queries scan records
type ScanReader interface {
	GetScan(ctx context.Context, scanID string) (*types.ScanRecord, error)
	ListScans(ctx context.Context, q ScanQuery) ([]*types.ScanRecord, error)
}

// ResultWriter stores result items
type ResultWriter interface {
	// UpsertResult writes item keyed by (scan_id, unit_identifier). When the
	// key did not exist the owning record's items_ingested is incremented
	// in the same transaction and created is true.
	UpsertResult(ctx context.Context, item types.ResultItem) (created bool, err error)
}

// ResultReader queries result items
type ResultReader interface {
	QueryResults(ctx context.Context, scanID string, q ResultQuery) ([]types.ResultItem, error)
	CountResults(ctx context.Context, scanID string) (int64, error)
}

// StatsReader provides store-wide statistics
type StatsReader interface {
	Stats(ctx context.Context) (Stats, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	ScanWriter
	ScanReader
	ResultWriter
	ResultReader
	StatsReader
	Lifecycle
}

// Page applies offset and limit to n ordered items and returns the bounds.
// A limit of zero or less means no limit.
func Page(n, offset, limit int) (start, end int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end = n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
