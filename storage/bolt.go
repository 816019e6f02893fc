package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/sweep/internal/filter"
	"github.com/yairfalse/sweep/types"
)

// DBFile is the database file name inside the data directory
const DBFile = "sweep.db"

// Bucket names in bbolt
var (
	bucketScans   = []byte("scans")
	bucketResults = []byte("results")
)

// keySep separates scan_id from unit_identifier in result keys
const keySep = 0x00

// BoltStore is the default Storage backed by a single bbolt file
type BoltStore struct {
	mu sync.RWMutex

	// In-memory index ordering scans newest first
	index *btree.BTreeG[*scanEntry]
	byID  map[string]*scanEntry

	// On-disk storage
	db *bbolt.DB

	// Path to storage directory
	dir string
}

// scanEntry tracks a scan record in the index
type scanEntry struct {
	ScanID    string
	StartTime time.Time
	State     types.State
}

func lessEntry(a, b *scanEntry) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.After(b.StartTime)
	}
	return a.ScanID > b.ScanID
}

// NewBoltStore opens (or creates) the store under dir
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dir, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketScans, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		index: btree.NewG[*scanEntry](32, lessEntry),
		byID:  make(map[string]*scanEntry),
		db:    db,
		dir:   dir,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild scan index: %w", err)
	}

	return s, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutScan inserts or replaces a scan record
func (s *BoltStore) PutScan(ctx context.Context, rec *types.ScanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.ScanID == "" {
		return fmt.Errorf("scan record requires a scan_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putScan(tx, rec)
	})
	if err != nil {
		return err
	}

	s.updateIndex(rec)
	return nil
}

// UpdateScan reads, mutates and writes back a record in one transaction
func (s *BoltStore) UpdateScan(ctx context.Context, scanID string, fn func(*types.ScanRecord) error) (*types.ScanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *types.ScanRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getScan(tx, scanID)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.ScanID = scanID
		updated = rec
		return putScan(tx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.updateIndex(updated)
	return updated, nil
}

// GetScan returns a scan record or types.ErrNotFound
func (s *BoltStore) GetScan(ctx context.Context, scanID string) (*types.ScanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *types.ScanRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getScan(tx, scanID)
		return err
	})
	return rec, err
}

// ListScans returns scans newest first, filtered and paged by q
func (s *BoltStore) ListScans(ctx context.Context, q ScanQuery) ([]*types.ScanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var ids []string
	s.index.Ascend(func(e *scanEntry) bool {
		probe := &types.ScanRecord{State: e.State, StartTime: e.StartTime}
		if q.Matches(probe) {
			ids = append(ids, e.ScanID)
		}
		return true
	})
	s.mu.RUnlock()

	start, end := Page(len(ids), q.Offset, q.Limit)
	ids = ids[start:end]

	records := make([]*types.ScanRecord, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			rec, err := getScan(tx, id)
			if err != nil {
				// Deleted between index read and view
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpsertResult writes a result item and counts it on first insert
func (s *BoltStore) UpsertResult(ctx context.Context, item types.ResultItem) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if item.ScanID == "" || item.UnitID == "" {
		return false, fmt.Errorf("result item requires scan_id and unit_identifier")
	}

	value, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("failed to marshal result item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	var rec *types.ScanRecord
	err = s.db.Update(func(tx *bbolt.Tx) error {
		rec, err = getScan(tx, item.ScanID)
		if err != nil {
			return err
		}

		bucket := tx.Bucket(bucketResults)
		key := resultKey(item.ScanID, item.UnitID)
		created = bucket.Get(key) == nil
		if err := bucket.Put(key, value); err != nil {
			return err
		}
		if !created {
			return nil
		}

		rec.ItemsIngested++
		return putScan(tx, rec)
	})
	if err != nil {
		return false, err
	}

	if created {
		s.updateIndex(rec)
	}
	return created, nil
}

// QueryResults returns items of one scan ordered by unit identifier
func (s *BoltStore) QueryResults(ctx context.Context, scanID string, q ResultQuery) ([]types.ResultItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := filter.ForQuery(q.Service, q.Region, q.Operation)
	var items []types.ResultItem

	err := s.db.View(func(tx *bbolt.Tx) error {
		if _, err := getScan(tx, scanID); err != nil {
			return err
		}

		prefix := scanPrefix(scanID)
		c := tx.Bucket(bucketResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item types.ResultItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("corrupt result %q: %w", k, err)
			}
			if f.Match(item) {
				items = append(items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	start, end := Page(len(items), q.Offset, q.Limit)
	return items[start:end], nil
}

// CountResults returns the number of items stored under a scan
func (s *BoltStore) CountResults(ctx context.Context, scanID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := scanPrefix(scanID)
		c := tx.Bucket(bucketResults).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// DeleteScan removes all results of a scan and then its record
func (s *BoltStore) DeleteScan(ctx context.Context, scanID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getScan(tx, scanID); err != nil {
			return err
		}

		bucket := tx.Bucket(bucketResults)
		prefix := scanPrefix(scanID)

		var toDelete [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(toDelete)

		return tx.Bucket(bucketScans).Delete([]byte(scanID))
	})
	if err != nil {
		return 0, err
	}

	if e, ok := s.byID[scanID]; ok {
		s.index.Delete(e)
		delete(s.byID, scanID)
	}
	return deleted, nil
}

// Stats returns store-wide totals
func (s *BoltStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	stats := Stats{ScansByState: make(map[types.State]int)}
	services := make(map[string]struct{})
	regions := make(map[string]struct{})

	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketScans).ForEach(func(_, v []byte) error {
			var rec struct {
				State types.State `json:"lifecycle_state"`
			}
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			stats.TotalScans++
			stats.ScansByState[rec.State]++
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketResults).ForEach(func(_, v []byte) error {
			var item struct {
				Service string `json:"service"`
				Region  string `json:"region"`
			}
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			stats.TotalResults++
			if item.Service != "" {
				services[item.Service] = struct{}{}
			}
			if item.Region != "" {
				regions[item.Region] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}

	stats.Services = sortedKeys(services)
	stats.Regions = sortedKeys(regions)
	return stats, nil
}

// Helper functions

func (s *BoltStore) updateIndex(rec *types.ScanRecord) {
	if old, ok := s.byID[rec.ScanID]; ok {
		s.index.Delete(old)
	}
	e := &scanEntry{ScanID: rec.ScanID, StartTime: rec.StartTime, State: rec.State}
	s.index.ReplaceOrInsert(e)
	s.byID[rec.ScanID] = e
}

func (s *BoltStore) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketScans).ForEach(func(k, v []byte) error {
			var rec types.ScanRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt scan record %q: %w", k, err)
			}
			s.updateIndex(&rec)
			return nil
		})
	})
}

func getScan(tx *bbolt.Tx, scanID string) (*types.ScanRecord, error) {
	data := tx.Bucket(bucketScans).Get([]byte(scanID))
	if data == nil {
		return nil, fmt.Errorf("scan %s: %w", scanID, types.ErrNotFound)
	}
	var rec types.ScanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt scan record %s: %w", scanID, err)
	}
	return &rec, nil
}

func putScan(tx *bbolt.Tx, rec *types.ScanRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal scan record: %w", err)
	}
	return tx.Bucket(bucketScans).Put([]byte(rec.ScanID), value)
}

func scanPrefix(scanID string) []byte {
	return append([]byte(scanID), keySep)
}

func resultKey(scanID, unitID string) []byte {
	return append(scanPrefix(scanID), unitID...)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
