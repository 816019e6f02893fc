// Package journal keeps an append-only JSONL record of everything that
// happened to a scan, next to the scan's process logs.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the journal file inside a scan's log directory
const FileName = "events.jsonl"

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryStateChanged  EntryType = "state_changed"
	EntryProcessExited EntryType = "process_exited"
	EntryFileIngested  EntryType = "file_ingested"
	EntryIngestError   EntryType = "ingest_error"
	EntryCleanup       EntryType = "cleanup"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	ScanID    string          `json:"scan_id"`
	File      string          `json:"file,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Journal appends entries for one scan. A nil *Journal discards entries.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	scanID   string
	path     string
}

// Path returns the journal file of scanID under logDir
func Path(logDir, scanID string) string {
	return filepath.Join(logDir, scanID, FileName)
}

// Open creates or reopens the journal of scanID. Reopening continues the
// sequence where the previous writer stopped.
func Open(logDir, scanID string) (*Journal, error) {
	path := Path(logDir, scanID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	seq, err := lastSequence(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		file:     file,
		writer:   bufio.NewWriter(file),
		sequence: seq,
		scanID:   scanID,
		path:     path,
	}, nil
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// Append adds an entry
func (j *Journal) Append(entryType EntryType, file string, data any) error {
	return j.append(entryType, file, data, nil)
}

// AppendError adds an entry carrying an error
func (j *Journal) AppendError(entryType EntryType, file string, data any, errToLog error) error {
	return j.append(entryType, file, data, errToLog)
}

func (j *Journal) append(entryType EntryType, file string, data any, errToLog error) error {
	if j == nil {
		return nil
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  j.sequence,
		Type:      entryType,
		ScanID:    j.scanID,
		File:      file,
		Data:      raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	return j.writeEntry(entry)
}

func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	// Flush per entry so readers see it while the scan runs
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Sequence returns the last written sequence number
func (j *Journal) Sequence() int64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}

func lastSequence(path string) (int64, error) {
	r, err := NewReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer r.Close()

	var last int64
	for {
		entry, err := r.Next()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			// A torn trailing line from a crash ends the usable journal
			return last, nil
		}
		last = entry.Sequence
	}
}

// Reader provides journal replay
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a journal file for reading
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry, io.EOF at the end
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay feeds every entry of a scan's journal written after since to handler
func Replay(logDir, scanID string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(Path(logDir, scanID))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
