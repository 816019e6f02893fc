package journal

import (
	"io"
	"time"
)

// Summary condenses a scan's journal
type Summary struct {
	Entries      int               `json:"entries"`
	ByType       map[EntryType]int `json:"by_type"`
	Errors       int               `json:"errors"`
	FirstEntry   time.Time         `json:"first_entry"`
	LastEntry    time.Time         `json:"last_entry"`
	LastSequence int64             `json:"last_sequence"`
}

// Summarize reads a scan's journal and counts its entries
func Summarize(logDir, scanID string) (Summary, error) {
	summary := Summary{ByType: make(map[EntryType]int)}

	reader, err := NewReader(Path(logDir, scanID))
	if err != nil {
		return summary, err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return summary, nil
		}
		if err != nil {
			return summary, err
		}

		summary.Entries++
		summary.ByType[entry.Type]++
		if entry.Error != "" {
			summary.Errors++
		}
		if summary.FirstEntry.IsZero() {
			summary.FirstEntry = entry.Timestamp
		}
		summary.LastEntry = entry.Timestamp
		summary.LastSequence = entry.Sequence
	}
}
