package delivery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crystalford/flyback/fsx"
	"github.com/crystalford/flyback/iox"
	"github.com/crystalford/flyback/schema"
)

// DLQFile is the dead-letter journal, NDJSON append-only.
const DLQFile = "dlq.ndjson"

// DLQEntry records one abandoned delivery.
type DLQEntry struct {
	FailedAt time.Time      `json:"failed_at"`
	Seq      int64          `json:"seq"`
	EventID  string         `json:"event_id"`
	Status   int            `json:"status"`
	Error    string         `json:"error"`
	Payload  map[string]any `json:"payload"`
}

var dlqSchema = &schema.Schema{
	Type:     schema.TypeObject,
	Required: []string{"failed_at", "seq", "event_id", "error"},
	Properties: map[string]*schema.Schema{
		"failed_at": {Type: schema.TypeTimestamp},
		"seq":       {Type: schema.TypeInteger},
		"event_id":  {Type: schema.TypeString, MinLength: 1},
		"status":    {Type: schema.TypeInteger},
		"error":     {Type: schema.TypeString},
		"payload":   {Type: schema.TypeObject, AdditionalProperties: true},
	},
}

// DLQ is the append-only dead-letter journal. Entries are immutable
// once written; the journal is never compacted by the process.
type DLQ struct {
	path string

	mu    sync.Mutex
	count int
	last  *DLQEntry
}

// OpenDLQ loads the journal's count and last entry from dir.
func OpenDLQ(dir string) (*DLQ, error) {
	q := &DLQ{path: filepath.Join(dir, DLQFile)}

	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("open dlq: %w", err)
	}
	defer iox.DiscardClose(f)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry DLQEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("dlq entry %d: %w", q.count+1, err)
		}
		q.count++
		q.last = &entry
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dlq: %w", err)
	}
	return q, nil
}

// Append validates and durably appends one entry.
func (q *DLQ) Append(entry DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}

	var shape map[string]any
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("reshape dlq entry: %w", err)
	}
	if err := dlqSchema.Validate(shape); err != nil {
		return fmt.Errorf("dlq entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := fsx.AppendLines(q.path, [][]byte{data}); err != nil {
		return err
	}
	q.count++
	e := entry
	q.last = &e
	return nil
}

// Count returns the number of journal entries.
func (q *DLQ) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Last returns a copy of the most recent entry, or nil.
func (q *DLQ) Last() *DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.last == nil {
		return nil
	}
	e := *q.last
	return &e
}
