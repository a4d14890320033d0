// Package eventlog implements the append-only event log: monotonic
// contiguous sequence assignment, dedupe by event id, crash-safe batch
// append with truncation recovery, and tail scans for the delivery
// pump.
//
// On disk the log is one NDJSON file plus two sidecars: event_state.json
// records last_seq, event_index.json records the set of known event ids.
// Ordering rule on write: events file first (content durable), then
// state, then index. On startup the sidecars are reconciled from the
// events file when they diverge.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crystalford/flyback/fsx"
	"github.com/crystalford/flyback/iox"
	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/types"
)

// On-disk file names within the data directory.
const (
	EventsFile = "events.ndjson"
	StateFile  = "event_state.json"
	IndexFile  = "event_index.json"
)

// ErrDuplicateEvent is returned when any entry in a batch carries an
// event id already present in the log. The whole batch is dropped; the
// caller treats this as a successful no-op and logs a dedupe hit.
var ErrDuplicateEvent = errors.New("duplicate event id")

// Entry is one event to append. EventID is optional; the log assigns a
// UUID when absent. Seq and Ts are always assigned by the log.
type Entry struct {
	EventID string
	Type    types.EventType
	Payload map[string]any
}

// Options configures a Log.
type Options struct {
	// RepairTruncate permits dropping an unparseable final line on load
	// and repairing a stale state sidecar. When false, either condition
	// is fatal.
	RepairTruncate bool
	// SnapshotInterval triggers the snapshot hook every N sequence
	// numbers. Zero disables.
	SnapshotInterval int64
	// LockTimeout and LockRetry bound advisory lock acquisition.
	LockTimeout time.Duration
	LockRetry   time.Duration
	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time
}

// Log is the durable event log. A single Log value owns seq allocation
// for the process; the append path is serialized by an exclusive mutex
// and advisory file locks coordinate with external tooling.
type Log struct {
	dir     string
	opts    Options
	logger  *log.Logger
	metrics *metrics.Collector

	snapshotHook func(lastSeq int64) error

	mu      sync.RWMutex
	lastSeq int64
	events  []types.Event
	index   map[string]struct{}
}

// Open loads (or initializes) the log in dir.
func Open(dir string, opts Options, logger *log.Logger, collector *metrics.Collector) (*Log, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Log{
		dir:     dir,
		opts:    opts,
		logger:  logger,
		metrics: collector,
		index:   make(map[string]struct{}),
	}

	if err := l.load(); err != nil {
		return nil, err
	}
	if err := l.reconcileState(); err != nil {
		return nil, err
	}
	if err := l.reconcileIndex(); err != nil {
		return nil, err
	}

	return l, nil
}

// SetSnapshotHook installs the function called when last_seq crosses a
// snapshot interval boundary. Hook errors are logged, not fatal: the
// appended batch is already durable.
func (l *Log) SetSnapshotHook(fn func(lastSeq int64) error) {
	l.mu.Lock()
	l.snapshotHook = fn
	l.mu.Unlock()
}

func (l *Log) eventsPath() string { return filepath.Join(l.dir, EventsFile) }
func (l *Log) statePath() string  { return filepath.Join(l.dir, StateFile) }
func (l *Log) indexPath() string  { return filepath.Join(l.dir, IndexFile) }

// load reads the events file, dropping duplicate event ids and, when
// permitted, an unparseable final line.
func (l *Log) load() error {
	f, err := os.Open(l.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer iox.DiscardClose(f)

	var (
		events   []types.Event
		lineEnds []int64
		offset   int64
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	var badTail bool
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		offset += int64(len(line)) + 1

		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Only a corrupt final line is recoverable: it is the
			// signature of a crash mid-append.
			badTail = true
			if l.logger != nil {
				l.logger.Warn("unparseable event log line", map[string]any{
					"line":  lineNo,
					"error": err.Error(),
				})
			}
			continue
		}
		if badTail {
			// A parseable line after a corrupt one means the corruption
			// is not a torn tail.
			return fmt.Errorf("event log corrupt at line %d", lineNo-1)
		}
		if err := validateEvent(ev); err != nil {
			return fmt.Errorf("event log line %d: %w", lineNo, err)
		}
		events = append(events, ev)
		lineEnds = append(lineEnds, offset)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event log: %w", err)
	}

	if badTail {
		if !l.opts.RepairTruncate {
			return fmt.Errorf("event log has a corrupt final line and truncation repair is disabled")
		}
		keep := int64(0)
		if len(lineEnds) > 0 {
			keep = lineEnds[len(lineEnds)-1]
		}
		if err := os.Truncate(l.eventsPath(), keep); err != nil {
			return fmt.Errorf("truncate corrupt tail: %w", err)
		}
		if l.logger != nil {
			l.logger.Warn("dropped corrupt event log tail", map[string]any{"kept_bytes": keep})
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	// First occurrence of an event id wins.
	for _, ev := range events {
		if _, seen := l.index[ev.EventID]; seen {
			continue
		}
		l.index[ev.EventID] = struct{}{}
		l.events = append(l.events, ev)
		if ev.Seq > l.lastSeq {
			l.lastSeq = ev.Seq
		}
	}

	return nil
}

type stateDoc struct {
	LastSeq int64 `json:"last_seq"`
}

// reconcileState aligns the state sidecar with the events file.
func (l *Log) reconcileState() error {
	var st stateDoc
	err := fsx.ReadJSONFile(l.statePath(), &st)
	if err != nil {
		if os.IsNotExist(err) {
			return l.persistState()
		}
		return err
	}

	switch {
	case st.LastSeq == l.lastSeq:
		return nil
	case st.LastSeq > l.lastSeq:
		return fmt.Errorf("event state last_seq %d is ahead of log max %d", st.LastSeq, l.lastSeq)
	default:
		if !l.opts.RepairTruncate {
			return fmt.Errorf("event state last_seq %d behind log max %d and repair is disabled", st.LastSeq, l.lastSeq)
		}
		if l.logger != nil {
			l.logger.Warn("repaired stale event state", map[string]any{
				"state_seq": st.LastSeq,
				"log_seq":   l.lastSeq,
			})
		}
		return l.persistState()
	}
}

// reconcileIndex loads the dedupe index, rebuilding it from the log
// when missing or incomplete.
func (l *Log) reconcileIndex() error {
	var ids []string
	err := fsx.ReadJSONFile(l.indexPath(), &ids)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	rebuilt := os.IsNotExist(err)
	for _, id := range ids {
		if _, known := l.index[id]; !known {
			// Index may legitimately know ids dropped by compaction.
			l.index[id] = struct{}{}
		}
	}
	for _, ev := range l.events {
		if _, known := l.index[ev.EventID]; !known {
			rebuilt = true
			l.index[ev.EventID] = struct{}{}
		}
	}

	if rebuilt {
		return l.persistIndex()
	}
	return nil
}

func (l *Log) persistState() error {
	return fsx.WriteJSONFile(l.statePath(), stateDoc{LastSeq: l.lastSeq})
}

func (l *Log) persistIndex() error {
	ids := make([]string, 0, len(l.index))
	for id := range l.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fsx.WriteJSONFile(l.indexPath(), ids)
}

// AppendBatch durably appends all entries or none of them. Sequence
// numbers are consecutive; timestamps are stamped at append. Returns
// ErrDuplicateEvent if any entry's id is already known.
func (l *Log) AppendBatch(entries []Entry) ([]types.Event, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	eventsLock, err := fsx.AcquireLock(l.eventsPath(), l.opts.LockTimeout, l.opts.LockRetry)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardErr(eventsLock.Release)

	stateLock, err := fsx.AcquireLock(l.statePath(), l.opts.LockTimeout, l.opts.LockRetry)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardErr(stateLock.Release)

	now := l.opts.Now().UTC()
	prevLast := l.lastSeq

	batch := make([]types.Event, len(entries))
	for i, entry := range entries {
		id := entry.EventID
		if id == "" {
			id = uuid.NewString()
		}
		batch[i] = types.Event{
			Seq:     prevLast + int64(i) + 1,
			EventID: id,
			Ts:      now,
			Type:    entry.Type,
			Payload: entry.Payload,
		}
		if err := validateEvent(batch[i]); err != nil {
			return nil, fmt.Errorf("append batch entry %d: %w", i, err)
		}
	}

	// Any known id aborts the whole batch.
	for _, ev := range batch {
		if _, dup := l.index[ev.EventID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.EventID)
		}
	}

	lines := make([][]byte, len(batch))
	for i, ev := range batch {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		lines[i] = data
	}

	// AppendLines truncates back to the pre-append size on failure, so
	// a failed batch leaves the file untouched.
	if err := fsx.AppendLines(l.eventsPath(), lines); err != nil {
		return nil, err
	}

	l.lastSeq = prevLast + int64(len(batch))
	l.events = append(l.events, batch...)
	for _, ev := range batch {
		l.index[ev.EventID] = struct{}{}
	}

	if err := l.persistState(); err != nil {
		return nil, err
	}
	if err := l.persistIndex(); err != nil {
		return nil, err
	}

	l.metrics.IncEventsAppended(int64(len(batch)))

	if l.opts.SnapshotInterval > 0 && l.snapshotHook != nil {
		if l.lastSeq/l.opts.SnapshotInterval > prevLast/l.opts.SnapshotInterval {
			if err := l.snapshotHook(l.lastSeq); err != nil && l.logger != nil {
				l.logger.Error("snapshot hook failed", map[string]any{
					"last_seq": l.lastSeq,
					"error":    err.Error(),
				})
			}
		}
	}

	out := make([]types.Event, len(batch))
	for i, ev := range batch {
		out[i] = ev.Clone()
	}
	return out, nil
}

// LastSeq returns the highest durable sequence number.
func (l *Log) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// ScanFrom returns copies of all events with seq > after, in order.
func (l *Log) ScanFrom(after int64) []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.Event
	for _, ev := range l.events {
		if ev.Seq > after {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// NextOfTypeAfter returns the first event of the given type with
// seq > after, or false when none exists. The lock is held only for
// the scan.
func (l *Log) NextOfTypeAfter(after int64, t types.EventType) (types.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ev := range l.events {
		if ev.Seq > after && ev.Type == t {
			return ev.Clone(), true
		}
	}
	return types.Event{}, false
}

// Len returns the number of live events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
