package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/crystalford/flyback/fsx"
	"github.com/crystalford/flyback/iox"
)

// Compact drops all events with seq <= upTo from the log file and
// returns the removed segment as NDJSON, for archival. last_seq and the
// dedupe index are untouched: sequence numbers never regress and ids
// stay deduplicated across compactions.
//
// Callers must only compact up to a sequence covered by a durable
// snapshot and fully delivered, or replay and delivery lose events.
func (l *Log) Compact(upTo int64) ([]byte, int, error) {
	if upTo <= 0 {
		return nil, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := fsx.AcquireLock(l.eventsPath(), l.opts.LockTimeout, l.opts.LockRetry)
	if err != nil {
		return nil, 0, err
	}
	defer iox.DiscardErr(lock.Release)

	var dropped bytes.Buffer
	var kept bytes.Buffer
	keptEvents := l.events[:0:0]
	removed := 0

	for _, ev := range l.events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, 0, fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		if ev.Seq <= upTo {
			dropped.Write(data)
			dropped.WriteByte('\n')
			removed++
			continue
		}
		kept.Write(data)
		kept.WriteByte('\n')
		keptEvents = append(keptEvents, ev)
	}

	if removed == 0 {
		return nil, 0, nil
	}

	if err := fsx.AtomicWrite(l.eventsPath(), kept.Bytes()); err != nil {
		return nil, 0, err
	}
	l.events = keptEvents

	if l.logger != nil {
		l.logger.Info("compacted event log", map[string]any{
			"up_to":   upTo,
			"removed": removed,
			"live":    len(l.events),
		})
	}

	return dropped.Bytes(), removed, nil
}
