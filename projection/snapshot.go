package projection

import (
	"os"
	"path/filepath"
	"time"

	"github.com/crystalford/flyback/fsx"
	"github.com/crystalford/flyback/iox"
	"github.com/crystalford/flyback/types"
)

// SnapshotFile holds the full projection at a log position. Events with
// seq at or below snapshot_seq can be compacted out of the log.
const SnapshotFile = "snapshot.json"

type snapshotDoc struct {
	SnapshotSeq int64                   `json:"snapshot_seq"`
	TakenAt     time.Time               `json:"taken_at"`
	Tokens      map[string]*types.Token `json:"tokens"`
	Ledger      []types.LedgerEntry     `json:"ledger"`
	Budgets     map[string]*Budget      `json:"budgets"`
	Window      *Window                 `json:"window"`
	LastWindow  *Window                 `json:"last_window"`
}

// WriteSnapshot captures the projection at its current cursor. Written
// atomically under the snapshot lock. The cursor must cover lastSeq or
// the snapshot would claim events it has not applied; callers pass the
// log's last_seq and the engine clamps to its own cursor.
func (e *Engine) WriteSnapshot(lastSeq int64, lockTimeout, lockRetry time.Duration) error {
	e.mu.RLock()
	doc := snapshotDoc{
		SnapshotSeq: e.state.AppliedSeq,
		TakenAt:     time.Now().UTC(),
		Tokens:      e.state.Tokens,
		Ledger:      e.state.Ledger,
		Budgets:     e.state.Budgets,
		Window:      e.state.Window,
		LastWindow:  e.state.LastWindow,
	}
	if lastSeq < doc.SnapshotSeq {
		doc.SnapshotSeq = lastSeq
	}

	path := filepath.Join(e.dir, SnapshotFile)
	lock, err := fsx.AcquireLock(path, lockTimeout, lockRetry)
	if err != nil {
		e.mu.RUnlock()
		return err
	}
	err = fsx.WriteJSONFile(path, doc)
	e.mu.RUnlock()
	iox.DiscardErr(lock.Release)

	if err == nil && e.logger != nil {
		e.logger.Info("snapshot written", map[string]any{"snapshot_seq": doc.SnapshotSeq})
	}
	return err
}

// RestoreSnapshot loads the snapshot into the engine when the
// projection cursor is behind it, so replay only needs the log tail.
// Returns the restored snapshot_seq (zero when no snapshot exists).
func (e *Engine) RestoreSnapshot() (int64, error) {
	var doc snapshotDoc
	err := fsx.ReadJSONFile(filepath.Join(e.dir, SnapshotFile), &doc)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if doc.SnapshotSeq <= e.state.AppliedSeq {
		return doc.SnapshotSeq, nil
	}

	st := NewState()
	st.AppliedSeq = doc.SnapshotSeq
	if doc.Tokens != nil {
		st.Tokens = doc.Tokens
	}
	st.Ledger = doc.Ledger
	st.rebuildLedgerKeys()
	if doc.Budgets != nil {
		st.Budgets = doc.Budgets
	}
	st.Window = normalizeWindow(doc.Window)
	st.LastWindow = normalizeWindow(doc.LastWindow)
	e.state = st
	e.rebuildCaps()

	if e.logger != nil {
		e.logger.Info("snapshot restored", map[string]any{"snapshot_seq": doc.SnapshotSeq})
	}
	return doc.SnapshotSeq, nil
}

// SnapshotSeq reads the persisted snapshot position without touching
// engine state. Used by compaction to bound what may be dropped.
func SnapshotSeq(dir string) (int64, error) {
	var doc snapshotDoc
	err := fsx.ReadJSONFile(filepath.Join(dir, SnapshotFile), &doc)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return doc.SnapshotSeq, nil
}
