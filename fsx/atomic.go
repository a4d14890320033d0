// Package fsx provides the durable file primitives every state file in
// the data directory goes through: atomic whole-file writes, fsynced
// NDJSON appends with truncate-on-error, and advisory file locks for
// cooperating processes.
package fsx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crystalford/flyback/iox"
)

// AtomicWrite writes data to path via a temp file, fsync, and rename.
// Readers never observe a partially written file.
func AtomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		iox.DiscardClose(f)
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if err := iox.SyncClose(f); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic write %s: sync: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic write %s: rename: %w", path, err)
	}

	// Sync the directory so the rename itself is durable.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		iox.DiscardClose(dir)
	}

	return nil
}

// WriteJSONFile marshals v as pretty-printed JSON with a trailing
// newline and writes it atomically.
func WriteJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return AtomicWrite(path, append(data, '\n'))
}

// ReadJSONFile reads and unmarshals a JSON file into v.
func ReadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
