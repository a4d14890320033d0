package fsx

import (
	"fmt"
	"os"

	"github.com/crystalford/flyback/iox"
)

// AppendLines appends each line (a terminating newline is added) to the
// file at path, then fsyncs. On any write error the file is truncated
// back to its size before the call, so a failed append leaves no
// partial lines behind.
func AppendLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		iox.DiscardClose(f)
		return fmt.Errorf("append %s: stat: %w", path, err)
	}
	prevSize := info.Size()

	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			iox.DiscardClose(f)
			truncateTo(path, prevSize)
			return fmt.Errorf("append %s: %w", path, err)
		}
	}

	if err := iox.SyncClose(f); err != nil {
		truncateTo(path, prevSize)
		return fmt.Errorf("append %s: sync: %w", path, err)
	}

	return nil
}

// truncateTo restores the file to the pre-append size. Best effort; the
// caller's error stands either way.
func truncateTo(path string, size int64) {
	_ = os.Truncate(path, size)
}
