package iox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type trackingCloser struct {
	closed bool
	err    error
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return c.err
}

func TestDiscardClose(t *testing.T) {
	c := &trackingCloser{err: errors.New("close failed")}
	DiscardClose(c)
	if !c.closed {
		t.Error("Close not called")
	}
}

func TestCloseFunc(t *testing.T) {
	c := &trackingCloser{}
	fn := CloseFunc(c)
	if c.closed {
		t.Error("Close called before invocation")
	}
	fn()
	if !c.closed {
		t.Error("Close not called")
	}
}

func TestDiscardErr(t *testing.T) {
	called := false
	DiscardErr(func() error {
		called = true
		return errors.New("ignored")
	})
	if !called {
		t.Error("fn not called")
	}
}

func TestSyncClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("data"); err != nil {
		t.Fatal(err)
	}
	if err := SyncClose(f); err != nil {
		t.Fatalf("sync close: %v", err)
	}
	// Closing again through SyncClose reports the error.
	if err := SyncClose(f); err == nil {
		t.Error("expected error on closed file")
	}
}
