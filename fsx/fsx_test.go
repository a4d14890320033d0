package fsx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := AtomicWrite(path, []byte("one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := AtomicWrite(path, []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Fatalf("content = %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestWriteAndReadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	in := map[string]any{"name": "flyback", "count": float64(3)}
	if err := WriteJSONFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out map[string]any
	if err := ReadJSONFile(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["name"] != "flyback" || out["count"] != float64(3) {
		t.Fatalf("out = %+v", out)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("JSON file missing trailing newline")
	}
}

func TestReadJSONFile_Missing(t *testing.T) {
	err := ReadJSONFile(filepath.Join(t.TempDir(), "absent.json"), &struct{}{})
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestAppendLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")

	if err := AppendLines(path, [][]byte{[]byte(`{"seq":1}`), []byte(`{"seq":2}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendLines(path, [][]byte{[]byte(`{"seq":3}`)}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"seq\":1}\n{\"seq\":2}\n{\"seq\":3}\n"
	if string(data) != want {
		t.Fatalf("content = %q", data)
	}
}

func TestAcquireLock(t *testing.T) {
	target := filepath.Join(t.TempDir(), "events.ndjson")

	lock, err := AcquireLock(target, 100*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A second acquisition times out while the first holds the lock.
	_, err = AcquireLock(target, 50*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want lock timeout", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	// After release the lock is free again.
	relock, err := AcquireLock(target, 100*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if err := relock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestReleaseTwiceErrors(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	lock, err := AcquireLock(target, 0, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lock.Release(); err == nil {
		t.Fatal("expected error on double release")
	}
}
