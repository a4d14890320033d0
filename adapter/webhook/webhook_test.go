package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crystalford/flyback/adapter"
	"github.com/crystalford/flyback/types"
)

func testNotice() adapter.ResolutionNotice {
	return adapter.NoticeFor(types.Event{
		Seq:     7,
		EventID: "ev-7",
		Ts:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Type:    types.EventResolutionFinal,
		Payload: map[string]any{"token_id": "tok-1"},
	}, time.Now())
}

func TestDeliverPostsSignedJSON(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := New(Config{URL: srv.URL, Secret: "hush"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if err := a.Deliver(context.Background(), testNotice()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	if v := gotHeaders.Get(SchemaVersionHeader); v != types.SchemaVersion {
		t.Fatalf("schema version header = %q", v)
	}
	if sig := gotHeaders.Get(SignatureHeader); sig != Sign("hush", gotBody) {
		t.Fatalf("signature mismatch: %q", sig)
	}
}

func TestDeliverNoSignatureWithoutSecret(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if err := a.Deliver(context.Background(), testNotice()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if sig := gotHeaders.Get(SignatureHeader); sig != "" {
		t.Fatalf("unexpected signature %q", sig)
	}
}

func TestDeliverReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	err = a.Deliver(context.Background(), testNotice())
	var statusErr *adapter.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want StatusError 500", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}
