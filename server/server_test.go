package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crystalford/flyback/engine"
	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/ratelimit"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/selection"
	"github.com/crystalford/flyback/types"
)

var fixedNow = time.Date(2026, 8, 24, 12, 3, 0, 0, time.UTC)

func writeCatalog(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()

	writeCatalog(t, dir, "publishers.json", []map[string]any{{
		"publisher_id": "pub-1",
		"policy": map[string]any{
			"selection_mode": "raw", "floor_type": "raw",
			"rev_share_bps":        7000,
			"allowed_demand_types": []string{"direct"},
		},
	}})
	writeCatalog(t, dir, "advertisers.json", []map[string]any{{"advertiser_id": "adv-1"}})
	writeCatalog(t, dir, "creatives.json", []map[string]any{{
		"creative_id": "cr-1", "sizes": []string{"300x250"},
		"demand_type": "direct", "creative_url": "https://cdn.example/cr-1",
	}})
	writeCatalog(t, dir, "campaigns.json", []map[string]any{{
		"campaign_id": "cmp-1", "publisher_id": "pub-1", "advertiser_id": "adv-1",
		"creative_ids": []string{"cr-1"}, "budget_total": 100.0,
		"caps": map[string]any{"max_outcomes": 10},
	}})

	reg, err := registry.Load(dir, nil)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

type fixture struct {
	srv *Server
	eng *engine.Engine
	now *time.Time
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func newFixture(t *testing.T, replica bool, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	dir := t.TempDir()
	collector := metrics.NewCollector("writer")

	now := fixedNow
	clock := func() time.Time { return now }

	reg := testRegistry(t)
	eventLog, err := eventlog.Open(dir, eventlog.Options{Now: clock}, nil, collector)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	proj, err := projection.NewEngine(dir, nil, collector)
	if err != nil {
		t.Fatalf("projection: %v", err)
	}
	proj.SeedBudgets(reg.BudgetTotals())

	sel := selection.NewEngine(reg, nil, collector)
	eng := engine.New(reg, eventLog, proj, sel, engine.Options{
		Replica: replica,
		Now:     clock,
	}, nil, collector)

	return &fixture{
		srv: New(eng, nil, limiter, nil, collector),
		eng: eng,
		now: &now,
	}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestFill(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodPost, "/v1/fill", `{"publisher_id":"pub-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	body := decode(t, w)
	if body["creative_url"] != "https://cdn.example/cr-1" {
		t.Fatalf("creative_url = %v", body["creative_url"])
	}
	cfg := body["config"].(map[string]any)
	if cfg["size"] != "300x250" || cfg["campaign"] != "cmp-1" {
		t.Fatalf("config = %+v", cfg)
	}

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing frame options header")
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestFillUnknownPublisher(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodPost, "/v1/fill", `{"publisher_id":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["error"] != "publisher_unknown" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestIntentThenPostback(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodPost, "/v1/intent",
		`{"campaign":"cmp-1","publisher":"pub-1","creative":"cr-1","intent_type":"click"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("intent status = %d body = %s", w.Code, w.Body.String())
	}
	tokenID, _ := decode(t, w)["token_id"].(string)
	if tokenID == "" {
		t.Fatalf("no token_id in %s", w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/v1/postback?token_id="+tokenID+"&value=5&stage=purchase", "")
	if w.Code != http.StatusOK {
		t.Fatalf("postback status = %d body = %s", w.Code, w.Body.String())
	}
	if decode(t, w)["status"] != "resolved" {
		t.Fatalf("body = %s", w.Body.String())
	}

	// Repeat of the same stage is an idempotent reply.
	w = f.do(t, http.MethodGet, "/v1/postback?token_id="+tokenID+"&value=5&stage=purchase", "")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "already_resolved" {
		t.Fatalf("repeat status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestPostbackExpiredCarriesToken(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodPost, "/v1/intent",
		`{"campaign":"cmp-1","publisher":"pub-1","creative":"cr-1","intent_type":"click"}`)
	tokenID, _ := decode(t, w)["token_id"].(string)
	if tokenID == "" {
		t.Fatalf("no token_id in %s", w.Body.String())
	}

	f.advance(types.DefaultTokenTTL + time.Hour)

	w = f.do(t, http.MethodGet, "/v1/postback?token_id="+tokenID+"&value=5&stage=purchase", "")
	if w.Code != http.StatusGone {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["error"] != "expired" {
		t.Fatalf("body = %s", w.Body.String())
	}
	tok, ok := body["token"].(map[string]any)
	if !ok {
		t.Fatalf("410 body has no token: %s", w.Body.String())
	}
	if tok["status"] != "EXPIRED" {
		t.Fatalf("token status = %v, want EXPIRED", tok["status"])
	}
}

func TestPostbackInvalidValue(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodGet, "/v1/postback?token_id=tok&value=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["error"] != "invalid_value" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestPostbackUnknownToken(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodGet, "/v1/postback?token_id=missing&value=1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestReports(t *testing.T) {
	f := newFixture(t, false, nil)
	f.do(t, http.MethodPost, "/v1/fill", `{"publisher_id":"pub-1"}`)

	w := f.do(t, http.MethodGet, "/v1/reports?publisher_id=pub-1&include_selections=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["publisher_id"] != "pub-1" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if _, ok := body["selections"]; !ok {
		t.Error("expected selections section")
	}

	w = f.do(t, http.MethodGet, "/v1/reports?publisher_id=nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown publisher status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/reports", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing publisher status = %d", w.Code)
	}
}

func TestReportsRotateElapsedWindow(t *testing.T) {
	f := newFixture(t, false, nil)
	f.do(t, http.MethodPost, "/v1/fill", `{"publisher_id":"pub-1"}`)
	first := f.eng.Projection().View().Window.WindowID

	f.advance(11 * time.Minute)

	w := f.do(t, http.MethodGet, "/v1/reports?publisher_id=pub-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	v := f.eng.Projection().View()
	if v.Window.WindowID == first {
		t.Fatal("stale window presented as live")
	}
	if v.LastWindow == nil || v.LastWindow.WindowID != first {
		t.Fatalf("last window = %+v", v.LastWindow)
	}
}

func TestDeliveryDisabledWithoutPump(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodGet, "/v1/delivery", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if enabled, ok := decode(t, w)["enabled"].(bool); !ok || enabled {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false, nil)

	w := f.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "ok" || body["role"] != "writer" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestReplicaRejectsWrites(t *testing.T) {
	f := newFixture(t, true, nil)

	w := f.do(t, http.MethodPost, "/v1/fill", `{"publisher_id":"pub-1"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["error"] != "write_disabled" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, false, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "req-abc" {
		t.Fatalf("request id = %q", got)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Options{
		Window: time.Minute,
		Max:    60,
		Burst:  2,
		Now:    func() time.Time { return fixedNow },
	})
	f := newFixture(t, false, limiter)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = f.do(t, http.MethodGet, "/healthz", "")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", last.Code)
	}
	if decode(t, last)["error"] != "rate_limited" {
		t.Fatalf("body = %s", last.Body.String())
	}
	if last.Header().Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("limit header = %q", last.Header().Get("X-RateLimit-Limit"))
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header = %q", last.Header().Get("X-RateLimit-Remaining"))
	}
	if last.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("missing reset header")
	}
}
