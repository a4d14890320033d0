package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/types"
)

const scopeKey = "cmp-1|pub-1|cr-1"

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()

	write := func(name string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	write("publishers.json", []map[string]any{{
		"publisher_id": "pub-1",
		"policy": map[string]any{
			"selection_mode": "raw", "floor_type": "raw",
			"floor_value_per_1k": 2.5, "rev_share_bps": 7000,
			"allowed_demand_types": []string{"direct"},
		},
	}})
	write("advertisers.json", []map[string]any{{"advertiser_id": "adv-1"}})
	write("creatives.json", []map[string]any{{
		"creative_id": "cr-1", "sizes": []string{"300x250"},
		"demand_type": "direct", "creative_url": "https://cdn.example/1",
	}})
	write("campaigns.json", []map[string]any{{
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

func testView() *projection.State {
	st := projection.NewState()
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	w := projection.NewWindow("w-live", start)
	w.Impressions[scopeKey] = 100
	w.Intents[scopeKey] = 10
	w.ResolvedIntents[scopeKey] = 4
	w.ResolvedValueSum[scopeKey] = 20
	st.Window = w

	prev := projection.NewWindow("w-prev", start.Add(-10*time.Minute))
	prev.Impressions[scopeKey] = 50
	prev.ResolvedValueSum[scopeKey] = 10
	prev.WeightedResolvedValueSum[scopeKey] = 30
	prev.BillableResolutions[scopeKey] = 2
	prev.NonBillableResolutions[scopeKey] = 1
	st.LastWindow = prev

	st.Caps["cmp-1"] = &projection.CapUsage{Outcomes: 3, WeightedValue: 15}

	for i, cents := range []int64{100, 300, 200} {
		st.Ledger = append(st.Ledger, types.LedgerEntry{
			EntryID:     "led-" + string(rune('a'+i)),
			TokenID:     "tok-" + string(rune('a'+i)),
			CampaignID:  "cmp-1",
			PublisherID: "pub-1",
			WindowID:    "w-live",
			PayoutCents: cents,
			Billable:    true,
			FinalStage:  "purchase",
		})
	}
	return st
}

func TestBuildRows(t *testing.T) {
	r := Build(testView(), testRegistry(t), "pub-1", Options{}, nil)
	if r == nil {
		t.Fatal("nil report")
	}

	if len(r.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(r.Rows))
	}
	row := r.Rows[0]
	if row.Impressions != 100 || row.Intents != 10 || row.ResolvedIntents != 4 {
		t.Fatalf("row = %+v", row)
	}
	if row.IntentRate != 0.1 {
		t.Fatalf("intent_rate = %v, want 0.1", row.IntentRate)
	}
	if row.ResolutionRate != 0.4 {
		t.Fatalf("resolution_rate = %v, want 0.4", row.ResolutionRate)
	}
	if row.DerivedValuePer1K != 200 {
		t.Fatalf("derived = %v, want 200", row.DerivedValuePer1K)
	}
}

func TestBuildLastWindowAndCaps(t *testing.T) {
	r := Build(testView(), testRegistry(t), "pub-1", Options{}, nil)

	lw := r.LastWindow
	if lw == nil || lw.WindowID != "w-prev" {
		t.Fatalf("last window = %+v", lw)
	}
	if lw.Impressions != 50 || lw.Billable != 2 || lw.NonBillable != 1 {
		t.Fatalf("last window = %+v", lw)
	}
	if lw.RawValuePer1K != 200 || lw.WeightedValuePer1K != 600 {
		t.Fatalf("per-1k = raw %v weighted %v", lw.RawValuePer1K, lw.WeightedValuePer1K)
	}

	if len(r.Caps) != 1 {
		t.Fatalf("caps = %+v", r.Caps)
	}
	cv := r.Caps[0]
	if cv.MaxOutcomes != 10 || cv.UsedOutcomes != 3 || cv.UsedWeighted != 15 {
		t.Fatalf("cap view = %+v", cv)
	}
}

func TestBuildLedgerStatsAndTopEntries(t *testing.T) {
	r := Build(testView(), testRegistry(t), "pub-1", Options{}, nil)

	if r.Ledger.TotalEntries != 3 || r.Ledger.TotalPayoutCents != 600 {
		t.Fatalf("ledger stats = %+v", r.Ledger)
	}
	if r.Ledger.WindowEntries != 3 || r.Ledger.WindowPayoutCents != 600 {
		t.Fatalf("window stats = %+v", r.Ledger)
	}

	// Billable entries sorted by payout descending.
	if len(r.TopEntries) != 3 {
		t.Fatalf("top entries = %d", len(r.TopEntries))
	}
	if r.TopEntries[0].PayoutCents != 300 || r.TopEntries[2].PayoutCents != 100 {
		t.Fatalf("top order = %d,%d,%d", r.TopEntries[0].PayoutCents, r.TopEntries[1].PayoutCents, r.TopEntries[2].PayoutCents)
	}
}

func TestUnknownPublisher(t *testing.T) {
	if r := Build(testView(), testRegistry(t), "nope", Options{}, nil); r != nil {
		t.Fatalf("report for unknown publisher: %+v", r)
	}
}

func TestBuildDoesNotMutateView(t *testing.T) {
	view := testView()
	before, err := json.Marshal(view.Window)
	if err != nil {
		t.Fatal(err)
	}

	Build(view, testRegistry(t), "pub-1", Options{}, nil)

	after, err := json.Marshal(view.Window)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("report build mutated the view")
	}
}
