package projection

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/types"
)

var testScope = map[string]any{
	"campaign_id":  "cmp-1",
	"publisher_id": "pub-1",
	"creative_id":  "cr-1",
}

const testScopeKey = "cmp-1|pub-1|cr-1"

func testTime(minute int) time.Time {
	return time.Date(2026, 8, 24, 12, minute, 0, 0, time.UTC)
}

func event(seq int64, t types.EventType, payload map[string]any) types.Event {
	return types.Event{
		Seq:     seq,
		EventID: "ev-" + string(rune('0'+seq)),
		Ts:      testTime(0),
		Type:    t,
		Payload: payload,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func mustApply(t *testing.T, e *Engine, events ...types.Event) {
	t.Helper()
	if err := e.ApplyBatch(events, "test"); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestIntentAndFinalUpdateAggregates(t *testing.T) {
	e := newTestEngine(t)
	e.SeedBudgets(map[string]float64{"cmp-1": 120})

	mustApply(t, e,
		event(1, types.EventImpressionRecorded, map[string]any{"scope": testScope}),
		event(2, types.EventIntentCreated, map[string]any{
			"token_id": "tok-1", "scope": testScope, "intent_type": "click",
		}),
		event(3, types.EventResolutionFinal, map[string]any{
			"token_id": "tok-1", "stage": "purchase", "scope": testScope,
			"raw_value": 5.0, "weighted_value": 10.0,
			"outcome_type": "purchase", "billable": true,
		}),
		event(4, types.EventBudgetDecrement, map[string]any{
			"campaign_id": "cmp-1", "amount": 5.0,
		}),
	)

	v := e.View()
	if v.AppliedSeq != 4 {
		t.Fatalf("AppliedSeq = %d, want 4", v.AppliedSeq)
	}

	w := v.Window
	if w.Impressions[testScopeKey] != 1 || w.Intents[testScopeKey] != 1 {
		t.Fatalf("impressions=%d intents=%d, want 1/1", w.Impressions[testScopeKey], w.Intents[testScopeKey])
	}
	if w.ResolvedIntents[testScopeKey] != 1 || w.BillableResolutions[testScopeKey] != 1 {
		t.Fatalf("resolved=%d billable=%d, want 1/1", w.ResolvedIntents[testScopeKey], w.BillableResolutions[testScopeKey])
	}
	if w.ResolvedValueSum[testScopeKey] != 5 || w.WeightedResolvedValueSum[testScopeKey] != 10 {
		t.Fatalf("sums raw=%v weighted=%v, want 5/10", w.ResolvedValueSum[testScopeKey], w.WeightedResolvedValueSum[testScopeKey])
	}

	tok := v.Tokens["tok-1"]
	if tok == nil || tok.Status != types.TokenResolved || !tok.Billable {
		t.Fatalf("token = %+v", tok)
	}
	if tok.ResolvedValue != 5 || tok.WeightedValue != 10 {
		t.Fatalf("token values raw=%v weighted=%v", tok.ResolvedValue, tok.WeightedValue)
	}

	if b := v.Budgets["cmp-1"]; b.Remaining != 115 {
		t.Fatalf("remaining = %v, want 115", b.Remaining)
	}
	if u := v.Caps["cmp-1"]; u == nil || u.Outcomes != 1 || u.WeightedValue != 10 {
		t.Fatalf("cap usage = %+v", u)
	}
}

func TestSecondFinalOnlyAppendsHistory(t *testing.T) {
	e := newTestEngine(t)

	mustApply(t, e,
		event(1, types.EventIntentCreated, map[string]any{
			"token_id": "tok-1", "scope": testScope, "intent_type": "click",
		}),
		event(2, types.EventResolutionFinal, map[string]any{
			"token_id": "tok-1", "stage": "purchase", "scope": testScope,
			"raw_value": 5.0, "weighted_value": 5.0,
			"outcome_type": "purchase", "billable": true,
		}),
		event(3, types.EventResolutionFinal, map[string]any{
			"token_id": "tok-1", "stage": "refund", "scope": testScope,
			"raw_value": 9.0, "weighted_value": 9.0,
			"outcome_type": "refund", "billable": true,
		}),
	)

	v := e.View()
	tok := v.Tokens["tok-1"]
	if tok.ResolvedValue != 5 || tok.OutcomeType != "purchase" {
		t.Fatalf("final overwritten: %+v", tok)
	}
	if len(tok.Resolutions) != 2 {
		t.Fatalf("history length = %d, want 2", len(tok.Resolutions))
	}
	if v.Window.ResolvedIntents[testScopeKey] != 1 {
		t.Fatalf("resolvedIntents = %d, want 1", v.Window.ResolvedIntents[testScopeKey])
	}
}

func TestNonBillableFinalSkipsCapUsage(t *testing.T) {
	e := newTestEngine(t)

	mustApply(t, e,
		event(1, types.EventIntentCreated, map[string]any{
			"token_id": "tok-1", "scope": testScope, "intent_type": "click",
		}),
		event(2, types.EventResolutionFinal, map[string]any{
			"token_id": "tok-1", "stage": "purchase", "scope": testScope,
			"raw_value": 5.0, "weighted_value": 5.0,
			"outcome_type": "purchase", "billable": false,
		}),
	)

	v := e.View()
	if v.Window.NonBillableResolutions[testScopeKey] != 1 {
		t.Fatalf("nonBillable = %d, want 1", v.Window.NonBillableResolutions[testScopeKey])
	}
	if v.Caps["cmp-1"] != nil {
		t.Fatalf("cap usage recorded for non-billable final: %+v", v.Caps["cmp-1"])
	}
}

func TestNegativeBudgetRollsBackWholeBatch(t *testing.T) {
	e := newTestEngine(t)
	e.SeedBudgets(map[string]float64{"cmp-1": 3})

	var fatalReason string
	e.FatalFn = func(reason string) { fatalReason = reason }

	err := e.ApplyBatch([]types.Event{
		event(1, types.EventImpressionRecorded, map[string]any{"scope": testScope}),
		event(2, types.EventBudgetDecrement, map[string]any{
			"campaign_id": "cmp-1", "amount": 5.0,
		}),
	}, "test")

	if err == nil {
		t.Fatal("expected invariant error")
	}
	if fatalReason == "" {
		t.Fatal("fatal hook not fired")
	}

	v := e.View()
	if v.AppliedSeq != 0 {
		t.Fatalf("cursor advanced to %d after rollback", v.AppliedSeq)
	}
	if v.Window != nil {
		t.Fatal("earlier events in the batch survived the rollback")
	}
	if v.Budgets["cmp-1"].Remaining != 3 {
		t.Fatalf("budget touched: %+v", v.Budgets["cmp-1"])
	}
}

func TestWindowResetSnapshotsAndClears(t *testing.T) {
	e := newTestEngine(t)

	mustApply(t, e,
		event(1, types.EventImpressionRecorded, map[string]any{"scope": testScope}),
		event(2, types.EventWindowReset, map[string]any{
			"window_id":  "w-20260824T121000Z",
			"started_at": testTime(10),
		}),
	)

	v := e.View()
	if v.LastWindow == nil || v.LastWindow.Impressions[testScopeKey] != 1 {
		t.Fatalf("last window = %+v", v.LastWindow)
	}
	if len(v.Window.Impressions) != 0 {
		t.Fatal("live window not cleared")
	}
	if v.Window.WindowID != "w-20260824T121000Z" {
		t.Fatalf("window id = %s", v.Window.WindowID)
	}
	if !v.Window.StartedAt.Equal(testTime(10)) {
		t.Fatalf("started_at = %v", v.Window.StartedAt)
	}
}

func TestLedgerDeduplicatesByTokenAndStage(t *testing.T) {
	var logged bytes.Buffer
	logger := log.NewLogger(log.Context{}).WithOutput(&logged)
	e, err := NewEngine(t.TempDir(), logger, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	entry := map[string]any{
		"entry_id": "led-1", "created_at": testTime(0),
		"token_id": "tok-1", "campaign_id": "cmp-1", "publisher_id": "pub-1",
		"raw_value": 3.5, "payout_cents": 25, "rev_share_bps": 700,
		"final_stage": "purchase", "billable": true,
	}
	dup := map[string]any{}
	for k, v := range entry {
		dup[k] = v
	}
	dup["entry_id"] = "led-2"

	mustApply(t, e,
		event(1, types.EventLedgerAppend, entry),
		event(2, types.EventLedgerAppend, dup),
	)

	v := e.View()
	if len(v.Ledger) != 1 {
		t.Fatalf("ledger length = %d, want 1", len(v.Ledger))
	}
	if !v.HasLedgerEntry("tok-1", "purchase") {
		t.Fatal("ledger key missing")
	}
	// The dropped duplicate points at a producer bug; it is logged.
	if !strings.Contains(logged.String(), "ledger.duplicate") {
		t.Fatalf("duplicate drop not logged: %s", logged.String())
	}
}

func TestDuplicateEventIDNotReapplied(t *testing.T) {
	e := newTestEngine(t)

	ev := event(1, types.EventImpressionRecorded, map[string]any{"scope": testScope})
	mustApply(t, e, ev)
	mustApply(t, e, ev)

	// Same id under a new seq is also skipped.
	replay := ev
	replay.Seq = 2
	mustApply(t, e, replay)

	if got := e.View().Window.Impressions[testScopeKey]; got != 1 {
		t.Fatalf("impressions = %d, want 1", got)
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.SeedBudgets(map[string]float64{"cmp-1": 50})

	mustApply(t, e,
		event(1, types.EventIntentCreated, map[string]any{
			"token_id": "tok-1", "scope": testScope, "intent_type": "click",
		}),
		event(2, types.EventResolutionFinal, map[string]any{
			"token_id": "tok-1", "stage": "purchase", "scope": testScope,
			"raw_value": 2.0, "weighted_value": 4.0,
			"outcome_type": "purchase", "billable": true,
		}),
	)

	reloaded, err := NewEngine(dir, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	v := reloaded.View()
	if v.AppliedSeq != 2 {
		t.Fatalf("AppliedSeq = %d, want 2", v.AppliedSeq)
	}
	if v.Tokens["tok-1"] == nil || v.Tokens["tok-1"].Status != types.TokenResolved {
		t.Fatalf("token not restored: %+v", v.Tokens["tok-1"])
	}
	if v.Window.ResolvedValueSum[testScopeKey] != 2 {
		t.Fatalf("window not restored: %+v", v.Window)
	}
	// Cap usage is derived from tokens on load.
	if u := v.Caps["cmp-1"]; u == nil || u.Outcomes != 1 || u.WeightedValue != 4 {
		t.Fatalf("caps not rebuilt: %+v", u)
	}
}

func TestSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	mustApply(t, e,
		event(1, types.EventIntentCreated, map[string]any{
			"token_id": "tok-1", "scope": testScope, "intent_type": "click",
		}),
	)
	if err := e.WriteSnapshot(1, time.Second, time.Millisecond); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if seq, err := SnapshotSeq(dir); err != nil || seq != 1 {
		t.Fatalf("SnapshotSeq = %d, %v", seq, err)
	}

	// Simulate lost container files: only the snapshot survives.
	for _, name := range []string{TokensFile, AggregatesFile, BudgetsFile, LedgerFile, CursorFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			t.Fatalf("remove %s: %v", name, err)
		}
	}

	fresh, err := NewEngine(dir, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if fresh.AppliedSeq() != 0 {
		t.Fatalf("cursor = %d before restore", fresh.AppliedSeq())
	}
	restored, err := fresh.RestoreSnapshot()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored seq = %d, want 1", restored)
	}
	v := fresh.View()
	if v.AppliedSeq != 1 || v.Tokens["tok-1"] == nil {
		t.Fatalf("snapshot state not restored: seq=%d", v.AppliedSeq)
	}
}

func TestViewIsIsolated(t *testing.T) {
	e := newTestEngine(t)
	mustApply(t, e,
		event(1, types.EventImpressionRecorded, map[string]any{"scope": testScope}),
	)

	v := e.View()
	v.Window.Impressions[testScopeKey] = 99
	v.Tokens["injected"] = &types.Token{TokenID: "injected"}

	fresh := e.View()
	if fresh.Window.Impressions[testScopeKey] != 1 {
		t.Fatal("view mutation reached the projection")
	}
	if fresh.Tokens["injected"] != nil {
		t.Fatal("view token injection reached the projection")
	}
}
