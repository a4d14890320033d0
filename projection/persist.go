package projection

import (
	"os"
	"path/filepath"

	"github.com/crystalford/flyback/fsx"
	"github.com/crystalford/flyback/types"
)

// Per-container persistence files, each rewritten atomically after
// every applied batch.
const (
	TokensFile     = "tokens.json"
	AggregatesFile = "aggregates.json"
	BudgetsFile    = "budgets.json"
	LedgerFile     = "ledger.json"
	CursorFile     = "projection_state.json"
)

type aggregatesDoc struct {
	Window     *Window `json:"window"`
	LastWindow *Window `json:"last_window"`
}

type cursorDoc struct {
	AppliedSeq int64 `json:"applied_seq"`
}

func (e *Engine) path(name string) string { return filepath.Join(e.dir, name) }

// persist writes every container. Called with the write lock held.
func (e *Engine) persist() error {
	if err := fsx.WriteJSONFile(e.path(TokensFile), e.state.Tokens); err != nil {
		return err
	}
	if err := fsx.WriteJSONFile(e.path(AggregatesFile), aggregatesDoc{
		Window:     e.state.Window,
		LastWindow: e.state.LastWindow,
	}); err != nil {
		return err
	}
	if err := fsx.WriteJSONFile(e.path(BudgetsFile), e.state.Budgets); err != nil {
		return err
	}
	if err := fsx.WriteJSONFile(e.path(LedgerFile), e.state.Ledger); err != nil {
		return err
	}
	return fsx.WriteJSONFile(e.path(CursorFile), cursorDoc{AppliedSeq: e.state.AppliedSeq})
}

// load restores the containers from disk. Missing files are fine: the
// engine starts empty and replays the log from seq zero (or from the
// snapshot, when the caller restores one first).
func (e *Engine) load() error {
	var tokens map[string]*types.Token
	if err := readOptional(e.path(TokensFile), &tokens); err != nil {
		return err
	}
	if tokens != nil {
		e.state.Tokens = tokens
	}

	var aggs aggregatesDoc
	if err := readOptional(e.path(AggregatesFile), &aggs); err != nil {
		return err
	}
	e.state.Window = normalizeWindow(aggs.Window)
	e.state.LastWindow = normalizeWindow(aggs.LastWindow)

	var budgets map[string]*Budget
	if err := readOptional(e.path(BudgetsFile), &budgets); err != nil {
		return err
	}
	if budgets != nil {
		e.state.Budgets = budgets
	}

	var ledger []types.LedgerEntry
	if err := readOptional(e.path(LedgerFile), &ledger); err != nil {
		return err
	}
	e.state.Ledger = ledger
	e.state.rebuildLedgerKeys()
	e.rebuildCaps()

	var cursor cursorDoc
	if err := readOptional(e.path(CursorFile), &cursor); err != nil {
		return err
	}
	e.state.AppliedSeq = cursor.AppliedSeq

	return nil
}

// rebuildCaps derives per-campaign cap usage from tokens, the
// authoritative source.
func (e *Engine) rebuildCaps() {
	e.state.Caps = make(map[string]*CapUsage)
	for _, tok := range e.state.Tokens {
		if tok.Status != types.TokenResolved || !tok.Billable {
			continue
		}
		u := e.state.Caps[tok.CampaignID]
		if u == nil {
			u = &CapUsage{}
			e.state.Caps[tok.CampaignID] = u
		}
		u.Outcomes++
		u.WeightedValue += tok.WeightedValue
	}
}

// normalizeWindow backfills nil maps a JSON decode may leave behind.
func normalizeWindow(w *Window) *Window {
	if w == nil {
		return nil
	}
	fresh := NewWindow(w.WindowID, w.StartedAt)
	if w.Impressions != nil {
		fresh.Impressions = w.Impressions
	}
	if w.Intents != nil {
		fresh.Intents = w.Intents
	}
	if w.ResolvedIntents != nil {
		fresh.ResolvedIntents = w.ResolvedIntents
	}
	if w.PartialResolutions != nil {
		fresh.PartialResolutions = w.PartialResolutions
	}
	if w.BillableResolutions != nil {
		fresh.BillableResolutions = w.BillableResolutions
	}
	if w.NonBillableResolutions != nil {
		fresh.NonBillableResolutions = w.NonBillableResolutions
	}
	if w.ResolvedValueSum != nil {
		fresh.ResolvedValueSum = w.ResolvedValueSum
	}
	if w.WeightedResolvedValueSum != nil {
		fresh.WeightedResolvedValueSum = w.WeightedResolvedValueSum
	}
	return fresh
}

func readOptional(path string, out any) error {
	err := fsx.ReadJSONFile(path, out)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
