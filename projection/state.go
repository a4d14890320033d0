// Package projection maintains the materialized state derived from the
// event log: tokens, the live aggregation window, budgets, cap usage,
// and the payout ledger. The projection engine is the exclusive owner
// of this state; everything else reads it through cloned views.
package projection

import (
	"time"

	"github.com/crystalford/flyback/types"
)

// WindowDuration is the wall-clock span of one aggregation window.
const WindowDuration = 10 * time.Minute

// Window holds the live aggregate maps for one wall-clock window. All
// maps are keyed by scope key (campaign|publisher|creative).
type Window struct {
	WindowID  string    `json:"window_id"`
	StartedAt time.Time `json:"started_at"`

	Impressions            map[string]int64 `json:"impressions"`
	Intents                map[string]int64 `json:"intents"`
	ResolvedIntents        map[string]int64 `json:"resolved_intents"`
	PartialResolutions     map[string]int64 `json:"partial_resolutions"`
	BillableResolutions    map[string]int64 `json:"billable_resolutions"`
	NonBillableResolutions map[string]int64 `json:"non_billable_resolutions"`

	ResolvedValueSum         map[string]float64 `json:"resolved_value_sum"`
	WeightedResolvedValueSum map[string]float64 `json:"weighted_resolved_value_sum"`
}

// NewWindow returns an empty window with the given identity.
func NewWindow(id string, startedAt time.Time) *Window {
	return &Window{
		WindowID:  id,
		StartedAt: startedAt,

		Impressions:            make(map[string]int64),
		Intents:                make(map[string]int64),
		ResolvedIntents:        make(map[string]int64),
		PartialResolutions:     make(map[string]int64),
		BillableResolutions:    make(map[string]int64),
		NonBillableResolutions: make(map[string]int64),

		ResolvedValueSum:         make(map[string]float64),
		WeightedResolvedValueSum: make(map[string]float64),
	}
}

// WindowID derives the identity of the window containing ts: the start
// of its 10-minute boundary, UTC.
func WindowID(ts time.Time) string {
	return "w-" + WindowStart(ts).Format("20060102T150405Z")
}

// WindowStart floors ts to its 10-minute boundary, UTC.
func WindowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(WindowDuration)
}

// Clone deep-copies the window.
func (w *Window) Clone() *Window {
	if w == nil {
		return nil
	}
	out := NewWindow(w.WindowID, w.StartedAt)
	copyCounts(out.Impressions, w.Impressions)
	copyCounts(out.Intents, w.Intents)
	copyCounts(out.ResolvedIntents, w.ResolvedIntents)
	copyCounts(out.PartialResolutions, w.PartialResolutions)
	copyCounts(out.BillableResolutions, w.BillableResolutions)
	copyCounts(out.NonBillableResolutions, w.NonBillableResolutions)
	copySums(out.ResolvedValueSum, w.ResolvedValueSum)
	copySums(out.WeightedResolvedValueSum, w.WeightedResolvedValueSum)
	return out
}

// Expired reports whether the window's wall-clock span has elapsed.
func (w *Window) Expired(now time.Time) bool {
	if w == nil {
		return false
	}
	return now.Sub(w.StartedAt) >= WindowDuration
}

func copyCounts(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] = v
	}
}

func copySums(dst, src map[string]float64) {
	for k, v := range src {
		dst[k] = v
	}
}

// Budget tracks per-campaign spend. Remaining never exceeds Total and
// going negative is a fatal invariant violation.
type Budget struct {
	Total     float64 `json:"total"`
	Remaining float64 `json:"remaining"`
}

// CapUsage accumulates billable finals per campaign, for cap
// enforcement at finalization time.
type CapUsage struct {
	Outcomes      int64   `json:"outcomes"`
	WeightedValue float64 `json:"weighted_value"`
}

// State is the full projection: every container the engine owns, plus
// the applied-seq cursor. AppliedEventIDs is in-memory only; it is
// rebuilt by replay, not persisted.
type State struct {
	AppliedSeq      int64
	AppliedEventIDs map[string]struct{}

	Tokens  map[string]*types.Token
	Ledger  []types.LedgerEntry
	Budgets map[string]*Budget
	Caps    map[string]*CapUsage

	Window     *Window
	LastWindow *Window

	ledgerKeys map[string]struct{}
}

// NewState returns an empty projection state.
func NewState() *State {
	return &State{
		AppliedEventIDs: make(map[string]struct{}),
		Tokens:          make(map[string]*types.Token),
		Budgets:         make(map[string]*Budget),
		Caps:            make(map[string]*CapUsage),
		ledgerKeys:      make(map[string]struct{}),
	}
}

// Clone deep-copies the state for rollback snapshots and read views.
func (s *State) Clone() *State {
	out := NewState()
	out.AppliedSeq = s.AppliedSeq

	for id := range s.AppliedEventIDs {
		out.AppliedEventIDs[id] = struct{}{}
	}
	for id, tok := range s.Tokens {
		out.Tokens[id] = tok.Clone()
	}
	out.Ledger = append([]types.LedgerEntry(nil), s.Ledger...)
	for k := range s.ledgerKeys {
		out.ledgerKeys[k] = struct{}{}
	}
	for id, b := range s.Budgets {
		c := *b
		out.Budgets[id] = &c
	}
	for id, u := range s.Caps {
		c := *u
		out.Caps[id] = &c
	}
	out.Window = s.Window.Clone()
	out.LastWindow = s.LastWindow.Clone()
	return out
}

// HasLedgerEntry reports whether a (token_id, final_stage) entry exists.
func (s *State) HasLedgerEntry(tokenID, finalStage string) bool {
	_, ok := s.ledgerKeys[tokenID+"|"+finalStage]
	return ok
}

func (s *State) addLedgerEntry(e types.LedgerEntry) bool {
	key := e.Key()
	if _, dup := s.ledgerKeys[key]; dup {
		return false
	}
	s.Ledger = append(s.Ledger, e)
	s.ledgerKeys[key] = struct{}{}
	return true
}

// rebuildLedgerKeys restores the uniqueness index after loading.
func (s *State) rebuildLedgerKeys() {
	s.ledgerKeys = make(map[string]struct{}, len(s.Ledger))
	for _, e := range s.Ledger {
		s.ledgerKeys[e.Key()] = struct{}{}
	}
}

// ensureWindow lazily creates the live window at first bump, anchored
// to the event's stamped timestamp so replay is deterministic.
func (s *State) ensureWindow(ts time.Time) *Window {
	if s.Window == nil {
		s.Window = NewWindow(WindowID(ts), WindowStart(ts))
	}
	return s.Window
}

// CapAllows reports whether one more billable final with the given
// weighted value fits under the campaign's caps. Zero-valued limits are
// unlimited.
func (s *State) CapAllows(campaignID string, maxOutcomes int64, maxWeighted float64, weighted float64) bool {
	u := s.Caps[campaignID]
	var count int64
	var value float64
	if u != nil {
		count = u.Outcomes
		value = u.WeightedValue
	}
	if maxOutcomes > 0 && count+1 > maxOutcomes {
		return false
	}
	if maxWeighted > 0 && value+weighted > maxWeighted {
		return false
	}
	return true
}
