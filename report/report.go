// Package report builds publisher-scoped reporting views. A view is a
// pure function over a cloned projection snapshot; nothing here can
// reach live state.
package report

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/crystalford/flyback/delivery"
	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/selection"
	"github.com/crystalford/flyback/types"
)

// Bounds for the optional sections.
const (
	TopLedgerEntries = 10
	RecentSelections = 20
)

// Row is one aggregate row in the live window.
type Row struct {
	CampaignID        string  `json:"campaign_id"`
	PublisherID       string  `json:"publisher_id"`
	CreativeID        string  `json:"creative_id"`
	Impressions       int64   `json:"impressions"`
	Intents           int64   `json:"intents"`
	ResolvedIntents   int64   `json:"resolved_intents"`
	IntentRate        float64 `json:"intent_rate"`
	ResolutionRate    float64 `json:"resolution_rate"`
	DerivedValuePer1K float64 `json:"derived_value_per_1k"`
}

// PolicyView echoes the publisher's selection policy.
type PolicyView struct {
	SelectionMode      string   `json:"selection_mode"`
	FloorType          string   `json:"floor_type"`
	FloorValuePer1K    float64  `json:"floor_value_per_1k"`
	AllowedDemandTypes []string `json:"allowed_demand_types,omitempty"`
	DemandPriority     []string `json:"demand_priority,omitempty"`
	RevShareBps        int64    `json:"rev_share_bps"`
}

// LastWindowView summarizes the closed window for the publisher.
type LastWindowView struct {
	WindowID            string  `json:"window_id"`
	Impressions         int64   `json:"impressions"`
	RawValuePer1K       float64 `json:"raw_value_per_1k"`
	WeightedValuePer1K  float64 `json:"weighted_value_per_1k"`
	Billable            int64   `json:"billable_resolutions"`
	NonBillable         int64   `json:"non_billable_resolutions"`
}

// CapView reports one campaign's cap limits and usage.
type CapView struct {
	CampaignID       string  `json:"campaign_id"`
	MaxOutcomes      int64   `json:"max_outcomes"`
	MaxWeightedValue float64 `json:"max_weighted_value"`
	UsedOutcomes     int64   `json:"used_outcomes"`
	UsedWeighted     float64 `json:"used_weighted_value"`
}

// LedgerStats aggregates payouts for the live window and lifetime.
type LedgerStats struct {
	WindowEntries     int   `json:"window_entries"`
	WindowPayoutCents int64 `json:"window_payout_cents"`
	TotalEntries      int   `json:"total_entries"`
	TotalPayoutCents  int64 `json:"total_payout_cents"`
}

// Report is the full publisher view.
type Report struct {
	PublisherID string          `json:"publisher_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Policy      PolicyView      `json:"policy"`
	Rows        []Row           `json:"rows,omitempty"`
	LastWindow  *LastWindowView `json:"last_window,omitempty"`
	Caps        []CapView       `json:"caps,omitempty"`
	Ledger      LedgerStats     `json:"ledger"`
	TopEntries  []types.LedgerEntry  `json:"top_ledger_entries,omitempty"`
	Selections  []selection.Decision `json:"selections,omitempty"`
	Delivery    *delivery.Health     `json:"delivery,omitempty"`
}

// Options selects optional report sections.
type Options struct {
	IncludeSelections bool
	Selections        []selection.Decision
	Delivery          *delivery.Health
	Now               time.Time
}

// Build assembles the report for one publisher. The view must be a
// snapshot owned by the caller; Build never mutates it.
func Build(view *projection.State, reg *registry.Registry, publisherID string, opts Options, logger *log.Logger) *Report {
	pub := reg.Publishers[publisherID]
	if pub == nil {
		return nil
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	r := &Report{
		PublisherID: publisherID,
		GeneratedAt: opts.Now,
		Policy: PolicyView{
			SelectionMode:      pub.Policy.SelectionMode,
			FloorType:          pub.Policy.FloorType,
			FloorValuePer1K:    pub.Policy.FloorValuePer1K,
			AllowedDemandTypes: pub.Policy.AllowedDemandTypes,
			DemandPriority:     pub.Policy.DemandPriority,
			RevShareBps:        pub.Policy.RevShareBps,
		},
	}

	r.Rows = buildRows(view.Window, publisherID)
	r.LastWindow = buildLastWindow(view.LastWindow, publisherID)
	r.Caps = buildCaps(view, reg, publisherID)
	r.Ledger, r.TopEntries = buildLedger(view, publisherID)

	if opts.IncludeSelections {
		sel := opts.Selections
		if len(sel) > RecentSelections {
			sel = sel[len(sel)-RecentSelections:]
		}
		r.Selections = sel
	}
	r.Delivery = opts.Delivery

	validateView(r, logger)
	return r
}

// buildRows emits one row per scope in the live window owned by the
// publisher, ordered by scope key.
func buildRows(w *projection.Window, publisherID string) []Row {
	if w == nil {
		return nil
	}

	keys := make(map[string]struct{})
	for _, m := range []map[string]int64{w.Impressions, w.Intents, w.ResolvedIntents} {
		for k := range m {
			keys[k] = struct{}{}
		}
	}

	var rows []Row
	for key := range keys {
		scope, err := types.ParseScopeKey(key)
		if err != nil || scope.PublisherID != publisherID {
			continue
		}
		impressions := w.Impressions[key]
		intents := w.Intents[key]
		resolved := w.ResolvedIntents[key]
		row := Row{
			CampaignID:      scope.CampaignID,
			PublisherID:     scope.PublisherID,
			CreativeID:      scope.CreativeID,
			Impressions:     impressions,
			Intents:         intents,
			ResolvedIntents: resolved,
		}
		if impressions > 0 {
			row.IntentRate = float64(intents) / float64(impressions)
			row.DerivedValuePer1K = w.ResolvedValueSum[key] / float64(impressions) * 1000
		}
		if intents > 0 {
			row.ResolutionRate = float64(resolved) / float64(intents)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CampaignID != rows[j].CampaignID {
			return rows[i].CampaignID < rows[j].CampaignID
		}
		return rows[i].CreativeID < rows[j].CreativeID
	})
	return rows
}

func buildLastWindow(w *projection.Window, publisherID string) *LastWindowView {
	if w == nil {
		return nil
	}

	view := &LastWindowView{WindowID: w.WindowID}
	var rawSum, weightedSum float64
	for key, n := range w.Impressions {
		if scope, err := types.ParseScopeKey(key); err == nil && scope.PublisherID == publisherID {
			view.Impressions += n
		}
	}
	for key, v := range w.ResolvedValueSum {
		if scope, err := types.ParseScopeKey(key); err == nil && scope.PublisherID == publisherID {
			rawSum += v
		}
	}
	for key, v := range w.WeightedResolvedValueSum {
		if scope, err := types.ParseScopeKey(key); err == nil && scope.PublisherID == publisherID {
			weightedSum += v
		}
	}
	for key, n := range w.BillableResolutions {
		if scope, err := types.ParseScopeKey(key); err == nil && scope.PublisherID == publisherID {
			view.Billable += n
		}
	}
	for key, n := range w.NonBillableResolutions {
		if scope, err := types.ParseScopeKey(key); err == nil && scope.PublisherID == publisherID {
			view.NonBillable += n
		}
	}
	if view.Impressions > 0 {
		view.RawValuePer1K = rawSum / float64(view.Impressions) * 1000
		view.WeightedValuePer1K = weightedSum / float64(view.Impressions) * 1000
	}
	return view
}

func buildCaps(view *projection.State, reg *registry.Registry, publisherID string) []CapView {
	var out []CapView
	for _, cmp := range reg.CampaignsForPublisher(publisherID) {
		cv := CapView{
			CampaignID:       cmp.CampaignID,
			MaxOutcomes:      cmp.Caps.MaxOutcomes,
			MaxWeightedValue: cmp.Caps.MaxWeightedValue,
		}
		if u := view.Caps[cmp.CampaignID]; u != nil {
			cv.UsedOutcomes = u.Outcomes
			cv.UsedWeighted = u.WeightedValue
		}
		out = append(out, cv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

func buildLedger(view *projection.State, publisherID string) (LedgerStats, []types.LedgerEntry) {
	windowID := ""
	if view.Window != nil {
		windowID = view.Window.WindowID
	}

	var stats LedgerStats
	var billable []types.LedgerEntry
	for _, e := range view.Ledger {
		if e.PublisherID != publisherID {
			continue
		}
		stats.TotalEntries++
		stats.TotalPayoutCents += e.PayoutCents
		if windowID != "" && e.WindowID == windowID {
			stats.WindowEntries++
			stats.WindowPayoutCents += e.PayoutCents
		}
		if e.Billable {
			billable = append(billable, e)
		}
	}

	sort.SliceStable(billable, func(i, j int) bool {
		return billable[i].PayoutCents > billable[j].PayoutCents
	})
	if len(billable) > TopLedgerEntries {
		billable = billable[:TopLedgerEntries]
	}
	return stats, billable
}

// validateView checks the assembled report against its schema.
// Violations are logged, never fatal: a report must not take the read
// path down.
func validateView(r *Report, logger *log.Logger) {
	data, err := json.Marshal(r)
	if err != nil {
		if logger != nil {
			logger.Warn("report view unserializable", map[string]any{"error": err.Error()})
		}
		return
	}
	var shape map[string]any
	if err := json.Unmarshal(data, &shape); err != nil {
		return
	}
	if err := reportSchema.Validate(shape); err != nil {
		if logger != nil {
			logger.Warn("report view schema violation", map[string]any{
				"publisher_id": r.PublisherID,
				"error":        err.Error(),
			})
		}
	}
}
