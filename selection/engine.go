// Package selection chooses one creative for a (publisher, size)
// request from a read-only projection view and the registry. Selection
// is deterministic and side-effect free apart from the decision ring
// and the divergence guardrail.
package selection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/types"
)

// Metric names recorded on decisions.
const (
	MetricRaw         = "raw"
	MetricWeighted    = "weighted"
	MetricRawFallback = "raw_fallback"
)

// Fallback reasons recorded on decisions. Empty means the primary
// eligible set produced the winner.
const (
	FallbackPreFloor   = "pre_floor"
	FallbackBudgetOnly = "budget_cap_allowed"
	FallbackFirstRaw   = "first_raw"
)

// DecisionRingSize bounds the in-memory decision history.
const DecisionRingSize = 1000

// DivergenceThreshold and DivergenceWindows configure the raw/weighted
// guardrail: warn when divergence is at or above the threshold for this
// many consecutive windows.
const (
	DivergenceThreshold = 0.30
	DivergenceWindows   = 2
)

// Candidate is one scored creative in a decision.
type Candidate struct {
	CampaignID  string  `json:"campaign_id"`
	CreativeID  string  `json:"creative_id"`
	DemandType  string  `json:"demand_type"`
	MetricUsed  string  `json:"metric_used"`
	MetricValue float64 `json:"metric_value"`

	priority   int
	nearBudget bool
	nearCap    bool
	rawValue   float64
}

// Decision records one selection outcome.
type Decision struct {
	DecidedAt   time.Time   `json:"decided_at"`
	PublisherID string      `json:"publisher_id"`
	Size        string      `json:"size"`
	Candidates  []Candidate `json:"candidates"`
	CampaignID  string      `json:"campaign_id"`
	CreativeID  string      `json:"creative_id"`
	CreativeURL string      `json:"creative_url"`
	MetricUsed  string      `json:"metric_used"`
	Fallback    string      `json:"fallback,omitempty"`
}

type divergenceTrack struct {
	windowID    string
	divergent   bool
	consecutive int
}

// Engine scores candidates and keeps the bounded decision ring.
type Engine struct {
	reg     *registry.Registry
	logger  *log.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	decisions  []Decision
	divergence map[string]*divergenceTrack
}

// NewEngine creates a selection engine over the registry.
func NewEngine(reg *registry.Registry, logger *log.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		reg:        reg,
		logger:     logger,
		metrics:    collector,
		divergence: make(map[string]*divergenceTrack),
	}
}

// Choose picks one creative for the publisher and size. The view is
// read-only; Choose never mutates it.
func (s *Engine) Choose(view *projection.State, publisherID, size string, now time.Time) (*Decision, error) {
	pub, ok := s.reg.Publishers[publisherID]
	if !ok {
		return nil, fmt.Errorf("unknown publisher %s", publisherID)
	}
	campaigns := s.reg.CampaignsForPublisher(publisherID)
	if len(campaigns) == 0 {
		return nil, fmt.Errorf("publisher %s has no campaigns", publisherID)
	}

	all := s.buildCandidates(view, pub, campaigns, size)
	if len(all) == 0 {
		return nil, fmt.Errorf("no creative supports size %s for publisher %s", size, publisherID)
	}

	allowed := filterBudgetAndCaps(view, s.reg, all)
	eligible := filterDemandTypes(pub.Policy.AllowedDemandTypes, allowed)

	floored := applyFloor(pub.Policy, eligible)
	fallback := ""
	if len(floored) == 0 && len(eligible) > 0 {
		floored = eligible
		fallback = FallbackPreFloor
	}

	var winner Candidate
	switch {
	case len(floored) > 0:
		sortCandidates(floored)
		winner = floored[0]
	case len(allowed) > 0:
		sortCandidates(allowed)
		winner = allowed[0]
		fallback = FallbackBudgetOnly
	default:
		sort.Slice(all, func(i, j int) bool {
			if all[i].CampaignID != all[j].CampaignID {
				return all[i].CampaignID < all[j].CampaignID
			}
			return all[i].CreativeID < all[j].CreativeID
		})
		winner = all[0]
		fallback = FallbackFirstRaw
	}

	creative := s.reg.Creatives[winner.CreativeID]
	decision := Decision{
		DecidedAt:   now,
		PublisherID: publisherID,
		Size:        size,
		Candidates:  append([]Candidate(nil), all...),
		CampaignID:  winner.CampaignID,
		CreativeID:  winner.CreativeID,
		MetricUsed:  winner.MetricUsed,
		Fallback:    fallback,
	}
	if creative != nil {
		decision.CreativeURL = creative.CreativeURL
	}

	s.record(decision)
	s.metrics.IncSelectionsServed()

	if pub.Policy.SelectionMode == registry.ModeWeighted && len(floored) > 1 {
		s.checkDivergence(view, publisherID, floored)
	}

	return &decision, nil
}

// buildCandidates scores every creative that supports the size, belongs
// to one of the publisher's campaigns, and declares a demand type.
func (s *Engine) buildCandidates(view *projection.State, pub *registry.Publisher, campaigns []*registry.Campaign, size string) []Candidate {
	var out []Candidate
	for _, cmp := range campaigns {
		for _, creativeID := range cmp.CreativeIDs {
			cr := s.reg.Creatives[creativeID]
			if cr == nil || cr.DemandType == "" || !supportsSize(cr, size) {
				continue
			}

			scope := types.Scope{
				CampaignID:  cmp.CampaignID,
				PublisherID: pub.PublisherID,
				CreativeID:  creativeID,
			}
			metricUsed, metricValue, rawValue := scoreScope(view.Window, pub.Policy.SelectionMode, scope.Key())

			out = append(out, Candidate{
				CampaignID:  cmp.CampaignID,
				CreativeID:  creativeID,
				DemandType:  cr.DemandType,
				MetricUsed:  metricUsed,
				MetricValue: metricValue,
				priority:    priorityIndex(pub.Policy.DemandPriority, cr.DemandType),
				nearBudget:  nearBudgetExhaustion(view, cmp.CampaignID),
				nearCap:     nearCapExhaustion(view, cmp),
				rawValue:    rawValue,
			})
		}
	}
	return out
}

// scoreScope computes the per-1k value metric for one scope from the
// live window.
func scoreScope(w *projection.Window, mode, key string) (metricUsed string, metricValue, rawValue float64) {
	rawValue = derivedPer1K(w, key, false)
	if mode == registry.ModeWeighted {
		if w != nil {
			if _, present := w.WeightedResolvedValueSum[key]; present {
				return MetricWeighted, derivedPer1K(w, key, true), rawValue
			}
		}
		return MetricRawFallback, rawValue, rawValue
	}
	return MetricRaw, rawValue, rawValue
}

// derivedPer1K is value-sum per thousand impressions. No impressions
// means no signal; the metric is zero.
func derivedPer1K(w *projection.Window, key string, weighted bool) float64 {
	if w == nil {
		return 0
	}
	impressions := w.Impressions[key]
	if impressions == 0 {
		return 0
	}
	sum := w.ResolvedValueSum[key]
	if weighted {
		sum = w.WeightedResolvedValueSum[key]
	}
	return sum / float64(impressions) * 1000
}

func supportsSize(cr *registry.Creative, size string) bool {
	for _, s := range cr.Sizes {
		if s == size {
			return true
		}
	}
	return false
}

func priorityIndex(priority []string, demandType string) int {
	for i, dt := range priority {
		if dt == demandType {
			return i
		}
	}
	return len(priority)
}

func filterBudgetAndCaps(view *projection.State, reg *registry.Registry, in []Candidate) []Candidate {
	var out []Candidate
	for _, c := range in {
		if b, ok := view.Budgets[c.CampaignID]; ok && b.Remaining <= 0 {
			continue
		}
		cmp := reg.Campaigns[c.CampaignID]
		if cmp != nil && capExhausted(view, cmp) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func filterDemandTypes(allowed []string, in []Candidate) []Candidate {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, dt := range allowed {
		set[dt] = struct{}{}
	}
	var out []Candidate
	for _, c := range in {
		if _, ok := set[c.DemandType]; ok {
			out = append(out, c)
		}
	}
	return out
}

// applyFloor keeps candidates whose floor-type metric clears the
// publisher floor.
func applyFloor(policy registry.Policy, in []Candidate) []Candidate {
	if policy.FloorValuePer1K <= 0 {
		return in
	}
	var out []Candidate
	for _, c := range in {
		metric := c.rawValue
		if policy.FloorType == registry.ModeWeighted && c.MetricUsed == MetricWeighted {
			metric = c.MetricValue
		}
		if metric >= policy.FloorValuePer1K {
			out = append(out, c)
		}
	}
	return out
}

func capExhausted(view *projection.State, cmp *registry.Campaign) bool {
	u := view.Caps[cmp.CampaignID]
	var count int64
	var value float64
	if u != nil {
		count = u.Outcomes
		value = u.WeightedValue
	}
	if cmp.Caps.MaxOutcomes > 0 && count >= cmp.Caps.MaxOutcomes {
		return true
	}
	if cmp.Caps.MaxWeightedValue > 0 && value >= cmp.Caps.MaxWeightedValue {
		return true
	}
	return false
}

func nearBudgetExhaustion(view *projection.State, campaignID string) bool {
	b, ok := view.Budgets[campaignID]
	if !ok || b.Total <= 0 {
		return false
	}
	return b.Remaining/b.Total <= 0.20
}

func nearCapExhaustion(view *projection.State, cmp *registry.Campaign) bool {
	if capExhausted(view, cmp) {
		return false
	}
	u := view.Caps[cmp.CampaignID]
	var count int64
	var value float64
	if u != nil {
		count = u.Outcomes
		value = u.WeightedValue
	}
	ratio := 0.0
	if cmp.Caps.MaxOutcomes > 0 {
		ratio = float64(count) / float64(cmp.Caps.MaxOutcomes)
	}
	if cmp.Caps.MaxWeightedValue > 0 {
		if r := value / cmp.Caps.MaxWeightedValue; r > ratio {
			ratio = r
		}
	}
	return ratio >= 0.80
}

// sortCandidates orders by priority, distance from exhaustion, metric
// descending, then stable ids.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.nearBudget != b.nearBudget {
			return !a.nearBudget
		}
		if a.nearCap != b.nearCap {
			return !a.nearCap
		}
		if a.MetricValue != b.MetricValue {
			return a.MetricValue > b.MetricValue
		}
		if a.CampaignID != b.CampaignID {
			return a.CampaignID < b.CampaignID
		}
		return a.CreativeID < b.CreativeID
	})
}

// record appends to the bounded decision ring.
func (s *Engine) record(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > DecisionRingSize {
		s.decisions = s.decisions[len(s.decisions)-DecisionRingSize:]
	}
}

// Decisions returns the most recent n decisions, newest last.
func (s *Engine) Decisions(n int) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.decisions) {
		n = len(s.decisions)
	}
	out := make([]Decision, n)
	copy(out, s.decisions[len(s.decisions)-n:])
	return out
}

// checkDivergence compares the raw-ordered and weighted-ordered tops
// and warns when a publisher diverges by 30% or more for two
// consecutive windows.
func (s *Engine) checkDivergence(view *projection.State, publisherID string, candidates []Candidate) {
	weightedTop := candidates[0]

	rawOrdered := append([]Candidate(nil), candidates...)
	for i := range rawOrdered {
		rawOrdered[i].MetricValue = rawOrdered[i].rawValue
	}
	sortCandidates(rawOrdered)
	rawTop := rawOrdered[0]

	if rawTop.CreativeID == weightedTop.CreativeID && rawTop.CampaignID == weightedTop.CampaignID {
		return
	}

	r := rawTop.rawValue
	w := weightedTop.MetricValue
	denom := r
	if denom < 0 {
		denom = -denom
	}
	if denom < 1 {
		denom = 1
	}
	divergence := (w - r) / denom
	if divergence < 0 {
		divergence = -divergence
	}
	if divergence < DivergenceThreshold {
		return
	}

	windowID := ""
	if view.Window != nil {
		windowID = view.Window.WindowID
	}

	s.mu.Lock()
	track := s.divergence[publisherID]
	if track == nil {
		track = &divergenceTrack{}
		s.divergence[publisherID] = track
	}
	if track.windowID != windowID {
		if track.divergent {
			track.consecutive++
		} else {
			track.consecutive = 0
		}
		track.windowID = windowID
		track.divergent = false
	}
	track.divergent = true
	warn := track.consecutive+1 >= DivergenceWindows
	s.mu.Unlock()

	if warn {
		s.metrics.IncDivergenceWarnings()
		if s.logger != nil {
			s.logger.Warn("raw/weighted selection divergence", map[string]any{
				"publisher_id": publisherID,
				"window_id":    windowID,
				"divergence":   divergence,
				"raw_top":      rawTop.CreativeID,
				"weighted_top": weightedTop.CreativeID,
			})
		}
	}
}
