// Package registry loads the static catalogs: publishers (with their
// selection policies), advertisers, campaigns, and creatives. Catalogs
// are read once at startup, schema-validated, and checked for
// referential integrity; a dangling reference is fatal.
package registry

import (
	"fmt"
	"path/filepath"

	"github.com/crystalford/flyback/log"
)

// Selection modes and floor types a publisher policy may declare.
const (
	ModeRaw      = "raw"
	ModeWeighted = "weighted"
)

// Policy is a publisher's selection policy.
type Policy struct {
	SelectionMode      string   `json:"selection_mode"`
	FloorType          string   `json:"floor_type"`
	FloorValuePer1K    float64  `json:"floor_value_per_1k"`
	AllowedDemandTypes []string `json:"allowed_demand_types"`
	DemandPriority     []string `json:"demand_priority"`
	RevShareBps        int64    `json:"rev_share_bps"`
}

// Publisher is one supply-side account.
type Publisher struct {
	PublisherID string `json:"publisher_id"`
	Name        string `json:"name"`
	Policy      Policy `json:"policy"`
}

// Advertiser is one demand-side account.
type Advertiser struct {
	AdvertiserID string `json:"advertiser_id"`
	Name         string `json:"name"`
}

// Caps limits billable outcomes per campaign. Zero means unlimited.
type Caps struct {
	MaxOutcomes      int64   `json:"max_outcomes"`
	MaxWeightedValue float64 `json:"max_weighted_value"`
}

// Campaign ties an advertiser's creatives to a publisher with outcome
// weights, caps, and a total budget.
type Campaign struct {
	CampaignID            string             `json:"campaign_id"`
	PublisherID           string             `json:"publisher_id"`
	AdvertiserID          string             `json:"advertiser_id"`
	CreativeIDs           []string           `json:"creative_ids"`
	OutcomeWeights        map[string]float64 `json:"outcome_weights"`
	Caps                  Caps               `json:"caps"`
	BudgetTotal           float64            `json:"budget_total"`
	PublisherRevShareBps  *int64             `json:"publisher_rev_share_bps,omitempty"`
}

// Creative is a renderable unit.
type Creative struct {
	CreativeID  string   `json:"creative_id"`
	Sizes       []string `json:"sizes"`
	DemandType  string   `json:"demand_type"`
	CreativeURL string   `json:"creative_url"`
}

// Registry is the loaded, integrity-checked catalog set.
type Registry struct {
	Publishers  map[string]*Publisher
	Advertisers map[string]*Advertiser
	Campaigns   map[string]*Campaign
	Creatives   map[string]*Creative

	byPublisher map[string][]*Campaign
}

// Load reads and validates all catalogs from dir.
func Load(dir string, logger *log.Logger) (*Registry, error) {
	r := &Registry{
		Publishers:  make(map[string]*Publisher),
		Advertisers: make(map[string]*Advertiser),
		Campaigns:   make(map[string]*Campaign),
		Creatives:   make(map[string]*Creative),
		byPublisher: make(map[string][]*Campaign),
	}

	var publishers []*Publisher
	if err := loadCatalog(filepath.Join(dir, "publishers.json"), publisherSchema, &publishers); err != nil {
		return nil, err
	}
	for _, p := range publishers {
		r.Publishers[p.PublisherID] = p
	}

	var advertisers []*Advertiser
	if err := loadCatalog(filepath.Join(dir, "advertisers.json"), advertiserSchema, &advertisers); err != nil {
		return nil, err
	}
	for _, a := range advertisers {
		r.Advertisers[a.AdvertiserID] = a
	}

	var creatives []*Creative
	if err := loadCatalog(filepath.Join(dir, "creatives.json"), creativeSchema, &creatives); err != nil {
		return nil, err
	}
	for _, c := range creatives {
		r.Creatives[c.CreativeID] = c
	}

	var campaigns []*Campaign
	if err := loadCatalog(filepath.Join(dir, "campaigns.json"), campaignSchema, &campaigns); err != nil {
		return nil, err
	}
	for _, c := range campaigns {
		r.Campaigns[c.CampaignID] = c
		r.byPublisher[c.PublisherID] = append(r.byPublisher[c.PublisherID], c)
	}

	if err := r.checkIntegrity(); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("registry loaded", map[string]any{
			"publishers": len(r.Publishers),
			"campaigns":  len(r.Campaigns),
			"creatives":  len(r.Creatives),
		})
	}

	return r, nil
}

// checkIntegrity verifies every cross-catalog reference resolves.
func (r *Registry) checkIntegrity() error {
	for id, c := range r.Campaigns {
		if _, ok := r.Publishers[c.PublisherID]; !ok {
			return fmt.Errorf("campaign %s references unknown publisher %s", id, c.PublisherID)
		}
		if _, ok := r.Advertisers[c.AdvertiserID]; !ok {
			return fmt.Errorf("campaign %s references unknown advertiser %s", id, c.AdvertiserID)
		}
		for _, cr := range c.CreativeIDs {
			if _, ok := r.Creatives[cr]; !ok {
				return fmt.Errorf("campaign %s references unknown creative %s", id, cr)
			}
		}
	}
	return nil
}

// CampaignsForPublisher returns campaigns owned by the publisher.
func (r *Registry) CampaignsForPublisher(publisherID string) []*Campaign {
	return r.byPublisher[publisherID]
}

// OutcomeWeight returns the campaign's weight for an outcome type.
// Unlisted outcomes weigh 1.
func (r *Registry) OutcomeWeight(campaignID, outcomeType string) float64 {
	c, ok := r.Campaigns[campaignID]
	if !ok {
		return 1
	}
	if w, ok := c.OutcomeWeights[outcomeType]; ok {
		return w
	}
	return 1
}

// RevShareBps returns the effective revenue share for a campaign: the
// campaign override when present, else the publisher's policy value.
func (r *Registry) RevShareBps(campaignID string) int64 {
	c, ok := r.Campaigns[campaignID]
	if !ok {
		return 0
	}
	if c.PublisherRevShareBps != nil {
		return *c.PublisherRevShareBps
	}
	if p, ok := r.Publishers[c.PublisherID]; ok {
		return p.Policy.RevShareBps
	}
	return 0
}

// BudgetTotals returns every campaign's total budget, keyed by
// campaign id. Used to seed the projection before replay.
func (r *Registry) BudgetTotals() map[string]float64 {
	totals := make(map[string]float64, len(r.Campaigns))
	for id, c := range r.Campaigns {
		totals[id] = c.BudgetTotal
	}
	return totals
}

// CampaignOwnsCreative reports whether the creative belongs to the campaign.
func (r *Registry) CampaignOwnsCreative(campaignID, creativeID string) bool {
	c, ok := r.Campaigns[campaignID]
	if !ok {
		return false
	}
	for _, id := range c.CreativeIDs {
		if id == creativeID {
			return true
		}
	}
	return false
}
