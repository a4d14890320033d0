package types

import "time"

// LedgerEntry is one billable payout record. Entries are immutable once
// written; at most one entry exists per (token_id, final_stage).
type LedgerEntry struct {
	EntryID       string    `json:"entry_id"`
	CreatedAt     time.Time `json:"created_at"`
	TokenID       string    `json:"token_id"`
	CampaignID    string    `json:"campaign_id"`
	AdvertiserID  string    `json:"advertiser_id"`
	PublisherID   string    `json:"publisher_id"`
	CreativeID    string    `json:"creative_id"`
	WindowID      string    `json:"window_id"`
	OutcomeType   string    `json:"outcome_type"`
	RawValue      float64   `json:"raw_value"`
	WeightedValue float64   `json:"weighted_value"`
	Billable      bool      `json:"billable"`
	PayoutCents   int64     `json:"payout_cents"`
	RevShareBps   int64     `json:"rev_share_bps"`
	FinalStage    string    `json:"final_stage"`
}

// Key returns the ledger uniqueness key.
func (e LedgerEntry) Key() string {
	return e.TokenID + "|" + e.FinalStage
}

// PayoutCents computes the publisher payout for a raw value at the
// given revenue share: round(raw * 100 * bps/10000).
func PayoutCents(raw float64, bps int64) int64 {
	cents := raw * 100 * float64(bps) / 10000
	if cents >= 0 {
		return int64(cents + 0.5)
	}
	return int64(cents - 0.5)
}
