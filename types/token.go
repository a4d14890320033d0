package types

import "time"

// DefaultTokenTTL is how long an unresolved token lives before it is
// considered expired on read.
const DefaultTokenTTL = 30 * 24 * time.Hour

// TokenStatus is the lifecycle status of an intent event token.
type TokenStatus string

// Token status constants.
const (
	TokenCreated  TokenStatus = "CREATED"
	TokenPending  TokenStatus = "PENDING"
	TokenResolved TokenStatus = "RESOLVED"
	TokenExpired  TokenStatus = "EXPIRED"
)

// Resolution is one entry in a token's resolution history, kept in
// append order across partial and final stages.
type Resolution struct {
	Stage         string    `json:"stage"`
	ResolvedAt    time.Time `json:"resolved_at"`
	ResolvedValue float64   `json:"resolved_value"`
	OutcomeType   string    `json:"outcome_type"`
	Final         bool      `json:"final"`
}

// Token is the intent event token created by intent.created and mutated
// only by resolution.* events inside the projection reducer.
// Once RESOLVED, Status, ResolvedAt, and ResolvedValue are write-once;
// later partials may still append to Resolutions.
type Token struct {
	TokenID     string      `json:"token_id"`
	CampaignID  string      `json:"campaign_id"`
	PublisherID string      `json:"publisher_id"`
	CreativeID  string      `json:"creative_id"`
	IntentType  string      `json:"intent_type"`
	Status      TokenStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	PendingAt time.Time `json:"pending_at"`
	ExpiresAt time.Time `json:"expires_at"`

	DwellSeconds     float64 `json:"dwell_seconds,omitempty"`
	InteractionCount int64   `json:"interaction_count,omitempty"`
	ParentIntentID   string  `json:"parent_intent_id,omitempty"`

	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedValue float64    `json:"resolved_value,omitempty"`
	WeightedValue float64    `json:"weighted_value,omitempty"`
	OutcomeType   string     `json:"outcome_type,omitempty"`
	Billable      bool       `json:"billable"`

	Resolutions []Resolution `json:"resolution_events"`
}

// Scope returns the token's aggregate scope.
func (t *Token) Scope() Scope {
	return Scope{CampaignID: t.CampaignID, PublisherID: t.PublisherID, CreativeID: t.CreativeID}
}

// ExpiredAt reports whether the token has passed its expiry at the
// given instant. Resolved tokens never expire.
func (t *Token) ExpiredAt(now time.Time) bool {
	return t.Status != TokenResolved && now.After(t.ExpiresAt)
}

// EffectiveStatus returns the status as observed at the given instant.
// Expiry is computed on read; the stored status is never rewritten.
func (t *Token) EffectiveStatus(now time.Time) TokenStatus {
	if t.ExpiredAt(now) {
		return TokenExpired
	}
	return t.Status
}

// HasStage reports whether a resolution for the given stage was already
// recorded.
func (t *Token) HasStage(stage string) bool {
	for _, r := range t.Resolutions {
		if r.Stage == stage {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	out := *t
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		out.ResolvedAt = &at
	}
	out.Resolutions = make([]Resolution, len(t.Resolutions))
	copy(out.Resolutions, t.Resolutions)
	return &out
}
