package engine

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/types"
)

var sizePattern = regexp.MustCompile(`^\d+x\d+$`)

// Final stages terminate a token; everything else is a partial.
var finalStages = map[string]struct{}{
	"resolved": {},
	"purchase": {},
	"final":    {},
}

// FillResult is the response of the fill command.
type FillResult struct {
	CreativeURL string     `json:"creative_url"`
	Config      FillConfig `json:"config"`
}

// FillConfig echoes the chosen scope back to the ad frame.
type FillConfig struct {
	CampaignID  string `json:"campaign"`
	PublisherID string `json:"publisher"`
	CreativeID  string `json:"creative"`
	Size        string `json:"size"`
}

// Fill selects a creative for the publisher and records the impression.
func (e *Engine) Fill(publisherID, size string) (*FillResult, error) {
	if err := e.rejectWrite(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if publisherID == "" {
		e.logReject("fill", "invalid_publisher", nil)
		return nil, badRequest("invalid_publisher")
	}
	if size == "" {
		size = DefaultSize
	}
	if !sizePattern.MatchString(size) {
		e.logReject("fill", "invalid_size", map[string]any{"size": size})
		return nil, badRequest("invalid_size")
	}
	if _, ok := e.reg.Publishers[publisherID]; !ok {
		e.logReject("fill", "publisher_unknown", map[string]any{"publisher_id": publisherID})
		return nil, badRequest("publisher_unknown")
	}
	if len(e.reg.CampaignsForPublisher(publisherID)) == 0 {
		if e.logger != nil {
			e.logger.Error("invariant.violation", map[string]any{
				"command":      "fill",
				"publisher_id": publisherID,
				"detail":       "publisher has no campaigns",
			})
		}
		return nil, reject("publisher_campaigns_missing", http.StatusInternalServerError)
	}

	if err := e.ensureWindowFresh(); err != nil {
		return nil, err
	}

	decision, err := e.sel.Choose(e.proj.View(), publisherID, size, e.now())
	if err != nil {
		e.logReject("fill", "no_eligible_creative", map[string]any{
			"publisher_id": publisherID,
			"size":         size,
			"error":        err.Error(),
		})
		return nil, badRequest("no_eligible_creative")
	}

	scope := types.Scope{
		CampaignID:  decision.CampaignID,
		PublisherID: publisherID,
		CreativeID:  decision.CreativeID,
	}
	if _, err := e.appendAndApply([]eventlog.Entry{{
		Type: types.EventImpressionRecorded,
		Payload: map[string]any{
			"scope": scopePayload(scope),
			"size":  size,
		},
	}}, "fill"); err != nil {
		return nil, err
	}

	return &FillResult{
		CreativeURL: decision.CreativeURL,
		Config: FillConfig{
			CampaignID:  scope.CampaignID,
			PublisherID: scope.PublisherID,
			CreativeID:  scope.CreativeID,
			Size:        size,
		},
	}, nil
}

// IntentParams are the inputs of the intent command.
type IntentParams struct {
	CampaignID       string  `json:"campaign"`
	PublisherID      string  `json:"publisher"`
	CreativeID       string  `json:"creative"`
	IntentType       string  `json:"intent_type"`
	DwellSeconds     float64 `json:"dwell_seconds,omitempty"`
	InteractionCount int64   `json:"interaction_count,omitempty"`
	ParentIntentID   string  `json:"parent_intent_id,omitempty"`
}

// Intent creates a token and records intent.created.
func (e *Engine) Intent(p IntentParams) (*types.Token, error) {
	if err := e.rejectWrite(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case p.CampaignID == "":
		e.logReject("intent", "invalid_campaign", nil)
		return nil, badRequest("invalid_campaign")
	case p.PublisherID == "":
		e.logReject("intent", "invalid_publisher", nil)
		return nil, badRequest("invalid_publisher")
	case p.CreativeID == "":
		e.logReject("intent", "invalid_creative", nil)
		return nil, badRequest("invalid_creative")
	case strings.TrimSpace(p.IntentType) == "":
		e.logReject("intent", "invalid_intent_type", nil)
		return nil, badRequest("invalid_intent_type")
	}

	cmp, ok := e.reg.Campaigns[p.CampaignID]
	if !ok {
		e.logReject("intent", "campaign_unknown", map[string]any{"campaign_id": p.CampaignID})
		return nil, badRequest("campaign_unknown")
	}
	if cmp.PublisherID != p.PublisherID {
		e.logReject("intent", "publisher_mismatch", map[string]any{
			"campaign_id":  p.CampaignID,
			"publisher_id": p.PublisherID,
		})
		return nil, reject("publisher_mismatch", http.StatusForbidden)
	}
	if !e.reg.CampaignOwnsCreative(p.CampaignID, p.CreativeID) {
		e.logReject("intent", "creative_mismatch", map[string]any{
			"campaign_id": p.CampaignID,
			"creative_id": p.CreativeID,
		})
		return nil, badRequest("creative_mismatch")
	}
	if _, ok := e.reg.Advertisers[cmp.AdvertiserID]; !ok {
		e.logReject("intent", "advertiser_unknown", map[string]any{"campaign_id": p.CampaignID})
		return nil, badRequest("advertiser_unknown")
	}

	if err := e.ensureWindowFresh(); err != nil {
		return nil, err
	}

	now := e.now()
	tokenID := uuid.NewString()
	payload := map[string]any{
		"token_id":    tokenID,
		"scope":       scopePayload(types.Scope{CampaignID: p.CampaignID, PublisherID: p.PublisherID, CreativeID: p.CreativeID}),
		"intent_type": p.IntentType,
		"expires_at":  now.Add(types.DefaultTokenTTL).UTC(),
	}
	if p.DwellSeconds > 0 {
		payload["dwell_seconds"] = p.DwellSeconds
	}
	if p.InteractionCount > 0 {
		payload["interaction_count"] = p.InteractionCount
	}
	if p.ParentIntentID != "" {
		payload["parent_intent_id"] = p.ParentIntentID
	}

	if _, err := e.appendAndApply([]eventlog.Entry{{
		Type:    types.EventIntentCreated,
		Payload: payload,
	}}, "intent"); err != nil {
		return nil, err
	}

	tok := e.proj.Token(tokenID)
	if tok == nil {
		return nil, reject("token_projection_missing", http.StatusInternalServerError)
	}
	return tok, nil
}

// PostbackResult is the response of the postback command.
type PostbackResult struct {
	Token  *types.Token `json:"token"`
	Status string       `json:"status"`
}

// Postback resolves a token at a stage. Final stages may emit a budget
// decrement and a ledger entry in the same atomic batch as the
// resolution event.
func (e *Engine) Postback(tokenID string, value float64, stage, outcomeType string) (*PostbackResult, error) {
	if err := e.rejectWrite(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if tokenID == "" {
		e.logReject("postback", "invalid_token", nil)
		return nil, badRequest("invalid_token")
	}
	if stage == "" {
		stage = "resolved"
	}
	if outcomeType == "" {
		outcomeType = stage
	}

	tok := e.proj.Token(tokenID)
	if tok == nil {
		e.logReject("postback", "token_unknown", map[string]any{"token_id": tokenID})
		return nil, reject("token_unknown", http.StatusNotFound)
	}
	scope := tok.Scope()
	if scope.Malformed() {
		e.logReject("postback", "invalid_scope", map[string]any{"token_id": tokenID})
		return nil, badRequest("invalid_scope")
	}

	now := e.now()
	_, isFinal := finalStages[stage]
	stageSeen := tok.HasStage(stage)

	// Expiry is computed on read; an expired, unresolved token accepts
	// no further resolutions.
	if tok.ExpiredAt(now) {
		code := "expired"
		if stageSeen {
			code = "already_expired"
		}
		// The 410 reply still carries the token; tok is a clone, the
		// stored status stays untouched.
		tok.Status = tok.EffectiveStatus(now)
		return &PostbackResult{Token: tok, Status: code}, reject(code, http.StatusGone)
	}

	if tok.Status == types.TokenResolved {
		if isFinal {
			// A further final never lands as an event; the first final
			// is write-once.
			if e.logger != nil {
				e.logger.Info("postback.out_of_order", map[string]any{
					"token_id": tokenID,
					"stage":    stage,
					"detail":   "final after final",
				})
			}
			return &PostbackResult{Token: tok, Status: "already_resolved"}, nil
		}
		// A partial after a final is still recorded in history; it
		// cannot change status or finality counts.
		if e.logger != nil {
			e.logger.Info("postback.out_of_order", map[string]any{
				"token_id": tokenID,
				"stage":    stage,
				"detail":   "partial after final",
			})
		}
		if err := e.appendPartial(tokenID, stage, scope, value); err != nil {
			return nil, err
		}
		return &PostbackResult{Token: e.proj.Token(tokenID), Status: "already_resolved"}, nil
	}

	// Idempotence per (token_id, stage): a repeat is a no-op reply.
	if stageSeen {
		return &PostbackResult{Token: tok, Status: "already_resolved"}, nil
	}

	if isFinal {
		return e.postbackFinal(tok, value, stage, outcomeType, scope)
	}

	if err := e.appendPartial(tokenID, stage, scope, value); err != nil {
		return nil, err
	}
	return &PostbackResult{Token: e.proj.Token(tokenID), Status: "partial"}, nil
}

// appendPartial emits one resolution.partial through the normal path.
func (e *Engine) appendPartial(tokenID, stage string, scope types.Scope, value float64) error {
	if err := e.ensureWindowFresh(); err != nil {
		return err
	}
	_, err := e.appendAndApply([]eventlog.Entry{{
		Type: types.EventResolutionPartial,
		Payload: map[string]any{
			"token_id": tokenID,
			"stage":    stage,
			"scope":    scopePayload(scope),
			"value":    value,
		},
	}}, "postback")
	return err
}

// postbackFinal emits the final-resolution batch: the resolution event,
// plus budget decrement and ledger entry when billable.
func (e *Engine) postbackFinal(tok *types.Token, value float64, stage, outcomeType string, scope types.Scope) (*PostbackResult, error) {
	if err := e.ensureWindowFresh(); err != nil {
		return nil, err
	}

	now := e.now()
	weight := e.reg.OutcomeWeight(scope.CampaignID, outcomeType)
	weighted := value * weight

	view := e.proj.View()
	billable := e.finalBillable(view, scope.CampaignID, value, weighted)

	entries := []eventlog.Entry{{
		Type: types.EventResolutionFinal,
		Payload: map[string]any{
			"token_id":       tok.TokenID,
			"stage":          stage,
			"scope":          scopePayload(scope),
			"raw_value":      value,
			"weighted_value": weighted,
			"outcome_type":   outcomeType,
			"billable":       billable,
		},
	}}

	if billable {
		entries = append(entries, eventlog.Entry{
			Type: types.EventBudgetDecrement,
			Payload: map[string]any{
				"campaign_id": scope.CampaignID,
				"amount":      value,
				"token_id":    tok.TokenID,
			},
		})

		windowID := projection.WindowID(now)
		if view.Window != nil {
			windowID = view.Window.WindowID
		}
		bps := e.reg.RevShareBps(scope.CampaignID)
		advertiserID := ""
		if cmp := e.reg.Campaigns[scope.CampaignID]; cmp != nil {
			advertiserID = cmp.AdvertiserID
		}
		entries = append(entries, eventlog.Entry{
			Type: types.EventLedgerAppend,
			Payload: map[string]any{
				"entry_id":       uuid.NewString(),
				"created_at":     now.UTC(),
				"token_id":       tok.TokenID,
				"campaign_id":    scope.CampaignID,
				"advertiser_id":  advertiserID,
				"publisher_id":   scope.PublisherID,
				"creative_id":    scope.CreativeID,
				"window_id":      windowID,
				"outcome_type":   outcomeType,
				"raw_value":      value,
				"weighted_value": weighted,
				"billable":       true,
				"payout_cents":   types.PayoutCents(value, bps),
				"rev_share_bps":  bps,
				"final_stage":    stage,
			},
		})
	}

	if _, err := e.appendAndApply(entries, "postback"); err != nil {
		return nil, err
	}

	return &PostbackResult{Token: e.proj.Token(tok.TokenID), Status: "resolved"}, nil
}

// finalBillable applies cap and budget safety at finalization time:
// first writer wins on caps, and a decrement that would overdraw the
// campaign budget renders the final non-billable instead of violating
// the budget invariant.
func (e *Engine) finalBillable(view *projection.State, campaignID string, value, weighted float64) bool {
	cmp := e.reg.Campaigns[campaignID]
	if cmp == nil {
		return false
	}
	if !view.CapAllows(campaignID, cmp.Caps.MaxOutcomes, cmp.Caps.MaxWeightedValue, weighted) {
		return false
	}
	if b, ok := view.Budgets[campaignID]; ok && b.Remaining < value {
		return false
	}
	return true
}
