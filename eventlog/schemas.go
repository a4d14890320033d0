package eventlog

import (
	"fmt"

	"github.com/crystalford/flyback/schema"
	"github.com/crystalford/flyback/types"
)

// scopeSchema is the shared (campaign, publisher, creative) shape
// embedded in most payloads.
var scopeSchema = &schema.Schema{
	Type:     schema.TypeObject,
	Required: []string{"campaign_id", "publisher_id", "creative_id"},
	Properties: map[string]*schema.Schema{
		"campaign_id":  {Type: schema.TypeString, MinLength: 1},
		"publisher_id": {Type: schema.TypeString, MinLength: 1},
		"creative_id":  {Type: schema.TypeString, MinLength: 1},
	},
}

// payloadSchemas gates the payload of every event on append and on
// load. Required fields are the ones the reducer depends on; producers
// may carry extras.
var payloadSchemas = map[types.EventType]*schema.Schema{
	types.EventImpressionRecorded: {
		Type:     schema.TypeObject,
		Required: []string{"scope"},
		Properties: map[string]*schema.Schema{
			"scope":      scopeSchema,
			"size":       {Type: schema.TypeString},
			"request_id": {Type: schema.TypeString},
		},
		AdditionalProperties: true,
	},
	types.EventIntentCreated: {
		Type:     schema.TypeObject,
		Required: []string{"token_id", "scope", "intent_type"},
		Properties: map[string]*schema.Schema{
			"token_id":          {Type: schema.TypeString, MinLength: 1},
			"scope":             scopeSchema,
			"intent_type":       {Type: schema.TypeString, MinLength: 1},
			"expires_at":        {Type: schema.TypeTimestamp},
			"dwell_seconds":     {Type: schema.TypeNumber},
			"interaction_count": {Type: schema.TypeInteger},
			"parent_intent_id":  {Type: schema.TypeString},
		},
		AdditionalProperties: true,
	},
	types.EventResolutionPartial: {
		Type:     schema.TypeObject,
		Required: []string{"token_id", "stage"},
		Properties: map[string]*schema.Schema{
			"token_id": {Type: schema.TypeString, MinLength: 1},
			"stage":    {Type: schema.TypeString, MinLength: 1},
			"scope":    scopeSchema,
			"value":    {Type: schema.TypeNumber},
		},
		AdditionalProperties: true,
	},
	types.EventResolutionFinal: {
		Type:     schema.TypeObject,
		Required: []string{"token_id", "stage", "scope", "raw_value", "outcome_type", "billable", "weighted_value"},
		Properties: map[string]*schema.Schema{
			"token_id":       {Type: schema.TypeString, MinLength: 1},
			"stage":          {Type: schema.TypeString, MinLength: 1},
			"scope":          scopeSchema,
			"raw_value":      {Type: schema.TypeNumber},
			"outcome_type":   {Type: schema.TypeString, MinLength: 1},
			"billable":       {Type: schema.TypeBoolean},
			"weighted_value": {Type: schema.TypeNumber},
		},
		AdditionalProperties: true,
	},
	types.EventBudgetDecrement: {
		Type:     schema.TypeObject,
		Required: []string{"campaign_id", "amount"},
		Properties: map[string]*schema.Schema{
			"campaign_id": {Type: schema.TypeString, MinLength: 1},
			"amount":      {Type: schema.TypeNumber},
			"token_id":    {Type: schema.TypeString},
		},
		AdditionalProperties: true,
	},
	types.EventLedgerAppend: {
		Type:     schema.TypeObject,
		Required: []string{"entry_id", "created_at", "token_id", "campaign_id", "publisher_id", "raw_value", "payout_cents", "rev_share_bps", "final_stage"},
		Properties: map[string]*schema.Schema{
			"entry_id":       {Type: schema.TypeString, MinLength: 1},
			"created_at":     {Type: schema.TypeTimestamp},
			"token_id":       {Type: schema.TypeString, MinLength: 1},
			"campaign_id":    {Type: schema.TypeString, MinLength: 1},
			"advertiser_id":  {Type: schema.TypeString},
			"publisher_id":   {Type: schema.TypeString, MinLength: 1},
			"creative_id":    {Type: schema.TypeString},
			"window_id":      {Type: schema.TypeString},
			"outcome_type":   {Type: schema.TypeString},
			"raw_value":      {Type: schema.TypeNumber},
			"weighted_value": {Type: schema.TypeNumber},
			"billable":       {Type: schema.TypeBoolean},
			"payout_cents":   {Type: schema.TypeInteger},
			"rev_share_bps":  {Type: schema.TypeInteger},
			"final_stage":    {Type: schema.TypeString, MinLength: 1},
		},
		AdditionalProperties: true,
	},
	types.EventWindowReset: {
		Type:     schema.TypeObject,
		Required: []string{"window_id", "started_at"},
		Properties: map[string]*schema.Schema{
			"window_id":      {Type: schema.TypeString, MinLength: 1},
			"started_at":     {Type: schema.TypeTimestamp},
			"prev_window_id": {Type: schema.TypeString},
			"reason":         {Type: schema.TypeString},
		},
		AdditionalProperties: true,
	},
}

// validateEvent checks the envelope and the type-specific payload shape.
func validateEvent(ev types.Event) error {
	if ev.Seq <= 0 {
		return fmt.Errorf("seq %d not positive", ev.Seq)
	}
	if ev.EventID == "" {
		return fmt.Errorf("empty event_id")
	}
	if ev.Ts.IsZero() {
		return fmt.Errorf("zero ts")
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.Payload == nil {
		return fmt.Errorf("nil payload")
	}

	ps, ok := payloadSchemas[ev.Type]
	if !ok {
		return fmt.Errorf("no payload schema for type %q", ev.Type)
	}
	if err := ps.Validate(ev.Payload); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}
