package report

import "github.com/crystalford/flyback/schema"

// reportSchema gates outgoing report views. Violations are logged by
// the builder, never fatal.
var reportSchema = &schema.Schema{
	Type:     schema.TypeObject,
	Required: []string{"publisher_id", "generated_at", "policy", "ledger"},
	Properties: map[string]*schema.Schema{
		"publisher_id": {Type: schema.TypeString, MinLength: 1},
		"generated_at": {Type: schema.TypeTimestamp},
		"policy": {
			Type:     schema.TypeObject,
			Required: []string{"selection_mode", "floor_type", "rev_share_bps"},
			Properties: map[string]*schema.Schema{
				"selection_mode":       {Type: schema.TypeString, Enum: []string{"raw", "weighted"}},
				"floor_type":           {Type: schema.TypeString, Enum: []string{"raw", "weighted"}},
				"floor_value_per_1k":   {Type: schema.TypeNumber},
				"allowed_demand_types": {Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}},
				"demand_priority":      {Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}},
				"rev_share_bps":        {Type: schema.TypeInteger},
			},
		},
		"rows": {
			Type: schema.TypeArray,
			Items: &schema.Schema{
				Type:     schema.TypeObject,
				Required: []string{"campaign_id", "publisher_id", "creative_id", "impressions", "intents"},
				Properties: map[string]*schema.Schema{
					"campaign_id":          {Type: schema.TypeString, MinLength: 1},
					"publisher_id":         {Type: schema.TypeString, MinLength: 1},
					"creative_id":          {Type: schema.TypeString, MinLength: 1},
					"impressions":          {Type: schema.TypeInteger},
					"intents":              {Type: schema.TypeInteger},
					"resolved_intents":     {Type: schema.TypeInteger},
					"intent_rate":          {Type: schema.TypeNumber},
					"resolution_rate":      {Type: schema.TypeNumber},
					"derived_value_per_1k": {Type: schema.TypeNumber},
				},
			},
		},
		"last_window": {
			Type:                 schema.TypeObject,
			AdditionalProperties: true,
		},
		"caps": {
			Type: schema.TypeArray,
			Items: &schema.Schema{
				Type:     schema.TypeObject,
				Required: []string{"campaign_id"},
				Properties: map[string]*schema.Schema{
					"campaign_id":        {Type: schema.TypeString, MinLength: 1},
					"max_outcomes":       {Type: schema.TypeInteger},
					"max_weighted_value": {Type: schema.TypeNumber},
					"used_outcomes":      {Type: schema.TypeInteger},
					"used_weighted_value": {Type: schema.TypeNumber},
				},
			},
		},
		"ledger": {
			Type: schema.TypeObject,
			Properties: map[string]*schema.Schema{
				"window_entries":      {Type: schema.TypeInteger},
				"window_payout_cents": {Type: schema.TypeInteger},
				"total_entries":       {Type: schema.TypeInteger},
				"total_payout_cents":  {Type: schema.TypeInteger},
			},
		},
		"top_ledger_entries": {
			Type:  schema.TypeArray,
			Items: &schema.Schema{Type: schema.TypeObject, AdditionalProperties: true},
		},
		"selections": {
			Type:  schema.TypeArray,
			Items: &schema.Schema{Type: schema.TypeObject, AdditionalProperties: true},
		},
		"delivery": {
			Type:                 schema.TypeObject,
			AdditionalProperties: true,
		},
	},
}
