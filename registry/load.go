package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/crystalford/flyback/schema"
)

// loadCatalog reads a catalog file, validates each entry against the
// schema on the decoded JSON shape, and unmarshals into out.
func loadCatalog(path string, entrySchema *schema.Schema, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", path, err)
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, entry := range raw {
		if err := entrySchema.Validate(entry); err != nil {
			return fmt.Errorf("catalog %s entry %d: %w", path, i, err)
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return nil
}

var publisherSchema = &schema.Schema{
	Type:     schema.TypeObject,
	Required: []string{"publisher_id", "policy"},
	Properties: map[string]*schema.Schema{
		"publisher_id": {Type: schema.TypeString, MinLength: 1},
		"name":         {Type: schema.TypeString},
		"policy": {
			Type:     schema.TypeObject,
			Required: []string{"selection_mode", "floor_type", "rev_share_bps"},
			Properties: map[string]*schema.Schema{
				"selection_mode":       {Type: schema.TypeString, Enum: []string{ModeRaw, ModeWeighted}},
				"floor_type":           {Type: schema.TypeString, Enum: []string{ModeRaw, ModeWeighted}},
				"floor_value_per_1k":   {Type: schema.TypeNumber},
				"allowed_demand_types": {Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}},
				"demand_priority":      {Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}},
				"rev_share_bps":        {Type: schema.TypeInteger},
			},
		},
	},
}

var advertiserSchema = &schema.Schema{
	Type:     schema.TypeObject,
	Required: []string{"advertiser_id"},
	Properties: map[string]*schema.Schema{
		"advertiser_id": {Type: schema.TypeString, MinLength: 1},
		"name":          {Type: schema.TypeString},
	},
}

var campaignSchema = &schema.Schema{
	Type:     schema.TypeObject,
	Required: []string{"campaign_id", "publisher_id", "advertiser_id", "creative_ids", "budget_total"},
	Properties: map[string]*schema.Schema{
		"campaign_id":   {Type: schema.TypeString, MinLength: 1},
		"publisher_id":  {Type: schema.TypeString, MinLength: 1},
		"advertiser_id": {Type: schema.TypeString, MinLength: 1},
		"creative_ids":  {Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}},
		"outcome_weights": {
			Type:                 schema.TypeObject,
			AdditionalProperties: true,
		},
		"caps": {
			Type: schema.TypeObject,
			Properties: map[string]*schema.Schema{
				"max_outcomes":       {Type: schema.TypeInteger},
				"max_weighted_value": {Type: schema.TypeNumber},
			},
		},
		"budget_total":            {Type: schema.TypeNumber},
		"publisher_rev_share_bps": {Type: schema.TypeInteger},
	},
}

var creativeSchema = &schema.Schema{
	Type:     schema.TypeObject,
	Required: []string{"creative_id", "sizes", "demand_type", "creative_url"},
	Properties: map[string]*schema.Schema{
		"creative_id":  {Type: schema.TypeString, MinLength: 1},
		"sizes":        {Type: schema.TypeArray, Items: &schema.Schema{Type: schema.TypeString}},
		"demand_type":  {Type: schema.TypeString},
		"creative_url": {Type: schema.TypeString, MinLength: 1},
	},
}
