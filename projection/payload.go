package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/crystalford/flyback/types"
)

// Payload accessors. Payloads come from two producers with different
// value types: in-process command handlers (Go scalars, time.Time) and
// JSON-decoded log lines (float64, RFC3339 strings). Accessors
// normalize both.

func payloadString(p map[string]any, key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("payload missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("payload %q: expected string, got %T", key, v)
	}
	return s, nil
}

func payloadFloat(p map[string]any, key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("payload missing %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("payload %q: expected number, got %T", key, v)
}

func payloadBool(p map[string]any, key string) (bool, error) {
	v, ok := p[key]
	if !ok {
		return false, fmt.Errorf("payload missing %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("payload %q: expected boolean, got %T", key, v)
	}
	return b, nil
}

func payloadTime(p map[string]any, key string) (time.Time, error) {
	v, ok := p[key]
	if !ok {
		return time.Time{}, fmt.Errorf("payload missing %q", key)
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("payload %q: %w", key, err)
		}
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("payload %q: expected timestamp, got %T", key, v)
}

func payloadScope(p map[string]any) (types.Scope, error) {
	v, ok := p["scope"]
	if !ok {
		return types.Scope{}, fmt.Errorf("payload missing scope")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return types.Scope{}, fmt.Errorf("payload scope: expected object, got %T", v)
	}
	campaign, err := payloadString(obj, "campaign_id")
	if err != nil {
		return types.Scope{}, err
	}
	publisher, err := payloadString(obj, "publisher_id")
	if err != nil {
		return types.Scope{}, err
	}
	creative, err := payloadString(obj, "creative_id")
	if err != nil {
		return types.Scope{}, err
	}
	scope := types.Scope{CampaignID: campaign, PublisherID: publisher, CreativeID: creative}
	if scope.Malformed() {
		return types.Scope{}, fmt.Errorf("payload scope malformed: %q", scope.Key())
	}
	return scope, nil
}

// decodeLedgerEntry round-trips the payload through JSON so that both
// producer shapes decode into the typed entry.
func decodeLedgerEntry(p map[string]any) (types.LedgerEntry, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("encode ledger payload: %w", err)
	}
	var entry types.LedgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("decode ledger payload: %w", err)
	}
	if entry.EntryID == "" || entry.TokenID == "" || entry.FinalStage == "" {
		return types.LedgerEntry{}, fmt.Errorf("ledger payload incomplete")
	}
	return entry, nil
}
