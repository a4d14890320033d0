// Package types defines the core data model: events, tokens, scopes,
// and ledger entries. It is a leaf package with no internal dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the wire schema version stamped on outgoing deliveries.
const SchemaVersion = "1.0.0"

// EventType discriminates log events.
type EventType string

// Event type constants. The log accepts no other types.
const (
	EventImpressionRecorded EventType = "impression.recorded"
	EventIntentCreated      EventType = "intent.created"
	EventResolutionPartial  EventType = "resolution.partial"
	EventResolutionFinal    EventType = "resolution.final"
	EventBudgetDecrement    EventType = "budget.decrement"
	EventLedgerAppend       EventType = "ledger.append"
	EventWindowReset        EventType = "window.reset"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventImpressionRecorded, EventIntentCreated, EventResolutionPartial,
		EventResolutionFinal, EventBudgetDecrement, EventLedgerAppend, EventWindowReset:
		return true
	}
	return false
}

// Deliverable reports whether events of this type are pushed to the
// external webhook by the delivery pump.
func (t EventType) Deliverable() bool {
	return t == EventResolutionFinal
}

// Event is a single immutable log entry.
// Seq is assigned by the event log and is strictly increasing and
// contiguous; EventID is unique across the entire log.
type Event struct {
	Seq     int64          `json:"seq"`
	EventID string         `json:"event_id"`
	Ts      time.Time      `json:"ts"`
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Payload = CloneMap(e.Payload)
	return out
}

// Scope identifies the (campaign, publisher, creative) triple that
// aggregate counters are keyed by.
type Scope struct {
	CampaignID  string `json:"campaign_id"`
	PublisherID string `json:"publisher_id"`
	CreativeID  string `json:"creative_id"`
}

// Key returns the flat map key for this scope.
func (s Scope) Key() string {
	return s.CampaignID + "|" + s.PublisherID + "|" + s.CreativeID
}

// Malformed reports whether any scope component is missing.
func (s Scope) Malformed() bool {
	return s.CampaignID == "" || s.PublisherID == "" || s.CreativeID == ""
}

// ParseScopeKey parses a key produced by Scope.Key.
func ParseScopeKey(key string) (Scope, error) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return Scope{}, fmt.Errorf("malformed scope key %q", key)
	}
	return Scope{CampaignID: parts[0], PublisherID: parts[1], CreativeID: parts[2]}, nil
}

// CloneMap deep-copies a JSON-shaped map (maps, slices, scalars).
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
