// Package adapter defines the outbound notification contract and the
// error classification used by the delivery pump's retry policy.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/crystalford/flyback/types"
)

// ResolutionNotice is the wire payload for one delivered event.
type ResolutionNotice struct {
	SchemaVersion string          `json:"schema_version"`
	DeliveryTs    time.Time       `json:"delivery_ts"`
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	Type          types.EventType `json:"type"`
	Ts            time.Time       `json:"ts"`
	Payload       map[string]any  `json:"payload"`
}

// NoticeFor builds the delivery payload for an event.
func NoticeFor(ev types.Event, now time.Time) ResolutionNotice {
	return ResolutionNotice{
		SchemaVersion: types.SchemaVersion,
		DeliveryTs:    now.UTC(),
		Seq:           ev.Seq,
		EventID:       ev.EventID,
		Type:          ev.Type,
		Ts:            ev.Ts,
		Payload:       ev.Payload,
	}
}

// Adapter pushes one notice to an external receiver. Implementations
// make a single attempt; retry, backoff, and dead-lettering belong to
// the delivery pump.
type Adapter interface {
	Deliver(ctx context.Context, notice ResolutionNotice) error
}

// StatusError carries the receiver's HTTP status for an attempt that
// reached the receiver but was refused.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("receiver returned status %d", e.Code)
}
