// Package metrics provides in-process counters for ingestion, the
// projection, selection, and delivery. The Collector is a leaf with no
// internal dependencies; surfaces read it via Snapshot.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Ingestion
	EventsAppended  int64
	BatchesAppended int64
	DedupeHits      int64
	ContractRejects int64

	// Projection
	EventsApplied int64
	Rollbacks     int64
	WindowResets  int64

	// Selection
	SelectionsServed   int64
	DivergenceWarnings int64

	// Delivery
	Deliveries      int64
	DeliveryRetries int64
	DLQEntries      int64

	// HTTP
	RateLimited int64

	// Dimensions (informational, set at construction)
	Role string
}

// Collector accumulates counters for the life of the process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	eventsAppended  int64
	batchesAppended int64
	dedupeHits      int64
	contractRejects int64

	eventsApplied int64
	rollbacks     int64
	windowResets  int64

	selectionsServed   int64
	divergenceWarnings int64

	deliveries      int64
	deliveryRetries int64
	dlqEntries      int64

	rateLimited int64

	role string
}

// NewCollector creates a Collector labeled with the process role.
func NewCollector(role string) *Collector {
	return &Collector{role: role}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// IncEventsAppended records n durably appended events.
func (c *Collector) IncEventsAppended(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsAppended += n
	c.batchesAppended++
	c.mu.Unlock()
}

// IncDedupeHits records a whole-batch dedupe no-op.
func (c *Collector) IncDedupeHits() {
	if c == nil {
		return
	}
	c.add(&c.dedupeHits, 1)
}

// IncContractRejects records a command rejected at validation.
func (c *Collector) IncContractRejects() {
	if c == nil {
		return
	}
	c.add(&c.contractRejects, 1)
}

// IncEventsApplied records n events applied by the projection.
func (c *Collector) IncEventsApplied(n int64) {
	if c == nil {
		return
	}
	c.add(&c.eventsApplied, n)
}

// IncRollbacks records a projection rollback.
func (c *Collector) IncRollbacks() {
	if c == nil {
		return
	}
	c.add(&c.rollbacks, 1)
}

// IncWindowResets records an aggregation window rollover.
func (c *Collector) IncWindowResets() {
	if c == nil {
		return
	}
	c.add(&c.windowResets, 1)
}

// IncSelectionsServed records a creative selection decision.
func (c *Collector) IncSelectionsServed() {
	if c == nil {
		return
	}
	c.add(&c.selectionsServed, 1)
}

// IncDivergenceWarnings records a raw/weighted divergence warning.
func (c *Collector) IncDivergenceWarnings() {
	if c == nil {
		return
	}
	c.add(&c.divergenceWarnings, 1)
}

// IncDeliveries records a successful webhook delivery.
func (c *Collector) IncDeliveries() {
	if c == nil {
		return
	}
	c.add(&c.deliveries, 1)
}

// IncDeliveryRetries records a failed delivery attempt that will retry.
func (c *Collector) IncDeliveryRetries() {
	if c == nil {
		return
	}
	c.add(&c.deliveryRetries, 1)
}

// IncDLQEntries records an event abandoned to the dead-letter journal.
func (c *Collector) IncDLQEntries() {
	if c == nil {
		return
	}
	c.add(&c.dlqEntries, 1)
}

// IncRateLimited records a request rejected by the rate limiter.
func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.add(&c.rateLimited, 1)
}

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		EventsAppended:     c.eventsAppended,
		BatchesAppended:    c.batchesAppended,
		DedupeHits:         c.dedupeHits,
		ContractRejects:    c.contractRejects,
		EventsApplied:      c.eventsApplied,
		Rollbacks:          c.rollbacks,
		WindowResets:       c.windowResets,
		SelectionsServed:   c.selectionsServed,
		DivergenceWarnings: c.divergenceWarnings,
		Deliveries:         c.deliveries,
		DeliveryRetries:    c.deliveryRetries,
		DLQEntries:         c.dlqEntries,
		RateLimited:        c.rateLimited,
		Role:               c.role,
	}
}
