// Package delivery pushes resolution.final events to the configured
// webhook, at least once and in strict seq order, with capped
// exponential backoff and a dead-letter journal for events that exhaust
// their retries.
package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crystalford/flyback/adapter"
	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/fsx"
	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/types"
)

// StateFile persists the delivery cursor.
const StateFile = "delivery_state.json"

// Defaults for the retry policy and tick cadence.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = time.Minute
	DefaultMaxRetries  = 5
	DefaultInterval    = time.Second
)

// Cursor is the persisted delivery position. LastDeliveredSeq never
// decreases.
type Cursor struct {
	LastDeliveredSeq int64      `json:"last_delivered_seq"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	RetryCount       int        `json:"retry_count"`
}

// Options configures the pump.
type Options struct {
	// BackoffBase and BackoffMax bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxRetries is the attempt count after which an event is
	// dead-lettered and skipped.
	MaxRetries int
	// Interval is the tick cadence for Run.
	Interval time.Duration
	// Disabled turns every tick into a no-op (replica role, or no
	// webhook configured).
	Disabled bool
	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) fill() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Health is the surface of GET /v1/delivery.
type Health struct {
	LastDeliveredSeq int64      `json:"last_delivered_seq"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	LastEventSeq     int64      `json:"last_event_seq"`
	DeliveryLag      int64      `json:"delivery_lag"`
	RetryCount       int        `json:"retry_count"`
	DLQ              DLQHealth  `json:"dlq"`
}

// DLQHealth summarizes the dead-letter journal.
type DLQHealth struct {
	Count     int       `json:"count"`
	LastEntry *DLQEntry `json:"last_entry,omitempty"`
}

// Pump owns the delivery cursor. One Pump per process; Tick is
// serialized internally.
type Pump struct {
	dir      string
	eventLog *eventlog.Log
	out      adapter.Adapter
	announce adapter.Adapter
	dlq      *DLQ
	logger   *log.Logger
	metrics  *metrics.Collector
	opts     Options

	mu            sync.Mutex
	cursor        Cursor
	nextAttemptAt time.Time
}

// NewPump restores the cursor and DLQ from dir. out may be nil when no
// webhook is configured; announce is an optional secondary adapter
// whose failures are logged, never retried by the pump.
func NewPump(dir string, eventLog *eventlog.Log, out, announce adapter.Adapter, opts Options, logger *log.Logger, collector *metrics.Collector) (*Pump, error) {
	opts.fill()
	if out == nil {
		opts.Disabled = true
	}

	p := &Pump{
		dir:      dir,
		eventLog: eventLog,
		out:      out,
		announce: announce,
		logger:   logger,
		metrics:  collector,
		opts:     opts,
	}

	if err := fsx.ReadJSONFile(p.statePath(), &p.cursor); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	dlq, err := OpenDLQ(dir)
	if err != nil {
		return nil, err
	}
	p.dlq = dlq
	return p, nil
}

func (p *Pump) statePath() string { return filepath.Join(p.dir, StateFile) }

// CursorSeq reads the persisted delivery cursor in dir without
// constructing a pump. Compaction consults it so an undelivered final
// is never trimmed out of the log. A missing state file reads as zero.
func CursorSeq(dir string) (int64, error) {
	var c Cursor
	if err := fsx.ReadJSONFile(filepath.Join(dir, StateFile), &c); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return c.LastDeliveredSeq, nil
}

// Run ticks until the context is canceled.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil && p.logger != nil {
				p.logger.Error("delivery tick failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Tick performs at most one delivery attempt.
func (p *Pump) Tick(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.Disabled {
		return nil
	}

	now := p.opts.Now()
	if now.Before(p.nextAttemptAt) {
		return nil
	}

	ev, ok := p.eventLog.NextOfTypeAfter(p.cursor.LastDeliveredSeq, types.EventResolutionFinal)
	if !ok {
		return nil
	}

	attemptAt := now.UTC()
	p.cursor.LastAttemptAt = &attemptAt

	err := p.out.Deliver(ctx, adapter.NoticeFor(ev, now))
	if err == nil {
		p.cursor.LastDeliveredSeq = ev.Seq
		p.cursor.RetryCount = 0
		p.nextAttemptAt = time.Time{}
		p.metrics.IncDeliveries()
		if p.logger != nil {
			p.logger.Debug("delivered", map[string]any{"seq": ev.Seq, "event_id": ev.EventID})
		}
		p.announceAsync(ev, now)
		return p.persist()
	}

	p.cursor.RetryCount++
	p.metrics.IncDeliveryRetries()

	status := 0
	var statusErr *adapter.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.Code
	}

	if p.cursor.RetryCount >= p.opts.MaxRetries {
		entry := DLQEntry{
			FailedAt: now.UTC(),
			Seq:      ev.Seq,
			EventID:  ev.EventID,
			Status:   status,
			Error:    err.Error(),
			Payload:  ev.Payload,
		}
		if dlqErr := p.dlq.Append(entry); dlqErr != nil {
			// Keep retrying the event rather than lose it.
			p.cursor.RetryCount--
			return dlqErr
		}
		p.metrics.IncDLQEntries()
		if p.logger != nil {
			p.logger.Warn("delivery dead-lettered", map[string]any{
				"seq":      ev.Seq,
				"event_id": ev.EventID,
				"status":   status,
				"error":    err.Error(),
			})
		}
		p.cursor.LastDeliveredSeq = ev.Seq
		p.cursor.RetryCount = 0
		p.nextAttemptAt = time.Time{}
		return p.persist()
	}

	p.nextAttemptAt = now.Add(backoff(p.opts.BackoffBase, p.opts.BackoffMax, p.cursor.RetryCount))
	if p.logger != nil {
		p.logger.Warn("delivery attempt failed", map[string]any{
			"seq":         ev.Seq,
			"retry_count": p.cursor.RetryCount,
			"status":      status,
			"error":       err.Error(),
		})
	}
	return p.persist()
}

// announceAsync fans out to the secondary adapter without blocking the
// pump. The announce channel is best effort.
func (p *Pump) announceAsync(ev types.Event, now time.Time) {
	if p.announce == nil {
		return
	}
	notice := adapter.NoticeFor(ev, now)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.announce.Deliver(ctx, notice); err != nil && p.logger != nil {
			p.logger.Warn("announce failed", map[string]any{
				"seq":   ev.Seq,
				"error": err.Error(),
			})
		}
	}()
}

func (p *Pump) persist() error {
	return fsx.WriteJSONFile(p.statePath(), p.cursor)
}

// backoff is min(base * 2^(retryCount-1), max).
func backoff(base, max time.Duration, retryCount int) time.Duration {
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Health reports the pump's position relative to the log.
func (p *Pump) Health() Health {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	lastEventSeq := p.eventLog.LastSeq()
	lag := lastEventSeq - cursor.LastDeliveredSeq
	if lag < 0 {
		lag = 0
	}
	return Health{
		LastDeliveredSeq: cursor.LastDeliveredSeq,
		LastAttemptAt:    cursor.LastAttemptAt,
		LastEventSeq:     lastEventSeq,
		DeliveryLag:      lag,
		RetryCount:       cursor.RetryCount,
		DLQ: DLQHealth{
			Count:     p.dlq.Count(),
			LastEntry: p.dlq.Last(),
		},
	}
}

// Cursor returns a copy of the persisted cursor.
func (p *Pump) Cursor() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
