// Package engine implements the command surface: fill, intent, and
// postback. Each command validates, appends a batch to the event log,
// and applies it to the projection; the window-freshness check runs
// before every command so window.reset events flow through the normal
// append path.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/selection"
	"github.com/crystalford/flyback/types"
)

// Role constants for the process.
const (
	RoleWriter  = "writer"
	RoleReplica = "replica"
)

// DefaultSize is assumed when a fill request carries no size.
const DefaultSize = "300x250"

// Engine wires the registry, log, projection, and selection together
// behind the three ingestion commands.
type Engine struct {
	reg     *registry.Registry
	log     *eventlog.Log
	proj    *projection.Engine
	sel     *selection.Engine
	logger  *log.Logger
	metrics *metrics.Collector

	replica bool
	now     func() time.Time

	// mu serializes the mutating commands. A billable or cap decision is
	// taken against the projection view and must still hold when its
	// batch lands; without the lock, parallel finals all pass the same
	// pre-final view.
	mu sync.Mutex
}

// Options configures an Engine.
type Options struct {
	// Replica disables all mutating commands.
	Replica bool
	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time
}

// New creates the command engine.
func New(reg *registry.Registry, eventLog *eventlog.Log, proj *projection.Engine, sel *selection.Engine, opts Options, logger *log.Logger, collector *metrics.Collector) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		reg:     reg,
		log:     eventLog,
		proj:    proj,
		sel:     sel,
		logger:  logger,
		metrics: collector,
		replica: opts.Replica,
		now:     opts.Now,
	}
}

// Projection exposes the projection engine for read surfaces.
func (e *Engine) Projection() *projection.Engine { return e.proj }

// Selection exposes the selection engine for report views.
func (e *Engine) Selection() *selection.Engine { return e.sel }

// Registry exposes the loaded catalogs.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Log exposes the event log (delivery health needs its position).
func (e *Engine) Log() *eventlog.Log { return e.log }

// Replica reports whether writes are disabled.
func (e *Engine) Replica() bool { return e.replica }

// Replay applies the log tail beyond the projection cursor. Called once
// at startup after budgets are seeded.
func (e *Engine) Replay() error {
	tail := e.log.ScanFrom(e.proj.AppliedSeq())
	if len(tail) == 0 {
		return nil
	}
	if err := e.proj.ApplyBatch(tail, "replay"); err != nil {
		return err
	}
	if e.logger != nil {
		e.logger.Info("replayed log tail", map[string]any{
			"events":      len(tail),
			"applied_seq": e.proj.AppliedSeq(),
		})
	}
	return nil
}

// appendAndApply runs one command batch through the log and the
// projection. A whole-batch duplicate is a successful no-op.
func (e *Engine) appendAndApply(entries []eventlog.Entry, reason string) ([]types.Event, error) {
	events, err := e.log.AppendBatch(entries)
	if err != nil {
		if errors.Is(err, eventlog.ErrDuplicateEvent) {
			e.metrics.IncDedupeHits()
			if e.logger != nil {
				e.logger.Info("dedupe hit", map[string]any{"reason": reason})
			}
			return nil, nil
		}
		return nil, err
	}
	if err := e.proj.ApplyBatch(events, reason); err != nil {
		return nil, err
	}
	return events, nil
}

// ensureWindowFresh emits a window.reset through the normal append path
// when the live window's span has elapsed. The new identity is anchored
// to the current 10-minute boundary.
func (e *Engine) ensureWindowFresh() error {
	now := e.now()
	view := e.proj.View()
	w := view.Window
	if w == nil || !w.Expired(now) {
		return nil
	}

	payload := map[string]any{
		"window_id":      projection.WindowID(now),
		"started_at":     projection.WindowStart(now),
		"prev_window_id": w.WindowID,
		"reason":         "elapsed",
	}
	_, err := e.appendAndApply([]eventlog.Entry{{
		Type:    types.EventWindowReset,
		Payload: payload,
	}}, "window_freshness")
	return err
}

// FreshenWindow rotates the aggregation window when its span has
// elapsed. Read surfaces on the writer call this before building a
// view so a stale window is never presented as live. A replica cannot
// append and skips the check; its window rotates on replay.
func (e *Engine) FreshenWindow() error {
	if e.replica {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureWindowFresh()
}

// rejectWrite guards mutating commands on replicas.
func (e *Engine) rejectWrite() error {
	if e.replica {
		e.metrics.IncContractRejects()
		return ErrWriteDisabled
	}
	return nil
}

// logReject records a contract rejection for the command audit trail.
func (e *Engine) logReject(command, code string, fields map[string]any) {
	e.metrics.IncContractRejects()
	if e.logger == nil {
		return
	}
	f := map[string]any{"command": command, "code": code}
	for k, v := range fields {
		f[k] = v
	}
	e.logger.Warn("contract.reject", f)
}

func scopePayload(s types.Scope) map[string]any {
	return map[string]any{
		"campaign_id":  s.CampaignID,
		"publisher_id": s.PublisherID,
		"creative_id":  s.CreativeID,
	}
}
