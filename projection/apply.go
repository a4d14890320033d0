package projection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/types"
)

// InvariantError reports a reducer failure that forced a rollback. The
// projection state is restored to its pre-batch snapshot; the process
// is expected to exit and recover from the log on restart.
type InvariantError struct {
	Seq     int64
	EventID string
	Reason  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation at seq %d (%s): %s", e.Seq, e.EventID, e.Reason)
}

// Engine owns the projection state. A single writer applies batches
// under the exclusive lock; read views clone under the shared lock.
type Engine struct {
	dir     string
	logger  *log.Logger
	metrics *metrics.Collector

	// FatalFn, when set, is invoked after a rollback. Production wires
	// it to process exit; tests leave it nil and assert on the error.
	FatalFn func(reason string)

	mu    sync.RWMutex
	state *State
}

// NewEngine creates an engine over the persisted projection in dir.
func NewEngine(dir string, logger *log.Logger, collector *metrics.Collector) (*Engine, error) {
	e := &Engine{
		dir:     dir,
		logger:  logger,
		metrics: collector,
		state:   NewState(),
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// AppliedSeq returns the projection cursor.
func (e *Engine) AppliedSeq() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.AppliedSeq
}

// View returns a deep clone of the current state for read-only
// consumers. Mutations to the clone never reach the projection.
func (e *Engine) View() *State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// Token returns a clone of the token, or nil when unknown.
func (e *Engine) Token(id string) *types.Token {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tok, ok := e.state.Tokens[id]; ok {
		return tok.Clone()
	}
	return nil
}

// SeedBudgets installs budget entries for campaigns that have none yet.
// Must run before replay so budget.decrement events land on seeded
// totals.
func (e *Engine) SeedBudgets(totals map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for campaignID, total := range totals {
		if _, ok := e.state.Budgets[campaignID]; !ok {
			e.state.Budgets[campaignID] = &Budget{Total: total, Remaining: total}
		}
	}
}

// ApplyBatch applies events beyond the cursor in seq order. Either the
// whole batch lands and is persisted, or the state is rolled back to
// the pre-batch snapshot and an InvariantError is returned (and FatalFn
// fired when set).
func (e *Engine) ApplyBatch(events []types.Event, reason string) error {
	if len(events) == 0 {
		return nil
	}

	batch := append([]types.Event(nil), events...)
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })

	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.state.Clone()
	applied := int64(0)

	for _, ev := range batch {
		if ev.Seq <= e.state.AppliedSeq {
			continue
		}
		if _, seen := e.state.AppliedEventIDs[ev.EventID]; seen {
			continue
		}

		if err := e.reduce(ev); err != nil {
			e.state = snapshot
			e.metrics.IncRollbacks()
			verr := &InvariantError{Seq: ev.Seq, EventID: ev.EventID, Reason: err.Error()}
			if e.logger != nil {
				e.logger.Error("projection rollback", map[string]any{
					"seq":      ev.Seq,
					"event_id": ev.EventID,
					"type":     string(ev.Type),
					"reason":   reason,
					"error":    err.Error(),
				})
			}
			if e.FatalFn != nil {
				e.FatalFn(verr.Error())
			}
			return verr
		}

		e.state.AppliedEventIDs[ev.EventID] = struct{}{}
		e.state.AppliedSeq = ev.Seq
		applied++
	}

	if applied == 0 {
		return nil
	}
	e.metrics.IncEventsApplied(applied)

	if err := e.persist(); err != nil {
		e.state = snapshot
		e.metrics.IncRollbacks()
		if e.logger != nil {
			e.logger.Error("projection persist failed", map[string]any{
				"reason": reason,
				"error":  err.Error(),
			})
		}
		if e.FatalFn != nil {
			e.FatalFn(err.Error())
		}
		return err
	}
	return nil
}

// reduce applies one event to the state. Errors roll back the batch.
func (e *Engine) reduce(ev types.Event) error {
	switch ev.Type {
	case types.EventImpressionRecorded:
		return e.reduceImpression(ev)
	case types.EventIntentCreated:
		return e.reduceIntentCreated(ev)
	case types.EventResolutionPartial:
		return e.reduceResolutionPartial(ev)
	case types.EventResolutionFinal:
		return e.reduceResolutionFinal(ev)
	case types.EventBudgetDecrement:
		return e.reduceBudgetDecrement(ev)
	case types.EventLedgerAppend:
		return e.reduceLedgerAppend(ev)
	case types.EventWindowReset:
		return e.reduceWindowReset(ev)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (e *Engine) reduceImpression(ev types.Event) error {
	scope, err := payloadScope(ev.Payload)
	if err != nil {
		return err
	}
	w := e.state.ensureWindow(ev.Ts)
	w.Impressions[scope.Key()]++
	return nil
}

func (e *Engine) reduceIntentCreated(ev types.Event) error {
	scope, err := payloadScope(ev.Payload)
	if err != nil {
		return err
	}
	tokenID, err := payloadString(ev.Payload, "token_id")
	if err != nil {
		return err
	}
	intentType, err := payloadString(ev.Payload, "intent_type")
	if err != nil {
		return err
	}

	if _, exists := e.state.Tokens[tokenID]; !exists {
		tok := &types.Token{
			TokenID:     tokenID,
			CampaignID:  scope.CampaignID,
			PublisherID: scope.PublisherID,
			CreativeID:  scope.CreativeID,
			IntentType:  intentType,
			Status:      types.TokenPending,
			CreatedAt:   ev.Ts,
			PendingAt:   ev.Ts,
		}
		if expires, err := payloadTime(ev.Payload, "expires_at"); err == nil {
			tok.ExpiresAt = expires
		} else {
			tok.ExpiresAt = ev.Ts.Add(types.DefaultTokenTTL)
		}
		if dwell, err := payloadFloat(ev.Payload, "dwell_seconds"); err == nil {
			tok.DwellSeconds = dwell
		}
		if n, err := payloadFloat(ev.Payload, "interaction_count"); err == nil {
			tok.InteractionCount = int64(n)
		}
		if parent, err := payloadString(ev.Payload, "parent_intent_id"); err == nil {
			tok.ParentIntentID = parent
		}
		e.state.Tokens[tokenID] = tok
	}

	w := e.state.ensureWindow(ev.Ts)
	w.Intents[scope.Key()]++
	return nil
}

func (e *Engine) reduceResolutionPartial(ev types.Event) error {
	tokenID, err := payloadString(ev.Payload, "token_id")
	if err != nil {
		return err
	}
	stage, err := payloadString(ev.Payload, "stage")
	if err != nil {
		return err
	}
	tok, ok := e.state.Tokens[tokenID]
	if !ok {
		return fmt.Errorf("resolution.partial for unknown token %s", tokenID)
	}

	value, _ := payloadFloat(ev.Payload, "value")
	tok.Resolutions = append(tok.Resolutions, types.Resolution{
		Stage:         stage,
		ResolvedAt:    ev.Ts,
		ResolvedValue: value,
	})

	w := e.state.ensureWindow(ev.Ts)
	w.PartialResolutions[tok.Scope().Key()]++
	return nil
}

func (e *Engine) reduceResolutionFinal(ev types.Event) error {
	tokenID, err := payloadString(ev.Payload, "token_id")
	if err != nil {
		return err
	}
	stage, err := payloadString(ev.Payload, "stage")
	if err != nil {
		return err
	}
	rawValue, err := payloadFloat(ev.Payload, "raw_value")
	if err != nil {
		return err
	}
	weightedValue, err := payloadFloat(ev.Payload, "weighted_value")
	if err != nil {
		return err
	}
	outcomeType, err := payloadString(ev.Payload, "outcome_type")
	if err != nil {
		return err
	}
	billable, err := payloadBool(ev.Payload, "billable")
	if err != nil {
		return err
	}

	tok, ok := e.state.Tokens[tokenID]
	if !ok {
		return fmt.Errorf("resolution.final for unknown token %s", tokenID)
	}

	tok.Resolutions = append(tok.Resolutions, types.Resolution{
		Stage:         stage,
		ResolvedAt:    ev.Ts,
		ResolvedValue: rawValue,
		OutcomeType:   outcomeType,
		Final:         true,
	})

	// Final status is write-once. A second final only lands in history.
	if tok.Status == types.TokenResolved {
		return nil
	}

	at := ev.Ts
	tok.Status = types.TokenResolved
	tok.ResolvedAt = &at
	tok.ResolvedValue = rawValue
	tok.WeightedValue = weightedValue
	tok.OutcomeType = outcomeType
	tok.Billable = billable

	key := tok.Scope().Key()
	w := e.state.ensureWindow(ev.Ts)
	w.ResolvedIntents[key]++
	w.ResolvedValueSum[key] += rawValue
	w.WeightedResolvedValueSum[key] += weightedValue
	if billable {
		w.BillableResolutions[key]++
		u := e.state.Caps[tok.CampaignID]
		if u == nil {
			u = &CapUsage{}
			e.state.Caps[tok.CampaignID] = u
		}
		u.Outcomes++
		u.WeightedValue += weightedValue
	} else {
		w.NonBillableResolutions[key]++
	}
	return nil
}

func (e *Engine) reduceBudgetDecrement(ev types.Event) error {
	campaignID, err := payloadString(ev.Payload, "campaign_id")
	if err != nil {
		return err
	}
	amount, err := payloadFloat(ev.Payload, "amount")
	if err != nil {
		return err
	}

	b, ok := e.state.Budgets[campaignID]
	if !ok {
		return fmt.Errorf("budget.decrement for unknown campaign %s", campaignID)
	}
	b.Remaining -= amount
	if b.Remaining < 0 {
		return fmt.Errorf("budget for campaign %s went negative (%.4f)", campaignID, b.Remaining)
	}
	return nil
}

func (e *Engine) reduceLedgerAppend(ev types.Event) error {
	entry, err := decodeLedgerEntry(ev.Payload)
	if err != nil {
		return err
	}
	// A duplicate (token, stage) entry means a producer replayed or
	// double-emitted; it is dropped, but never silently.
	if !e.state.addLedgerEntry(entry) && e.logger != nil {
		e.logger.Warn("ledger.duplicate", map[string]any{
			"entry_id":    entry.EntryID,
			"token_id":    entry.TokenID,
			"final_stage": entry.FinalStage,
		})
	}
	return nil
}

func (e *Engine) reduceWindowReset(ev types.Event) error {
	windowID, err := payloadString(ev.Payload, "window_id")
	if err != nil {
		return err
	}
	startedAt, err := payloadTime(ev.Payload, "started_at")
	if err != nil {
		return err
	}

	e.state.LastWindow = e.state.Window
	e.state.Window = NewWindow(windowID, startedAt)
	e.metrics.IncWindowResets()
	return nil
}
