// Package audit persists every decision as an append-only record and serves
// the read side for the admin UI. Records are never deleted; admin overrides
// update the stored row in place.
package audit

import (
	"context"
	"time"

	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/metrics"
	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/types"
)

// Filter narrows decision listings.
type Filter struct {
	Verdict *types.Verdict
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// Stats aggregates a group's decisions over a window.
type Stats struct {
	Total           int
	ByVerdict       map[string]int
	AvgProcessingMS float64
	LLMUsedFraction float64
}

// DecisionStore is the persistence boundary for decisions.
type DecisionStore interface {
	Insert(ctx context.Context, d *types.Decision) error
	GetByID(ctx context.Context, id string) (*types.Decision, error)
	ListByGroup(ctx context.Context, groupID int64, f Filter) ([]types.Decision, int, error)
	ListByUser(ctx context.Context, groupID, userID int64, f Filter) ([]types.Decision, int, error)
	RecordOverride(ctx context.Context, decisionID string, o types.Override, newAction string) error
	Stats(ctx context.Context, groupID int64, since, until time.Time) (Stats, error)
}

// Trail is the write-and-read front over the decision store. It stamps the
// degraded flag from the breaker registry and emits metrics on every record.
type Trail struct {
	store    DecisionStore
	breakers *breaker.Registry
	sink     metrics.Sink
}

// NewTrail creates the audit trail. breakers may be nil; sink may be nil
// (defaults to the no-op sink).
func NewTrail(store DecisionStore, breakers *breaker.Registry, sink metrics.Sink) *Trail {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Trail{store: store, breakers: breakers, sink: sink}
}

// Record persists one finalized decision. The insert is attempted even when
// upstream stages failed; a persistence error is logged and returned but
// must not abort the caller's message handling.
func (t *Trail) Record(ctx context.Context, groupType types.GroupType, d *types.Decision) error {
	if t.breakers != nil {
		if open := t.breakers.OpenBreakers(); len(open) > 0 {
			d.Degraded = true
			for _, name := range open {
				t.sink.Degraded(name)
			}
		}
	}

	t.sink.DecisionRecorded(string(groupType), d.Verdict.String(), string(d.ThreatType))
	t.sink.ProcessingTime("total", time.Duration(d.ProcessingTimeMS)*time.Millisecond)

	if err := t.store.Insert(ctx, d); err != nil {
		logger.Error("audit: decision insert failed",
			"decision_id", d.ID, "group_id", d.GroupID, "error", err)
		return err
	}
	logger.Debug("audit: decision recorded",
		"decision_id", d.ID, "group_id", d.GroupID, "verdict", d.Verdict.String(), "score", d.RiskScore)
	return nil
}

// Decision returns one record by correlation ID.
func (t *Trail) Decision(ctx context.Context, id string) (*types.Decision, error) {
	return t.store.GetByID(ctx, id)
}

// ByGroup lists a group's decisions, newest first.
func (t *Trail) ByGroup(ctx context.Context, groupID int64, f Filter) ([]types.Decision, int, error) {
	return t.store.ListByGroup(ctx, groupID, f)
}

// ByUser lists one user's decisions in a group, newest first.
func (t *Trail) ByUser(ctx context.Context, groupID, userID int64, f Filter) ([]types.Decision, int, error) {
	return t.store.ListByUser(ctx, groupID, userID, f)
}

// RecordOverride applies an admin correction to a stored decision. Last
// write wins; records are never deleted.
func (t *Trail) RecordOverride(ctx context.Context, decisionID string, adminID int64, reason, newAction string) error {
	o := types.Override{AdminID: adminID, At: time.Now().UTC(), Reason: reason}
	if err := t.store.RecordOverride(ctx, decisionID, o, newAction); err != nil {
		logger.Error("audit: override failed", "decision_id", decisionID, "admin_id", adminID, "error", err)
		return err
	}
	t.sink.ActionExecuted("admin_override", "ok")
	logger.Info("audit: admin override recorded",
		"decision_id", decisionID, "admin_id", adminID, "new_action", newAction)
	return nil
}

// GroupStats aggregates verdict counts, average latency, and LLM usage for
// a group over a window.
func (t *Trail) GroupStats(ctx context.Context, groupID int64, since, until time.Time) (Stats, error) {
	return t.store.Stats(ctx, groupID, since, until)
}
