// Package postgres implements the persistence boundaries against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/saqshy/saqshy/internal/audit"
	"github.com/saqshy/saqshy/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("postgres: not found")

// DecisionRepo implements audit.DecisionStore.
type DecisionRepo struct{ db *sql.DB }

// NewDecisionRepo creates a Postgres-backed decision store.
func NewDecisionRepo(db *sql.DB) *DecisionRepo { return &DecisionRepo{db: db} }

const decisionColumns = `
	id, group_id, user_id, message_id, risk_score, verdict, threat_type,
	profile_signals, content_signals, behavior_signals, network_signals,
	llm_used, COALESCE(llm_response,''), llm_latency_ms,
	COALESCE(action_taken,''), message_deleted, user_banned, user_restricted,
	degraded, COALESCE(cancelled_stage,''),
	override_admin_id, override_at, COALESCE(override_reason,''),
	created_at, processing_time_ms`

func (r *DecisionRepo) Insert(ctx context.Context, d *types.Decision) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO moderation_decisions
			(id, group_id, user_id, message_id, risk_score, verdict, threat_type,
			 profile_signals, content_signals, behavior_signals, network_signals,
			 llm_used, llm_response, llm_latency_ms,
			 action_taken, message_deleted, user_banned, user_restricted,
			 degraded, cancelled_stage, created_at, processing_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, d.ID, d.GroupID, d.UserID, d.MessageID, d.RiskScore, d.Verdict.String(), string(d.ThreatType),
		[]byte(d.ProfileSignals), []byte(d.ContentSignals), []byte(d.BehaviorSignals), []byte(d.NetworkSignals),
		d.LLMUsed, d.LLMResponse, d.LLMLatencyMS,
		d.ActionTaken, d.MessageDeleted, d.UserBanned, d.UserRestricted,
		d.Degraded, d.CancelledStage, d.CreatedAt, d.ProcessingTimeMS)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (r *DecisionRepo) GetByID(ctx context.Context, id string) (*types.Decision, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+`
		FROM moderation_decisions
		WHERE id = $1
	`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

func (r *DecisionRepo) ListByGroup(ctx context.Context, groupID int64, f audit.Filter) ([]types.Decision, int, error) {
	return r.list(ctx, "group_id = $1", []interface{}{groupID}, f)
}

func (r *DecisionRepo) ListByUser(ctx context.Context, groupID, userID int64, f audit.Filter) ([]types.Decision, int, error) {
	return r.list(ctx, "group_id = $1 AND user_id = $2", []interface{}{groupID, userID}, f)
}

func (r *DecisionRepo) list(ctx context.Context, where string, args []interface{}, f audit.Filter) ([]types.Decision, int, error) {
	idx := len(args) + 1
	if f.Verdict != nil {
		where += fmt.Sprintf(" AND verdict = $%d", idx)
		args = append(args, f.Verdict.String())
		idx++
	}
	if !f.Since.IsZero() {
		where += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, f.Since)
		idx++
	}
	if !f.Until.IsZero() {
		where += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, f.Until)
		idx++
	}

	var total int
	countQ := "SELECT COUNT(*) FROM moderation_decisions WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count decisions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`
		SELECT %s
		FROM moderation_decisions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, decisionColumns, where, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		d, serr := scanDecision(rows)
		if serr != nil {
			return nil, 0, fmt.Errorf("scan decision: %w", serr)
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

func (r *DecisionRepo) RecordOverride(ctx context.Context, decisionID string, o types.Override, newAction string) error {
	q := `
		UPDATE moderation_decisions
		SET override_admin_id = $1, override_at = $2, override_reason = $3`
	args := []interface{}{o.AdminID, o.At, o.Reason}
	if newAction != "" {
		q += ", action_taken = $4 WHERE id = $5"
		args = append(args, newAction, decisionID)
	} else {
		q += " WHERE id = $4"
		args = append(args, decisionID)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("record override: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DecisionRepo) Stats(ctx context.Context, groupID int64, since, until time.Time) (audit.Stats, error) {
	stats := audit.Stats{ByVerdict: make(map[string]int)}

	rows, err := r.db.QueryContext(ctx, `
		SELECT verdict, COUNT(*)
		FROM moderation_decisions
		WHERE group_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY verdict
	`, groupID, since, until)
	if err != nil {
		return stats, fmt.Errorf("verdict counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var verdict string
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return stats, fmt.Errorf("scan verdict count: %w", err)
		}
		stats.ByVerdict[verdict] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(processing_time_ms), 0),
		       COALESCE(AVG(CASE WHEN llm_used THEN 1.0 ELSE 0.0 END), 0)
		FROM moderation_decisions
		WHERE group_id = $1 AND created_at >= $2 AND created_at < $3
	`, groupID, since, until).Scan(&stats.AvgProcessingMS, &stats.LLMUsedFraction)
	if err != nil {
		return stats, fmt.Errorf("aggregate stats: %w", err)
	}
	return stats, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...interface{}) error }

func scanDecision(row scanner) (*types.Decision, error) {
	var (
		d               types.Decision
		verdict, threat string
		profile         []byte
		content         []byte
		behavior        []byte
		network         []byte
		overrideAdmin   sql.NullInt64
		overrideAt      sql.NullTime
		overrideReason  string
	)
	err := row.Scan(
		&d.ID, &d.GroupID, &d.UserID, &d.MessageID, &d.RiskScore, &verdict, &threat,
		&profile, &content, &behavior, &network,
		&d.LLMUsed, &d.LLMResponse, &d.LLMLatencyMS,
		&d.ActionTaken, &d.MessageDeleted, &d.UserBanned, &d.UserRestricted,
		&d.Degraded, &d.CancelledStage,
		&overrideAdmin, &overrideAt, &overrideReason,
		&d.CreatedAt, &d.ProcessingTimeMS,
	)
	if err != nil {
		return nil, err
	}

	v, err := types.ParseVerdict(verdict)
	if err != nil {
		return nil, fmt.Errorf("stored verdict %q: %w", verdict, err)
	}
	d.Verdict = v
	d.ThreatType = types.ThreatType(threat)
	d.ProfileSignals = profile
	d.ContentSignals = content
	d.BehaviorSignals = behavior
	d.NetworkSignals = network

	if overrideAdmin.Valid {
		d.Override = &types.Override{
			AdminID: overrideAdmin.Int64,
			At:      overrideAt.Time,
			Reason:  overrideReason,
		}
	}
	return &d, nil
}
