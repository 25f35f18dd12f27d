package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Override records an admin correction applied to a decision after the fact.
type Override struct {
	AdminID int64     `json:"admin_id"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

// Decision is the append-only audit record for one processed message.
// Signal categories are persisted as JSON blobs so the schema can evolve
// without migrating historical rows.
type Decision struct {
	ID        string `json:"id"`
	GroupID   int64  `json:"group_id"`
	UserID    int64  `json:"user_id"`
	MessageID int64  `json:"message_id,omitempty"`

	RiskScore  int        `json:"risk_score"`
	Verdict    Verdict    `json:"verdict"`
	ThreatType ThreatType `json:"threat_type,omitempty"`

	ProfileSignals  json.RawMessage `json:"profile_signals,omitempty"`
	ContentSignals  json.RawMessage `json:"content_signals,omitempty"`
	BehaviorSignals json.RawMessage `json:"behavior_signals,omitempty"`
	NetworkSignals  json.RawMessage `json:"network_signals,omitempty"`

	LLMUsed      bool   `json:"llm_used"`
	LLMResponse  string `json:"llm_response,omitempty"`
	LLMLatencyMS int64  `json:"llm_latency_ms,omitempty"`

	ActionTaken    string `json:"action_taken,omitempty"`
	MessageDeleted bool   `json:"message_deleted"`
	UserBanned     bool   `json:"user_banned"`
	UserRestricted bool   `json:"user_restricted"`

	// Degraded is set when any circuit breaker was open while the message
	// was processed; CancelledStage names the stage the pipeline was
	// cancelled in, if any.
	Degraded       bool   `json:"degraded,omitempty"`
	CancelledStage string `json:"cancelled_stage,omitempty"`

	Override *Override `json:"override,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
}

// NewDecision allocates a decision with a fresh correlation ID.
func NewDecision(ctx *MessageContext, now time.Time) *Decision {
	return &Decision{
		ID:        uuid.NewString(),
		GroupID:   ctx.ChatID,
		UserID:    ctx.UserID,
		MessageID: ctx.MessageID,
		CreatedAt: now,
	}
}

// AttachSignals serializes the signal categories onto the record.
func (d *Decision) AttachSignals(s SignalSet) {
	d.ProfileSignals, _ = json.Marshal(s.Profile)
	d.ContentSignals, _ = json.Marshal(s.Content)
	d.BehaviorSignals, _ = json.Marshal(s.Behavior)
	d.NetworkSignals, _ = json.Marshal(s.Network)
}
