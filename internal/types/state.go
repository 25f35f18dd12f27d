package types

import "time"

// SandboxStatus is the coarse lifecycle of a sandbox record.
type SandboxStatus string

const (
	SandboxActive   SandboxStatus = "active"
	SandboxReleased SandboxStatus = "released"
	SandboxExpired  SandboxStatus = "expired"
)

// SandboxState is the immutable per-user-per-group restriction record.
// All mutation goes through the With* transitions, which return a new
// instance and never touch the receiver. Version supports CAS writes.
type SandboxState struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`

	EnteredAt time.Time `json:"entered_at"`
	ExpiresAt time.Time `json:"expires_at"`

	MessagesSent     int `json:"messages_sent"`
	ApprovedMessages int `json:"approved_messages"`
	Violations       int `json:"violations"`

	IsReleased    bool          `json:"is_released"`
	ReleaseReason ReleaseReason `json:"release_reason,omitempty"`
	Status        SandboxStatus `json:"status"`

	Version int64 `json:"version"`
}

// NewSandboxState opens a sandbox for the given duration.
func NewSandboxState(chatID, userID int64, now time.Time, duration time.Duration) SandboxState {
	return SandboxState{
		UserID:    userID,
		ChatID:    chatID,
		EnteredAt: now,
		ExpiresAt: now.Add(duration),
		Status:    SandboxActive,
		Version:   1,
	}
}

// WithMessageRecorded returns a copy with one more observed message,
// counted as approved when approved is true.
func (s SandboxState) WithMessageRecorded(approved bool) SandboxState {
	next := s
	next.MessagesSent++
	if approved {
		next.ApprovedMessages++
	}
	next.Version++
	return next
}

// WithViolation returns a copy with one more violation.
func (s SandboxState) WithViolation() SandboxState {
	next := s
	next.Violations++
	next.Version++
	return next
}

// WithReleased returns a copy marked released for the given reason.
func (s SandboxState) WithReleased(reason ReleaseReason) SandboxState {
	next := s
	next.IsReleased = true
	next.ReleaseReason = reason
	if reason == ReleaseTimeExpired {
		next.Status = SandboxExpired
	} else {
		next.Status = SandboxReleased
	}
	next.Version++
	return next
}

// Expired reports whether the sandbox window has elapsed at now.
func (s SandboxState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SoftWatchState is the observation-only record used for deals groups:
// signals are logged but no restrictive action is taken.
type SoftWatchState struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`

	MessagesSent    int `json:"messages_sent"`
	MessagesFlagged int `json:"messages_flagged"`
	SpamDBMatches   int `json:"spam_db_matches"`

	IsCompleted bool `json:"is_completed"`

	Version int64 `json:"version"`
}

// NewSoftWatchState opens a soft-watch record.
func NewSoftWatchState(chatID, userID int64) SoftWatchState {
	return SoftWatchState{UserID: userID, ChatID: chatID, Version: 1}
}

// WithObserved returns a copy with one more observed message.
func (s SoftWatchState) WithObserved(flagged, spamDBMatch bool) SoftWatchState {
	next := s
	next.MessagesSent++
	if flagged {
		next.MessagesFlagged++
	}
	if spamDBMatch {
		next.SpamDBMatches++
	}
	next.Version++
	return next
}

// WithCompleted returns a copy marked completed.
func (s SoftWatchState) WithCompleted() SoftWatchState {
	next := s
	next.IsCompleted = true
	next.Version++
	return next
}
