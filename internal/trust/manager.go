// Package trust runs the per-user-per-group state machine: new users enter a
// sandbox (or soft watch in deals groups), graduate to limited and then
// trusted as approvals accumulate, and regress back to the sandbox on
// violations. State lives in the KV; every write is a compare-and-set on the
// record version with one reload-retry.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/saqshy/saqshy/internal/analyzer"
	"github.com/saqshy/saqshy/internal/cache"
	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/types"
)

// Store is the slice of the KV façade the manager needs.
type Store interface {
	SandboxKey(chatID, userID int64) string
	SoftWatchKey(chatID, userID int64) string
	LoadState(ctx context.Context, key string) (data []byte, version int64, ok bool, err error)
	StoreState(ctx context.Context, key string, data []byte, expectedVersion, newVersion int64, ttl time.Duration) error
	DeleteState(ctx context.Context, key string) error
	Stats(ctx context.Context, chatID, userID int64) (analyzer.UserStats, error)
	IncrementStat(ctx context.Context, chatID, userID int64, stat string) error
	SetLastViolation(ctx context.Context, chatID, userID int64, ts time.Time) error
	LastViolation(ctx context.Context, chatID, userID int64) (time.Time, bool, error)
}

// Config tunes the state machine. Zero values take the defaults below.
type Config struct {
	SandboxDuration   time.Duration
	SoftWatchDuration time.Duration

	// Early sandbox release requires both conditions.
	ApprovedToRelease int
	MinSandboxTime    time.Duration

	// limited → trusted promotion.
	ApprovedToTrusted int

	// Regression trips on this many limit verdicts in the stats window.
	RegressionLimits int

	// Soft watch completes after this many observed messages.
	SoftWatchMessages int

	// trusted users with no violation for this long count as established.
	EstablishedCleanTime time.Duration

	// Channel subscribers skip the sandbox only with an account at least
	// this old.
	SubscriberMinAccountAgeDays int
}

func (c Config) withDefaults() Config {
	if c.SandboxDuration <= 0 {
		c.SandboxDuration = 24 * time.Hour
	}
	if c.SoftWatchDuration <= 0 {
		c.SoftWatchDuration = 24 * time.Hour
	}
	if c.ApprovedToRelease <= 0 {
		c.ApprovedToRelease = 5
	}
	if c.MinSandboxTime <= 0 {
		c.MinSandboxTime = 2 * time.Hour
	}
	if c.ApprovedToTrusted <= 0 {
		c.ApprovedToTrusted = 30
	}
	if c.RegressionLimits <= 0 {
		c.RegressionLimits = 3
	}
	if c.SoftWatchMessages <= 0 {
		c.SoftWatchMessages = 10
	}
	if c.EstablishedCleanTime <= 0 {
		c.EstablishedCleanTime = 90 * 24 * time.Hour
	}
	if c.SubscriberMinAccountAgeDays <= 0 {
		c.SubscriberMinAccountAgeDays = 7
	}
	return c
}

// Policy is the slice of per-group settings the state machine honors. The
// caller resolves it per message from the group's configuration.
type Policy struct {
	// SandboxEnabled gates newcomer admission into the sandbox (and soft
	// watch for deals groups); regression on violations is unaffected.
	SandboxEnabled bool

	// SandboxDuration overrides the configured window when positive.
	SandboxDuration time.Duration
}

// DefaultPolicy matches the stock group settings.
func DefaultPolicy() Policy {
	return Policy{SandboxEnabled: true}
}

// Assessment is the trust view of one user at message time.
type Assessment struct {
	Level     types.TrustLevel
	Tier      types.TrustTier
	Sandbox   *types.SandboxState
	SoftWatch *types.SoftWatchState
}

// Outcome describes the state transition (if any) caused by a verdict.
type Outcome struct {
	Transition string
	Released   bool
	Reason     types.ReleaseReason
	Regressed  bool
}

// Manager owns all trust-state reads and writes.
type Manager struct {
	kv  Store
	cfg Config
	now func() time.Time
}

// NewManager creates the manager.
func NewManager(kv Store, cfg Config) *Manager {
	return &Manager{kv: kv, cfg: cfg.withDefaults(), now: time.Now}
}

// Evaluate determines the user's trust level for this message, creating the
// initial state record for first-time users: sandbox for general/tech/crypto
// groups, soft watch for deals, or straight to trusted for aged channel
// subscribers.
func (m *Manager) Evaluate(ctx context.Context, msg *types.MessageContext, policy Policy, subscribed bool, accountAgeDays int, ageKnown bool) (Assessment, error) {
	now := m.now()

	sandbox, _, err := m.loadSandbox(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		return Assessment{}, err
	}
	softWatch, _, err := m.loadSoftWatch(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		return Assessment{}, err
	}
	stats, err := m.kv.Stats(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		return Assessment{}, err
	}

	hasHistory := sandbox != nil || softWatch != nil ||
		stats.Approved+stats.Flagged+stats.Limited+stats.Blocked > 0

	if !hasHistory {
		return m.admit(ctx, msg, policy, subscribed, accountAgeDays, ageKnown, now)
	}

	if sandbox != nil && sandbox.Status == types.SandboxActive && !sandbox.Expired(now) {
		return Assessment{Level: types.TrustSandbox, Tier: types.TierUntrusted, Sandbox: sandbox, SoftWatch: softWatch}, nil
	}

	level := types.TrustLimited
	if stats.Approved >= m.cfg.ApprovedToTrusted && stats.Blocked == 0 {
		level = types.TrustTrusted
	}
	return Assessment{
		Level:     level,
		Tier:      types.TierFor(level, m.cleanDays(ctx, msg.ChatID, msg.UserID, now)),
		Sandbox:   sandbox,
		SoftWatch: softWatch,
	}, nil
}

// admit creates the first state record for a user with no history.
func (m *Manager) admit(ctx context.Context, msg *types.MessageContext, policy Policy, subscribed bool, accountAgeDays int, ageKnown bool, now time.Time) (Assessment, error) {
	if !policy.SandboxEnabled {
		// The group opted out of newcomer restrictions; the user earns
		// trust through recorded outcomes alone.
		logger.Info("trust: sandbox disabled for group, admitting as new",
			"chat_id", msg.ChatID, "user_id", msg.UserID)
		return Assessment{Level: types.TrustNew, Tier: types.TierUntrusted}, nil
	}

	if msg.GroupType == types.GroupDeals {
		sw := types.NewSoftWatchState(msg.ChatID, msg.UserID)
		if err := m.storeSoftWatch(ctx, &sw, 0, m.cfg.SoftWatchDuration); err != nil {
			return Assessment{}, err
		}
		logger.Info("trust: soft watch opened", "chat_id", msg.ChatID, "user_id", msg.UserID)
		return Assessment{Level: types.TrustNew, Tier: types.TierUntrusted, SoftWatch: &sw}, nil
	}

	if subscribed && ageKnown && accountAgeDays >= m.cfg.SubscriberMinAccountAgeDays {
		// Subscribers with aged accounts skip the sandbox entirely; the
		// released record keeps the reason visible to the audit trail.
		sb := types.NewSandboxState(msg.ChatID, msg.UserID, now, m.sandboxWindow(policy)).
			WithReleased(types.ReleaseChannelSubscription)
		if err := m.storeSandbox(ctx, &sb, 0); err != nil {
			return Assessment{}, err
		}
		logger.Info("trust: sandbox skipped for channel subscriber",
			"chat_id", msg.ChatID, "user_id", msg.UserID, "account_age_days", accountAgeDays)
		return Assessment{Level: types.TrustTrusted, Tier: types.TierTrusted, Sandbox: &sb}, nil
	}

	sb := types.NewSandboxState(msg.ChatID, msg.UserID, now, m.sandboxWindow(policy))
	if err := m.storeSandbox(ctx, &sb, 0); err != nil {
		return Assessment{}, err
	}
	logger.Info("trust: sandbox opened", "chat_id", msg.ChatID, "user_id", msg.UserID,
		"expires_at", sb.ExpiresAt.Format(time.RFC3339))
	return Assessment{Level: types.TrustSandbox, Tier: types.TierUntrusted, Sandbox: &sb}, nil
}

// sandboxWindow prefers the group's configured window over the global one.
func (m *Manager) sandboxWindow(policy Policy) time.Duration {
	if policy.SandboxDuration > 0 {
		return policy.SandboxDuration
	}
	return m.cfg.SandboxDuration
}

// RecordOutcome applies the verdict for one processed message to the trust
// state: counters, sandbox progress and release, soft-watch observation, and
// regression on block or repeated limits.
func (m *Manager) RecordOutcome(ctx context.Context, msg *types.MessageContext, policy Policy, verdict types.Verdict, spamDBMatch bool) (Outcome, error) {
	now := m.now()

	stat := statFor(verdict)
	if err := m.kv.IncrementStat(ctx, msg.ChatID, msg.UserID, stat); err != nil {
		return Outcome{}, err
	}
	if verdict.AtLeast(types.VerdictLimit) {
		_ = m.kv.SetLastViolation(ctx, msg.ChatID, msg.UserID, now)
	}

	if msg.GroupType == types.GroupDeals {
		if out, handled, err := m.observeSoftWatch(ctx, msg, verdict, spamDBMatch); handled || err != nil {
			return out, err
		}
	}

	if verdict == types.VerdictBlock {
		return m.regress(ctx, msg.ChatID, msg.UserID, now, m.sandboxWindow(policy))
	}
	if verdict == types.VerdictLimit {
		stats, err := m.kv.Stats(ctx, msg.ChatID, msg.UserID)
		if err == nil && stats.Limited >= m.cfg.RegressionLimits {
			return m.regress(ctx, msg.ChatID, msg.UserID, now, m.sandboxWindow(policy))
		}
	}

	return m.advanceSandbox(ctx, msg.ChatID, msg.UserID, verdict, now)
}

// advanceSandbox records the message against an active sandbox and releases
// it when the policy is met. Retries once on a CAS conflict.
func (m *Manager) advanceSandbox(ctx context.Context, chatID, userID int64, verdict types.Verdict, now time.Time) (Outcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		state, version, err := m.loadSandbox(ctx, chatID, userID)
		if err != nil {
			return Outcome{}, err
		}
		if state == nil || state.Status != types.SandboxActive {
			return Outcome{}, nil
		}

		if state.Expired(now) {
			next := state.WithReleased(types.ReleaseTimeExpired)
			if err := m.storeSandboxVersioned(ctx, &next, version, time.Hour); err != nil {
				if errors.Is(err, cache.ErrVersionConflict) {
					continue
				}
				return Outcome{}, err
			}
			logger.Info("trust: sandbox expired", "chat_id", chatID, "user_id", userID)
			return Outcome{Transition: "sandbox_released", Released: true, Reason: types.ReleaseTimeExpired}, nil
		}

		next := state.WithMessageRecorded(!verdict.AtLeast(types.VerdictLimit))
		if verdict.AtLeast(types.VerdictLimit) {
			next = next.WithViolation()
		}

		released := false
		if next.ApprovedMessages >= m.cfg.ApprovedToRelease &&
			now.Sub(next.EnteredAt) >= m.cfg.MinSandboxTime {
			next = next.WithReleased(types.ReleaseApprovedMessages)
			released = true
		}

		ttl := state.ExpiresAt.Sub(now)
		if released {
			ttl = time.Hour
		}
		if err := m.storeSandboxVersioned(ctx, &next, version, ttl); err != nil {
			if errors.Is(err, cache.ErrVersionConflict) {
				continue
			}
			return Outcome{}, err
		}
		if released {
			logger.Info("trust: sandbox released", "chat_id", chatID, "user_id", userID,
				"approved", next.ApprovedMessages)
			return Outcome{Transition: "sandbox_released", Released: true, Reason: types.ReleaseApprovedMessages}, nil
		}
		return Outcome{}, nil
	}
	return Outcome{}, fmt.Errorf("trust: sandbox update for chat %d user %d lost CAS race twice", chatID, userID)
}

// regress opens a fresh sandbox with a full TTL, replacing whatever state
// the user had. Regression applies even where newcomer sandboxing is
// disabled: a violation is stronger evidence than a clean join.
func (m *Manager) regress(ctx context.Context, chatID, userID int64, now time.Time, window time.Duration) (Outcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		_, version, _, err := m.kv.LoadState(ctx, m.kv.SandboxKey(chatID, userID))
		if err != nil {
			return Outcome{}, err
		}
		sb := types.NewSandboxState(chatID, userID, now, window)
		sb.Version = version + 1
		if err := m.storeSandboxVersioned(ctx, &sb, version, window); err != nil {
			if errors.Is(err, cache.ErrVersionConflict) {
				continue
			}
			return Outcome{}, err
		}
		logger.Warn("trust: user regressed to sandbox", "chat_id", chatID, "user_id", userID)
		return Outcome{Transition: "regressed_to_sandbox", Regressed: true, Reason: types.ReleaseRegression}, nil
	}
	return Outcome{}, fmt.Errorf("trust: regression for chat %d user %d lost CAS race twice", chatID, userID)
}

// AdminRelease lifts a user's sandbox on an explicit admin action.
func (m *Manager) AdminRelease(ctx context.Context, chatID, userID int64) error {
	for attempt := 0; attempt < 2; attempt++ {
		state, version, err := m.loadSandbox(ctx, chatID, userID)
		if err != nil {
			return err
		}
		if state == nil || state.Status != types.SandboxActive {
			return nil
		}
		next := state.WithReleased(types.ReleaseAdminOverride)
		if err := m.storeSandboxVersioned(ctx, &next, version, time.Hour); err != nil {
			if errors.Is(err, cache.ErrVersionConflict) {
				continue
			}
			return err
		}
		logger.Info("trust: sandbox released by admin", "chat_id", chatID, "user_id", userID)
		return nil
	}
	return fmt.Errorf("trust: admin release for chat %d user %d lost CAS race twice", chatID, userID)
}

func (m *Manager) observeSoftWatch(ctx context.Context, msg *types.MessageContext, verdict types.Verdict, spamDBMatch bool) (Outcome, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		state, version, err := m.loadSoftWatch(ctx, msg.ChatID, msg.UserID)
		if err != nil {
			return Outcome{}, false, err
		}
		if state == nil || state.IsCompleted {
			return Outcome{}, false, nil
		}

		next := state.WithObserved(verdict.AtLeast(types.VerdictReview), spamDBMatch)
		completed := next.MessagesSent >= m.cfg.SoftWatchMessages
		if completed {
			next = next.WithCompleted()
		}
		if err := m.storeSoftWatch(ctx, &next, version, m.cfg.SoftWatchDuration); err != nil {
			if errors.Is(err, cache.ErrVersionConflict) {
				continue
			}
			return Outcome{}, false, err
		}
		if completed {
			logger.Info("trust: soft watch completed", "chat_id", msg.ChatID, "user_id", msg.UserID,
				"flagged", next.MessagesFlagged, "spam_db_matches", next.SpamDBMatches)
			return Outcome{Transition: "soft_watch_completed"}, true, nil
		}
		return Outcome{}, true, nil
	}
	return Outcome{}, false, fmt.Errorf("trust: soft watch update for chat %d user %d lost CAS race twice", msg.ChatID, msg.UserID)
}

func (m *Manager) cleanDays(ctx context.Context, chatID, userID int64, now time.Time) int {
	last, ok, err := m.kv.LastViolation(ctx, chatID, userID)
	if err != nil || !ok {
		// No recorded violation in the retention window counts as clean
		// for the whole window.
		return int(m.cfg.EstablishedCleanTime/(24*time.Hour)) + 1
	}
	return int(now.Sub(last).Hours() / 24)
}

func statFor(verdict types.Verdict) string {
	switch {
	case verdict == types.VerdictBlock:
		return "blocked"
	case verdict == types.VerdictLimit:
		return "limited"
	case verdict == types.VerdictReview:
		return "flagged"
	default:
		return "approved"
	}
}

func (m *Manager) loadSandbox(ctx context.Context, chatID, userID int64) (*types.SandboxState, int64, error) {
	data, version, ok, err := m.kv.LoadState(ctx, m.kv.SandboxKey(chatID, userID))
	if err != nil || !ok {
		return nil, 0, err
	}
	var state types.SandboxState
	if uerr := json.Unmarshal(data, &state); uerr != nil {
		logger.Warn("trust: corrupt sandbox record dropped", "chat_id", chatID, "user_id", userID, "error", uerr)
		return nil, 0, nil
	}
	return &state, version, nil
}

func (m *Manager) loadSoftWatch(ctx context.Context, chatID, userID int64) (*types.SoftWatchState, int64, error) {
	data, version, ok, err := m.kv.LoadState(ctx, m.kv.SoftWatchKey(chatID, userID))
	if err != nil || !ok {
		return nil, 0, err
	}
	var state types.SoftWatchState
	if uerr := json.Unmarshal(data, &state); uerr != nil {
		logger.Warn("trust: corrupt soft-watch record dropped", "chat_id", chatID, "user_id", userID, "error", uerr)
		return nil, 0, nil
	}
	return &state, version, nil
}

func (m *Manager) storeSandbox(ctx context.Context, state *types.SandboxState, expectedVersion int64) error {
	ttl := state.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		ttl = time.Hour
	}
	return m.storeSandboxVersioned(ctx, state, expectedVersion, ttl)
}

func (m *Manager) storeSandboxVersioned(ctx context.Context, state *types.SandboxState, expectedVersion int64, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return m.kv.StoreState(ctx, m.kv.SandboxKey(state.ChatID, state.UserID), data, expectedVersion, state.Version, ttl)
}

func (m *Manager) storeSoftWatch(ctx context.Context, state *types.SoftWatchState, expectedVersion int64, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return m.kv.StoreState(ctx, m.kv.SoftWatchKey(state.ChatID, state.UserID), data, expectedVersion, state.Version, ttl)
}
