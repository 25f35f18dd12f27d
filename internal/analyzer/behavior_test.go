package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/types"
)

type fakeHistory struct {
	counts    map[time.Duration]int
	first     time.Time
	haveFirst bool
	join      time.Time
	haveJoin  bool
	stats     UserStats
	adminMsgs map[int64]bool
	fail      bool
}

func (f *fakeHistory) RecordMessage(context.Context, int64, int64, time.Time) error { return nil }

func (f *fakeHistory) CountInWindow(_ context.Context, _, _ int64, window time.Duration) (int, error) {
	if f.fail {
		return 0, errors.New("kv down")
	}
	return f.counts[window], nil
}

func (f *fakeHistory) FirstMessageTime(context.Context, int64, int64) (time.Time, bool, error) {
	if f.fail {
		return time.Time{}, false, errors.New("kv down")
	}
	return f.first, f.haveFirst, nil
}

func (f *fakeHistory) JoinTime(context.Context, int64, int64) (time.Time, bool, error) {
	if f.fail {
		return time.Time{}, false, errors.New("kv down")
	}
	return f.join, f.haveJoin, nil
}

func (f *fakeHistory) IncrementStat(context.Context, int64, int64, string) error { return nil }

func (f *fakeHistory) Stats(context.Context, int64, int64) (UserStats, error) {
	if f.fail {
		return UserStats{}, errors.New("kv down")
	}
	return f.stats, nil
}

func (f *fakeHistory) IsAdminMessage(_ context.Context, _ int64, messageID int64) (bool, error) {
	if f.fail {
		return false, errors.New("kv down")
	}
	return f.adminMsgs[messageID], nil
}

type fakeSubs struct {
	subscribed bool
	since      time.Time
	err        error
}

func (f *fakeSubs) IsSubscribed(context.Context, int64, int64) (bool, *time.Time, error) {
	if f.err != nil {
		return false, nil, f.err
	}
	if f.since.IsZero() {
		return f.subscribed, nil, nil
	}
	return f.subscribed, &f.since, nil
}

func TestBehaviorAnalyzeHappyPath(t *testing.T) {
	now := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)
	join := now.Add(-90 * time.Second)
	history := &fakeHistory{
		counts:    map[time.Duration]int{time.Hour: 4, 24 * time.Hour: 12},
		join:      join,
		haveJoin:  true,
		stats:     UserStats{Approved: 7, Flagged: 1},
		adminMsgs: map[int64]bool{42: true},
	}
	subs := &fakeSubs{subscribed: true, since: now.AddDate(0, 0, -45)}
	a := NewBehaviorAnalyzer(history, subs, func(int64) int64 { return 100 })

	msg := &types.MessageContext{
		ChatID: 1, UserID: 2, MessageID: 50,
		Timestamp:        now,
		ReplyToMessageID: 42,
		Text:             "hi @alice @bobby",
	}

	signals, err := a.Analyze(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, 4, signals.MessagesLastHour)
	assert.Equal(t, 12, signals.MessagesLast24h)
	assert.True(t, signals.IsFirstMessage)
	assert.Equal(t, int64(90), signals.TimeToFirstMessageSeconds)
	assert.Equal(t, int64(90), signals.JoinToMessageSeconds)
	assert.Equal(t, 7, signals.PreviousApproved)
	assert.Equal(t, 1, signals.PreviousFlagged)
	assert.True(t, signals.IsChannelSubscriber)
	assert.Equal(t, 45, signals.ChannelSubscriptionDays)
	assert.True(t, signals.IsReply)
	assert.True(t, signals.IsReplyToAdmin)
	assert.Equal(t, 2, signals.MentionedUsersCount)
	require.NoError(t, signals.Validate())
}

func TestBehaviorProviderFailureDegradesToDefaults(t *testing.T) {
	a := NewBehaviorAnalyzer(&fakeHistory{fail: true}, &fakeSubs{err: errors.New("api down")}, func(int64) int64 { return 100 })

	msg := &types.MessageContext{ChatID: 1, UserID: 2, Timestamp: time.Now()}
	signals, err := a.Analyze(context.Background(), msg)
	require.NoError(t, err, "provider failure is degraded, not fatal")

	assert.Equal(t, 0, signals.MessagesLastHour)
	assert.Equal(t, 0, signals.PreviousApproved)
	assert.False(t, signals.IsChannelSubscriber)
	assert.Equal(t, int64(-1), signals.TimeToFirstMessageSeconds)
}

func TestBehaviorNoLinkedChannelSkipsCheck(t *testing.T) {
	subs := &fakeSubs{subscribed: true, since: time.Now().AddDate(-1, 0, 0)}
	a := NewBehaviorAnalyzer(&fakeHistory{}, subs, func(int64) int64 { return 0 })

	signals, err := a.Analyze(context.Background(), &types.MessageContext{Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, signals.IsChannelSubscriber)
}

func TestBehaviorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewBehaviorAnalyzer(&fakeHistory{}, &fakeSubs{}, nil)
	_, err := a.Analyze(ctx, &types.MessageContext{Timestamp: time.Now()})
	assert.ErrorIs(t, err, context.Canceled)
}
