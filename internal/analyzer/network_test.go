package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/types"
)

type fakeSpamDB struct {
	similarity float64
	pattern    string
	err        error
	lastText   string
}

func (f *fakeSpamDB) Check(_ context.Context, text string) (float64, string, error) {
	f.lastText = text
	if f.err != nil {
		return 0, "", f.err
	}
	return f.similarity, f.pattern, nil
}

type fakeTracker struct {
	info       CrossGroupInfo
	err        error
	recorded   []string
	lastChatID int64
}

func (f *fakeTracker) RecordMessage(_ context.Context, _, chatID int64, textHash string) error {
	f.lastChatID = chatID
	f.recorded = append(f.recorded, textHash)
	return f.err
}

func (f *fakeTracker) Snapshot(context.Context, int64, int64, string) (CrossGroupInfo, error) {
	if f.err != nil {
		return CrossGroupInfo{}, f.err
	}
	return f.info, nil
}

func TestNetworkAnalyzeHappyPath(t *testing.T) {
	spamDB := &fakeSpamDB{similarity: 0.93, pattern: "crypto_pump_v2"}
	tracker := &fakeTracker{info: CrossGroupInfo{
		DuplicateGroups: 3,
		FlaggedGroups:   2,
		BlockedGroups:   1,
		GroupsInCommon:  5,
		GlobalBlocklist: true,
	}}
	a := NewNetworkAnalyzer(spamDB, tracker)

	msg := &types.MessageContext{ChatID: 1, UserID: 2, Text: "Guaranteed profit, join now"}
	signals, err := a.Analyze(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, 0.93, signals.SpamDBSimilarity)
	assert.Equal(t, "crypto_pump_v2", signals.SpamDBMatchedPattern)
	assert.Equal(t, 3, signals.DuplicateMessagesInOtherGroups)
	assert.Equal(t, 2, signals.FlaggedInOtherGroups)
	assert.Equal(t, 1, signals.BlockedInOtherGroups)
	assert.Equal(t, 5, signals.GroupsInCommon)
	assert.True(t, signals.IsInGlobalBlocklist)
	assert.False(t, signals.IsInGlobalWhitelist)
	require.NoError(t, signals.Validate())

	require.Len(t, tracker.recorded, 1)
	assert.Equal(t, TextHash(msg.Text), tracker.recorded[0])
}

func TestNetworkProviderFailureDegradesToDefaults(t *testing.T) {
	a := NewNetworkAnalyzer(&fakeSpamDB{err: errors.New("timeout")}, &fakeTracker{err: errors.New("kv down")})

	signals, err := a.Analyze(context.Background(), &types.MessageContext{Text: "some text"})
	require.NoError(t, err, "provider failure is degraded, not fatal")

	assert.Zero(t, signals.SpamDBSimilarity)
	assert.Empty(t, signals.SpamDBMatchedPattern)
	assert.Zero(t, signals.DuplicateMessagesInOtherGroups)
	assert.False(t, signals.IsInGlobalBlocklist)
}

func TestNetworkEmptyTextSkipsSpamDB(t *testing.T) {
	spamDB := &fakeSpamDB{similarity: 0.99, lastText: "unset"}
	a := NewNetworkAnalyzer(spamDB, nil)

	signals, err := a.Analyze(context.Background(), &types.MessageContext{Text: "", HasMedia: true})
	require.NoError(t, err)
	assert.Zero(t, signals.SpamDBSimilarity)
	assert.Equal(t, "unset", spamDB.lastText, "spam database must not be queried for empty text")
}

func TestTextHashNormalization(t *testing.T) {
	base := TextHash("Buy  Crypto NOW")
	assert.Equal(t, base, TextHash("buy crypto now"))
	assert.Equal(t, base, TextHash("  buy\tcrypto\nnow  "))
	assert.NotEqual(t, base, TextHash("buy crypto later"))
	assert.Empty(t, TextHash("   "))
}
