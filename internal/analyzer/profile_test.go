package analyzer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/types"
)

func TestUsernameLooksGenerated(t *testing.T) {
	tests := []struct {
		username string
		expected bool
	}{
		{"user12345", true},
		{"user123456789", true},
		{"alex847291", true},
		{"abc1234567", true},
		{"deadbeefdeadbeef", true},
		{"1a2b345678", true}, // digit ratio 0.8 on a 10-char name
		{"ivan_petrov", false},
		{"maria", false},
		{"dev_2024", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			assert.Equal(t, tt.expected, usernameLooksGenerated(tt.username))
		})
	}
}

func TestNameHasEmojiSpam(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected bool
	}{
		{"three emojis", "Nick 🎁🎉🚀", true},
		{"two from money cluster", "Rich 💰🚀", true},
		{"two from verification cluster", "Official ✅✔", true},
		{"single emoji", "Anna 🌸", false},
		{"two unrelated emojis", "Bob 🚀🎁", false},
		{"plain name", "Ivan Petrov", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, nameHasEmojiSpam(tt.value))
		})
	}
}

func TestProfileAnalyzeReadsRawBlob(t *testing.T) {
	a := NewProfileAnalyzer()
	raw, _ := json.Marshal(map[string]interface{}{
		"bio":   "Earn with crypto! t.me/pumpsignals",
		"photo": map[string]string{"small_file_id": "x"},
	})

	msg := &types.MessageContext{
		UserID:    450_000_000,
		Username:  "cryptoking",
		FirstName: "King",
		Timestamp: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		RawUser:   raw,
	}

	signals, err := a.Analyze(context.Background(), msg)
	require.NoError(t, err)

	assert.True(t, signals.HasUsername)
	assert.True(t, signals.HasProfilePhoto)
	assert.True(t, signals.HasBio)
	assert.True(t, signals.BioHasLinks)
	assert.True(t, signals.BioHasCryptoTerms)
	assert.True(t, signals.AgeKnown)
	assert.Greater(t, signals.AccountAgeDays, 365*5, "mid-range sequential ID is an old account")
	require.NoError(t, signals.Validate())
}

func TestProfileAnalyzeEmptyUser(t *testing.T) {
	a := NewProfileAnalyzer()
	msg := &types.MessageContext{UserID: 0, Timestamp: time.Now()}

	signals, err := a.Analyze(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, signals.AgeKnown)
	assert.False(t, signals.HasUsername)
	assert.False(t, signals.HasProfilePhoto)
}

func TestEstimateAccountAgeMonotone(t *testing.T) {
	at := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	prev := int(^uint(0) >> 1)
	for _, id := range []int64{1_000_000, 150_000_000, 450_000_000, 1_000_000_000, 2_000_000_000, 5_500_000_000, 7_500_000_000, 9_000_000_000} {
		days, ok := estimateAccountAge(id, at)
		require.True(t, ok)
		assert.LessOrEqual(t, days, prev, "larger IDs are younger accounts (id %d)", id)
		assert.GreaterOrEqual(t, days, 0)
		prev = days
	}
}
