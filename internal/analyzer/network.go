package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/types"
)

// NetworkAnalyzer derives cross-group and spam-database signals. Like the
// behavior analyzer it degrades to defaults on provider failure.
type NetworkAnalyzer struct {
	spamDB  SpamDatabase
	tracker CrossGroupTracker
}

// NewNetworkAnalyzer wires the network analyzer.
func NewNetworkAnalyzer(spamDB SpamDatabase, tracker CrossGroupTracker) *NetworkAnalyzer {
	return &NetworkAnalyzer{spamDB: spamDB, tracker: tracker}
}

// TextHash is the normalized digest used for duplicate detection across
// groups: lowercase, whitespace collapsed, sha256.
func TextHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Analyze extracts NetworkSignals.
func (a *NetworkAnalyzer) Analyze(ctx context.Context, msg *types.MessageContext) (types.NetworkSignals, error) {
	if err := ctx.Err(); err != nil {
		return types.NetworkSignals{}, err
	}

	var signals types.NetworkSignals

	if a.spamDB != nil && msg.Text != "" {
		similarity, pattern, err := a.spamDB.Check(ctx, msg.Text)
		if err != nil {
			logger.Warn("network: spam database unavailable", "chat_id", msg.ChatID, "error", err)
		} else {
			signals.SpamDBSimilarity = similarity
			signals.SpamDBMatchedPattern = pattern
		}
	}

	if a.tracker != nil {
		hash := TextHash(msg.Text)
		if err := a.tracker.RecordMessage(ctx, msg.UserID, msg.ChatID, hash); err != nil {
			logger.Warn("network: cross-group record failed", "user_id", msg.UserID, "error", err)
		}
		info, err := a.tracker.Snapshot(ctx, msg.UserID, msg.ChatID, hash)
		if err != nil {
			logger.Warn("network: cross-group snapshot unavailable", "user_id", msg.UserID, "error", err)
		} else {
			signals.DuplicateMessagesInOtherGroups = info.DuplicateGroups
			signals.FlaggedInOtherGroups = info.FlaggedGroups
			signals.BlockedInOtherGroups = info.BlockedGroups
			signals.GroupsInCommon = info.GroupsInCommon
			signals.IsInGlobalBlocklist = info.GlobalBlocklist
			signals.IsInGlobalWhitelist = info.GlobalWhitelist
		}
	}

	return signals, ctx.Err()
}
