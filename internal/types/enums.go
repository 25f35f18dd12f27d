// Package types defines the core entities of the moderation decision core:
// verdicts, threat classification, trust levels, message context, extracted
// signals, risk results, and the persisted decision record.
package types

import "fmt"

// GroupType selects weight overrides, thresholds, and whitelist sets.
type GroupType string

const (
	GroupGeneral GroupType = "general"
	GroupTech    GroupType = "tech"
	GroupDeals   GroupType = "deals"
	GroupCrypto  GroupType = "crypto"
)

// ParseGroupType validates and converts a stored group type string.
func ParseGroupType(s string) (GroupType, error) {
	switch GroupType(s) {
	case GroupGeneral, GroupTech, GroupDeals, GroupCrypto:
		return GroupType(s), nil
	}
	return "", fmt.Errorf("unknown group type %q", s)
}

// Verdict is the action class assigned to a message. Verdicts are totally
// ordered: Allow < Watch < Limit < Review < Block.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictWatch
	VerdictLimit
	VerdictReview
	VerdictBlock
)

var verdictNames = map[Verdict]string{
	VerdictAllow:  "allow",
	VerdictWatch:  "watch",
	VerdictLimit:  "limit",
	VerdictReview: "review",
	VerdictBlock:  "block",
}

func (v Verdict) String() string {
	if s, ok := verdictNames[v]; ok {
		return s
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// AtLeast reports whether v is as severe as other.
func (v Verdict) AtLeast(other Verdict) bool { return v >= other }

// ParseVerdict converts a verdict name to a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	for v, name := range verdictNames {
		if name == s {
			return v, nil
		}
	}
	return VerdictAllow, fmt.Errorf("unknown verdict %q", s)
}

// ThreatType classifies the dominant threat behind a verdict.
type ThreatType string

const (
	ThreatNone       ThreatType = "none"
	ThreatSpam       ThreatType = "spam"
	ThreatScam       ThreatType = "scam"
	ThreatCryptoScam ThreatType = "crypto_scam"
	ThreatPhishing   ThreatType = "phishing"
	ThreatPromotion  ThreatType = "promotion"
	ThreatFlood      ThreatType = "flood"
	ThreatRaid       ThreatType = "raid"
	ThreatBot        ThreatType = "bot"
	ThreatUnknown    ThreatType = "unknown"
)

// TrustLevel is the lifecycle state of a user within a group.
type TrustLevel string

const (
	TrustNew     TrustLevel = "new"
	TrustSandbox TrustLevel = "sandbox"
	TrustLimited TrustLevel = "limited"
	TrustTrusted TrustLevel = "trusted"
	TrustAdmin   TrustLevel = "admin" // terminal; never scored or restricted
)

// TrustTier is the coarse classification consumed by the risk calculator's
// score adjuster. It is derived from TrustLevel plus history, not stored.
type TrustTier string

const (
	TierUntrusted   TrustTier = "untrusted"
	TierProvisional TrustTier = "provisional"
	TierTrusted     TrustTier = "trusted"
	TierEstablished TrustTier = "established"
)

// TierFor maps a lifecycle trust level to the calculator tier.
// cleanDays is the length of the user's violation-free history.
func TierFor(level TrustLevel, cleanDays int) TrustTier {
	switch level {
	case TrustNew, TrustSandbox:
		return TierUntrusted
	case TrustLimited:
		return TierProvisional
	case TrustTrusted:
		if cleanDays >= 90 {
			return TierEstablished
		}
		return TierTrusted
	case TrustAdmin:
		return TierEstablished
	default:
		return TierUntrusted
	}
}

// ReleaseReason records why a sandbox ended.
type ReleaseReason string

const (
	ReleaseTimeExpired         ReleaseReason = "time_expired"
	ReleaseApprovedMessages    ReleaseReason = "approved_messages"
	ReleaseChannelSubscription ReleaseReason = "channel_subscription"
	ReleaseAdminOverride       ReleaseReason = "admin_override"
	ReleaseRegression          ReleaseReason = "regression"
)
