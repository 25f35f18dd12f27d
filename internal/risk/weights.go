// Package risk implements the pure cumulative risk calculator: weight
// tables parameterized by group type, trust-tier adjustment, score clamping,
// verdict thresholds, and threat-type classification. No I/O, no clock.
package risk

import (
	"fmt"

	"github.com/saqshy/saqshy/internal/types"
)

// Signal names used across the weight tables. Tiered rules (account age,
// subscription, duplicates, spam similarity) keep one table entry per tier
// so every contribution stays bounded and tunable.
const (
	// profile
	SigAgeLT1Day       = "account_age_lt_1d"
	SigAgeLT7Days      = "account_age_lt_7d"
	SigAge1To2Years    = "account_age_1_2y"
	SigAge2To3Years    = "account_age_2_3y"
	SigAgeGE3Years     = "account_age_ge_3y"
	SigNoUsername      = "no_username"
	SigNoProfilePhoto  = "no_profile_photo"
	SigRandomUsername  = "username_random_chars"
	SigBioLinks        = "bio_has_links"
	SigBioCryptoTerms  = "bio_has_crypto_terms"
	SigNameEmojiSpam   = "name_has_emoji_spam"
	SigIsBot           = "is_bot"
	SigPremiumAccount  = "premium_account"

	// content
	SigShortenedURLs   = "has_shortened_urls"
	SigSuspiciousTLD   = "has_suspicious_tld"
	SigWhitelistedURLs = "has_whitelisted_urls"
	SigMultipleURLs    = "multiple_urls"
	SigCryptoScam      = "has_crypto_scam_phrases"
	SigMoneyPatterns   = "has_money_patterns"
	SigUrgencyPatterns = "has_urgency_patterns"
	SigPhoneNumbers    = "has_phone_numbers"
	SigWalletAddresses = "has_wallet_addresses"
	SigExcessiveCaps   = "excessive_caps"
	SigExcessiveEmoji  = "excessive_emoji"
	SigIsForward       = "is_forward"
	SigForwardChannel  = "forward_from_channel"

	// behavior
	SigFirstMessage    = "is_first_message"
	SigFastFirstMsg    = "fast_first_message"
	SigFlood1h         = "flood_1h"
	SigHighVolume24h   = "high_volume_24h"
	SigPrevFlagged     = "previous_flagged"
	SigPrevBlocked     = "previous_blocked"
	SigApprovedHistory = "approved_history"
	SigSubBase         = "channel_sub_base"
	SigSubWeek         = "channel_sub_7d"
	SigSubMonth        = "channel_sub_30d"
	SigReplyToAdmin    = "reply_to_admin"
	SigMentionStorm    = "mention_storm"

	// network
	SigSpamSim95        = "spam_sim_ge_95"
	SigSpamSim88        = "spam_sim_ge_88"
	SigSpamSim80        = "spam_sim_ge_80"
	SigSpamSim70        = "spam_sim_ge_70"
	SigDup2Groups       = "duplicates_2_groups"
	SigDup3Groups       = "duplicates_3_groups"
	SigDup5Groups       = "duplicates_5_groups"
	SigFlaggedElsewhere = "flagged_in_other_groups"
	SigBlockedElsewhere = "blocked_in_other_groups"
	SigGlobalBlocklist  = "global_blocklist"
	SigGlobalWhitelist  = "global_whitelist"
)

// Tables holds the four weight dictionaries. Values are signed integers in
// [-100, 100]; positive weights contribute risk, negative ones mitigate.
type Tables struct {
	Profile  map[string]int
	Content  map[string]int
	Behavior map[string]int
	Network  map[string]int

	// ContentOverrides replaces Content entries per group type.
	ContentOverrides map[types.GroupType]map[string]int
}

// Thresholds are the ascending verdict cut-offs for one group type.
type Thresholds struct {
	Watch  int
	Limit  int
	Review int
	Block  int
}

// DefaultTables returns the stock weight configuration.
func DefaultTables() Tables {
	return Tables{
		Profile: map[string]int{
			SigAgeLT1Day:      25,
			SigAgeLT7Days:     15,
			SigAge1To2Years:   -5,
			SigAge2To3Years:   -10,
			SigAgeGE3Years:    -15,
			SigNoUsername:     10,
			SigNoProfilePhoto: 10,
			SigRandomUsername: 15,
			SigBioLinks:       10,
			SigBioCryptoTerms: 20,
			SigNameEmojiSpam:  15,
			SigIsBot:          20,
			SigPremiumAccount: -10,
		},
		Content: map[string]int{
			SigShortenedURLs:   25,
			SigSuspiciousTLD:   20,
			SigWhitelistedURLs: -10,
			SigMultipleURLs:    15,
			SigCryptoScam:      45,
			SigMoneyPatterns:   15,
			SigUrgencyPatterns: 15,
			SigPhoneNumbers:    10,
			SigWalletAddresses: 30,
			SigExcessiveCaps:   10,
			SigExcessiveEmoji:  10,
			SigIsForward:       5,
			SigForwardChannel:  10,
		},
		Behavior: map[string]int{
			SigFirstMessage:    10,
			SigFastFirstMsg:    15,
			SigFlood1h:         20,
			SigHighVolume24h:   10,
			SigPrevFlagged:     15,
			SigPrevBlocked:     25,
			SigApprovedHistory: -10,
			SigSubBase:         -15,
			SigSubWeek:         -5,
			SigSubMonth:        -10,
			SigReplyToAdmin:    -5,
			SigMentionStorm:    15,
		},
		Network: map[string]int{
			SigSpamSim95:        50,
			SigSpamSim88:        45,
			SigSpamSim80:        35,
			SigSpamSim70:        25,
			SigDup2Groups:       20,
			SigDup3Groups:       35,
			SigDup5Groups:       50,
			SigFlaggedElsewhere: 15,
			SigBlockedElsewhere: 30,
			SigGlobalBlocklist:  60,
			SigGlobalWhitelist:  -50,
		},
		ContentOverrides: map[types.GroupType]map[string]int{
			// Promotional content is the point of a deals group.
			types.GroupDeals: {
				SigMoneyPatterns: 0,
				SigPhoneNumbers:  0,
				SigIsForward:     0,
				SigMultipleURLs:  10,
			},
			// Wallet talk is normal in crypto groups, scam phrasing is worse.
			types.GroupCrypto: {
				SigWalletAddresses: 15,
				SigCryptoScam:      50,
			},
			// Dev groups share shortened repo/gist links routinely.
			types.GroupTech: {
				SigShortenedURLs: 15,
			},
		},
	}
}

// DefaultThresholds returns the stock per-group verdict cut-offs.
func DefaultThresholds() map[types.GroupType]Thresholds {
	return map[types.GroupType]Thresholds{
		types.GroupGeneral: {Watch: 30, Limit: 50, Review: 75, Block: 92},
		types.GroupTech:    {Watch: 30, Limit: 50, Review: 75, Block: 92},
		types.GroupDeals:   {Watch: 40, Limit: 60, Review: 80, Block: 95},
		types.GroupCrypto:  {Watch: 25, Limit: 45, Review: 70, Block: 90},
	}
}

// trustAdjust is the fixed per-tier score adjustment.
var trustAdjust = map[types.TrustTier]int{
	types.TierUntrusted:   5,
	types.TierProvisional: 0,
	types.TierTrusted:     -10,
	types.TierEstablished: -20,
}

func validateTable(category string, table map[string]int) error {
	for name, w := range table {
		if w < -100 || w > 100 {
			return fmt.Errorf("risk: weight %s.%s = %d outside [-100, 100]", category, name, w)
		}
	}
	return nil
}

func (t Tables) validate() error {
	for category, table := range map[string]map[string]int{
		"profile":  t.Profile,
		"content":  t.Content,
		"behavior": t.Behavior,
		"network":  t.Network,
	} {
		if table == nil {
			return fmt.Errorf("risk: missing %s weight table", category)
		}
		if err := validateTable(category, table); err != nil {
			return err
		}
	}
	for gt, table := range t.ContentOverrides {
		if _, err := types.ParseGroupType(string(gt)); err != nil {
			return fmt.Errorf("risk: content override for %w", err)
		}
		if err := validateTable("content_override:"+string(gt), table); err != nil {
			return err
		}
	}
	return nil
}

func (th Thresholds) validate(gt types.GroupType) error {
	if !(th.Watch < th.Limit && th.Limit < th.Review && th.Review < th.Block) {
		return fmt.Errorf("risk: thresholds for %s not strictly ascending: %+v", gt, th)
	}
	return nil
}
