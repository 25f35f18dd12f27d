package types

import "fmt"

// ProfileSignals describes the sender's account. Zero values are the safe
// defaults used when the profile cannot be analyzed: an account of unknown
// age (0 means unknown, not newborn — see AgeKnown) with no completeness
// flags set and no suspicious markers.
type ProfileSignals struct {
	AccountAgeDays int  `json:"account_age_days"`
	AgeKnown       bool `json:"age_known"`

	HasUsername     bool `json:"has_username"`
	HasProfilePhoto bool `json:"has_profile_photo"`
	HasBio          bool `json:"has_bio"`
	HasFirstName    bool `json:"has_first_name"`
	HasLastName     bool `json:"has_last_name"`

	IsPremium bool `json:"is_premium"`
	IsBot     bool `json:"is_bot"`

	UsernameHasRandomChars bool `json:"username_has_random_chars"`
	BioHasLinks            bool `json:"bio_has_links"`
	BioHasCryptoTerms      bool `json:"bio_has_crypto_terms"`
	NameHasEmojiSpam       bool `json:"name_has_emoji_spam"`
}

// Validate reports the first numeric invariant violation.
func (s ProfileSignals) Validate() error {
	if s.AccountAgeDays < 0 {
		return fmt.Errorf("profile: account_age_days %d < 0", s.AccountAgeDays)
	}
	return nil
}

// ContentSignals describes the message body. Defaults describe an empty
// message: zero lengths and counts, no pattern hits.
type ContentSignals struct {
	TextLength    int     `json:"text_length"`
	CapsRatio     float64 `json:"caps_ratio"` // in [0,1]
	EmojiCount    int     `json:"emoji_count"`
	Language      string  `json:"language"` // "ru", "en", or "" when undetermined
	URLCount      int     `json:"url_count"`
	UniqueDomains int     `json:"unique_domains"`

	HasShortenedURLs   bool `json:"has_shortened_urls"`
	HasWhitelistedURLs bool `json:"has_whitelisted_urls"`
	HasSuspiciousTLD   bool `json:"has_suspicious_tld"`

	HasCryptoScamPhrases bool `json:"has_crypto_scam_phrases"`
	HasMoneyPatterns     bool `json:"has_money_patterns"`
	HasUrgencyPatterns   bool `json:"has_urgency_patterns"`
	HasPhoneNumbers      bool `json:"has_phone_numbers"`
	HasWalletAddresses   bool `json:"has_wallet_addresses"`

	IsForward          bool `json:"is_forward"`
	ForwardFromChannel bool `json:"forward_from_channel"`
}

func (s ContentSignals) Validate() error {
	if s.CapsRatio < 0 || s.CapsRatio > 1 {
		return fmt.Errorf("content: caps_ratio %v outside [0,1]", s.CapsRatio)
	}
	for name, v := range map[string]int{
		"text_length":    s.TextLength,
		"emoji_count":    s.EmojiCount,
		"url_count":      s.URLCount,
		"unique_domains": s.UniqueDomains,
	} {
		if v < 0 {
			return fmt.Errorf("content: %s %d < 0", name, v)
		}
	}
	return nil
}

// BehaviorSignals describes the sender's history in this group. Defaults are
// the fail-open values substituted when the history provider is down: zero
// counts and no subscription.
type BehaviorSignals struct {
	MessagesLastHour int `json:"messages_last_hour"`
	MessagesLast24h  int `json:"messages_last_24h"`

	IsFirstMessage            bool  `json:"is_first_message"`
	TimeToFirstMessageSeconds int64 `json:"time_to_first_message_seconds"` // -1 when unknown
	JoinToMessageSeconds      int64 `json:"join_to_message_seconds"`       // -1 when unknown

	PreviousApproved int `json:"previous_approved"`
	PreviousFlagged  int `json:"previous_flagged"`
	PreviousBlocked  int `json:"previous_blocked"`

	IsChannelSubscriber     bool `json:"is_channel_subscriber"`
	ChannelSubscriptionDays int  `json:"channel_subscription_days"`

	IsReply             bool `json:"is_reply"`
	IsReplyToAdmin      bool `json:"is_reply_to_admin"`
	MentionedUsersCount int  `json:"mentioned_users_count"`
}

func (s BehaviorSignals) Validate() error {
	for name, v := range map[string]int{
		"messages_last_hour":        s.MessagesLastHour,
		"messages_last_24h":         s.MessagesLast24h,
		"previous_approved":         s.PreviousApproved,
		"previous_flagged":          s.PreviousFlagged,
		"previous_blocked":          s.PreviousBlocked,
		"channel_subscription_days": s.ChannelSubscriptionDays,
		"mentioned_users_count":     s.MentionedUsersCount,
	} {
		if v < 0 {
			return fmt.Errorf("behavior: %s %d < 0", name, v)
		}
	}
	if s.TimeToFirstMessageSeconds < -1 {
		return fmt.Errorf("behavior: time_to_first_message_seconds %d < -1", s.TimeToFirstMessageSeconds)
	}
	if s.JoinToMessageSeconds < -1 {
		return fmt.Errorf("behavior: join_to_message_seconds %d < -1", s.JoinToMessageSeconds)
	}
	return nil
}

// DefaultBehaviorSignals returns the partial-failure substitute.
func DefaultBehaviorSignals() BehaviorSignals {
	return BehaviorSignals{TimeToFirstMessageSeconds: -1, JoinToMessageSeconds: -1}
}

// NetworkSignals describes cross-group and spam-database evidence. Defaults
// are the fail-open values: zero similarity, no cross-group hits.
type NetworkSignals struct {
	SpamDBSimilarity     float64 `json:"spam_db_similarity"` // in [0,1]
	SpamDBMatchedPattern string  `json:"spam_db_matched_pattern,omitempty"`

	DuplicateMessagesInOtherGroups int `json:"duplicate_messages_in_other_groups"`
	FlaggedInOtherGroups           int `json:"flagged_in_other_groups"`
	BlockedInOtherGroups           int `json:"blocked_in_other_groups"`

	IsInGlobalBlocklist bool `json:"is_in_global_blocklist"`
	IsInGlobalWhitelist bool `json:"is_in_global_whitelist"`
	GroupsInCommon      int  `json:"groups_in_common"`
}

func (s NetworkSignals) Validate() error {
	if s.SpamDBSimilarity < 0 || s.SpamDBSimilarity > 1 {
		return fmt.Errorf("network: spam_db_similarity %v outside [0,1]", s.SpamDBSimilarity)
	}
	for name, v := range map[string]int{
		"duplicate_messages_in_other_groups": s.DuplicateMessagesInOtherGroups,
		"flagged_in_other_groups":            s.FlaggedInOtherGroups,
		"blocked_in_other_groups":            s.BlockedInOtherGroups,
		"groups_in_common":                   s.GroupsInCommon,
	} {
		if v < 0 {
			return fmt.Errorf("network: %s %d < 0", name, v)
		}
	}
	return nil
}

// SignalSet is the four-part aggregate handed to the risk calculator.
// Construct with NewSignalSet so numeric invariants hold; treat as frozen
// afterwards.
type SignalSet struct {
	Profile  ProfileSignals  `json:"profile"`
	Content  ContentSignals  `json:"content"`
	Behavior BehaviorSignals `json:"behavior"`
	Network  NetworkSignals  `json:"network"`
}

// NewSignalSet validates every category and returns the frozen aggregate.
func NewSignalSet(p ProfileSignals, c ContentSignals, b BehaviorSignals, n NetworkSignals) (SignalSet, error) {
	if err := p.Validate(); err != nil {
		return SignalSet{}, err
	}
	if err := c.Validate(); err != nil {
		return SignalSet{}, err
	}
	if err := b.Validate(); err != nil {
		return SignalSet{}, err
	}
	if err := n.Validate(); err != nil {
		return SignalSet{}, err
	}
	return SignalSet{Profile: p, Content: c, Behavior: b, Network: n}, nil
}
