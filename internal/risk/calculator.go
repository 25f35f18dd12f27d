package risk

import (
	"fmt"
	"math"

	"github.com/saqshy/saqshy/internal/types"
)

// Gray zone bounds: scores in [GrayZoneLow, GrayZoneHigh] are inconclusive
// and eligible for LLM adjudication.
const (
	GrayZoneLow  = 60
	GrayZoneHigh = 80
)

// NeutralSensitivity leaves positive weights unscaled.
const NeutralSensitivity = 5

// Calculator computes a RiskResult from a frozen SignalSet. It is pure and
// safe for concurrent use: all tables are merged and validated at
// construction and never mutated afterwards.
type Calculator struct {
	tables         Tables
	contentByGroup map[types.GroupType]map[string]int
	thresholds     map[types.GroupType]Thresholds
}

// NewCalculator builds a calculator from the stock tables.
func NewCalculator() (*Calculator, error) {
	return NewCalculatorWith(DefaultTables(), DefaultThresholds())
}

// NewCalculatorWith validates the supplied tables and thresholds and fails
// construction on any out-of-range weight, missing table, or non-ascending
// threshold tuple.
func NewCalculatorWith(tables Tables, thresholds map[types.GroupType]Thresholds) (*Calculator, error) {
	if err := tables.validate(); err != nil {
		return nil, err
	}
	groupTypes := []types.GroupType{types.GroupGeneral, types.GroupTech, types.GroupDeals, types.GroupCrypto}
	for _, gt := range groupTypes {
		th, ok := thresholds[gt]
		if !ok {
			return nil, fmt.Errorf("risk: no thresholds for group type %s", gt)
		}
		if err := th.validate(gt); err != nil {
			return nil, err
		}
	}

	contentByGroup := make(map[types.GroupType]map[string]int, len(groupTypes))
	for _, gt := range groupTypes {
		merged := make(map[string]int, len(tables.Content))
		for name, w := range tables.Content {
			merged[name] = w
		}
		for name, w := range tables.ContentOverrides[gt] {
			merged[name] = w
		}
		contentByGroup[gt] = merged
	}

	return &Calculator{tables: tables, contentByGroup: contentByGroup, thresholds: thresholds}, nil
}

// Option tweaks a single Calculate call.
type Option func(*callParams)

type callParams struct {
	sensitivity int
	grayLow     int
	grayHigh    int
}

// WithSensitivity scales positive weights by s/5 (1..10, 5 neutral).
// Out-of-range values are clamped.
func WithSensitivity(s int) Option {
	return func(p *callParams) {
		if s < 1 {
			s = 1
		}
		if s > 10 {
			s = 10
		}
		p.sensitivity = s
	}
}

// WithGrayZone overrides the adjudication band [low, high]. An inverted or
// out-of-range pair keeps the stock band.
func WithGrayZone(low, high int) Option {
	return func(p *callParams) {
		if low >= 0 && high <= 100 && low < high {
			p.grayLow, p.grayHigh = low, high
		}
	}
}

// scorer accumulates one category's contributions and the factor lists.
type scorer struct {
	table       map[string]int
	sensitivity int
	score       int
	contrib     *[]string
	mitigate    *[]string
}

func (s *scorer) weight(name string) int {
	w := s.table[name]
	if w > 0 && s.sensitivity != NeutralSensitivity {
		w = int(math.Round(float64(w) * float64(s.sensitivity) / float64(NeutralSensitivity)))
	}
	return w
}

// hit applies the named weight and records it as a factor. Zero weights
// (typically group overrides neutralizing a signal) leave no trace.
func (s *scorer) hit(name string) {
	w := s.weight(name)
	if w == 0 {
		return
	}
	s.score += w
	if w > 0 {
		*s.contrib = append(*s.contrib, fmt.Sprintf("%s(+%d)", name, w))
	} else {
		*s.mitigate = append(*s.mitigate, fmt.Sprintf("%s(%d)", name, w))
	}
}

// hitIf applies the weight only when cond holds.
func (s *scorer) hitIf(cond bool, name string) {
	if cond {
		s.hit(name)
	}
}

// Calculate is the pure scoring entry point. The same inputs always produce
// the identical result.
func (c *Calculator) Calculate(signals types.SignalSet, groupType types.GroupType, tier types.TrustTier, opts ...Option) types.RiskResult {
	params := callParams{sensitivity: NeutralSensitivity, grayLow: GrayZoneLow, grayHigh: GrayZoneHigh}
	for _, opt := range opts {
		opt(&params)
	}
	if _, ok := c.thresholds[groupType]; !ok {
		groupType = types.GroupGeneral
	}

	var contrib, mitigate []string

	profile := &scorer{table: c.tables.Profile, sensitivity: params.sensitivity, contrib: &contrib, mitigate: &mitigate}
	c.scoreProfile(profile, signals.Profile)

	content := &scorer{table: c.contentByGroup[groupType], sensitivity: params.sensitivity, contrib: &contrib, mitigate: &mitigate}
	c.scoreContent(content, signals.Content)

	behavior := &scorer{table: c.tables.Behavior, sensitivity: params.sensitivity, contrib: &contrib, mitigate: &mitigate}
	c.scoreBehavior(behavior, signals.Behavior, signals.Profile)

	network := &scorer{table: c.tables.Network, sensitivity: params.sensitivity, contrib: &contrib, mitigate: &mitigate}
	c.scoreNetwork(network, signals.Network)

	adjust := trustAdjust[tier]
	switch {
	case adjust > 0:
		contrib = append(contrib, fmt.Sprintf("trust_%s(+%d)", tier, adjust))
	case adjust < 0:
		mitigate = append(mitigate, fmt.Sprintf("trust_%s(%d)", tier, adjust))
	}

	raw := profile.score + content.score + behavior.score + network.score + adjust
	score := clamp(raw, 0, 100)

	th := c.thresholds[groupType]
	verdict := verdictFor(score, th)
	needsLLM := score >= params.grayLow && score <= params.grayHigh

	return types.RiskResult{
		Score:               score,
		RawScore:            raw,
		Verdict:             verdict,
		ThreatType:          classifyThreat(score, signals),
		ProfileScore:        profile.score,
		ContentScore:        content.score,
		BehaviorScore:       behavior.score,
		NetworkScore:        network.score,
		TrustAdjust:         adjust,
		NeedsLLM:            needsLLM,
		ContributingFactors: contrib,
		MitigatingFactors:   mitigate,
		Confidence:          confidence(len(contrib)+len(mitigate), needsLLM),
		Signals:             signals,
	}
}

func (c *Calculator) scoreProfile(s *scorer, p types.ProfileSignals) {
	if p.AgeKnown {
		age := p.AccountAgeDays
		switch {
		case age < 1:
			s.hit(SigAgeLT1Day)
		case age < 7:
			s.hit(SigAgeLT7Days)
		case age >= 3*365:
			s.hit(SigAgeGE3Years)
		case age >= 2*365:
			s.hit(SigAge2To3Years)
		case age >= 365:
			s.hit(SigAge1To2Years)
		}
	}
	s.hitIf(!p.HasUsername, SigNoUsername)
	s.hitIf(!p.HasProfilePhoto, SigNoProfilePhoto)
	s.hitIf(p.UsernameHasRandomChars, SigRandomUsername)
	s.hitIf(p.BioHasLinks, SigBioLinks)
	s.hitIf(p.BioHasCryptoTerms, SigBioCryptoTerms)
	s.hitIf(p.NameHasEmojiSpam, SigNameEmojiSpam)
	s.hitIf(p.IsBot, SigIsBot)
	s.hitIf(p.IsPremium, SigPremiumAccount)
}

func (c *Calculator) scoreContent(s *scorer, ct types.ContentSignals) {
	s.hitIf(ct.HasShortenedURLs, SigShortenedURLs)
	s.hitIf(ct.HasSuspiciousTLD, SigSuspiciousTLD)
	s.hitIf(ct.HasWhitelistedURLs, SigWhitelistedURLs)
	s.hitIf(ct.URLCount >= 3, SigMultipleURLs)
	s.hitIf(ct.HasCryptoScamPhrases, SigCryptoScam)
	s.hitIf(ct.HasMoneyPatterns, SigMoneyPatterns)
	s.hitIf(ct.HasUrgencyPatterns, SigUrgencyPatterns)
	s.hitIf(ct.HasPhoneNumbers, SigPhoneNumbers)
	s.hitIf(ct.HasWalletAddresses, SigWalletAddresses)
	s.hitIf(ct.CapsRatio >= 0.6 && ct.TextLength >= 20, SigExcessiveCaps)
	s.hitIf(ct.EmojiCount >= 5, SigExcessiveEmoji)
	s.hitIf(ct.IsForward && !ct.ForwardFromChannel, SigIsForward)
	s.hitIf(ct.ForwardFromChannel, SigForwardChannel)
}

func (c *Calculator) scoreBehavior(s *scorer, b types.BehaviorSignals, p types.ProfileSignals) {
	s.hitIf(b.IsFirstMessage, SigFirstMessage)
	s.hitIf(b.TimeToFirstMessageSeconds >= 0 && b.TimeToFirstMessageSeconds < 60, SigFastFirstMsg)
	s.hitIf(b.MessagesLastHour >= 10, SigFlood1h)
	s.hitIf(b.MessagesLast24h >= 50, SigHighVolume24h)
	s.hitIf(b.PreviousFlagged > 0, SigPrevFlagged)
	s.hitIf(b.PreviousBlocked > 0, SigPrevBlocked)
	s.hitIf(b.PreviousApproved >= 5, SigApprovedHistory)

	// Channel subscription is conditional trust: the bonus grows with
	// subscription age but is capped for accounts younger than 7 days so a
	// compromised fresh account cannot buy its way past the rules.
	if b.IsChannelSubscriber {
		bonus := s.weight(SigSubBase)
		if b.ChannelSubscriptionDays >= 7 {
			bonus += s.weight(SigSubWeek)
		}
		if b.ChannelSubscriptionDays >= 30 {
			bonus += s.weight(SigSubMonth)
		}
		if p.AgeKnown && p.AccountAgeDays < 7 && bonus < -10 {
			bonus = -10
			*s.mitigate = append(*s.mitigate, "subscription_bonus_capped_new_account(-10)")
		} else if bonus < 0 {
			*s.mitigate = append(*s.mitigate, fmt.Sprintf("channel_subscriber(%d)", bonus))
		}
		s.score += bonus
	}

	s.hitIf(b.IsReplyToAdmin, SigReplyToAdmin)
	s.hitIf(b.MentionedUsersCount >= 5, SigMentionStorm)
}

func (c *Calculator) scoreNetwork(s *scorer, n types.NetworkSignals) {
	switch {
	case n.SpamDBSimilarity >= 0.95:
		s.hit(SigSpamSim95)
	case n.SpamDBSimilarity >= 0.88:
		s.hit(SigSpamSim88)
	case n.SpamDBSimilarity >= 0.80:
		s.hit(SigSpamSim80)
	case n.SpamDBSimilarity >= 0.70:
		s.hit(SigSpamSim70)
	}

	switch {
	case n.DuplicateMessagesInOtherGroups >= 5:
		s.hit(SigDup5Groups)
	case n.DuplicateMessagesInOtherGroups >= 3:
		s.hit(SigDup3Groups)
	case n.DuplicateMessagesInOtherGroups >= 2:
		s.hit(SigDup2Groups)
	}

	s.hitIf(n.FlaggedInOtherGroups > 0, SigFlaggedElsewhere)
	s.hitIf(n.BlockedInOtherGroups > 0, SigBlockedElsewhere)
	s.hitIf(n.IsInGlobalBlocklist, SigGlobalBlocklist)
	s.hitIf(n.IsInGlobalWhitelist, SigGlobalWhitelist)
}

// threatRule is one entry in the priority contest.
type threatRule struct {
	priority int
	threat   types.ThreatType
	fires    func(types.SignalSet) bool
}

var threatRules = []threatRule{
	{100, types.ThreatCryptoScam, func(s types.SignalSet) bool { return s.Content.HasCryptoScamPhrases }},
	{95, types.ThreatSpam, func(s types.SignalSet) bool { return s.Network.SpamDBSimilarity >= 0.95 }},
	{90, types.ThreatScam, func(s types.SignalSet) bool {
		return s.Content.HasWalletAddresses && (s.Content.HasMoneyPatterns || s.Content.HasUrgencyPatterns)
	}},
	{85, types.ThreatRaid, func(s types.SignalSet) bool { return s.Network.DuplicateMessagesInOtherGroups >= 3 }},
	{75, types.ThreatFlood, func(s types.SignalSet) bool { return s.Behavior.MessagesLastHour >= 10 }},
	{70, types.ThreatRaid, func(s types.SignalSet) bool { return s.Network.DuplicateMessagesInOtherGroups > 0 }},
	{65, types.ThreatSpam, func(s types.SignalSet) bool { return s.Network.SpamDBSimilarity >= 0.80 }},
	{50, types.ThreatPromotion, func(s types.SignalSet) bool {
		return s.Content.HasMoneyPatterns || s.Content.HasUrgencyPatterns
	}},
}

// classifyThreat runs the fixed-priority contest. Scores below the watch
// floor are never typed; a scored message with no firing rule is unknown.
func classifyThreat(score int, signals types.SignalSet) types.ThreatType {
	if score < 30 {
		return types.ThreatNone
	}
	best := types.ThreatUnknown
	bestPriority := -1
	for _, rule := range threatRules {
		if rule.priority > bestPriority && rule.fires(signals) {
			best = rule.threat
			bestPriority = rule.priority
		}
	}
	return best
}

func verdictFor(score int, th Thresholds) types.Verdict {
	switch {
	case score >= th.Block:
		return types.VerdictBlock
	case score >= th.Review:
		return types.VerdictReview
	case score >= th.Limit:
		return types.VerdictLimit
	case score >= th.Watch:
		return types.VerdictWatch
	default:
		return types.VerdictAllow
	}
}

// confidence grows with the number of observed factors and drops in the
// gray zone where the rules are least certain.
func confidence(factors int, grayZone bool) float64 {
	conf := 0.5 + 0.05*float64(factors)
	if conf > 0.95 {
		conf = 0.95
	}
	if grayZone {
		conf -= 0.15
	}
	if conf < 0.2 {
		conf = 0.2
	}
	return conf
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
