package analyzer

import (
	"context"
	"net/url"
	"strings"
	"unicode"

	"github.com/saqshy/saqshy/internal/types"
)

// ContentAnalyzer derives text signals from the message body. Pure,
// O(text length).
type ContentAnalyzer struct{}

// NewContentAnalyzer creates the content analyzer.
func NewContentAnalyzer() *ContentAnalyzer { return &ContentAnalyzer{} }

// Analyze extracts ContentSignals using only the group type's built-in
// domain whitelist.
func (a *ContentAnalyzer) Analyze(ctx context.Context, msg *types.MessageContext) (types.ContentSignals, error) {
	return a.AnalyzeWithWhitelist(ctx, msg, nil)
}

// AnalyzeWithWhitelist additionally honours the group's configured
// link_whitelist domains.
func (a *ContentAnalyzer) AnalyzeWithWhitelist(_ context.Context, msg *types.MessageContext, extraWhitelist []string) (types.ContentSignals, error) {
	text := msg.Text

	signals := types.ContentSignals{
		TextLength:         len([]rune(text)),
		CapsRatio:          capsRatio(text),
		EmojiCount:         countEmojis(text),
		Language:           detectLanguage(text),
		IsForward:          msg.IsForward,
		ForwardFromChannel: msg.IsForward && msg.ForwardFromChatID < 0,
	}

	domains := extractDomains(text)
	signals.URLCount = len(domains)
	unique := make(map[string]bool, len(domains))
	for _, d := range domains {
		unique[d] = true
	}
	signals.UniqueDomains = len(unique)

	whitelist := whitelistFor(msg.GroupType, extraWhitelist)
	for d := range unique {
		if urlShorteners[d] {
			signals.HasShortenedURLs = true
		}
		if whitelist[d] {
			signals.HasWhitelistedURLs = true
		}
		if dot := strings.LastIndex(d, "."); dot >= 0 && suspiciousTLDs[d[dot+1:]] {
			signals.HasSuspiciousTLD = true
		}
	}

	if text != "" {
		signals.HasCryptoScamPhrases = cryptoScamPattern.MatchString(text)
		signals.HasUrgencyPatterns = urgencyPatterns.MatchString(text)
		signals.HasPhoneNumbers = hasPhoneNumber(text)
		for _, p := range moneyPatterns {
			if p.MatchString(text) {
				signals.HasMoneyPatterns = true
				break
			}
		}
		for _, p := range walletPatterns {
			if p.MatchString(text) {
				signals.HasWalletAddresses = true
				break
			}
		}
	}

	return signals, nil
}

func whitelistFor(gt types.GroupType, extra []string) map[string]bool {
	merged := make(map[string]bool, len(baseDomainWhitelist)+len(extra)+8)
	for d := range baseDomainWhitelist {
		merged[d] = true
	}
	for _, d := range groupDomainWhitelist[gt] {
		merged[d] = true
	}
	for _, d := range extra {
		merged[normalizeDomain(d)] = true
	}
	return merged
}

// extractDomains finds URLs (scheme optional) and returns their normalized
// domains: lowercase, www. stripped, port stripped.
func extractDomains(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	var out []string
	for _, m := range matches {
		if d := normalizeDomain(m); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func normalizeDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}

// hasPhoneNumber validates candidates against the 7–15 digit rule so that
// prices and order numbers do not fire.
func hasPhoneNumber(text string) bool {
	for _, candidate := range phoneCandidate.FindAllString(text, -1) {
		digits := 0
		for _, r := range candidate {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= 7 && digits <= 15 {
			return true
		}
	}
	return false
}

func capsRatio(text string) float64 {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// detectLanguage is a cyrillic-vs-latin ratio check, nothing more.
func detectLanguage(text string) string {
	cyr, lat := 0, 0
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyr++
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			lat++
		}
	}
	switch {
	case cyr == 0 && lat == 0:
		return ""
	case cyr >= lat:
		return "ru"
	default:
		return "en"
	}
}
