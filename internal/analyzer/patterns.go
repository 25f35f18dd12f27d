package analyzer

import (
	"regexp"
	"strings"

	"github.com/saqshy/saqshy/internal/types"
)

// All pattern tables are compiled once at init and read-only afterwards.

// autoUsernamePatterns match usernames produced by account factories.
var autoUsernamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^user\d{5,}$`),
	regexp.MustCompile(`^[a-z]+\d{6,}$`),
	regexp.MustCompile(`^[0-9a-f]{16,}$`),
}

// usernameLooksGenerated applies the fixed pattern list plus the digit-ratio
// heuristic for names of 8+ characters.
func usernameLooksGenerated(username string) bool {
	u := strings.ToLower(strings.TrimPrefix(username, "@"))
	if u == "" {
		return false
	}
	for _, p := range autoUsernamePatterns {
		if p.MatchString(u) {
			return true
		}
	}
	if len(u) >= 8 {
		digits := 0
		for _, r := range u {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if float64(digits)/float64(len(u)) > 0.6 {
			return true
		}
	}
	return false
}

// urlPattern tolerates a missing scheme; normalization strips www. and ports.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.)?[a-z0-9][a-z0-9._-]*\.[a-z]{2,}(?::\d+)?(?:/[^\s<>"']*)?`)

// bioLinkPattern is a stricter variant for profile bios, where bare domains
// are common enough that only scheme'd or www-prefixed links count.
var bioLinkPattern = regexp.MustCompile(`(?i)(?:https?://|www\.|t\.me/)\S+`)

// urlShorteners is the fixed set of shortening services; tech groups extend
// it because shortened repo links are routine there and the shortener signal
// is down-weighted instead.
var urlShorteners = map[string]bool{
	"bit.ly": true, "t.co": true, "goo.gl": true, "tinyurl.com": true,
	"is.gd": true, "cutt.ly": true, "clck.ru": true, "vk.cc": true,
	"t.ly": true, "rb.gy": true, "shorturl.at": true,
}

// suspiciousTLDs are cheap registrations dominating spam campaigns.
var suspiciousTLDs = map[string]bool{
	"top": true, "xyz": true, "click": true, "buzz": true, "icu": true,
	"monster": true, "cam": true, "rest": true, "gq": true, "tk": true,
	"ml": true, "cf": true, "ga": true, "loan": true, "work": true,
}

// baseDomainWhitelist applies to every group type; group-type extensions
// below, plus per-group config whitelists, are merged at analysis time.
var baseDomainWhitelist = map[string]bool{
	"github.com": true, "youtube.com": true, "youtu.be": true,
	"wikipedia.org": true, "telegram.org": true,
}

var groupDomainWhitelist = map[types.GroupType][]string{
	types.GroupTech:   {"stackoverflow.com", "gitlab.com", "habr.com", "pkg.go.dev", "medium.com"},
	types.GroupDeals:  {"ozon.ru", "wildberries.ru", "aliexpress.com", "market.yandex.ru", "avito.ru"},
	types.GroupCrypto: {"coinmarketcap.com", "coingecko.com", "binance.com", "etherscan.io"},
}

// cryptoScamPhrases require whitespace/punctuation boundaries; a lone
// currency name must not trigger.
var cryptoScamPhrases = []string{
	`guaranteed\s+(?:profit|income|returns?)`,
	`free\s+(?:bitcoin|btc|crypto|eth)`,
	`send\s+(?:btc|eth|usdt|crypto)`,
	`crypto\s+giveaway`,
	`pump\s+signals?`,
	`double\s+your\s+(?:money|crypto|btc)`,
	`гарантированн\p{L}*\s+(?:доход|прибыль)`,
	`пассивн\p{L}*\s+доход`,
	`заработок\s+на\s+крипт\p{L}*`,
	`сигналы?\s+на\s+памп`,
	`удвою\s+(?:ваши|твои)?\s*(?:деньги|вложения)`,
	`инвестиру\p{L}*\s+и\s+зарабатыва\p{L}*`,
	`x2\s+за\s+\d+`,
}

var cryptoScamPattern = regexp.MustCompile(`(?i)(?:^|[\s\p{P}])(?:` + strings.Join(cryptoScamPhrases, "|") + `)(?:$|[\s\p{P}])`)

// moneyPatterns cover multi-currency amounts and earnings hooks.
var moneyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[$€£₽₸]\s?\d`),
	regexp.MustCompile(`(?i)\d[\d\s.,]*\s?(?:\$|€|£|₽|₸|руб(?:лей|ля)?|rub|usd|eur|тенге|тг|грн)(?:$|[^\p{L}])`),
	regexp.MustCompile(`(?i)(?:^|[\s\p{P}])(?:заработ\p{L}*|доход\s+от|profit|earn\s+(?:money|cash)|passive\s+income)(?:$|[\s\p{P}])`),
}

// urgencyPatterns cover pressure phrasing in both languages.
var urgencyPatterns = regexp.MustCompile(`(?i)(?:^|[\s\p{P}])(?:` + strings.Join([]string{
	`только\s+сегодня`,
	`успей(?:те)?`,
	`срочно`,
	`осталось\s+\d+\s+мест`,
	`не\s+упусти`,
	`последний\s+шанс`,
	`hurry\s+up`,
	`limited\s+time`,
	`act\s+now`,
	`last\s+chance`,
	`only\s+today`,
}, "|") + `)(?:$|[\s\p{P}])`)

// phoneCandidate finds digit runs; the analyzer then validates a total digit
// count of 7–15 so order numbers and prices do not fire.
var phoneCandidate = regexp.MustCompile(`\+?\d[\d\s().-]{5,18}\d`)

// walletPatterns match BTC (legacy + bech32), EVM, and TRON addresses.
var walletPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:bc1[a-z0-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`),
	regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`),
	regexp.MustCompile(`\bT[1-9A-HJ-NP-Za-km-z]{33}\b`),
}

// cryptoBioTerms is the fixed vocabulary for bios; terms of three characters
// or fewer require word boundaries so "betch" never matches "btc".
var cryptoBioTerms = []string{
	"crypto", "крипта", "крипто", "bitcoin", "btc", "eth", "usdt",
	"binance", "trading", "трейдинг", "инвестиции", "investment",
	"forex", "nft", "airdrop", "defi", "token sale",
}

var cryptoBioPattern = buildTermPattern(cryptoBioTerms)

func buildTermPattern(terms []string) *regexp.Regexp {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted := regexp.QuoteMeta(term)
		if len([]rune(term)) <= 3 {
			quoted = `\b` + quoted + `\b`
		}
		parts = append(parts, quoted)
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(parts, "|") + `)`)
}

// Scam emoji clusters. Two hits from one cluster mark a name as spammy even
// below the overall emoji threshold.
var scamEmojiClusters = [][]rune{
	{'💰', '💵', '💸', '🤑', '🚀', '📈', '💎'}, // money / moonshot
	{'🎁', '🎉', '🏆', '🎊', '🎰'},             // giveaway / prize
	{'⚠', '❗', '‼', '⏰', '❌'},              // urgency / warning
	{'✅', '☑', '✔'},                        // fake verification
	{'🔥', '💥', '🌶'},                       // fire / hot
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F5FF,
		r >= 0x1F600 && r <= 0x1F64F,
		r >= 0x1F680 && r <= 0x1F6FF,
		r >= 0x1F900 && r <= 0x1F9FF,
		r >= 0x1FA70 && r <= 0x1FAFF,
		r >= 0x2600 && r <= 0x27BF,
		r >= 0x2B00 && r <= 0x2BFF,
		r == 0x203C, r == 0x2049:
		return true
	}
	return false
}

func countEmojis(s string) int {
	n := 0
	for _, r := range s {
		if isEmoji(r) {
			n++
		}
	}
	return n
}

// nameHasEmojiSpam reports ≥3 emojis total or ≥2 from one scam cluster.
func nameHasEmojiSpam(name string) bool {
	if countEmojis(name) >= 3 {
		return true
	}
	for _, cluster := range scamEmojiClusters {
		hits := 0
		for _, r := range name {
			for _, c := range cluster {
				if r == c {
					hits++
					break
				}
			}
		}
		if hits >= 2 {
			return true
		}
	}
	return false
}

// mentionPattern counts distinct @mentions in a message.
var mentionPattern = regexp.MustCompile(`@[A-Za-z0-9_]{4,32}`)
