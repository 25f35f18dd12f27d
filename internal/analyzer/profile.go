package analyzer

import (
	"context"
	"encoding/json"

	"github.com/saqshy/saqshy/internal/types"
)

// ProfileAnalyzer derives account signals from the user snapshot alone.
// It is pure and O(1); the context deadline is never consulted.
type ProfileAnalyzer struct{}

// NewProfileAnalyzer creates the profile analyzer.
func NewProfileAnalyzer() *ProfileAnalyzer { return &ProfileAnalyzer{} }

// rawUserFields are the optional platform fields read from the raw blob.
// The webhook payload carries bio and photo only when the platform includes
// the full member object.
type rawUserFields struct {
	Bio   string          `json:"bio"`
	Photo json.RawMessage `json:"photo"`
}

// Analyze extracts ProfileSignals. It never fails; the error return exists
// to satisfy the common analyzer shape.
func (a *ProfileAnalyzer) Analyze(_ context.Context, msg *types.MessageContext) (types.ProfileSignals, error) {
	var raw rawUserFields
	if len(msg.RawUser) > 0 {
		// Best effort: a malformed blob degrades to an empty bio.
		_ = json.Unmarshal(msg.RawUser, &raw)
	}

	ageDays, ageKnown := estimateAccountAge(msg.UserID, msg.Timestamp)

	fullName := msg.FirstName
	if msg.LastName != "" {
		fullName += " " + msg.LastName
	}

	signals := types.ProfileSignals{
		AccountAgeDays: ageDays,
		AgeKnown:       ageKnown,

		HasUsername:     msg.Username != "",
		HasProfilePhoto: len(raw.Photo) > 0 && string(raw.Photo) != "null",
		HasBio:          raw.Bio != "",
		HasFirstName:    msg.FirstName != "",
		HasLastName:     msg.LastName != "",

		IsPremium: msg.IsPremium,
		IsBot:     msg.IsBot,

		UsernameHasRandomChars: usernameLooksGenerated(msg.Username),
		BioHasLinks:            raw.Bio != "" && bioLinkPattern.MatchString(raw.Bio),
		BioHasCryptoTerms:      raw.Bio != "" && cryptoBioPattern.MatchString(raw.Bio),
		NameHasEmojiSpam:       nameHasEmojiSpam(fullName),
	}
	return signals, nil
}
