// Package llm adjudicates gray-zone messages: when the rule-based score is
// ambiguous, a language model gets one bounded shot at the final verdict.
package llm

import (
	"context"

	"github.com/saqshy/saqshy/internal/types"
)

// Adjudication is the model's ruling on one gray-zone message.
type Adjudication struct {
	Verdict     types.Verdict
	Explanation string
	Confidence  float64
	LatencyMS   int64

	// Raw is the model's unparsed text, kept for the audit record.
	Raw string
}

// Adjudicator decides gray-zone messages. Implementations must respect the
// context deadline; callers fall back to the rule-based verdict on any error.
type Adjudicator interface {
	Adjudicate(ctx context.Context, msg *types.MessageContext, risk *types.RiskResult) (Adjudication, error)
}
