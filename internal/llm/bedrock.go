package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/types"
)

// InvokeClient is the slice of the Bedrock runtime client we use.
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config tunes the Bedrock adjudicator.
type Config struct {
	ModelID     string
	Region      string
	Timeout     time.Duration // per attempt, default 10s
	MaxRetries  int           // extra attempts after the first, default 1
	Temperature float64
}

// BedrockAdjudicator calls an Anthropic model on AWS Bedrock.
type BedrockAdjudicator struct {
	client InvokeClient
	brk    *breaker.Breaker
	cfg    Config
	now    func() time.Time
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ruling is the JSON shape the model is instructed to answer with.
type ruling struct {
	Verdict     string  `json:"verdict"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
}

// NewBedrock creates the adjudicator with a real AWS client. brk may be nil.
func NewBedrock(ctx context.Context, cfg Config, brk *breaker.Breaker) (*BedrockAdjudicator, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewBedrockWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg, brk), nil
}

// NewBedrockWithClient wires an explicit client, used by tests.
func NewBedrockWithClient(client InvokeClient, cfg Config, brk *breaker.Breaker) *BedrockAdjudicator {
	if cfg.ModelID == "" {
		cfg.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	return &BedrockAdjudicator{client: client, brk: brk, cfg: cfg, now: time.Now}
}

// Adjudicate asks the model for a verdict on one gray-zone message. The
// returned latency covers all attempts.
func (b *BedrockAdjudicator) Adjudicate(ctx context.Context, msg *types.MessageContext, risk *types.RiskResult) (Adjudication, error) {
	if b.brk != nil {
		if aerr := b.brk.Allow(); aerr != nil {
			return Adjudication{}, aerr
		}
	}

	start := b.now()
	body, err := json.Marshal(b.buildRequest(msg, risk))
	if err != nil {
		return Adjudication{}, fmt.Errorf("marshal request: %w", err)
	}

	var raw string
	for attempt := 0; ; attempt++ {
		raw, err = b.invoke(ctx, body)
		if err == nil || attempt >= b.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		logger.Warn("llm attempt failed, retrying",
			"chat_id", msg.ChatID, "attempt", attempt+1, "error", err)
	}
	latency := b.now().Sub(start).Milliseconds()
	if err != nil {
		if b.brk != nil {
			b.brk.Failure()
		}
		return Adjudication{LatencyMS: latency}, err
	}
	if b.brk != nil {
		b.brk.Success()
	}

	adj, perr := parseRuling(raw)
	if perr != nil {
		// A malformed answer counts as a model failure, not a breaker trip.
		return Adjudication{LatencyMS: latency, Raw: raw}, perr
	}
	adj.LatencyMS = latency
	adj.Raw = raw
	return adj, nil
}

func (b *BedrockAdjudicator) invoke(ctx context.Context, body []byte) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	output, err := b.client.InvokeModel(cctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.cfg.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock invoke: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return "", fmt.Errorf("parse bedrock response: %w", err)
	}
	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return text.String(), nil
}

const systemPrompt = `You are a spam moderator for group chats. You receive one message whose automatic risk score fell in the ambiguous zone and must issue the final ruling.

Answer with a single JSON object and nothing else:
{"verdict": "allow|watch|limit|review|block", "explanation": "<one sentence>", "confidence": <0.0-1.0>}

Judge only what is in front of you. A message that merely mentions money, crypto, or deals is not spam by itself; look for solicitation, impersonation, phishing links, and pressure tactics.`

func (b *BedrockAdjudicator) buildRequest(msg *types.MessageContext, risk *types.RiskResult) bedrockRequest {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Group type: %s\n", msg.GroupType)
	fmt.Fprintf(&sb, "Sender: %s (account age %d days, premium=%v)\n",
		msg.DisplayName(), risk.Signals.Profile.AccountAgeDays, msg.IsPremium)
	fmt.Fprintf(&sb, "Rule-based score: %d (verdict %s, threat %s)\n",
		risk.Score, risk.Verdict, risk.ThreatType)
	if len(risk.ContributingFactors) > 0 {
		fmt.Fprintf(&sb, "Flags: %s\n", strings.Join(risk.ContributingFactors, "; "))
	}
	if len(risk.MitigatingFactors) > 0 {
		fmt.Fprintf(&sb, "In favor: %s\n", strings.Join(risk.MitigatingFactors, "; "))
	}
	fmt.Fprintf(&sb, "History in group: %d approved, %d flagged, %d blocked\n",
		risk.Signals.Behavior.PreviousApproved,
		risk.Signals.Behavior.PreviousFlagged,
		risk.Signals.Behavior.PreviousBlocked)
	fmt.Fprintf(&sb, "\nMessage:\n%s", msg.Text)

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        400,
		System:           systemPrompt,
		Temperature:      b.cfg.Temperature,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []bedrockContentBlock{{Type: "text", Text: sb.String()}},
		}},
	}
}

// parseRuling extracts the JSON object from the model's answer, tolerating
// stray prose around it.
func parseRuling(raw string) (Adjudication, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Adjudication{}, fmt.Errorf("no JSON object in model answer")
	}

	var r ruling
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return Adjudication{}, fmt.Errorf("decode model answer: %w", err)
	}
	verdict, err := types.ParseVerdict(strings.ToLower(strings.TrimSpace(r.Verdict)))
	if err != nil {
		return Adjudication{}, err
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return Adjudication{Verdict: verdict, Explanation: r.Explanation, Confidence: r.Confidence}, nil
}
