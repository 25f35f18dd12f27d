// Package pipeline orchestrates one message's path through moderation:
// admission, analyzer fan-out, risk calculation, gray-zone adjudication,
// actions, trust update, and the audit record. One Process call per inbound
// message; calls are independent and safe to run concurrently.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/saqshy/saqshy/internal/action"
	"github.com/saqshy/saqshy/internal/analyzer"
	"github.com/saqshy/saqshy/internal/config"
	"github.com/saqshy/saqshy/internal/llm"
	"github.com/saqshy/saqshy/internal/messaging"
	"github.com/saqshy/saqshy/internal/metrics"
	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/risk"
	"github.com/saqshy/saqshy/internal/trust"
	"github.com/saqshy/saqshy/internal/types"
)

// KV is the slice of the cache façade the pipeline touches directly.
type KV interface {
	IsAdmin(ctx context.Context, chatID, userID int64) (isAdmin, cached bool)
	SetAdmin(ctx context.Context, chatID, userID int64, isAdmin bool)
	IncrementRate(ctx context.Context, chatID, userID int64, windowSeconds int) (int, error)
	IncrementGroupRate(ctx context.Context, chatID int64, windowSeconds int) (int, error)
	CachedDecision(ctx context.Context, hash string) ([]byte, bool)
	StoreDecision(ctx context.Context, hash string, blob []byte)
	MarkFlagged(ctx context.Context, userID, chatID int64)
	MarkBlocked(ctx context.Context, userID, chatID int64)
}

// TrustManager is the trust state machine boundary.
type TrustManager interface {
	Evaluate(ctx context.Context, msg *types.MessageContext, policy trust.Policy, subscribed bool, accountAgeDays int, ageKnown bool) (trust.Assessment, error)
	RecordOutcome(ctx context.Context, msg *types.MessageContext, policy trust.Policy, verdict types.Verdict, spamDBMatch bool) (trust.Outcome, error)
}

// SpamReporter feeds confirmed spam back to the shared pattern corpus.
type SpamReporter interface {
	Report(ctx context.Context, text, threatType string) error
}

// ActionExecutor turns verdicts into platform side effects.
type ActionExecutor interface {
	Execute(ctx context.Context, msg *types.MessageContext, r *types.RiskResult, blockThreshold int) action.Result
}

// Recorder persists finalized decisions.
type Recorder interface {
	Record(ctx context.Context, groupType types.GroupType, d *types.Decision) error
}

// SettingsProvider resolves per-group options. The Postgres repo satisfies
// it; SettingsFunc adapts config-file-only deployments.
type SettingsProvider interface {
	Settings(ctx context.Context, chatID int64) (config.GroupSettings, error)
}

// SettingsFunc adapts a plain lookup to SettingsProvider.
type SettingsFunc func(chatID int64) config.GroupSettings

func (f SettingsFunc) Settings(_ context.Context, chatID int64) (config.GroupSettings, error) {
	return f(chatID), nil
}

// Config tunes the pipeline.
type Config struct {
	SoftDeadline time.Duration // per analyzer, default 500ms
	HardDeadline time.Duration // whole analyze stage, default 5s

	UserRateLimit  int // default 20
	GroupRateLimit int // default 200
	RateWindowSecs int // default 60

	// Gray zone eligible for LLM adjudication; defaults to the
	// calculator's stock band.
	GrayZoneLow  int
	GrayZoneHigh int
}

func (c Config) withDefaults() Config {
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = 500 * time.Millisecond
	}
	if c.HardDeadline <= 0 {
		c.HardDeadline = 5 * time.Second
	}
	if c.GrayZoneHigh <= 0 {
		c.GrayZoneLow = risk.GrayZoneLow
		c.GrayZoneHigh = risk.GrayZoneHigh
	}
	if c.UserRateLimit <= 0 {
		c.UserRateLimit = 20
	}
	if c.GroupRateLimit <= 0 {
		c.GroupRateLimit = 200
	}
	if c.RateWindowSecs <= 0 {
		c.RateWindowSecs = 60
	}
	return c
}

// Result summarizes one processed message.
type Result struct {
	DecisionID string
	Verdict    types.Verdict
	Score      int
	ThreatType types.ThreatType

	ActionTaken    string
	MessageDeleted bool
	UserBanned     bool
	UserRestricted bool
	AdminsNotified bool

	AdminBypass bool
	RateLimited bool
	FromCache   bool
	LLMUsed     bool

	ProcessingTime time.Duration
}

// Pipeline is the per-message orchestrator.
type Pipeline struct {
	profile  *analyzer.ProfileAnalyzer
	content  *analyzer.ContentAnalyzer
	behavior *analyzer.BehaviorAnalyzer
	network  *analyzer.NetworkAnalyzer

	calc        *risk.Calculator
	thresholds  map[types.GroupType]risk.Thresholds
	adjudicator llm.Adjudicator // nil disables gray-zone calls
	actions     ActionExecutor
	trust       TrustManager
	audit       Recorder
	kv          KV
	client      messaging.Client // nil skips live admin lookups
	settings    SettingsProvider
	reporter    SpamReporter // nil disables spam feedback
	sink        metrics.Sink

	cfg Config
	now func() time.Time
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Behavior    *analyzer.BehaviorAnalyzer
	Network     *analyzer.NetworkAnalyzer
	Calculator  *risk.Calculator
	Adjudicator llm.Adjudicator
	Actions     ActionExecutor
	Trust       TrustManager
	Audit       Recorder
	KV          KV
	Client      messaging.Client
	Settings    SettingsProvider
	Reporter    SpamReporter
	Sink        metrics.Sink
}

// New creates the pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	sink := deps.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}
	settings := deps.Settings
	if settings == nil {
		settings = SettingsFunc(func(int64) config.GroupSettings { return config.DefaultGroupSettings() })
	}
	return &Pipeline{
		profile:     analyzer.NewProfileAnalyzer(),
		content:     analyzer.NewContentAnalyzer(),
		behavior:    deps.Behavior,
		network:     deps.Network,
		calc:        deps.Calculator,
		thresholds:  risk.DefaultThresholds(),
		adjudicator: deps.Adjudicator,
		actions:     deps.Actions,
		trust:       deps.Trust,
		audit:       deps.Audit,
		kv:          deps.KV,
		client:      deps.Client,
		settings:    settings,
		reporter:    deps.Reporter,
		sink:        sink,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// cachedVerdict is the compact decision-cache payload.
type cachedVerdict struct {
	Score      int              `json:"score"`
	Verdict    types.Verdict    `json:"verdict"`
	ThreatType types.ThreatType `json:"threat_type"`
}

// Process runs one message through the whole pipeline. It always produces a
// result and, except for admin bypasses, always writes an audit record —
// best-effort even when ctx is cancelled mid-flight.
func (p *Pipeline) Process(ctx context.Context, msg *types.MessageContext) (*Result, error) {
	if msg == nil {
		return nil, fmt.Errorf("pipeline: nil message")
	}
	start := p.now()

	settings, err := p.settings.Settings(ctx, msg.ChatID)
	if err != nil {
		logger.Warn("pipeline: group settings unavailable, using defaults",
			"chat_id", msg.ChatID, "error", err)
		settings = config.DefaultGroupSettings()
	}
	groupType, gerr := types.ParseGroupType(settings.GroupType)
	if gerr != nil {
		groupType = types.GroupGeneral
	}
	msg.GroupType = groupType

	// Admins are never scored or restricted.
	if p.isAdmin(ctx, msg) {
		return &Result{
			Verdict:        types.VerdictAllow,
			AdminBypass:    true,
			ProcessingTime: p.now().Sub(start),
		}, nil
	}

	// Flood control: over-limit messages get a cheap allow, no analysis. The
	// action engine never sees them; rate verdicts belong to the analyzers.
	if scope, limited := p.rateLimited(ctx, msg); limited {
		p.sink.RateLimited(scope)
		res := &Result{Verdict: types.VerdictAllow, RateLimited: true}
		p.finishShortCircuit(ctx, msg, groupType, res, "rate_limited", start)
		return res, nil
	}

	// Identical recent text in the same chat reuses the verdict but still
	// acts on the new message.
	cacheKey := decisionCacheKey(msg)
	if blob, ok := p.kv.CachedDecision(ctx, cacheKey); ok {
		var cached cachedVerdict
		if jerr := json.Unmarshal(blob, &cached); jerr == nil {
			return p.replayCached(ctx, msg, groupType, settings, cached, start), nil
		}
	}

	// Analyze.
	analyzeStart := p.now()
	signals, cancelled := p.analyze(ctx, msg, settings)
	p.sink.ProcessingTime("analyze", p.now().Sub(analyzeStart))
	if cancelled {
		res := &Result{Verdict: types.VerdictAllow}
		p.finishShortCircuit(ctx, msg, groupType, res, "analyze", start)
		return res, ctx.Err()
	}

	// Trust tier feeds the calculator's adjustment.
	tier := types.TierUntrusted
	policy := trustPolicy(settings)
	assessment, terr := p.trust.Evaluate(ctx, msg, policy,
		signals.Behavior.IsChannelSubscriber,
		signals.Profile.AccountAgeDays, signals.Profile.AgeKnown)
	if terr != nil {
		logger.Warn("pipeline: trust evaluation failed, scoring as untrusted",
			"chat_id", msg.ChatID, "user_id", msg.UserID, "error", terr)
	} else {
		tier = assessment.Tier
	}

	calcStart := p.now()
	riskResult := p.calc.Calculate(signals, groupType, tier,
		risk.WithSensitivity(settings.Sensitivity),
		risk.WithGrayZone(p.cfg.GrayZoneLow, p.cfg.GrayZoneHigh))
	p.sink.ProcessingTime("calculate", p.now().Sub(calcStart))

	decision := types.NewDecision(msg, start.UTC())
	decision.AttachSignals(signals)

	// Gray zone: the model may override the rule-based verdict; on any
	// failure the rule-based one stands.
	p.adjudicate(ctx, msg, &riskResult, decision)

	// Act.
	actStart := p.now()
	actionRes := p.actions.Execute(ctx, msg, &riskResult, p.thresholds[groupType].Block)
	p.sink.ProcessingTime("act", p.now().Sub(actStart))
	p.sink.ActionExecuted(actionTakenOrNone(actionRes.ActionTaken), "ok")

	p.updateTrust(ctx, msg, policy, riskResult.Verdict, signals.Network)
	p.reportSpam(ctx, msg, &riskResult)

	decision.RiskScore = riskResult.Score
	decision.Verdict = riskResult.Verdict
	decision.ThreatType = riskResult.ThreatType
	decision.ActionTaken = actionRes.ActionTaken
	decision.MessageDeleted = actionRes.MessageDeleted
	decision.UserBanned = actionRes.UserBanned
	decision.UserRestricted = actionRes.UserRestricted
	decision.ProcessingTimeMS = p.now().Sub(start).Milliseconds()
	p.record(ctx, groupType, decision)

	if blob, jerr := json.Marshal(cachedVerdict{
		Score:      riskResult.Score,
		Verdict:    riskResult.Verdict,
		ThreatType: riskResult.ThreatType,
	}); jerr == nil {
		p.kv.StoreDecision(ctx, cacheKey, blob)
	}

	return &Result{
		DecisionID:     decision.ID,
		Verdict:        riskResult.Verdict,
		Score:          riskResult.Score,
		ThreatType:     riskResult.ThreatType,
		ActionTaken:    actionRes.ActionTaken,
		MessageDeleted: actionRes.MessageDeleted,
		UserBanned:     actionRes.UserBanned,
		UserRestricted: actionRes.UserRestricted,
		AdminsNotified: actionRes.AdminsNotified,
		LLMUsed:        decision.LLMUsed,
		ProcessingTime: p.now().Sub(start),
	}, nil
}

// isAdmin answers from the KV cache first and falls back to one live
// platform lookup, whose answer is cached for the next messages.
func (p *Pipeline) isAdmin(ctx context.Context, msg *types.MessageContext) bool {
	if isAdmin, cached := p.kv.IsAdmin(ctx, msg.ChatID, msg.UserID); cached {
		return isAdmin
	}
	if p.client == nil {
		return false
	}
	member, err := p.client.GetChatMember(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		logger.Warn("pipeline: admin lookup failed, treating as member",
			"chat_id", msg.ChatID, "user_id", msg.UserID, "error", err)
		return false
	}
	p.kv.SetAdmin(ctx, msg.ChatID, msg.UserID, member.Admin())
	return member.Admin()
}

func (p *Pipeline) rateLimited(ctx context.Context, msg *types.MessageContext) (string, bool) {
	if n, err := p.kv.IncrementRate(ctx, msg.ChatID, msg.UserID, p.cfg.RateWindowSecs); err == nil && n > p.cfg.UserRateLimit {
		return "user", true
	}
	if n, err := p.kv.IncrementGroupRate(ctx, msg.ChatID, p.cfg.RateWindowSecs); err == nil && n > p.cfg.GroupRateLimit {
		return "group", true
	}
	return "", false
}

// analyze fans out the four analyzers, each under its own soft deadline,
// all under the stage's hard deadline. A failed or slow analyzer contributes
// its category's defaults.
func (p *Pipeline) analyze(ctx context.Context, msg *types.MessageContext, settings config.GroupSettings) (types.SignalSet, bool) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.HardDeadline)
	defer cancel()

	var (
		wg       sync.WaitGroup
		profile  types.ProfileSignals
		content  types.ContentSignals
		behavior = types.DefaultBehaviorSignals()
		network  types.NetworkSignals
	)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			softCtx, softCancel := context.WithTimeout(stageCtx, p.cfg.SoftDeadline)
			defer softCancel()
			if err := fn(softCtx); err != nil {
				logger.Warn("pipeline: analyzer degraded to defaults",
					"analyzer", name, "chat_id", msg.ChatID, "error", err)
			}
		}()
	}

	run("profile", func(c context.Context) error {
		s, err := p.profile.Analyze(c, msg)
		if err == nil {
			profile = s
		}
		return err
	})
	run("content", func(c context.Context) error {
		s, err := p.content.AnalyzeWithWhitelist(c, msg, settings.LinkWhitelist)
		if err == nil {
			content = s
		}
		return err
	})
	run("behavior", func(c context.Context) error {
		s, err := p.behavior.Analyze(c, msg)
		if err == nil {
			behavior = s
		}
		return err
	})
	run("network", func(c context.Context) error {
		s, err := p.network.Analyze(c, msg)
		if err == nil {
			network = s
		}
		return err
	})

	wg.Wait()
	if ctx.Err() != nil {
		return types.SignalSet{}, true
	}

	signals, err := types.NewSignalSet(profile, content, behavior, network)
	if err != nil {
		// An analyzer produced out-of-range values; score on defaults
		// rather than dropping the message.
		logger.Error("pipeline: invalid signal set, falling back to defaults", "error", err)
		signals = types.SignalSet{Behavior: types.DefaultBehaviorSignals()}
	}
	return signals, false
}

func (p *Pipeline) adjudicate(ctx context.Context, msg *types.MessageContext, riskResult *types.RiskResult, decision *types.Decision) {
	if !riskResult.NeedsLLM || p.adjudicator == nil {
		return
	}

	llmStart := p.now()
	adj, err := p.adjudicator.Adjudicate(ctx, msg, riskResult)
	elapsed := p.now().Sub(llmStart)
	if err != nil {
		p.sink.LLMCall("error", elapsed)
		logger.Warn("pipeline: adjudication failed, keeping rule-based verdict",
			"chat_id", msg.ChatID, "verdict", riskResult.Verdict.String(), "error", err)
		decision.LLMUsed = true
		decision.LLMLatencyMS = adj.LatencyMS
		decision.LLMResponse = adj.Raw
		return
	}

	p.sink.LLMCall("ok", elapsed)
	logger.Info("pipeline: gray-zone adjudicated",
		"chat_id", msg.ChatID, "rule_verdict", riskResult.Verdict.String(),
		"llm_verdict", adj.Verdict.String(), "confidence", adj.Confidence)
	riskResult.Verdict = adj.Verdict
	decision.LLMUsed = true
	decision.LLMLatencyMS = adj.LatencyMS
	decision.LLMResponse = adj.Raw
}

func (p *Pipeline) updateTrust(ctx context.Context, msg *types.MessageContext, policy trust.Policy, verdict types.Verdict, network types.NetworkSignals) {
	spamDBMatch := network.SpamDBMatchedPattern != "" || network.SpamDBSimilarity >= 0.8
	if _, err := p.trust.RecordOutcome(ctx, msg, policy, verdict, spamDBMatch); err != nil {
		logger.Warn("pipeline: trust update failed",
			"chat_id", msg.ChatID, "user_id", msg.UserID, "error", err)
	}

	switch {
	case verdict == types.VerdictBlock:
		p.kv.MarkBlocked(ctx, msg.UserID, msg.ChatID)
	case verdict == types.VerdictReview:
		p.kv.MarkFlagged(ctx, msg.UserID, msg.ChatID)
	}
}

// reportSpam feeds a blocked message's text back to the spam database so the
// corpus learns from this deployment. Texts the database already matched are
// not echoed back.
func (p *Pipeline) reportSpam(ctx context.Context, msg *types.MessageContext, r *types.RiskResult) {
	if p.reporter == nil || r.Verdict != types.VerdictBlock || msg.Text == "" {
		return
	}
	if r.Signals.Network.SpamDBMatchedPattern != "" || r.Signals.Network.SpamDBSimilarity >= 0.8 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.reporter.Report(rctx, msg.Text, string(r.ThreatType)); err != nil {
		logger.Warn("pipeline: spam report failed", "chat_id", msg.ChatID, "error", err)
	}
}

// trustPolicy maps the group's settings onto the trust state machine inputs.
func trustPolicy(settings config.GroupSettings) trust.Policy {
	return trust.Policy{
		SandboxEnabled:  settings.SandboxEnabled,
		SandboxDuration: settings.SandboxDuration(),
	}
}

// replayCached reuses a recent verdict for identical text but performs
// fresh side effects and a fresh audit record for this message.
func (p *Pipeline) replayCached(ctx context.Context, msg *types.MessageContext, groupType types.GroupType, settings config.GroupSettings, cached cachedVerdict, start time.Time) *Result {
	riskResult := types.RiskResult{
		Score:      cached.Score,
		RawScore:   cached.Score,
		Verdict:    cached.Verdict,
		ThreatType: cached.ThreatType,
	}
	actionRes := p.actions.Execute(ctx, msg, &riskResult, p.thresholds[groupType].Block)
	p.updateTrust(ctx, msg, trustPolicy(settings), cached.Verdict, types.NetworkSignals{})

	decision := types.NewDecision(msg, start.UTC())
	decision.RiskScore = cached.Score
	decision.Verdict = cached.Verdict
	decision.ThreatType = cached.ThreatType
	decision.ActionTaken = actionRes.ActionTaken
	decision.MessageDeleted = actionRes.MessageDeleted
	decision.UserBanned = actionRes.UserBanned
	decision.UserRestricted = actionRes.UserRestricted
	decision.ProcessingTimeMS = p.now().Sub(start).Milliseconds()
	p.record(ctx, groupType, decision)

	return &Result{
		DecisionID:     decision.ID,
		Verdict:        cached.Verdict,
		Score:          cached.Score,
		ThreatType:     cached.ThreatType,
		ActionTaken:    actionRes.ActionTaken,
		MessageDeleted: actionRes.MessageDeleted,
		UserBanned:     actionRes.UserBanned,
		UserRestricted: actionRes.UserRestricted,
		AdminsNotified: actionRes.AdminsNotified,
		FromCache:      true,
		ProcessingTime: p.now().Sub(start),
	}
}

// finishShortCircuit writes the best-effort audit record for messages that
// never reached the calculator.
func (p *Pipeline) finishShortCircuit(ctx context.Context, msg *types.MessageContext, groupType types.GroupType, res *Result, stage string, start time.Time) {
	decision := types.NewDecision(msg, start.UTC())
	decision.Verdict = res.Verdict
	decision.CancelledStage = stage
	decision.ProcessingTimeMS = p.now().Sub(start).Milliseconds()
	p.record(ctx, groupType, decision)

	res.DecisionID = decision.ID
	res.ProcessingTime = p.now().Sub(start)
}

// record persists the decision even when the request context is already
// cancelled; the audit write gets its own small budget.
func (p *Pipeline) record(ctx context.Context, groupType types.GroupType, decision *types.Decision) {
	rctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if decision.CancelledStage == "" {
			decision.CancelledStage = "finalize"
		}
	}
	if err := p.audit.Record(rctx, groupType, decision); err != nil {
		logger.Error("pipeline: audit record lost", "decision_id", decision.ID, "error", err)
	}
}

// decisionCacheKey digests the chat and normalized text; empty-text messages
// (media-only) never share a key with each other.
func decisionCacheKey(msg *types.MessageContext) string {
	textHash := analyzer.TextHash(msg.Text)
	if textHash == "" {
		textHash = fmt.Sprintf("media:%d", msg.MessageID)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", msg.ChatID, textHash)))
	return hex.EncodeToString(sum[:])
}

func actionTakenOrNone(taken string) string {
	if taken == "" {
		return "none"
	}
	return taken
}
