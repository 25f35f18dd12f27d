package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/action"
	"github.com/saqshy/saqshy/internal/analyzer"
	"github.com/saqshy/saqshy/internal/llm"
	"github.com/saqshy/saqshy/internal/messaging"
	"github.com/saqshy/saqshy/internal/risk"
	"github.com/saqshy/saqshy/internal/trust"
	"github.com/saqshy/saqshy/internal/types"
)

// --- fakes ---------------------------------------------------------------

type fakeKV struct {
	mu        sync.Mutex
	admins    map[int64]bool
	userCount int
	decisions map[string][]byte
	stored    map[string][]byte
	flagged   []int64
	blocked   []int64
	setAdmins map[int64]bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		admins:    make(map[int64]bool),
		decisions: make(map[string][]byte),
		stored:    make(map[string][]byte),
		setAdmins: make(map[int64]bool),
	}
}

func (f *fakeKV) IsAdmin(_ context.Context, _, userID int64) (bool, bool) {
	isAdmin, cached := f.admins[userID]
	return isAdmin, cached
}

func (f *fakeKV) SetAdmin(_ context.Context, _, userID int64, isAdmin bool) {
	f.setAdmins[userID] = isAdmin
}

func (f *fakeKV) IncrementRate(context.Context, int64, int64, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCount++
	return f.userCount, nil
}

func (f *fakeKV) IncrementGroupRate(context.Context, int64, int) (int, error) { return 1, nil }

func (f *fakeKV) CachedDecision(_ context.Context, hash string) ([]byte, bool) {
	blob, ok := f.decisions[hash]
	return blob, ok
}

func (f *fakeKV) StoreDecision(_ context.Context, hash string, blob []byte) {
	f.stored[hash] = blob
}

func (f *fakeKV) MarkFlagged(_ context.Context, userID, _ int64) { f.flagged = append(f.flagged, userID) }
func (f *fakeKV) MarkBlocked(_ context.Context, userID, _ int64) { f.blocked = append(f.blocked, userID) }

type fakeTrust struct {
	tier     types.TrustTier
	evalErr  error
	outcomes []types.Verdict
}

func (f *fakeTrust) Evaluate(context.Context, *types.MessageContext, trust.Policy, bool, int, bool) (trust.Assessment, error) {
	if f.evalErr != nil {
		return trust.Assessment{}, f.evalErr
	}
	return trust.Assessment{Level: types.TrustLimited, Tier: f.tier}, nil
}

func (f *fakeTrust) RecordOutcome(_ context.Context, _ *types.MessageContext, _ trust.Policy, verdict types.Verdict, _ bool) (trust.Outcome, error) {
	f.outcomes = append(f.outcomes, verdict)
	return trust.Outcome{}, nil
}

type fakeActions struct {
	calls      []types.Verdict
	thresholds []int
	result     action.Result
}

func (f *fakeActions) Execute(_ context.Context, _ *types.MessageContext, r *types.RiskResult, blockThreshold int) action.Result {
	f.calls = append(f.calls, r.Verdict)
	f.thresholds = append(f.thresholds, blockThreshold)
	return f.result
}

type fakeAudit struct {
	mu       sync.Mutex
	recorded []*types.Decision
}

func (f *fakeAudit) Record(_ context.Context, _ types.GroupType, d *types.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, d)
	return nil
}

func (f *fakeAudit) last(t *testing.T) *types.Decision {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.recorded)
	return f.recorded[len(f.recorded)-1]
}

type fakeAdjudicator struct {
	adj   llm.Adjudication
	err   error
	calls int
}

func (f *fakeAdjudicator) Adjudicate(context.Context, *types.MessageContext, *types.RiskResult) (llm.Adjudication, error) {
	f.calls++
	return f.adj, f.err
}

// Providers for the real behavior/network analyzers.

type stubHistory struct {
	fail bool
	hang bool
}

func (s *stubHistory) RecordMessage(context.Context, int64, int64, time.Time) error { return nil }
func (s *stubHistory) CountInWindow(ctx context.Context, _, _ int64, _ time.Duration) (int, error) {
	if s.hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if s.fail {
		return 0, errors.New("kv down")
	}
	return 1, nil
}
func (s *stubHistory) FirstMessageTime(context.Context, int64, int64) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (s *stubHistory) JoinTime(context.Context, int64, int64) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (s *stubHistory) IncrementStat(context.Context, int64, int64, string) error { return nil }
func (s *stubHistory) Stats(context.Context, int64, int64) (analyzer.UserStats, error) {
	return analyzer.UserStats{Approved: 3}, nil
}
func (s *stubHistory) IsAdminMessage(context.Context, int64, int64) (bool, error) {
	return false, nil
}

type stubSpamDB struct {
	similarity float64
	pattern    string

	mu      sync.Mutex
	reports []string
}

func (s *stubSpamDB) Check(context.Context, string) (float64, string, error) {
	return s.similarity, s.pattern, nil
}

func (s *stubSpamDB) Report(_ context.Context, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, text)
	return nil
}

func (s *stubSpamDB) reported() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reports...)
}

type stubTracker struct{ info analyzer.CrossGroupInfo }

func (s *stubTracker) RecordMessage(context.Context, int64, int64, string) error { return nil }
func (s *stubTracker) Snapshot(context.Context, int64, int64, string) (analyzer.CrossGroupInfo, error) {
	return s.info, nil
}

type stubClient struct {
	member messaging.ChatMember
	err    error
	calls  int
}

func (s *stubClient) DeleteMessage(context.Context, int64, int64) error               { return nil }
func (s *stubClient) RestrictToTextOnly(context.Context, int64, int64, time.Time) error { return nil }
func (s *stubClient) BanMember(context.Context, int64, int64) error                   { return nil }
func (s *stubClient) SendMessage(context.Context, int64, string, int64) (int64, error) {
	return 0, nil
}
func (s *stubClient) GetChatMember(context.Context, int64, int64) (messaging.ChatMember, error) {
	s.calls++
	return s.member, s.err
}

// --- harness -------------------------------------------------------------

type harness struct {
	p       *Pipeline
	kv      *fakeKV
	trust   *fakeTrust
	actions *fakeActions
	audit   *fakeAudit
	adj     *fakeAdjudicator
	spamDB  *stubSpamDB
	tracker *stubTracker
	client  *stubClient
	history *stubHistory
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, Config{})
}

func newHarnessWithConfig(t *testing.T, cfg Config) *harness {
	t.Helper()
	calc, err := risk.NewCalculator()
	require.NoError(t, err)

	h := &harness{
		kv:      newFakeKV(),
		trust:   &fakeTrust{tier: types.TierUntrusted},
		actions: &fakeActions{},
		audit:   &fakeAudit{},
		adj:     &fakeAdjudicator{},
		spamDB:  &stubSpamDB{},
		tracker: &stubTracker{},
		client:  &stubClient{},
		history: &stubHistory{},
	}
	h.p = New(Deps{
		Behavior:    analyzer.NewBehaviorAnalyzer(h.history, nil, nil),
		Network:     analyzer.NewNetworkAnalyzer(h.spamDB, h.tracker),
		Calculator:  calc,
		Adjudicator: h.adj,
		Actions:     h.actions,
		Trust:       h.trust,
		Audit:       h.audit,
		KV:          h.kv,
		Client:      h.client,
		Reporter:    h.spamDB,
		Sink:        nil,
	}, cfg)
	return h
}

func benignMsg() *types.MessageContext {
	return &types.MessageContext{
		MessageID: 7, ChatID: -100123, UserID: 42,
		Timestamp: time.Now(),
		Username:  "regular", FirstName: "Reg",
		ChatType: "supergroup",
		Text:     "thanks, that fixed my issue",
	}
}

func spamMsg() *types.MessageContext {
	m := benignMsg()
	m.Text = "СРОЧНО! Гарантированный доход x10! bit.ly/aaa bit.ly/bbb переведи на кошелек 0x1a2B3c4D5e6F70819293A4b5C6d7E8f901234567 только сегодня!!!"
	return m
}

// --- tests ---------------------------------------------------------------

func TestBenignMessageAllows(t *testing.T) {
	h := newHarness(t)

	res, err := h.p.Process(context.Background(), benignMsg())
	require.NoError(t, err)

	assert.Equal(t, types.VerdictAllow, res.Verdict)
	assert.False(t, res.LLMUsed)
	assert.Zero(t, h.adj.calls, "no gray zone, no model call")
	assert.Equal(t, []types.Verdict{types.VerdictAllow}, h.trust.outcomes)

	d := h.audit.last(t)
	assert.Equal(t, types.VerdictAllow, d.Verdict)
	assert.Empty(t, d.CancelledStage)
	assert.NotEmpty(t, res.DecisionID)
	assert.NotEmpty(t, h.kv.stored, "verdict cached for duplicate text")
}

func TestSpamMessageBlocksAndMarks(t *testing.T) {
	h := newHarness(t)
	h.spamDB.similarity = 0.96
	h.spamDB.pattern = "crypto_guaranteed_returns"
	h.tracker.info = analyzer.CrossGroupInfo{DuplicateGroups: 5, GroupsInCommon: 2}
	h.actions.result = action.Result{ActionTaken: "blocked", MessageDeleted: true}

	res, err := h.p.Process(context.Background(), spamMsg())
	require.NoError(t, err)

	assert.Equal(t, types.VerdictBlock, res.Verdict)
	assert.GreaterOrEqual(t, res.Score, 92)
	assert.True(t, res.MessageDeleted)
	require.Len(t, h.actions.calls, 1)
	assert.Equal(t, []int{92}, h.actions.thresholds, "general-group block threshold")
	assert.Equal(t, []int64{42}, h.kv.blocked, "blocked users marked cross-group")

	d := h.audit.last(t)
	assert.Equal(t, "blocked", d.ActionTaken)
	assert.True(t, d.MessageDeleted)
	assert.NotEmpty(t, d.NetworkSignals)
}

func TestAdminBypassSkipsEverything(t *testing.T) {
	h := newHarness(t)
	h.kv.admins[42] = true

	res, err := h.p.Process(context.Background(), spamMsg())
	require.NoError(t, err)

	assert.True(t, res.AdminBypass)
	assert.Equal(t, types.VerdictAllow, res.Verdict)
	assert.Empty(t, h.actions.calls)
	assert.Empty(t, h.audit.recorded)
	assert.Empty(t, h.trust.outcomes)
}

func TestAdminLookupFallsBackToPlatform(t *testing.T) {
	h := newHarness(t)
	h.client.member = messaging.ChatMember{Status: "administrator", IsMember: true}

	res, err := h.p.Process(context.Background(), benignMsg())
	require.NoError(t, err)

	assert.True(t, res.AdminBypass)
	assert.Equal(t, 1, h.client.calls)
	assert.Equal(t, map[int64]bool{42: true}, h.kv.setAdmins, "live answer cached")
}

func TestRateLimitedShortCircuitsToAllow(t *testing.T) {
	h := newHarness(t)
	h.kv.userCount = 20 // next increment goes over the default 20/window

	res, err := h.p.Process(context.Background(), spamMsg())
	require.NoError(t, err)

	assert.True(t, res.RateLimited)
	assert.Equal(t, types.VerdictAllow, res.Verdict)
	assert.Empty(t, h.actions.calls, "no analysis, no actions")

	d := h.audit.last(t)
	assert.Equal(t, "rate_limited", d.CancelledStage)
}

func TestCachedVerdictReplaysActions(t *testing.T) {
	h := newHarness(t)
	h.actions.result = action.Result{ActionTaken: "blocked", MessageDeleted: true}

	msg := spamMsg()
	blob := []byte(`{"score":95,"verdict":4,"threat_type":"spam"}`)
	h.kv.decisions[decisionCacheKey(msg)] = blob

	res, err := h.p.Process(context.Background(), msg)
	require.NoError(t, err)

	assert.True(t, res.FromCache)
	assert.Equal(t, types.VerdictBlock, res.Verdict)
	assert.Equal(t, 95, res.Score)
	require.Len(t, h.actions.calls, 1, "fresh side effects for the new message")
	assert.Equal(t, []types.Verdict{types.VerdictBlock}, h.trust.outcomes)
	assert.Len(t, h.audit.recorded, 1)
}

func TestGrayZoneOverrideAndFallback(t *testing.T) {
	h := newHarness(t)
	msg := benignMsg()

	riskResult := &types.RiskResult{
		Score: 70, Verdict: types.VerdictLimit, NeedsLLM: true,
	}
	decision := types.NewDecision(msg, time.Now())
	h.adj.adj = llm.Adjudication{Verdict: types.VerdictAllow, Confidence: 0.9, LatencyMS: 800, Raw: `{"verdict":"allow"}`}

	h.p.adjudicate(context.Background(), msg, riskResult, decision)
	assert.Equal(t, types.VerdictAllow, riskResult.Verdict, "model overrides rule verdict")
	assert.True(t, decision.LLMUsed)
	assert.Equal(t, int64(800), decision.LLMLatencyMS)

	// Failure keeps the rule-based verdict but still records the attempt.
	riskResult = &types.RiskResult{Score: 70, Verdict: types.VerdictLimit, NeedsLLM: true}
	decision = types.NewDecision(msg, time.Now())
	h.adj.adj = llm.Adjudication{}
	h.adj.err = errors.New("model timeout")

	h.p.adjudicate(context.Background(), msg, riskResult, decision)
	assert.Equal(t, types.VerdictLimit, riskResult.Verdict)
	assert.True(t, decision.LLMUsed)
}

func TestOutsideGrayZoneNeverCallsModel(t *testing.T) {
	h := newHarness(t)

	riskResult := &types.RiskResult{Score: 95, Verdict: types.VerdictBlock, NeedsLLM: false}
	h.p.adjudicate(context.Background(), benignMsg(), riskResult, types.NewDecision(benignMsg(), time.Now()))
	assert.Zero(t, h.adj.calls)
}

func TestTrustFailureScoresUntrusted(t *testing.T) {
	h := newHarness(t)
	h.trust.evalErr = errors.New("kv down")

	res, err := h.p.Process(context.Background(), benignMsg())
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAllow, res.Verdict, "benign text stays allowed even as untrusted")
}

func TestCancelledContextStillRecords(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.p.Process(ctx, benignMsg())
	assert.Error(t, err)

	d := h.audit.last(t)
	assert.NotEmpty(t, d.CancelledStage)
}

func TestReviewVerdictMarksFlagged(t *testing.T) {
	h := newHarness(t)
	msg := benignMsg()

	h.p.updateTrust(context.Background(), msg, trust.DefaultPolicy(), types.VerdictReview, types.NetworkSignals{})
	assert.Equal(t, []int64{42}, h.kv.flagged)
	assert.Empty(t, h.kv.blocked)
}

func TestHangingAnalyzerStillYieldsVerdictInTime(t *testing.T) {
	cfg := Config{
		SoftDeadline: 40 * time.Millisecond,
		HardDeadline: 250 * time.Millisecond,
	}
	h := newHarnessWithConfig(t, cfg)
	h.history.hang = true // behavior analyzer blocks until its deadline

	start := time.Now()
	res, err := h.p.Process(context.Background(), benignMsg())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, types.VerdictAllow, res.Verdict, "stuck analyzer degrades to defaults, not an error")
	assert.Less(t, elapsed, cfg.HardDeadline+time.Second)

	d := h.audit.last(t)
	assert.Empty(t, d.CancelledStage, "a degraded analyzer is not a cancellation")
}

func TestBlockedNovelTextReportedToSpamDB(t *testing.T) {
	h := newHarness(t)
	msg := spamMsg()

	r := &types.RiskResult{Score: 95, Verdict: types.VerdictBlock, ThreatType: types.ThreatSpam}
	h.p.reportSpam(context.Background(), msg, r)
	require.Len(t, h.spamDB.reported(), 1)
	assert.Equal(t, msg.Text, h.spamDB.reported()[0])
}

func TestAlreadyMatchedTextNotEchoedBack(t *testing.T) {
	h := newHarness(t)
	msg := spamMsg()

	r := &types.RiskResult{Score: 95, Verdict: types.VerdictBlock, ThreatType: types.ThreatSpam}
	r.Signals.Network.SpamDBMatchedPattern = "crypto_guaranteed_returns"
	h.p.reportSpam(context.Background(), msg, r)

	r = &types.RiskResult{Score: 95, Verdict: types.VerdictBlock, ThreatType: types.ThreatSpam}
	r.Signals.Network.SpamDBSimilarity = 0.91
	h.p.reportSpam(context.Background(), msg, r)

	// Non-block verdicts and empty text never report either.
	h.p.reportSpam(context.Background(), msg,
		&types.RiskResult{Score: 70, Verdict: types.VerdictLimit, ThreatType: types.ThreatSpam})
	empty := benignMsg()
	empty.Text = ""
	h.p.reportSpam(context.Background(), empty,
		&types.RiskResult{Score: 95, Verdict: types.VerdictBlock, ThreatType: types.ThreatSpam})

	assert.Empty(t, h.spamDB.reported())
}
