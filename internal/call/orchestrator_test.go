package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/callerctx"
	"AgentPay-Chain/internal/endpoint"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/idempotency"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/receipt"
	"AgentPay-Chain/internal/schema"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/internal/settlement/memory"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	agentOwner    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	protocolOwner = common.HexToAddress("0x3000000000000000000000000000000000000003")
	plannerOwner  = common.HexToAddress("0x5000000000000000000000000000000000000005")
	endUser       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token         = settlement.Asset{Kind: settlement.AssetToken, Token: common.HexToAddress("0x00000000000000000000000000000000000000c0"), Symbol: "TKN", Decimals: 6}
	testDeriver   = settlement.Deriver{Factory: common.HexToAddress("0x4000000000000000000000000000000000000004"), InitCodeHash: crypto.Keccak256Hash([]byte("account"))}
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type failingStore struct {
	*receipt.MemoryStore
}

func (failingStore) Save(context.Context, *receipt.Receipt) error {
	return xerrors.New(xerrors.CodeStorageFailure, "磁盘已满")
}

type fixture struct {
	server   *httptest.Server
	ledger   *memory.Ledger
	catalog  *agent.StaticCatalog
	builder  *settlement.Builder
	receipts *receipt.MemoryStore
	guard    *idempotency.MemoryGuard
	events   *events.MemoryPublisher
	alerts   *recordingDispatcher
	metrics  *metrics.Metrics
	payer    *settlement.KeySigner
	opts     []Option
	orch     *Orchestrator

	mu   sync.Mutex
	seen []*callerctx.CallerContext
	hits atomic.Int32
}

type fixtureConfig struct {
	routes     map[string]http.Handler
	ledgerOpts []memory.Option
	opts       []Option
}

func summarizeSchema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.TypeObject,
		Required: []string{"text"},
		Properties: map[string]*schema.Schema{
			"text": {Type: schema.TypeString, MinLength: schema.Int(1)},
		},
	}
}

func summaryOutputSchema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.TypeObject,
		Required: []string{"summary"},
		Properties: map[string]*schema.Schema{
			"summary": {Type: schema.TypeString},
		},
	}
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	f := &fixture{}

	mux := http.NewServeMux()
	mux.Handle("/summarize", endpoint.Handler(func(ctx context.Context, input json.RawMessage) (any, error) {
		f.hits.Add(1)
		f.mu.Lock()
		f.seen = append(f.seen, callerctx.FromContext(ctx))
		f.mu.Unlock()
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, &endpoint.ClientError{Message: "bad input"}
		}
		return map[string]string{"summary": strings.ToUpper(in.Text)}, nil
	}))
	for path, h := range cfg.routes {
		mux.Handle(path, h)
	}
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f.payer = settlement.NewKeySigner(key)

	f.ledger = memory.New(append([]memory.Option{memory.WithDeriver(testDeriver)}, cfg.ledgerOpts...)...)
	f.ledger.Fund(f.payer.Address(), big.NewInt(10_000_000))
	f.ledger.FundToken(token, f.payer.Address(), big.NewInt(1_000_000))

	f.catalog, err = agent.NewStaticCatalog(
		&agent.Agent{
			ID: "summarizer", Name: "Summarizer", Endpoint: f.server.URL + "/summarize", Class: agent.ClassSimple,
			PayoutAddress: agentOwner, InputSchema: summarizeSchema(), OutputSchema: summaryOutputSchema(),
			Price: big.NewInt(1_000_000), AssetRef: settlement.NativeRef, Decimals: 18, Active: true,
		},
		&agent.Agent{
			ID: "tokenized", Name: "Tokenized", Endpoint: f.server.URL + "/summarize", Class: agent.ClassSimple,
			PayoutAddress: agentOwner, InputSchema: summarizeSchema(), OutputSchema: summaryOutputSchema(),
			Price: big.NewInt(1_000), AssetRef: token.Token.Hex(), Decimals: 6, Active: true,
		},
		&agent.Agent{
			ID: "dormant", Name: "Dormant", Endpoint: f.server.URL + "/summarize", Class: agent.ClassSimple,
			PayoutAddress: agentOwner, InputSchema: summarizeSchema(), OutputSchema: summaryOutputSchema(),
			Price: big.NewInt(1), AssetRef: settlement.NativeRef, Active: false,
		},
		&agent.Agent{
			ID: "exotic", Name: "Exotic", Endpoint: f.server.URL + "/summarize", Class: agent.ClassSimple,
			PayoutAddress: agentOwner, InputSchema: summarizeSchema(), OutputSchema: summaryOutputSchema(),
			Price: big.NewInt(1), AssetRef: "0x00000000000000000000000000000000000000ee", Active: true,
		},
		&agent.Agent{
			ID: "planner", Name: "Planner", Endpoint: f.server.URL + "/plan", Class: agent.ClassCoordinator,
			PayoutAddress: plannerOwner, InputSchema: &schema.Schema{Type: schema.TypeObject}, OutputSchema: summaryOutputSchema(),
			Price: big.NewInt(500_000), AssetRef: settlement.NativeRef, Decimals: 18, Active: true,
		},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	f.builder = settlement.NewBuilder(f.ledger, settlement.NewAssetRegistry("ETH", 18, token), testDeriver)
	f.receipts = receipt.NewMemoryStore()
	f.guard = idempotency.NewMemoryGuard()
	f.events = events.NewMemoryPublisher(16)
	f.alerts = &recordingDispatcher{}
	f.metrics = metrics.New()
	f.opts = append([]Option{
		WithGuard(f.guard),
		WithPublisher(f.events),
		WithAlertDispatcher(f.alerts),
		WithMetrics(f.metrics),
		WithProtocolFee(2_000, protocolOwner),
		WithConfirmPolicy(ConfirmPolicy{MaxPolls: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}),
	}, cfg.opts...)
	f.orch = f.newOrchestrator(t, f.receipts)
	return f
}

func (f *fixture) newOrchestrator(t *testing.T, store receipt.Store) *Orchestrator {
	t.Helper()
	orch, err := New(f.catalog, endpoint.NewHTTPInvoker(), f.builder, store, f.opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func (f *fixture) lastEvent(t *testing.T) events.Event {
	t.Helper()
	all := f.events.Events()
	if len(all) == 0 {
		t.Fatalf("no events published")
	}
	return all[len(all)-1]
}

func assertNoChainIO(t *testing.T, l *memory.Ledger) {
	t.Helper()
	if stats := l.Stats(); stats != (memory.Stats{}) {
		t.Fatalf("expected zero ledger interactions, got %+v", stats)
	}
}

func metadataOf(t *testing.T, err error) map[string]string {
	t.Helper()
	e, ok := xerrors.From(err)
	if !ok {
		t.Fatalf("expected *xerrors.Error, got %T", err)
	}
	return e.Metadata()
}

func TestCallSettlesNativeAgent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	input := json.RawMessage(`{"text": "hello"}`)

	out, err := f.orch.Call(ctx, Intent{ID: "intent-a", AgentID: "summarizer", Input: input}, f.payer)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !out.Succeeded() || out.State != StateReceipted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(string(out.Output), "HELLO") {
		t.Fatalf("unexpected output %s", out.Output)
	}

	rec := out.Receipt
	if rec.Total != "1000000" || rec.AgentShare != "800000" || rec.ProtocolFee != "200000" {
		t.Fatalf("unexpected amounts %+v", rec)
	}
	if rec.Payer != f.payer.Address().Hex() || rec.CallerAddress != f.payer.Address().Hex() || rec.CallingAgentID != "" {
		t.Fatalf("unexpected caller fields %+v", rec)
	}
	if rec.InputHash != receipt.HashPayload(input) || rec.OutputHash != receipt.HashPayload(out.Output) {
		t.Fatalf("unexpected hashes %+v", rec)
	}
	if rec.Signature == "" || rec.Signature != out.Signature || rec.AssetRef != settlement.NativeRef {
		t.Fatalf("unexpected receipt %+v", rec)
	}
	stored, err := f.receipts.GetByIntent(ctx, "intent-a")
	if err != nil || stored.ID != out.ReceiptID() {
		t.Fatalf("receipt not persisted: %v", err)
	}

	if got := f.ledger.Balance(agentOwner).Int64(); got != 800_000 {
		t.Fatalf("agent balance %d", got)
	}
	if got := f.ledger.Balance(protocolOwner).Int64(); got != 200_000 {
		t.Fatalf("protocol balance %d", got)
	}
	if stats := f.ledger.Stats(); stats.Submissions != 1 || stats.Accepted != 1 {
		t.Fatalf("expected exactly one submission, got %+v", stats)
	}

	evt := f.lastEvent(t)
	if evt.Type != events.TypeSettled || evt.ReceiptID != rec.ID || evt.State != string(StateReceipted) {
		t.Fatalf("unexpected event %+v", evt)
	}

	// 已结算的意图不能再次付款。
	again, err := f.orch.Call(ctx, Intent{ID: "intent-a", AgentID: "summarizer", Input: input}, f.payer)
	if !xerrors.HasCode(err, idempotency.CodeDuplicateIntent) || again.State != StateCreated {
		t.Fatalf("expected duplicate intent, got %v (%s)", err, again.State)
	}
	if stats := f.ledger.Stats(); stats.Submissions != 1 {
		t.Fatalf("duplicate intent must not submit, got %+v", stats)
	}
}

func TestCallProvisionsTokenAccounts(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	out, err := f.orch.Call(context.Background(), Intent{AgentID: "tokenized", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.IntentID == "" {
		t.Fatalf("intent id should be generated")
	}
	if !f.ledger.HasAccount(token, agentOwner) || !f.ledger.HasAccount(token, protocolOwner) {
		t.Fatalf("recipient accounts should have been created")
	}
	if got := f.ledger.TokenBalance(token, agentOwner).Int64(); got != 800 {
		t.Fatalf("agent token balance %d", got)
	}
	if got := f.ledger.TokenBalance(token, protocolOwner).Int64(); got != 200 {
		t.Fatalf("protocol token balance %d", got)
	}
	if out.Receipt.AssetRef != token.Token.Hex() || out.Receipt.Decimals != 6 {
		t.Fatalf("unexpected receipt asset %+v", out.Receipt)
	}
}

func TestEndpointTimeoutMakesNoChainCalls(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	f := newFixture(t, fixtureConfig{
		routes: map[string]http.Handler{"/slow": slow},
		opts:   []Option{WithTimeouts(map[agent.Class]time.Duration{agent.ClassSimple: 50 * time.Millisecond})},
	})
	slowAgent, _ := f.catalog.Get(context.Background(), "summarizer")
	slowAgent.Endpoint = f.server.URL + "/slow"

	out, err := f.orch.Call(context.Background(), Intent{ID: "intent-c", AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if !xerrors.HasCode(err, CodeEndpointFailed) || out.State != StateEndpointFailed {
		t.Fatalf("expected endpoint failure, got %v (%s)", err, out.State)
	}
	if md := metadataOf(t, err); md["reason"] != "timeout" {
		t.Fatalf("expected timeout reason, got %v", md)
	}
	assertNoChainIO(t, f.ledger)
	if out.Output != nil || out.Signature != "" {
		t.Fatalf("failed call must not expose output or signature: %+v", out)
	}
	// 未提交交易时意图被释放，可以重试。
	if err := f.guard.Acquire(context.Background(), "intent-c"); err != nil {
		t.Fatalf("intent should have been released: %v", err)
	}
}

func TestEndpointErrorStatus(t *testing.T) {
	broken := endpoint.Handler(func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("model crashed")
	})
	f := newFixture(t, fixtureConfig{routes: map[string]http.Handler{"/broken": broken}})
	a, _ := f.catalog.Get(context.Background(), "summarizer")
	a.Endpoint = f.server.URL + "/broken"

	_, err := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	md := metadataOf(t, err)
	if md["reason"] != "status" || md["status_code"] != "500" {
		t.Fatalf("unexpected metadata %v", md)
	}
	assertNoChainIO(t, f.ledger)
}

func TestOutputRejectedMakesNoChainCalls(t *testing.T) {
	wrong := endpoint.Handler(func(context.Context, json.RawMessage) (any, error) {
		return map[string]int{"wrong": 1}, nil
	})
	f := newFixture(t, fixtureConfig{routes: map[string]http.Handler{"/wrong": wrong}})
	a, _ := f.catalog.Get(context.Background(), "summarizer")
	a.Endpoint = f.server.URL + "/wrong"

	out, err := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if !xerrors.HasCode(err, CodeOutputRejected) || out.State != StateOutputRejected {
		t.Fatalf("expected output rejection, got %v (%s)", err, out.State)
	}
	found := false
	for _, v := range out.Violations {
		if v.Field == "summary" && v.Rule == "required" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected required violation on summary, got %v", out.Violations)
	}
	assertNoChainIO(t, f.ledger)
	if out.Output != nil {
		t.Fatalf("rejected output must not be returned")
	}
	if evt := f.lastEvent(t); evt.Type != events.TypeRejected || evt.Code != string(CodeOutputRejected) {
		t.Fatalf("unexpected event %+v", evt)
	}
	if len(f.alerts.snapshot()) != 0 {
		t.Fatalf("output rejection is not alerted")
	}
}

func TestMalformedOutputIsRejected(t *testing.T) {
	garbage := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	f := newFixture(t, fixtureConfig{routes: map[string]http.Handler{"/garbage": garbage}})
	a, _ := f.catalog.Get(context.Background(), "summarizer")
	a.Endpoint = f.server.URL + "/garbage"

	out, _ := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if out.State != StateOutputRejected || len(out.Violations) != 1 || out.Violations[0].Rule != schema.RuleMalformed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	assertNoChainIO(t, f.ledger)
}

func TestInputRejectedSkipsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	out, err := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":""}`)}, f.payer)
	if !xerrors.HasCode(err, CodeInputRejected) || out.State != StateInputRejected {
		t.Fatalf("expected input rejection, got %v (%s)", err, out.State)
	}
	if len(out.Violations) == 0 {
		t.Fatalf("violations should be reported")
	}
	if f.hits.Load() != 0 {
		t.Fatalf("endpoint must not be invoked")
	}
	assertNoChainIO(t, f.ledger)
}

func TestPreflightFailures(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	cases := []struct {
		name    string
		agentID string
		payer   settlement.Signer
		code    xerrors.Code
	}{
		{name: "unknown agent", agentID: "ghost", payer: f.payer, code: agent.CodeAgentNotFound},
		{name: "inactive agent", agentID: "dormant", payer: f.payer, code: agent.CodeAgentInactive},
		{name: "unsupported asset", agentID: "exotic", payer: f.payer, code: settlement.CodeUnsupportedAssetKind},
		{name: "missing payer", agentID: "summarizer", payer: nil, code: xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := f.orch.Call(context.Background(), Intent{AgentID: tc.agentID, Input: json.RawMessage(`{"text":"hi"}`)}, tc.payer)
			if !xerrors.HasCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if out.State != StateCreated {
				t.Fatalf("preflight failure must keep state Created, got %s", out.State)
			}
		})
	}
	if f.hits.Load() != 0 {
		t.Fatalf("endpoint must not be invoked")
	}
	assertNoChainIO(t, f.ledger)
}

func TestRebuildsOnceAfterFreshnessExpiry(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	var once sync.Once
	f.ledger.BeforeSubmit(func() {
		once.Do(func() { f.ledger.Advance(500) })
	})

	out, err := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.State != StateReceipted {
		t.Fatalf("unexpected state %s", out.State)
	}
	if stats := f.ledger.Stats(); stats.Submissions != 2 || stats.Accepted != 1 || stats.FreshnessCalls != 2 {
		t.Fatalf("expected one rebuild, got %+v", stats)
	}
	expected := `
# HELP agentpay_settlement_rebuilds_total Settlement plans rebuilt after a stale freshness token or account race.
# TYPE agentpay_settlement_rebuilds_total counter
agentpay_settlement_rebuilds_total 1
`
	if err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "agentpay_settlement_rebuilds_total"); err != nil {
		t.Fatalf("rebuild metric: %v", err)
	}
}

func TestRebuildHappensAtMostOnce(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.ledger.BeforeSubmit(func() { f.ledger.Advance(500) })

	out, err := f.orch.Call(context.Background(), Intent{ID: "intent-stale", AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if !xerrors.HasCode(err, CodeSettlementFailed) || out.State != StateSettlementFailed {
		t.Fatalf("expected settlement failure, got %v (%s)", err, out.State)
	}
	if !errors.Is(err, settlement.ErrFreshnessExpired) {
		t.Fatalf("cause should be preserved: %v", err)
	}
	if stats := f.ledger.Stats(); stats.Submissions != 2 || stats.Accepted != 0 {
		t.Fatalf("expected two rejected submissions, got %+v", stats)
	}
	if !strings.Contains(string(out.Output), "HI") {
		t.Fatalf("validated output must accompany the settlement failure, got %s", out.Output)
	}
	if err := f.guard.Acquire(context.Background(), "intent-stale"); err != nil {
		t.Fatalf("intent with no accepted transaction should be released: %v", err)
	}
}

func TestStrictAccountCreationTriggersRebuild(t *testing.T) {
	f := newFixture(t, fixtureConfig{ledgerOpts: []memory.Option{memory.WithStrictAccountCreation()}})
	var once sync.Once
	f.ledger.BeforeSubmit(func() {
		once.Do(func() { f.ledger.CreateAccount(token, agentOwner) })
	})

	out, err := f.orch.Call(context.Background(), Intent{AgentID: "tokenized", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.State != StateReceipted {
		t.Fatalf("unexpected state %s", out.State)
	}
	if got := f.ledger.TokenBalance(token, agentOwner).Int64(); got != 800 {
		t.Fatalf("agent token balance %d", got)
	}
}

func TestFailedConfirmationIsAlerted(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.ledger.FailConfirmations("execution reverted")

	out, err := f.orch.Call(context.Background(), Intent{ID: "intent-revert", AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if !xerrors.HasCode(err, CodeSettlementFailed) || out.State != StateSettlementFailed {
		t.Fatalf("expected settlement failure, got %v (%s)", err, out.State)
	}
	if out.Signature == "" {
		t.Fatalf("signature of the submitted transaction should be reported")
	}
	if f.hits.Load() != 1 || !strings.Contains(string(out.Output), "HI") {
		t.Fatalf("validated output must be delivered once, got %d hits output=%s", f.hits.Load(), out.Output)
	}
	alerts := f.alerts.snapshot()
	if len(alerts) != 1 || alerts[0].Code != CodeSettlementFailed || alerts[0].Signature != out.Signature {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if evt := f.lastEvent(t); evt.Type != events.TypeSettlementFailed || evt.Signature != out.Signature {
		t.Fatalf("unexpected event %+v", evt)
	}
	if list, _ := f.receipts.List(context.Background()); len(list) != 0 {
		t.Fatalf("no receipt for failed settlement")
	}
	// 已提交的交易保留意图占用，避免重复付款。
	if err := f.guard.Acquire(context.Background(), "intent-revert"); !xerrors.HasCode(err, idempotency.CodeDuplicateIntent) {
		t.Fatalf("intent should stay reserved, got %v", err)
	}
}

// lostAckLedger forwards to the memory ledger, optionally applying the
// submission, and always reports a transport error to the caller.
type lostAckLedger struct {
	*memory.Ledger
	deliver bool
}

func (l *lostAckLedger) Submit(ctx context.Context, tx *settlement.SealedTransaction) (string, error) {
	if l.deliver {
		if _, err := l.Ledger.Submit(ctx, tx); err != nil {
			return "", err
		}
	}
	return "", errors.New("write tcp: connection reset by peer")
}

func (f *fixture) withLedger(t *testing.T, ledger settlement.Ledger) *Orchestrator {
	t.Helper()
	builder := settlement.NewBuilder(ledger, settlement.NewAssetRegistry("ETH", 18, token), testDeriver)
	orch, err := New(f.catalog, endpoint.NewHTTPInvoker(), builder, f.receipts, f.opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func TestAmbiguousSubmitIsConfirmedNotRepaid(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	orch := f.withLedger(t, &lostAckLedger{Ledger: f.ledger, deliver: true})
	intent := Intent{ID: "same-intent", AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}

	out, err := orch.Call(context.Background(), intent, f.payer)
	if err != nil || out.State != StateReceipted {
		t.Fatalf("accepted transaction should be confirmed, got %v (%s)", err, out.State)
	}

	_, err = orch.Call(context.Background(), intent, f.payer)
	if !xerrors.HasCode(err, idempotency.CodeDuplicateIntent) {
		t.Fatalf("retry must be rejected as duplicate, got %v", err)
	}
	if stats := f.ledger.Stats(); stats.Accepted != 1 {
		t.Fatalf("expected one payment, got %+v", stats)
	}
	if got := f.ledger.Balance(agentOwner).Int64(); got != 800_000 {
		t.Fatalf("agent paid %d", got)
	}
}

func TestAmbiguousSubmitKeepsIntentReserved(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	orch := f.withLedger(t, &lostAckLedger{Ledger: f.ledger})
	intent := Intent{ID: "lost-intent", AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}

	out, err := orch.Call(context.Background(), intent, f.payer)
	if !xerrors.HasCode(err, CodeSettlementFailed) || out.State != StateSettlementFailed {
		t.Fatalf("expected settlement failure, got %v (%s)", err, out.State)
	}
	if out.Signature == "" || len(out.Output) == 0 {
		t.Fatalf("expected signature and output, got %+v", out)
	}

	_, err = orch.Call(context.Background(), intent, f.payer)
	if !xerrors.HasCode(err, idempotency.CodeDuplicateIntent) {
		t.Fatalf("retry must not pay again, got %v", err)
	}
	if f.hits.Load() != 1 {
		t.Fatalf("endpoint invoked %d times", f.hits.Load())
	}
}

// racedLedger loses one account creation race, either while sealing (gas
// estimation reverts) or after inclusion (the settle transaction reverts).
type racedLedger struct {
	*memory.Ledger
	atSeal   bool
	raced    bool
	reverted string
}

func (l *racedLedger) Seal(ctx context.Context, plan *settlement.Plan, signer settlement.Signer) (*settlement.SealedTransaction, error) {
	if l.atSeal && !l.raced {
		l.raced = true
		return nil, xerrors.Wrap(settlement.CodeSealFailed,
			fmt.Errorf("execution reverted: account already exists: %w", settlement.ErrAccountExists), "估算 gas 失败")
	}
	return l.Ledger.Seal(ctx, plan, signer)
}

func (l *racedLedger) Submit(ctx context.Context, tx *settlement.SealedTransaction) (string, error) {
	if !l.atSeal && !l.raced {
		l.raced = true
		l.reverted = tx.Signature
		return tx.Signature, nil
	}
	return l.Ledger.Submit(ctx, tx)
}

func (l *racedLedger) Confirm(ctx context.Context, signature string) (settlement.Confirmation, error) {
	if signature != "" && signature == l.reverted {
		return settlement.Confirmation{
			Status: settlement.ConfirmationFailed,
			Reason: "execution reverted: account already exists",
			Cause:  settlement.ErrAccountExists,
		}, nil
	}
	return l.Ledger.Confirm(ctx, signature)
}

func TestAccountRaceIsRebuiltOnce(t *testing.T) {
	for _, tc := range []struct {
		name   string
		atSeal bool
	}{
		{name: "gas estimation", atSeal: true},
		{name: "reverted settle", atSeal: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fixtureConfig{})
			orch := f.withLedger(t, &racedLedger{Ledger: f.ledger, atSeal: tc.atSeal})

			out, err := orch.Call(context.Background(), Intent{AgentID: "tokenized", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
			if err != nil || out.State != StateReceipted {
				t.Fatalf("account race must not be fatal, got %v (%s)", err, out.State)
			}
			if stats := f.ledger.Stats(); stats.Accepted != 1 {
				t.Fatalf("expected one accepted settlement, got %+v", stats)
			}
			if got := f.ledger.TokenBalance(token, agentOwner).Int64(); got != 800 {
				t.Fatalf("agent token balance %d", got)
			}
			expected := `
# HELP agentpay_settlement_rebuilds_total Settlement plans rebuilt after a stale freshness token or account race.
# TYPE agentpay_settlement_rebuilds_total counter
agentpay_settlement_rebuilds_total 1
`
			if err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "agentpay_settlement_rebuilds_total"); err != nil {
				t.Fatalf("rebuild metric: %v", err)
			}
		})
	}
}

func TestConfirmationPollsAreBounded(t *testing.T) {
	f := newFixture(t, fixtureConfig{ledgerOpts: []memory.Option{memory.WithConfirmAfter(10)}})
	out, err := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if out.State != StateSettlementFailed {
		t.Fatalf("unexpected state %s", out.State)
	}
	if md := metadataOf(t, err); md["polls"] != "3" {
		t.Fatalf("expected 3 polls, got %v", md)
	}
}

func TestFreshnessFailureKeepsCauseCode(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.ledger.SetFreshnessError(errors.New("rpc unavailable"))

	out, err := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if out.State != StateSettlementFailed {
		t.Fatalf("unexpected state %s", out.State)
	}
	if !xerrors.HasCode(err, settlement.CodeFreshnessFetchFailed) {
		t.Fatalf("freshness failure should be visible, got %v", err)
	}
	if md := metadataOf(t, err); md["cause_code"] != string(settlement.CodeFreshnessFetchFailed) {
		t.Fatalf("unexpected metadata %v", md)
	}
	if stats := f.ledger.Stats(); stats.Submissions != 0 {
		t.Fatalf("nothing should be submitted, got %+v", stats)
	}
}

func TestReceiptPersistFailureKeepsSettledState(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	orch := f.newOrchestrator(t, failingStore{MemoryStore: f.receipts})

	out, err := orch.Call(context.Background(), Intent{ID: "intent-disk", AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`)}, f.payer)
	if !xerrors.HasCode(err, CodeReceiptPersistFailed) {
		t.Fatalf("expected receipt persist failure, got %v", err)
	}
	if out.State != StateSettled || !out.State.Paid() {
		t.Fatalf("payment happened, state must stay Settled, got %s", out.State)
	}
	if out.Output == nil || out.Signature == "" {
		t.Fatalf("paid output must be returned: %+v", out)
	}
	if alerts := f.alerts.snapshot(); len(alerts) != 1 || alerts[0].Code != CodeReceiptPersistFailed {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if err := f.guard.Acquire(context.Background(), "intent-disk"); !xerrors.HasCode(err, idempotency.CodeDuplicateIntent) {
		t.Fatalf("settled intent must not be payable again, got %v", err)
	}
}

func TestCoordinatorPropagatesCallerContext(t *testing.T) {
	var (
		f          *fixture
		subReceipt atomic.Value
		parentSeen atomic.Value
	)
	plan := endpoint.Handler(func(ctx context.Context, input json.RawMessage) (any, error) {
		parent := callerctx.FromContext(ctx)
		parentSeen.Store(parent)
		child := callerctx.FromCallerContext(parent, callerctx.Identity{AgentID: "planner", AgentName: "Planner", Address: plannerOwner})
		out, err := f.orch.Call(ctx, Intent{
			AgentID:       "summarizer",
			Input:         json.RawMessage(`{"text":"sub task"}`),
			CallerContext: child,
		}, f.payer)
		if err != nil {
			return nil, err
		}
		subReceipt.Store(out.Receipt)
		var sub struct {
			Summary string `json:"summary"`
		}
		_ = json.Unmarshal(out.Output, &sub)
		return map[string]string{"summary": "plan: " + sub.Summary}, nil
	})
	f = newFixture(t, fixtureConfig{routes: map[string]http.Handler{"/plan": plan}})

	out, err := f.orch.Call(context.Background(), Intent{ID: "root-intent", AgentID: "planner", Input: json.RawMessage(`{}`), Caller: endUser}, f.payer)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(out.Output), "SUB TASK") {
		t.Fatalf("unexpected output %s", out.Output)
	}

	parent := parentSeen.Load().(*callerctx.CallerContext)
	if parent.CallerAddress != endUser || parent.CallingAgentID != "" {
		t.Fatalf("root context should name the end user, got %+v", parent)
	}

	f.mu.Lock()
	seen := f.seen
	f.mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected one sub-call, got %d", len(seen))
	}
	sub := seen[0]
	if sub.CallingAgentID != "planner" || sub.CallerAddress != endUser || sub.OriginIntentID != "root-intent" {
		t.Fatalf("sub-call context not derived from root: %+v", sub)
	}

	rec := subReceipt.Load().(*receipt.Receipt)
	if rec.CallingAgentID != "planner" || rec.CallerAddress != endUser.Hex() {
		t.Fatalf("unexpected sub receipt %+v", rec)
	}
	if out.Receipt.CallerAddress != endUser.Hex() || out.Receipt.CallingAgentID != "" {
		t.Fatalf("unexpected root receipt %+v", out.Receipt)
	}
	// 调用方只是归属信息，付款人始终是签名者。
	if rec.Payer != f.payer.Address().Hex() || out.Receipt.Payer != f.payer.Address().Hex() {
		t.Fatalf("receipts must name the signer as payer, got %s / %s", rec.Payer, out.Receipt.Payer)
	}
	if stats := f.ledger.Stats(); stats.Accepted != 2 {
		t.Fatalf("expected two settlements, got %+v", stats)
	}
}

func TestCallCycleIsRejected(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	cc := callerctx.FromCallerContext(nil, callerctx.Identity{AgentID: "summarizer", Address: agentOwner})
	_, err := f.orch.Call(context.Background(), Intent{AgentID: "summarizer", Input: json.RawMessage(`{"text":"hi"}`), CallerContext: cc}, f.payer)
	if !errors.Is(err, callerctx.ErrCallCycle) {
		t.Fatalf("expected call cycle, got %v", err)
	}
	assertNoChainIO(t, f.ledger)
}

func TestNewRequiresProtocolPayout(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	if _, err := New(f.catalog, endpoint.NewHTTPInvoker(), f.builder, f.receipts); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if _, err := New(f.catalog, endpoint.NewHTTPInvoker(), f.builder, f.receipts, WithProtocolFee(20_000, protocolOwner)); err == nil {
		t.Fatalf("fee above 100%% must be rejected")
	}
	if _, err := New(nil, nil, nil, nil); err == nil {
		t.Fatalf("missing dependencies must be rejected")
	}
}
