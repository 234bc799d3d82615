package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/settlement"
)

func TestFanOutCollectsEveryOutcome(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	intents := []Intent{
		{ID: "fan-1", AgentID: "summarizer", Input: json.RawMessage(`{"text":"one"}`)},
		{ID: "fan-2", AgentID: "summarizer", Input: json.RawMessage(`{"text":""}`)},
		{ID: "fan-3", AgentID: "tokenized", Input: json.RawMessage(`{"text":"three"}`)},
		{ID: "fan-4", AgentID: "ghost", Input: json.RawMessage(`{}`)},
	}

	outcomes := FanOut(context.Background(), f.orch, f.payer, intents)
	if len(outcomes) != len(intents) {
		t.Fatalf("expected %d outcomes, got %d", len(intents), len(outcomes))
	}
	for i, out := range outcomes {
		if out.IntentID != intents[i].ID {
			t.Fatalf("outcome %d belongs to %s", i, out.IntentID)
		}
	}
	if !outcomes[0].Succeeded() || !outcomes[2].Succeeded() {
		t.Fatalf("independent calls should succeed: %+v / %+v", outcomes[0], outcomes[2])
	}
	if outcomes[1].State != StateInputRejected || outcomes[1].Code() != CodeInputRejected {
		t.Fatalf("unexpected outcome %+v", outcomes[1])
	}
	if outcomes[3].Succeeded() || outcomes[3].State != StateCreated {
		t.Fatalf("unexpected outcome %+v", outcomes[3])
	}
	if stats := f.ledger.Stats(); stats.Accepted != 2 {
		t.Fatalf("expected two settlements, got %+v", stats)
	}
}

type stubCaller struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (s *stubCaller) Call(_ context.Context, intent Intent, _ settlement.Signer) (*Outcome, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	if intent.AgentID == "nil" {
		return nil, errors.New("boom")
	}
	return &Outcome{IntentID: intent.ID, AgentID: intent.AgentID, State: StateReceipted}, nil
}

func TestFanOutRunsConcurrentlyAndTagsMissingOutcomes(t *testing.T) {
	caller := &stubCaller{}
	outcomes := FanOut(context.Background(), caller, nil, []Intent{
		{ID: "a", AgentID: "x"},
		{ID: "b", AgentID: "nil"},
		{ID: "c", AgentID: "x"},
	})
	if caller.peak.Load() < 2 {
		t.Fatalf("calls should overlap, peak %d", caller.peak.Load())
	}
	if outcomes[1].Err == nil || outcomes[1].IntentID != "b" || outcomes[1].Succeeded() {
		t.Fatalf("missing outcome must carry the error: %+v", outcomes[1])
	}
	if outcomes[1].Code() != xerrors.CodeUnknown {
		t.Fatalf("untyped error maps to unknown code, got %s", outcomes[1].Code())
	}
	if outcomes[0].State != StateReceipted || outcomes[2].State != StateReceipted {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
}

func TestAwaitConfirmationBackoff(t *testing.T) {
	policy := ConfirmPolicy{MaxPolls: 0, InitialDelay: -1, MaxDelay: 0, Multiplier: 0}.normalize()
	if policy.MaxPolls != DefaultConfirmPolicy().MaxPolls || policy.Multiplier != 1 || policy.InitialDelay != 0 {
		t.Fatalf("unexpected normalized policy %+v", policy)
	}
}
