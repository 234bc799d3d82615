package call

import (
	"context"
	"sync"

	"AgentPay-Chain/internal/settlement"
)

// Caller 为可发起单次付费调用的对象，Orchestrator 实现了该接口。
type Caller interface {
	Call(ctx context.Context, intent Intent, payer settlement.Signer) (*Outcome, error)
}

// FanOut 并发发起多次相互独立的调用。每次调用各自成功或失败，
// 结果与 intents 按下标一一对应，不存在整体成功或整体失败。
func FanOut(ctx context.Context, caller Caller, payer settlement.Signer, intents []Intent) []Outcome {
	outcomes := make([]Outcome, len(intents))
	var wg sync.WaitGroup
	for i := range intents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := caller.Call(ctx, intents[i], payer)
			if out == nil {
				out = &Outcome{IntentID: intents[i].ID, AgentID: intents[i].AgentID, State: StateCreated, Err: err}
			}
			outcomes[i] = *out
		}(i)
	}
	wg.Wait()
	return outcomes
}
