package call

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
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
	"AgentPay-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Orchestrator 串联一次付费调用的全部阶段。各调用之间只共享只读的
// 智能体元数据与签名者，可被并发使用。
type Orchestrator struct {
	catalog        agent.Catalog
	invoker        endpoint.Invoker
	builder        *settlement.Builder
	receipts       receipt.Store
	guard          idempotency.Guard
	publisher      events.Publisher
	alerter        alerting.Dispatcher
	metrics        *metrics.Metrics
	feeBps         uint32
	protocolPayout common.Address
	timeouts       map[agent.Class]time.Duration
	confirm        ConfirmPolicy
	settleTimeout  time.Duration
	now            func() time.Time
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithGuard 配置意图去重守卫。
func WithGuard(guard idempotency.Guard) Option {
	return func(o *Orchestrator) {
		if guard != nil {
			o.guard = guard
		}
	}
}

// WithPublisher 配置结算事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(o *Orchestrator) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithProtocolFee 配置协议费率（基点）与协议收款地址。
func WithProtocolFee(bps uint32, payout common.Address) Option {
	return func(o *Orchestrator) {
		o.feeBps = bps
		o.protocolPayout = payout
	}
}

// WithTimeouts 按智能体类别覆盖端点超时。
func WithTimeouts(timeouts map[agent.Class]time.Duration) Option {
	return func(o *Orchestrator) {
		for class, d := range timeouts {
			if d > 0 {
				o.timeouts[class] = d
			}
		}
	}
}

// WithConfirmPolicy 配置确认轮询策略。
func WithConfirmPolicy(policy ConfirmPolicy) Option {
	return func(o *Orchestrator) {
		o.confirm = policy.normalize()
	}
}

// WithSettlementTimeout 限制结算阶段（构建、提交、确认、写回执）的总时长。
func WithSettlementTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.settleTimeout = d
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 构造 Orchestrator。
func New(catalog agent.Catalog, invoker endpoint.Invoker, builder *settlement.Builder, receipts receipt.Store, opts ...Option) (*Orchestrator, error) {
	if catalog == nil || invoker == nil || builder == nil || receipts == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少智能体目录、端点调用器、交易构建器或回执存储")
	}
	o := &Orchestrator{
		catalog:       catalog,
		invoker:       invoker,
		builder:       builder,
		receipts:      receipts,
		guard:         idempotency.NopGuard{},
		publisher:     events.NopPublisher{},
		timeouts:      make(map[agent.Class]time.Duration),
		confirm:       DefaultConfirmPolicy(),
		settleTimeout: 2 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.feeBps > settlement.BasisPoints {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("协议费率 %d 超过 %d 基点", o.feeBps, settlement.BasisPoints))
	}
	if o.protocolPayout == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置协议收款地址")
	}
	return o, nil
}

// run 保存单次调用的中间状态。
type run struct {
	o       *Orchestrator
	intent  Intent
	payer   settlement.Signer
	agent   *agent.Agent
	asset   settlement.Asset
	cc      *callerctx.CallerContext
	plan    *settlement.Plan
	outcome *Outcome

	acquired  bool
	submitted bool
}

// Call 执行一次付费调用。返回的 Outcome 总是非空，失败时 error 与 Outcome.Err 相同。
//
// 只有输出通过校验后才会构建并提交交易；成功的调用恰好提交一笔交易，
// 输入被拒、端点失败与输出被拒均不产生任何交易。
func (o *Orchestrator) Call(ctx context.Context, intent Intent, payer settlement.Signer) (*Outcome, error) {
	started := o.now()
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = started.UTC()
	}
	r := &run{
		o:      o,
		intent: intent,
		payer:  payer,
		outcome: &Outcome{
			IntentID: intent.ID,
			AgentID:  intent.AgentID,
			State:    StateCreated,
		},
	}
	r.execute(ctx)

	o.metrics.ObserveCall(intent.AgentID, string(r.outcome.State), o.now().Sub(started))
	return r.outcome, r.outcome.Err
}

func (r *run) execute(ctx context.Context) {
	o := r.o
	if err := r.preflight(ctx); err != nil {
		r.fail(ctx, StateCreated, err)
		return
	}

	if res := schema.Validate(r.intent.Input, r.agent.InputSchema); !res.Valid() {
		r.outcome.Violations = res.Violations
		r.fail(ctx, StateInputRejected, xerrors.New(CodeInputRejected, res.Error(),
			xerrors.WithMetadata("violations", strconv.Itoa(len(res.Violations)))))
		return
	}
	r.outcome.State = StateInputValidated

	output, err := r.invoke(ctx)
	if err != nil {
		r.fail(ctx, StateEndpointFailed, err)
		return
	}
	r.outcome.State = StateEndpointInvoked

	if res := schema.Validate(output, r.agent.OutputSchema); !res.Valid() {
		r.outcome.Violations = res.Violations
		r.fail(ctx, StateOutputRejected, xerrors.New(CodeOutputRejected, res.Error(),
			xerrors.WithMetadata("violations", strconv.Itoa(len(res.Violations)))))
		return
	}
	r.outcome.State = StateOutputValidated
	// 合法结果已交付，结算失败时也随 SETTLEMENT_FAILED 一并返回。
	r.outcome.Output = output

	// 端点已交付合法结果，结算不再受调用方取消影响，仅受结算超时约束。
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.settleTimeout)
	defer cancel()

	if err := r.settle(settleCtx); err != nil {
		r.fail(settleCtx, StateSettlementFailed, err)
		return
	}
	r.outcome.State = StateSettled

	rec := r.newReceipt(output)
	if err := o.receipts.Save(settleCtx, rec); err != nil {
		wrapped := xerrors.Wrap(CodeReceiptPersistFailed, err, "交易已确认但回执写入失败",
			xerrors.WithMetadata("signature", r.outcome.Signature),
			xerrors.WithMetadata("receipt_id", rec.ID))
		r.outcome.Err = wrapped
		r.complete(settleCtx)
		r.notify(settleCtx, wrapped)
		logger.Audit().Error("回执写入失败",
			slog.String("intent_id", r.intent.ID),
			slog.String("agent_id", r.agent.ID),
			slog.String("signature", r.outcome.Signature),
			slog.String("receipt_id", rec.ID),
			slog.Any("error", err))
		r.publish(settleCtx, events.TypeSettled, wrapped)
		return
	}
	r.outcome.Receipt = rec
	r.outcome.State = StateReceipted
	r.complete(settleCtx)

	logger.Audit().Info("调用结算完成",
		slog.String("intent_id", r.intent.ID),
		slog.String("agent_id", r.agent.ID),
		slog.String("payer", rec.Payer),
		slog.String("caller", rec.CallerAddress),
		slog.String("asset", rec.AssetRef),
		slog.String("total", rec.Total),
		slog.String("agent_share", rec.AgentShare),
		slog.String("protocol_fee", rec.ProtocolFee),
		slog.String("signature", rec.Signature),
		slog.String("receipt_id", rec.ID))
	r.publish(settleCtx, events.TypeSettled, nil)
}

// preflight 读取智能体并解析资产，再占用意图。失败时状态保持 Created。
func (r *run) preflight(ctx context.Context) error {
	o := r.o
	if r.payer == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少付款签名者")
	}
	a, err := o.catalog.Get(ctx, r.intent.AgentID)
	if err != nil {
		return err
	}
	if !a.Active {
		return xerrors.New(agent.CodeAgentInactive, fmt.Sprintf("智能体 %s 已停用", a.ID),
			xerrors.WithMetadata("agent_id", a.ID))
	}
	r.agent = a

	asset, err := o.builder.Assets().Resolve(a.AssetRef)
	if err != nil {
		return err
	}
	r.asset = asset

	if cc := r.intent.CallerContext; cc != nil {
		if slices.Contains(cc.Path, a.ID) {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, callerctx.ErrCallCycle,
				fmt.Sprintf("智能体 %s 已在调用链中", a.ID))
		}
		r.cc = cc
	} else {
		caller := r.intent.Caller
		if caller == (common.Address{}) {
			caller = r.payer.Address()
		}
		r.cc = callerctx.Root(caller, r.intent.ID)
	}

	if err := o.guard.Acquire(ctx, r.intent.ID); err != nil {
		return err
	}
	r.acquired = true
	return nil
}

// invoke 在类别超时内调用端点。
func (r *run) invoke(ctx context.Context) ([]byte, error) {
	o := r.o
	timeout := r.agent.Timeout(o.timeouts)
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := o.now()
	output, err := o.invoker.Invoke(invokeCtx, r.agent.Endpoint, endpoint.Request{
		Input:         r.intent.Input,
		CallerContext: r.cc,
	})
	o.metrics.ObserveEndpoint(r.agent.ID, o.now().Sub(started))
	if err == nil {
		return output, nil
	}

	opts := []xerrors.Option{xerrors.WithMetadata("endpoint", r.agent.Endpoint)}
	var statusErr *endpoint.StatusError
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		opts = append(opts,
			xerrors.WithMetadata("reason", "timeout"),
			xerrors.WithMetadata("timeout", timeout.String()))
	case stdErrors.As(err, &statusErr):
		opts = append(opts,
			xerrors.WithMetadata("reason", "status"),
			xerrors.WithMetadata("status_code", strconv.Itoa(statusErr.StatusCode)))
	default:
		opts = append(opts, xerrors.WithMetadata("reason", "transport"))
	}
	return nil, xerrors.Wrap(CodeEndpointFailed, err, "调用智能体端点失败", opts...)
}

// settle 构建、签名、提交并确认交易。新鲜度过期或账户已被创建时重建一次计划。
func (r *run) settle(ctx context.Context) (err error) {
	o := r.o
	ledger := o.builder.Ledger()
	polls := 0
	defer func() {
		result := "confirmed"
		if err != nil {
			result = "failed"
		}
		o.metrics.ObserveSettlement(string(r.asset.Kind), result, polls)
	}()

	_, fee, err := settlement.Split(r.agent.Price, o.feeBps)
	if err != nil {
		return settlementError(err, "计算协议费失败")
	}
	req := settlement.BuildRequest{
		Payer:          r.payer.Address(),
		AgentPayout:    r.agent.PayoutAddress,
		ProtocolPayout: o.protocolPayout,
		Total:          r.agent.Price,
		Fee:            fee,
		AssetRef:       r.asset.Ref(),
	}

	for attempt := 1; ; attempt++ {
		plan, err := o.builder.Build(ctx, req)
		if err != nil {
			return settlementError(err, "构建结算计划失败")
		}
		sealed, err := ledger.Seal(ctx, plan, r.payer)
		if err != nil {
			if attempt == 1 && settlement.Rebuildable(err) {
				r.rebuild(err)
				continue
			}
			return settlementError(err, "交易签名失败")
		}

		signature, err := ledger.Submit(ctx, sealed)
		if err != nil && settlement.Rejected(err) {
			if attempt == 1 && settlement.Rebuildable(err) {
				r.rebuild(err)
				continue
			}
			return settlementError(err, "交易提交失败", xerrors.WithMetadata("attempts", strconv.Itoa(attempt)))
		}
		// 从这里起交易可能已被账本接收，意图保持占用直到过期。
		r.submitted = true
		if err != nil {
			if sealed.Signature == "" {
				return settlementError(err, "交易提交结果未知", xerrors.WithMetadata("attempts", strconv.Itoa(attempt)))
			}
			logger.Audit().Warn("交易提交结果未知，按已提交继续确认",
				slog.String("intent_id", r.intent.ID),
				slog.String("agent_id", r.agent.ID),
				slog.String("signature", sealed.Signature),
				slog.Any("error", err))
			signature = sealed.Signature
		}
		r.plan = plan
		r.outcome.Signature = signature

		conf, n, err := awaitConfirmation(ctx, ledger, signature, o.confirm)
		polls += n
		if err != nil {
			return settlementError(err, "交易未能在限定轮询内确认",
				xerrors.WithMetadata("signature", signature),
				xerrors.WithMetadata("polls", strconv.Itoa(n)))
		}
		if conf.Status != settlement.ConfirmationFailed {
			return nil
		}
		// 回滚的交易未移动资金；因账户竞争回滚时重建一次。
		if attempt == 1 && settlement.Rebuildable(conf.Cause) {
			r.rebuild(conf.Cause)
			continue
		}
		return xerrors.New(CodeSettlementFailed, fmt.Sprintf("交易执行失败: %s", conf.Reason),
			xerrors.WithMetadata("signature", signature),
			xerrors.WithMetadata("reason", conf.Reason))
	}
}

func (r *run) rebuild(cause error) {
	r.o.metrics.IncRebuild()
	logger.L().Warn("结算被拒绝，重建结算计划",
		slog.String("intent_id", r.intent.ID),
		slog.String("agent_id", r.agent.ID),
		slog.Any("error", cause))
}

func settlementError(err error, message string, opts ...xerrors.Option) error {
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		opts = append(opts, xerrors.WithMetadata("cause_code", string(code)))
	}
	return xerrors.Wrap(CodeSettlementFailed, err, message, opts...)
}

func (r *run) newReceipt(output []byte) *receipt.Receipt {
	now := r.o.now().UTC()
	return &receipt.Receipt{
		ID:             uuid.NewString(),
		IntentID:       r.intent.ID,
		AgentID:        r.agent.ID,
		Payer:          r.plan.FeePayer.Hex(),
		CallerAddress:  r.cc.CallerAddress.Hex(),
		CallingAgentID: r.cc.CallingAgentID,
		AgentPayout:    r.agent.PayoutAddress.Hex(),
		ProtocolPayout: r.o.protocolPayout.Hex(),
		AssetRef:       r.asset.Ref(),
		Decimals:       r.asset.Decimals,
		Total:          r.plan.Total.String(),
		AgentShare:     r.plan.AgentShare.String(),
		ProtocolFee:    r.plan.ProtocolFee.String(),
		InputHash:      receipt.HashPayload(r.intent.Input),
		OutputHash:     receipt.HashPayload(output),
		Signature:      r.outcome.Signature,
		ConfirmedAt:    now,
		CreatedAt:      now,
	}
}

// fail 记录终态失败。账本确定未接收交易时释放意图，允许调用方重试；
// 交易可能已被接收时（包括提交结果未知）保留占用，避免重复付款。
func (r *run) fail(ctx context.Context, state State, err error) {
	r.outcome.State = state
	r.outcome.Err = err

	if r.acquired && !r.submitted {
		if relErr := r.o.guard.Release(context.WithoutCancel(ctx), r.intent.ID); relErr != nil {
			logger.L().Warn("释放意图失败", slog.String("intent_id", r.intent.ID), slog.Any("error", relErr))
		}
	}

	attrs := []any{
		slog.String("intent_id", r.intent.ID),
		slog.String("agent_id", r.intent.AgentID),
		slog.String("state", string(state)),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	}
	if state == StateSettlementFailed {
		if r.outcome.Signature != "" {
			attrs = append(attrs, slog.String("signature", r.outcome.Signature))
		}
		logger.Audit().Error("调用结算失败", attrs...)
		r.publish(ctx, events.TypeSettlementFailed, err)
	} else {
		logger.L().Info("调用未结算", attrs...)
		r.publish(ctx, events.TypeRejected, err)
	}
	if xerrors.ShouldAlert(err) {
		r.notify(ctx, err)
	}
}

func (r *run) complete(ctx context.Context) {
	if !r.acquired {
		return
	}
	if err := r.o.guard.Complete(ctx, r.intent.ID); err != nil {
		logger.L().Warn("标记意图已结算失败", slog.String("intent_id", r.intent.ID), slog.Any("error", err))
	}
}

func (r *run) notify(ctx context.Context, err error) {
	if r.o.alerter == nil {
		return
	}
	event := alerting.FromError(err, r.intent.ID, r.intent.AgentID, string(r.outcome.State))
	event.Signature = r.outcome.Signature
	if notifyErr := r.o.alerter.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		logger.L().Error("发送告警失败", slog.String("intent_id", r.intent.ID), slog.Any("error", notifyErr))
	}
}

func (r *run) publish(ctx context.Context, typ events.Type, cause error) {
	evt := events.Event{
		Type:      typ,
		IntentID:  r.intent.ID,
		AgentID:   r.intent.AgentID,
		State:     string(r.outcome.State),
		Signature: r.outcome.Signature,
		ReceiptID: r.outcome.ReceiptID(),
	}
	if r.agent != nil {
		evt.Asset = r.asset.Ref()
		if r.agent.Price != nil {
			evt.Total = r.agent.Price.String()
		}
	}
	if cause != nil {
		evt.Code = string(xerrors.CodeOf(cause))
		evt.Message = cause.Error()
	}
	if err := r.o.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		logger.L().Warn("发布结算事件失败",
			slog.String("intent_id", r.intent.ID),
			slog.String("type", string(typ)),
			slog.Any("error", err))
	}
}
