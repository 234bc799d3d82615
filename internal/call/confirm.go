package call

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/pkg/logger"
)

// ConfirmPolicy 控制确认轮询的次数与退避。
type ConfirmPolicy struct {
	MaxPolls     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfirmPolicy 返回默认的确认轮询策略。
func DefaultConfirmPolicy() ConfirmPolicy {
	return ConfirmPolicy{
		MaxPolls:     8,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

func (p ConfirmPolicy) normalize() ConfirmPolicy {
	def := DefaultConfirmPolicy()
	if p.MaxPolls <= 0 {
		p.MaxPolls = def.MaxPolls
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

var errConfirmExhausted = errors.New("确认轮询次数已用尽")

// awaitConfirmation 轮询交易状态直到确认、失败或次数用尽，返回最后一次结果与轮询次数。
// 查询本身出错时视为暂时性问题，继续轮询。
func awaitConfirmation(ctx context.Context, ledger settlement.Ledger, signature string, policy ConfirmPolicy) (settlement.Confirmation, int, error) {
	policy = policy.normalize()
	delay := policy.InitialDelay
	var lastErr error

	for poll := 1; poll <= policy.MaxPolls; poll++ {
		conf, err := ledger.Confirm(ctx, signature)
		switch {
		case err != nil:
			lastErr = err
			logger.L().Debug("查询交易确认状态失败",
				slog.String("signature", signature),
				slog.Int("poll", poll),
				slog.Any("error", err))
		case conf.Status == settlement.ConfirmationConfirmed:
			return conf, poll, nil
		case conf.Status == settlement.ConfirmationFailed:
			return conf, poll, nil
		}

		if poll == policy.MaxPolls {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return settlement.Confirmation{}, poll, ctx.Err()
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	if lastErr != nil {
		return settlement.Confirmation{}, policy.MaxPolls, errors.Join(errConfirmExhausted, lastErr)
	}
	return settlement.Confirmation{Status: settlement.ConfirmationPending}, policy.MaxPolls, errConfirmExhausted
}
