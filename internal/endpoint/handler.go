package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"AgentPay-Chain/internal/callerctx"
	"AgentPay-Chain/pkg/logger"
)

// BusinessFunc 是智能体的业务逻辑。调用者上下文可通过 callerctx.FromContext 取得，
// 协调类智能体发起下游调用时应基于它派生新的上下文。
type BusinessFunc func(ctx context.Context, input json.RawMessage) (any, error)

// ClientError 表示输入不被业务逻辑接受，映射为 400。
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// Handler 将 BusinessFunc 适配为 http.Handler。
func Handler(fn BusinessFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
			return
		}
		var req Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxResponseBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "请求体解析失败")
			return
		}

		ctx := r.Context()
		if req.CallerContext != nil {
			ctx = callerctx.WithCallerContext(ctx, req.CallerContext)
		}

		output, err := fn(ctx, req.Input)
		if err != nil {
			var clientErr *ClientError
			if errors.As(err, &clientErr) {
				writeError(w, http.StatusBadRequest, clientErr.Message)
				return
			}
			logger.L().Warn("智能体处理失败", slog.String("intent_id", originIntent(req.CallerContext)), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if raw, ok := output.(json.RawMessage); ok {
			_, _ = w.Write(raw)
			return
		}
		_ = json.NewEncoder(w).Encode(output)
	})
}

func originIntent(cc *callerctx.CallerContext) string {
	if cc == nil {
		return ""
	}
	return cc.OriginIntentID
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
