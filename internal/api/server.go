package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/call"
	"AgentPay-Chain/internal/callerctx"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/idempotency"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/receipt"
	"AgentPay-Chain/internal/schema"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// maxRequestBytes 限制调用请求体大小。
const maxRequestBytes = 1 << 20

// ReadinessFunc 检查依赖组件是否就绪，返回错误时 /healthz 报告 503。
type ReadinessFunc func(ctx context.Context) error

// Server 负责暴露 REST 接口，供外部发起付费调用并查询回执。
type Server struct {
	addr     string
	caller   call.Caller
	payer    settlement.Signer
	receipts receipt.Store
	metrics  *metrics.Metrics
	auth     *auth.Service
	ready    ReadinessFunc

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 记录 HTTP 指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth 为 /api/v1 路由启用身份认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithReadiness 设置 /healthz 的就绪检查。
func WithReadiness(fn ReadinessFunc) Option {
	return func(s *Server) { s.ready = fn }
}

// WithTimeouts 设置读写超时。写超时需覆盖端点调用与结算的总时长。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// NewServer 构造 API 服务实例。payer 为平台托管的付款签名者。
func NewServer(addr string, caller call.Caller, payer settlement.Signer, receipts receipt.Store, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		caller:       caller,
		payer:        payer,
		receipts:     receipts,
		readTimeout:  15 * time.Second,
		writeTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	guard := func(route auth.Route, h http.HandlerFunc) http.Handler {
		if s.auth == nil {
			return h
		}
		return s.auth.Guard(route)(h)
	}

	mux.Handle("POST /api/v1/calls", s.instrument("calls", guard(auth.Route{Name: "calls", Permission: auth.PermissionCallsCreate}, s.handleCreateCall)))
	mux.Handle("GET /api/v1/receipts", s.instrument("receipts", guard(auth.Route{Name: "receipts", Permission: auth.PermissionReceiptsRead}, s.handleListReceipts)))
	mux.Handle("GET /api/v1/receipts/{id}", s.instrument("receipt_detail", guard(auth.Route{Name: "receipt_detail", Permission: auth.PermissionReceiptsRead}, s.handleReceiptDetail)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// CallRequest 为 POST /api/v1/calls 的请求体。
type CallRequest struct {
	IntentID string          `json:"intent_id"`
	AgentID  string          `json:"agent_id"`
	Input    json.RawMessage `json:"input"`
	// Caller 与 CallerContext 只用于归属，付款人始终是服务端签名者。
	Caller        string                   `json:"caller,omitempty"`
	CallerContext *callerctx.CallerContext `json:"caller_context,omitempty"`
}

// CallResponse 为调用结果。Output 在输出通过校验后返回，包括结算失败的情况。
type CallResponse struct {
	IntentID   string             `json:"intent_id"`
	AgentID    string             `json:"agent_id"`
	State      call.State         `json:"state"`
	Output     json.RawMessage    `json:"output,omitempty"`
	Signature  string             `json:"signature,omitempty"`
	Receipt    *receipt.Receipt   `json:"receipt,omitempty"`
	Violations []schema.Violation `json:"violations,omitempty"`
	Error      *ErrorBody         `json:"error,omitempty"`
}

// ErrorBody 为统一的错误响应结构。
type ErrorBody struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// handleCreateCall 处理发起付费调用的请求。
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if s.caller == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeUnavailable, "编排器未初始化"))
		return
	}

	// 解析请求体。
	var req CallRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空"))
		return
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage("null")
	}
	intent := call.Intent{
		ID:            strings.TrimSpace(req.IntentID),
		AgentID:       req.AgentID,
		Input:         req.Input,
		CallerContext: req.CallerContext,
	}
	if raw := strings.TrimSpace(req.Caller); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("caller 地址非法: %q", raw)))
			return
		}
		intent.Caller = common.HexToAddress(raw)
	}

	// 调用编排器执行。
	outcome, err := s.caller.Call(r.Context(), intent, s.payer)
	if outcome == nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := CallResponse{
		IntentID:   outcome.IntentID,
		AgentID:    outcome.AgentID,
		State:      outcome.State,
		Signature:  outcome.Signature,
		Receipt:    outcome.Receipt,
		Violations: outcome.Violations,
	}
	if outcome.State.Delivered() {
		resp.Output = outcome.Output
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = errorBody(err)
		status = statusFor(err)
		logger.L().Warn("付费调用失败",
			slog.String("intent_id", outcome.IntentID),
			slog.String("state", string(outcome.State)),
			slog.String("key_id", auth.KeyID(r.Context())),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, resp)
}

// handleReceiptDetail 根据 ID 返回回执。
func (s *Server) handleReceiptDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少回执 ID"))
		return
	}
	rec, err := s.receipts.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListReceipts 支持按意图、签名精确查询，或按智能体、付款方与时间范围分页查询。
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ctx := r.Context()

	if intentID := strings.TrimSpace(query.Get("intent_id")); intentID != "" {
		s.writeSingle(w, func() (*receipt.Receipt, error) { return s.receipts.GetByIntent(ctx, intentID) })
		return
	}
	if sig := strings.TrimSpace(query.Get("signature")); sig != "" {
		s.writeSingle(w, func() (*receipt.Receipt, error) { return s.receipts.GetBySignature(ctx, sig) })
		return
	}

	opts, err := listOptions(query.Get)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receipts, err := s.receipts.List(ctx, opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if receipts == nil {
		receipts = []*receipt.Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

// writeSingle 将精确查询的结果包装为列表，未命中时返回空列表。
func (s *Server) writeSingle(w http.ResponseWriter, get func() (*receipt.Receipt, error)) {
	rec, err := get()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, []*receipt.Receipt{rec})
	case xerrors.HasCode(err, receipt.CodeReceiptNotFound):
		writeJSON(w, http.StatusOK, []*receipt.Receipt{})
	default:
		writeError(w, statusFor(err), err)
	}
}

func listOptions(get func(string) string) ([]receipt.ListOption, error) {
	var opts []receipt.ListOption
	if raw := get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, receipt.WithLimit(n))
	}
	if raw := get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, receipt.WithOffset(n))
	}
	if v := strings.TrimSpace(get("agent_id")); v != "" {
		opts = append(opts, receipt.WithAgent(v))
	}
	if v := strings.TrimSpace(get("payer")); v != "" {
		if !common.IsHexAddress(v) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("payer 地址非法: %q", v))
		}
		opts = append(opts, receipt.WithPayer(common.HexToAddress(v).Hex()))
	}
	if v := strings.TrimSpace(get("caller")); v != "" {
		if !common.IsHexAddress(v) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("caller 地址非法: %q", v))
		}
		opts = append(opts, receipt.WithCaller(common.HexToAddress(v).Hex()))
	}
	for _, bound := range []struct {
		key   string
		apply func(time.Time) receipt.ListOption
	}{
		{"since", receipt.WithConfirmedSince},
		{"until", receipt.WithConfirmedUntil},
	} {
		raw := strings.TrimSpace(get(bound.key))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, bound.key+" 需为 RFC3339 时间")
		}
		opts = append(opts, bound.apply(ts))
	}
	switch strings.ToLower(strings.TrimSpace(get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, receipt.WithSortOrder(receipt.SortByConfirmedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc 或 desc")
	}
	return opts, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case agent.CodeAgentNotFound, receipt.CodeReceiptNotFound:
		return http.StatusNotFound
	case agent.CodeAgentInactive, idempotency.CodeDuplicateIntent:
		return http.StatusConflict
	case call.CodeInputRejected, settlement.CodeUnsupportedAssetKind:
		return http.StatusUnprocessableEntity
	case call.CodeEndpointFailed:
		if e, ok := xerrors.From(err); ok && e.Metadata()["reason"] == "timeout" {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case call.CodeOutputRejected, call.CodeSettlementFailed:
		return http.StatusBadGateway
	case xerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	body := &ErrorBody{Code: xerrors.CodeOf(err), Message: err.Error(), Retryable: xerrors.RetryableError(err)}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	return body
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]*ErrorBody{"error": errorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
