// Package endpoint 负责调用远端智能体端点，并为智能体作者提供处理边界适配器。
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentPay-Chain/internal/callerctx"
)

// DefaultMaxResponseBytes 限制端点响应体大小。
const DefaultMaxResponseBytes = 4 << 20

// HeaderIntentID 携带原始意图 ID，便于端点关联日志。
const HeaderIntentID = "X-AgentPay-Intent"

// Request 是发送给端点的请求体。
type Request struct {
	Input         json.RawMessage          `json:"input"`
	CallerContext *callerctx.CallerContext `json:"callerContext"`
}

// Invoker 调用远端端点，返回原始响应体。响应体是否合法由调用方校验。
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req Request) (json.RawMessage, error)
}

// StatusError 表示端点返回了非 2xx 状态码。
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("端点返回状态码 %d", e.StatusCode)
	}
	return fmt.Sprintf("端点返回状态码 %d: %s", e.StatusCode, e.Message)
}

// ErrResponseTooLarge 表示响应体超过限制。
var ErrResponseTooLarge = errors.New("端点响应体过大")

// HTTPInvoker 通过 HTTP POST JSON 调用端点。
type HTTPInvoker struct {
	client   *http.Client
	maxBytes int64
	headers  map[string]string
}

// Option 定义 HTTPInvoker 的可选配置。
type Option func(*HTTPInvoker)

// WithHTTPClient 指定底层 http.Client。超时由调用方的 context 控制。
func WithHTTPClient(client *http.Client) Option {
	return func(i *HTTPInvoker) {
		if client != nil {
			i.client = client
		}
	}
}

// WithMaxResponseBytes 设置响应体大小上限。
func WithMaxResponseBytes(n int64) Option {
	return func(i *HTTPInvoker) {
		if n > 0 {
			i.maxBytes = n
		}
	}
}

// WithHeader 为每个请求附加固定请求头。
func WithHeader(key, value string) Option {
	return func(i *HTTPInvoker) {
		i.headers[key] = value
	}
}

// NewHTTPInvoker 创建 HTTPInvoker。
func NewHTTPInvoker(opts ...Option) *HTTPInvoker {
	i := &HTTPInvoker{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 0,
			},
		},
		maxBytes: DefaultMaxResponseBytes,
		headers:  make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Invoke 发送请求并读取响应体。
func (i *HTTPInvoker) Invoke(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("编码端点请求失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建端点请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.CallerContext != nil && req.CallerContext.OriginIntentID != "" {
		httpReq.Header.Set(HeaderIntentID, req.CallerContext.OriginIntentID)
	}
	for k, v := range i.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("调用端点失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, i.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取端点响应失败: %w", err)
	}
	if int64(len(data)) > i.maxBytes {
		return nil, ErrResponseTooLarge
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return json.RawMessage(data), nil
}

func errorMessage(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}
