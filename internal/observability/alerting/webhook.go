package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"AgentPay-Chain/pkg/logger"
)

// WebhookNotifier 通过 HTTP 回调发送告警。Kind 决定负载格式：
// slack 使用 {"text"}，dingtalk 使用文本消息，其余发送事件 JSON。
type WebhookNotifier struct {
	URL    string
	Kind   Channel
	Client *http.Client
}

// Channel 返回渠道类型。
func (n *WebhookNotifier) Channel() Channel {
	if n == nil || n.Kind == "" {
		return ChannelWebhook
	}
	return n.Kind
}

// Notify 发送回调请求，非 2xx 视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("intent_id", event.IntentID))
		return nil
	}
	body, err := json.Marshal(n.payload(event))
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("告警回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) payload(event Event) any {
	switch n.Channel() {
	case ChannelSlack:
		return map[string]string{"text": describe(event)}
	case ChannelDingTalk:
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": describe(event)},
		}
	default:
		return struct {
			Code       string            `json:"code"`
			Severity   string            `json:"severity"`
			Message    string            `json:"message"`
			IntentID   string            `json:"intent_id"`
			AgentID    string            `json:"agent_id"`
			State      string            `json:"state"`
			Signature  string            `json:"signature,omitempty"`
			Metadata   map[string]string `json:"metadata,omitempty"`
			OccurredAt time.Time         `json:"occurred_at"`
		}{
			Code:       string(event.Code),
			Severity:   string(event.Severity),
			Message:    event.Message,
			IntentID:   event.IntentID,
			AgentID:    event.AgentID,
			State:      event.State,
			Signature:  event.Signature,
			Metadata:   event.Metadata,
			OccurredAt: event.OccurredAt,
		}
	}
}
