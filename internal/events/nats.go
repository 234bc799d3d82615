package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/nats-io/nats.go"
)

// NATSConfig 描述 NATS 发布端的连接参数。
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// NATSPublisher 将事件发布到 <prefix>.<type> 主题。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher 连接 NATS 服务器。
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	name := cfg.Name
	if name == "" {
		name = "agentpayd"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: subjectPrefix(cfg.SubjectPrefix)}, nil
}

func subjectPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return "agentpay.events"
	}
	return prefix
}

// Subject 返回事件类型对应的主题。
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish 发布事件并等待服务器确认已接收。
func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.conn == nil {
		return errors.New("NATS 发布端未初始化")
	}
	evt = Normalize(evt)
	body, err := Encode(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败")
	}
	msg := nats.NewMsg(p.Subject(evt.Type))
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", evt.ID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "NATS 发布事件失败")
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "NATS 刷新失败")
	}
	return nil
}

// Close 排空并关闭连接。
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

var _ Publisher = (*NATSPublisher)(nil)
