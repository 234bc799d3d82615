package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 去重器的连接参数。
type RedisConfig struct {
	Address    string
	Password   string
	DB         int
	Prefix     string
	PendingTTL time.Duration
	SettledTTL time.Duration
}

// RedisGuard 使用 Redis SET NX 在多实例间去重。
type RedisGuard struct {
	client     redis.UniversalClient
	prefix     string
	pendingTTL time.Duration
	settledTTL time.Duration
}

const (
	pendingValue = "pending"
	settledValue = "settled"
)

// releaseScript 仅在键仍为 pending 时删除，避免误删已结算标记。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisGuard 创建 Redis 去重器并检查连通性。
func NewRedisGuard(ctx context.Context, cfg RedisConfig) (*RedisGuard, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisGuardWithClient(client, cfg), nil
}

// NewRedisGuardWithClient 使用已有客户端创建去重器。
func NewRedisGuardWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisGuard {
	g := &RedisGuard{
		client:     client,
		prefix:     cfg.Prefix,
		pendingTTL: cfg.PendingTTL,
		settledTTL: cfg.SettledTTL,
	}
	if g.prefix == "" {
		g.prefix = "agentpay:intent:"
	}
	if g.pendingTTL <= 0 {
		g.pendingTTL = 10 * time.Minute
	}
	if g.settledTTL <= 0 {
		g.settledTTL = 24 * time.Hour
	}
	return g
}

func (g *RedisGuard) key(intentID string) string { return g.prefix + intentID }

// Acquire 占用意图 ID。
func (g *RedisGuard) Acquire(ctx context.Context, intentID string) error {
	if err := validateID(intentID); err != nil {
		return err
	}
	ok, err := g.client.SetNX(ctx, g.key(intentID), pendingValue, g.pendingTTL).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "Redis 占用意图失败")
	}
	if ok {
		return nil
	}
	state, err := g.client.Get(ctx, g.key(intentID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "Redis 查询意图失败")
	}
	if state == "" {
		state = pendingValue
	}
	return duplicate(intentID, state)
}

// Complete 将意图标记为已结算。
func (g *RedisGuard) Complete(ctx context.Context, intentID string) error {
	if err := validateID(intentID); err != nil {
		return err
	}
	if err := g.client.Set(ctx, g.key(intentID), settledValue, g.settledTTL).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "Redis 标记意图失败")
	}
	return nil
}

// Release 释放处理中的意图。
func (g *RedisGuard) Release(ctx context.Context, intentID string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.key(intentID)}, pendingValue).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "Redis 释放意图失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (g *RedisGuard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

var _ Guard = (*RedisGuard)(nil)
