package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/call"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/endpoint"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/idempotency"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/receipt"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/internal/storage/sqlstore"
	"AgentPay-Chain/internal/web3/provider"
	"AgentPay-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 回执存储。
	receipts, ready, err := openReceiptStore(ctx, cfg.Storage.Receipts)
	if err != nil {
		return err
	}
	defer receipts.Close()

	// 意图去重守卫。
	guard, closeGuard, err := openGuard(ctx, cfg.Idempotency)
	if err != nil {
		return err
	}
	defer closeGuard()

	// 结算事件发布。
	publisher, err := openPublisher(cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.L().Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		if cfg.Metrics.Address != "" {
			go func() {
				if err := m.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("指标服务退出", slog.Any("error", err))
				}
			}()
		}
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()
	network, err := chainRegistry.Default()
	if err != nil {
		return err
	}

	catalog, err := agent.LoadCatalog(cfg.Agents.Catalog)
	if err != nil {
		return err
	}

	payer, err := loadPayer(cfg.Settlement, network)
	if err != nil {
		return err
	}

	orchestrator, err := call.New(catalog, endpoint.NewHTTPInvoker(), network.Builder(), receipts,
		call.WithGuard(guard),
		call.WithPublisher(publisher),
		call.WithAlertDispatcher(buildAlerting(cfg.Alerting)),
		call.WithMetrics(m),
		call.WithProtocolFee(cfg.Settlement.FeeBps, cfg.Settlement.ProtocolPayoutAddress()),
		call.WithTimeouts(map[agent.Class]time.Duration{
			agent.ClassSimple:      cfg.Orchestrator.SimpleTimeout(),
			agent.ClassCoordinator: cfg.Orchestrator.CoordinatorTimeout(),
		}),
		call.WithConfirmPolicy(call.ConfirmPolicy{
			MaxPolls:     cfg.Settlement.Confirm.MaxPolls,
			InitialDelay: cfg.Settlement.Confirm.InitialDelay(),
			MaxDelay:     cfg.Settlement.Confirm.MaxDelay(),
			Multiplier:   cfg.Settlement.Confirm.Multiplier,
		}),
		call.WithSettlementTimeout(cfg.Settlement.Timeout()),
	)
	if err != nil {
		return err
	}

	authService, err := auth.NewService(authConfig(cfg.Auth), nil)
	if err != nil {
		return fmt.Errorf("初始化身份认证失败: %w", err)
	}

	logger.L().Info("AgentPay 已就绪",
		slog.String("chain", network.Name),
		slog.String("payer", payer.Address().Hex()),
		slog.Int("agents", len(catalog.List())),
		slog.String("auth", string(authService.Mode())))

	opts := []api.Option{
		api.WithAuth(authService),
		api.WithReadiness(ready),
		api.WithTimeouts(cfg.Server.ReadTimeout(), cfg.Server.WriteTimeout()),
	}
	if m != nil && cfg.Metrics.Address == "" {
		opts = append(opts, api.WithMetrics(m))
	}
	server := api.NewServer(cfg.Server.Address, orchestrator, payer, receipts, opts...)
	return server.Start(ctx)
}

// openReceiptStore 按驱动创建回执存储，并返回 /healthz 使用的就绪检查。
func openReceiptStore(ctx context.Context, cfg config.ReceiptStoreConfig) (receipt.Store, api.ReadinessFunc, error) {
	switch cfg.Driver {
	case "", "memory":
		return receipt.NewMemoryStore(), nil, nil
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite:
		store, err := sqlstore.NewReceiptStore(ctx, sqlstore.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Ping, nil
	default:
		return nil, nil, fmt.Errorf("未知的回执存储驱动: %s", cfg.Driver)
	}
}

func openGuard(ctx context.Context, cfg config.IdempotencyConfig) (idempotency.Guard, func(), error) {
	switch cfg.Driver {
	case "none":
		return idempotency.NopGuard{}, func() {}, nil
	case "", "memory":
		return idempotency.NewMemoryGuard(idempotency.WithTTL(cfg.PendingTTL(), cfg.SettledTTL())), func() {}, nil
	case "redis":
		guard, err := idempotency.NewRedisGuard(ctx, idempotency.RedisConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			PendingTTL: cfg.PendingTTL(),
			SettledTTL: cfg.SettledTTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		return guard, func() { _ = guard.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的去重驱动: %s", cfg.Driver)
	}
}

func openPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return events.NopPublisher{}, nil
	case "memory":
		return events.NewMemoryPublisher(1024), nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
	case "nats":
		return events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.NATS.Name,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	for _, hook := range cfg.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: hook.URL, Kind: alerting.Channel(hook.Kind)})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// loadPayer 读取付款方私钥。内存账本未配置私钥时生成临时密钥，便于本地联调。
func loadPayer(cfg config.SettlementConfig, network *provider.Network) (*settlement.KeySigner, error) {
	if hexKey := cfg.PayerKey(); hexKey != "" {
		return settlement.KeySignerFromHex(hexKey)
	}
	if network.Type != "memory" {
		return nil, errors.New("未配置付款方私钥，请设置 settlement.payer_key_env 或 AGENTPAY_PAYER_KEY")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	logger.L().Warn("未配置付款方私钥，内存账本使用临时密钥")
	return settlement.NewKeySigner(key), nil
}

func authConfig(cfg config.AuthConfig) auth.Config {
	out := auth.Config{Mode: auth.Mode(cfg.Mode)}
	for _, key := range cfg.Keys {
		out.Keys = append(out.Keys, auth.Key{
			ID:          key.ID,
			Name:        key.Name,
			Secret:      key.Secret(),
			SecretHash:  key.KeyHash,
			Permissions: key.Permissions,
			Disabled:    key.Disabled,
		})
	}
	return out
}
