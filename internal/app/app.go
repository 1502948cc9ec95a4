package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/db"
	"github.com/hackgods/consultation-booking/internal/metrics"
	"github.com/hackgods/consultation-booking/internal/notify"
	"github.com/hackgods/consultation-booking/internal/payment"
	redisclient "github.com/hackgods/consultation-booking/internal/redis"
)

// Runtime holds everything a binary needs after startup. Pool and Redis
// are nil when the matching backend is not configured.
type Runtime struct {
	Config  config.Config
	Log     zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Repo    appointment.Repository
	Memory  *appointment.MemoryRepository
	Service *appointment.Service
}

// Build connects the configured backends and assembles the service.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log}

	switch cfg.Store {
	case config.StoreMemory:
		rt.Memory = appointment.NewMemoryRepository()
		rt.Repo = rt.Memory
		log.Warn().Msg("using in-memory store, data is lost on restart")
	default:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{}, log)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.Repo = appointment.NewPgRepository(pool)
	}

	deps := appointment.Deps{
		Repo:   rt.Repo,
		Logger: log.With().Str("component", "appointments").Logger(),
	}

	if cfg.RedisAddr != "" {
		client, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.Redis = client
		deps.Locker = redisclient.NewRedisLocker(client, cfg.LockTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("slot locking enabled")
	}

	gateway, err := buildGateway(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	deps.Gateway = gateway

	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	deps.Notifier = notifier

	if cfg.MetricsEnabled {
		rt.Metrics = metrics.New("booking")
		deps.Metrics = rt.Metrics
	}

	svc, err := appointment.NewService(deps, cfg.Policy())
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

func buildGateway(cfg config.Config) (payment.Gateway, error) {
	switch cfg.PaymentMode {
	case config.PaymentSandbox:
		return payment.SandboxGateway{}, nil
	case config.PaymentHTTP:
		return payment.NewHTTPGateway(cfg.PaymentBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret, cfg.PaymentTimeout), nil
	}
	return nil, fmt.Errorf("unknown payment mode %q", cfg.PaymentMode)
}

func buildNotifier(cfg config.Config, log zerolog.Logger) (appointment.Notifier, error) {
	out := notify.Multi{notify.NewLogNotifier(log.With().Str("component", "notify").Logger())}
	if cfg.TelegramToken == "" {
		return out, nil
	}
	tg, err := notify.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	return append(out, tg), nil
}

// Close releases the backends opened by Build.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
	return errors.Join(errs...)
}
