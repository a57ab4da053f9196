package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/erpkernel/erpkernel/internal/adapter/outbound/file"
	"github.com/erpkernel/erpkernel/internal/adapter/outbound/memory"
	"github.com/erpkernel/erpkernel/internal/adapter/outbound/postgres"
	redisstore "github.com/erpkernel/erpkernel/internal/adapter/outbound/redis"
	"github.com/erpkernel/erpkernel/internal/adapter/outbound/sqlite"
	"github.com/erpkernel/erpkernel/internal/config"
	"github.com/erpkernel/erpkernel/internal/domain/audit"
	"github.com/erpkernel/erpkernel/internal/domain/session"
	"github.com/erpkernel/erpkernel/internal/service"
)

// openAuditStore opens the ledger backend selected by audit.sink.
func openAuditStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	switch cfg.Audit.Sink {
	case "memory":
		return memory.NewAuditLedger(), nil
	case "file":
		s, err := file.New(file.Config{
			Dir:              cfg.Audit.Dir,
			ArchiveAfterDays: cfg.Audit.ArchiveAfterDays,
			MaxFileSizeMB:    cfg.Audit.MaxFileSizeMB,
			SyncOnAppend:     cfg.Audit.SyncOnAppend,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Audit.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Audit.Sink)
	}
}

// newAuditService wraps store in the batching writer configured by cfg.
func newAuditService(store audit.Store, cfg *config.Config, logger *slog.Logger) *service.AuditService {
	return service.NewAuditService(store, logger,
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.Audit.FlushIntervalDuration()),
		service.WithQueueSize(cfg.Audit.QueueSize),
		service.WithSendTimeout(cfg.Audit.SendTimeoutDuration()),
		service.WithWriteTimeout(cfg.Audit.WriteTimeoutDuration()),
		service.WithWarningThreshold(cfg.Audit.WarningPercent()),
	)
}

// openEpochStore opens the epoch backend selected by epochs.backend. The
// returned close function releases the connection.
func openEpochStore(ctx context.Context, cfg *config.Config) (session.EpochStore, func() error, error) {
	switch cfg.Epochs.Backend {
	case "memory":
		return memory.NewEpochStore(), func() error { return nil }, nil
	case "redis":
		client, err := redisstore.Dial(ctx, cfg.Epochs.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.NewEpochStore(client, cfg.Epochs.KeyPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown epoch backend %q", cfg.Epochs.Backend)
	}
}
