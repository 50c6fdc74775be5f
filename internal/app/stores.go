package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/hitoshi/pairchat/internal/config"
	"github.com/hitoshi/pairchat/internal/database"
	"github.com/hitoshi/pairchat/internal/handler"
	"github.com/hitoshi/pairchat/internal/repository"
)

// dbConnectAttempts はPostgreSQLへの接続確認の最大試行回数。
const dbConnectAttempts = 5

// stores はARCHIVE_BACKENDに応じて開いたユーザーディレクトリとメッセージアーカイブ。
type stores struct {
	users    repository.UserRepository
	messages repository.MessageRepository
	health   handler.HealthChecker

	pg *sql.DB
	kv *badger.DB
}

// openStores は設定に従ってストレージを開く。
// postgresの場合は接続確認まで行う。
func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.ArchiveBackend {
	case config.BackendBadger:
		kv, err := database.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger: %w", err)
		}
		slog.Info("badger archive opened", slog.String("path", cfg.BadgerPath))
		return &stores{
			users:    repository.NewBadgerUserRepo(kv),
			messages: repository.NewBadgerMessageRepo(kv),
			kv:       kv,
		}, nil

	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.PingWithRetry(context.Background(), db, dbConnectAttempts); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return &stores{
			users:    repository.NewPostgresUserRepo(db),
			messages: repository.NewPostgresMessageRepo(db),
			health:   db,
			pg:       db,
		}, nil
	}
}

// Close は開いたストレージを閉じる。
func (s *stores) Close() error {
	var errs []error
	if s.pg != nil {
		errs = append(errs, s.pg.Close())
	}
	if s.kv != nil {
		errs = append(errs, s.kv.Close())
	}
	return errors.Join(errs...)
}
