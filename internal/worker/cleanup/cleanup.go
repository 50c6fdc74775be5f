// Package cleanup は埋め込みアーカイブ（BadgerDB）の値ログGCジョブを提供する。
// メッセージは削除しないため、回収対象はトランザクションの書き込みで生じた
// 古いバージョンと中断された書き込みのみとなる。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultDiscardRatio は値ログファイルを書き直す不要データの割合の閾値。
const DefaultDiscardRatio = 0.5

// DefaultInterval はGCの実行間隔。
const DefaultInterval = 10 * time.Minute

// ValueLogCollector はbadgerの値ログGCを抽象化するインターフェース。
// *badger.DB を受け付けることができる。
type ValueLogCollector interface {
	RunValueLogGC(discardRatio float64) error
}

// GCJob は値ログGCを定期実行するジョブ。
type GCJob struct {
	db           ValueLogCollector
	logger       *slog.Logger
	DiscardRatio float64 // 書き直し対象とする不要データの割合（デフォルト: 0.5）
}

// NewGCJob は新しいGCJobを生成する。
func NewGCJob(db ValueLogCollector, logger *slog.Logger) *GCJob {
	return &GCJob{
		db:           db,
		logger:       logger,
		DiscardRatio: DefaultDiscardRatio,
	}
}

// Run は書き直し対象がなくなるまで値ログGCを繰り返す。
// 対象がない場合（badger.ErrNoRewrite）はエラーにならない。
func (j *GCJob) Run(ctx context.Context) error {
	start := time.Now()
	rewritten := 0

	for ctx.Err() == nil {
		err := j.db.RunValueLogGC(j.DiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			break
		}
		if err != nil {
			j.logger.Error("値ログGCの実行に失敗しました",
				slog.String("error", err.Error()),
				slog.Int("rewritten", rewritten),
			)
			return fmt.Errorf("値ログGCの実行に失敗: %w", err)
		}
		rewritten++
	}

	j.logger.Info("値ログGCが完了しました",
		slog.Int("rewritten", rewritten),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *GCJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("値ログGCジョブを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("値ログGCジョブを停止しました")
			return
		case <-ticker.C:
			// 失敗はRun内でログ済み。次の周期で再試行する
			_ = j.Run(ctx)
		}
	}
}
