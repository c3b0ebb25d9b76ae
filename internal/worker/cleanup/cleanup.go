// Package cleanup は保存済みレシピ参照の整合性を回復するバックグラウンドジョブを提供する。
// レシピ削除時のカスケードが途中で失敗した場合に、存在しないレシピを指す
// 保存済みIDを定期的に全ユーザーから取り除く。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner は存在しないレシピを指す保存済みIDを取り除くインターフェース。
// repository.UserRepository が実装する。
type Pruner interface {
	PruneStaleSavedRecipes(ctx context.Context) (int64, error)
}

// PruneRecorder は整理件数を記録するインターフェース。
type PruneRecorder interface {
	RecordSavedRefsPruned(count int64)
}

// ReconcileJob は保存済みレシピ参照の整理ジョブ。
// 何度実行しても結果が変わらない冪等な処理として設計されている。
type ReconcileJob struct {
	pruner  Pruner
	metrics PruneRecorder
	logger  *slog.Logger
}

// NewReconcileJob は新しいReconcileJobを生成する。metricsはnilでもよい。
func NewReconcileJob(pruner Pruner, metrics PruneRecorder, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{
		pruner:  pruner,
		metrics: metrics,
		logger:  logger,
	}
}

// Run は整理を1回実行する。
// 対象がない場合でもエラーにならない。
func (j *ReconcileJob) Run(ctx context.Context) error {
	start := time.Now()

	pruned, err := j.pruner.PruneStaleSavedRecipes(ctx)
	if err != nil {
		j.logger.Error("保存済みレシピの整理に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("保存済みレシピの整理に失敗: %w", err)
	}

	if j.metrics != nil && pruned > 0 {
		j.metrics.RecordSavedRefsPruned(pruned)
	}

	duration := time.Since(start)
	j.logger.Info("保存済みレシピの整理が完了しました",
		slog.Int64("pruned_count", pruned),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回整理を実行し、以降intervalごとに繰り返す。
// ctxがキャンセルされるまでブロックする。失敗しても次の周期で再実行する。
func (j *ReconcileJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("保存済みレシピの整理ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("保存済みレシピの整理ジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
