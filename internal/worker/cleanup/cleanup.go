// Package cleanup は期限切れクライアントセッションの自動削除ジョブを提供する。
// 有効期限を猶予期間以上過ぎたclient_sessionsを定期バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CleanupJob は期限切れセッションの自動削除ジョブ。
// 削除処理は冪等で、対象がなくてもエラーにならない。
type CleanupJob struct {
	db         Executor
	logger     *slog.Logger
	GraceHours int // 期限切れから削除までの猶予時間（デフォルト: 24）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:         db,
		logger:     logger,
		GraceHours: 24,
	}
}

// Run はexpires_atが猶予時間より前のセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d hours", j.GraceHours)

	query := `DELETE FROM client_sessions WHERE expires_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("session cleanup failed",
			slog.String("error", err.Error()),
			slog.Int("grace_hours", j.GraceHours),
		)
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to read deleted session count",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to read deleted session count: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("grace_hours", j.GraceHours),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Schedule は起動直後に1回runを実行し、以降はctxが終了するまでintervalごとに実行する。
// 失敗はログに記録して次回へ持ち越す。
func Schedule(ctx context.Context, interval time.Duration, logger *slog.Logger, run func(context.Context) error) {
	if err := run(ctx); err != nil {
		logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
