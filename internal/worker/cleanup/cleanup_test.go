package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeResult はsql.Resultのモック。
type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

// mockExecutor はPostgreSQLを使わずにSQLクエリの内容と引数を記録する。
type mockExecutor struct {
	calls  int
	query  string
	args   []any
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// logEntries はJSONログを1行ずつデコードする。
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.GraceHours != 24 {
		t.Errorf("GraceHours = %d, want 24", job.GraceHours)
	}
}

func TestCleanupJob_Run_DeletesExpiredSessions(t *testing.T) {
	tests := []struct {
		name         string
		graceHours   int
		rowsAffected int64
		wantInterval string
	}{
		{"デフォルトの猶予", 24, 42, "24 hours"},
		{"猶予なし", 0, 3, "0 hours"},
		{"削除対象なし", 24, 0, "24 hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{result: &fakeResult{rowsAffected: tt.rowsAffected}}
			job := NewCleanupJob(mock, newTestLogger(&buf))
			job.GraceHours = tt.graceHours

			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() がエラーを返した: %v", err)
			}

			if mock.calls != 1 {
				t.Fatalf("ExecContext calls = %d, want 1", mock.calls)
			}
			if !strings.Contains(mock.query, "DELETE FROM client_sessions") || !strings.Contains(mock.query, "expires_at") {
				t.Errorf("クエリが期限切れセッションの削除になっていない: %s", mock.query)
			}
			if len(mock.args) != 1 || mock.args[0] != tt.wantInterval {
				t.Errorf("args = %v, want [%q]", mock.args, tt.wantInterval)
			}

			// 0件でも完了ログに件数・猶予・処理時間が記録されること
			var done map[string]any
			for _, e := range logEntries(t, &buf) {
				if e["msg"] == "session cleanup completed" {
					done = e
				}
			}
			if done == nil {
				t.Fatalf("完了ログが記録されていない: %s", buf.String())
			}
			if done["deleted_count"] != float64(tt.rowsAffected) {
				t.Errorf("deleted_count = %v, want %d", done["deleted_count"], tt.rowsAffected)
			}
			if done["grace_hours"] != float64(tt.graceHours) {
				t.Errorf("grace_hours = %v, want %d", done["grace_hours"], tt.graceHours)
			}
			if _, ok := done["duration_ms"]; !ok {
				t.Error("duration_ms が記録されていない")
			}
		})
	}
}

func TestCleanupJob_Run_Failures(t *testing.T) {
	tests := []struct {
		name    string
		exec    *mockExecutor
		wantErr string
	}{
		{"DBエラー", &mockExecutor{err: sql.ErrConnDone}, "sql: connection is already closed"},
		{"件数取得エラー", &mockExecutor{result: &fakeResult{err: errors.New("driver does not support")}}, "driver does not support"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			job := NewCleanupJob(tt.exec, newTestLogger(&buf))

			err := job.Run(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}

			entries := logEntries(t, &buf)
			if len(entries) == 0 || entries[len(entries)-1]["level"] != "ERROR" {
				t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
			}
		})
	}
}

func TestCleanupJob_Run_PassesContextToExecutor(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// キャンセルの扱いはDB層に委ねる
	_ = job.Run(ctx)
	if mock.calls != 1 {
		t.Fatal("キャンセル済みコンテキストでもExecContextは呼び出されるべき")
	}
}

func TestSchedule_RunsImmediatelyAndOnTick(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Schedule(ctx, 10*time.Millisecond, logger, func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want >= 3", calls.Load())
	}
	if !strings.Contains(buf.String(), "transient") {
		t.Errorf("失敗がログに記録されていない: %s", buf.String())
	}
}

func TestSchedule_StopsWhenContextCancelled(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	Schedule(ctx, time.Hour, newTestLogger(&buf), func(context.Context) error {
		calls.Add(1)
		return nil
	})

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
