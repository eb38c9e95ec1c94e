package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// NotifyChannel はドキュメント変更を通知するPostgreSQLのLISTEN/NOTIFYチャネル名。
// documentsテーブルのトリガーがコレクション名をペイロードとして送信する。
const NotifyChannel = "document_changes"

// PostgresConfig はPostgresストアの設定。
type PostgresConfig struct {
	DatabaseURL          string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
}

// Postgres はPostgreSQLのdocumentsテーブルとLISTEN/NOTIFYによるStore実装。
// pq.Listenerが切断を検知した場合は自動で再接続し、再接続後に全購読を再同期する。
type Postgres struct {
	db       *sql.DB
	listener *pq.Listener
	broker   *broker
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPostgres はPostgresストアを生成し、変更通知のLISTENを開始する。
func NewPostgres(db *sql.DB, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if cfg.MinReconnectInterval <= 0 {
		cfg.MinReconnectInterval = 10 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = time.Minute
	}

	p := &Postgres{
		db:     db,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.broker = newBroker(p.fetch)

	p.listener = pq.NewListener(cfg.DatabaseURL, cfg.MinReconnectInterval, cfg.MaxReconnectInterval, p.onListenerEvent)
	if err := p.listener.Listen(NotifyChannel); err != nil {
		p.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	go p.dispatch()

	return p, nil
}

// Subscribe はcollectionの購読を開始する。
func (p *Postgres) Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot callback is required")
	}
	return p.broker.subscribe(ctx, collection, onSnapshot, onError), nil
}

// Add はドキュメントを追加する。作成日時はサーバー側のclock_timestamp()で採番する。
func (p *Postgres) Add(ctx context.Context, collection string, data any) (*Document, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	doc := &Document{
		ID:         uuid.New().String(),
		Collection: collection,
		Data:       raw,
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO documents (id, collection, data)
		 VALUES ($1, $2, $3)
		 RETURNING seq, created_at`,
		doc.ID, collection, []byte(raw),
	).Scan(&doc.Seq, &doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add document: %w", err)
	}

	return doc, nil
}

// Delete は指定IDのドキュメントを削除する。0件削除でもエラーにしない。
func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close はLISTENを停止し、全購読を解除する。
func (p *Postgres) Close() error {
	close(p.stop)
	<-p.done
	p.broker.closeAll()
	return p.listener.Close()
}

// dispatch はNOTIFYを購読者への再取得要求に変換する。
func (p *Postgres) dispatch() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届く。切断中の変更を取りこぼしているため全購読を再同期する。
			if n == nil {
				p.broker.notifyAll()
				continue
			}
			p.broker.notify(n.Extra)
		}
	}
}

func (p *Postgres) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		p.logger.Warn("document listener disconnected", slog.Any("error", err))
	case pq.ListenerEventConnectionAttemptFailed:
		p.logger.Error("document listener reconnect failed", slog.Any("error", err))
		p.broker.failAll(fmt.Errorf("document listener unavailable: %w", err))
	case pq.ListenerEventReconnected:
		p.logger.Info("document listener reconnected")
	}
}

func (p *Postgres) fetch(ctx context.Context, collection string) ([]Document, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, data, created_at, seq
		 FROM documents
		 WHERE collection = $1
		 ORDER BY created_at DESC, seq DESC`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d := Document{Collection: collection}
		var raw []byte
		if err := rows.Scan(&d.ID, &raw, &d.CreatedAt, &d.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.Data = json.RawMessage(raw)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	return docs, nil
}

// compile-time interface check
var _ Store = (*Postgres)(nil)
