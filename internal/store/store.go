// Package store はリアルタイムドキュメントストアの境界を定義する。
//
// コレクション単位で「作成日時の降順」に並んだスナップショットを購読でき、
// 変更のたびに差分ではなく完全なスナップショットが通知される。
// 書き込みは Add（ID とサーバー側作成日時を採番）と Delete のみ。
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Document はコレクション内の1件のドキュメント。
type Document struct {
	ID         string
	Collection string
	Data       json.RawMessage
	CreatedAt  time.Time
	// Seq はストアが採番する挿入順序。CreatedAt が同値の場合の並び順を決める。
	Seq int64
}

// Snapshot はある時点のコレクション全体を作成日時の降順で保持する。
type Snapshot struct {
	Collection string
	Documents  []Document
}

// SnapshotFunc は購読中のコレクションのスナップショットを受け取るコールバック。
type SnapshotFunc func(Snapshot)

// ErrorFunc は購読エラーを受け取るコールバック。
type ErrorFunc func(error)

// Subscription は解除可能な購読。Unsubscribe は冪等。
type Subscription interface {
	Unsubscribe()
}

// Subscriber はコレクションの購読インターフェース。
type Subscriber interface {
	// Subscribe はcollectionの購読を開始する。
	// 購読直後に現在のスナップショットが1回通知され、以降は変更ごとに通知される。
	// 同一購読への通知は発生順に直列で配送される。
	Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
}

// Writer はドキュメントの書き込みインターフェース。
type Writer interface {
	// Add はドキュメントを追加する。IDと作成日時はストアが採番する。
	// 同じ内容でも常に新規ドキュメントとして追加する（upsertしない）。
	Add(ctx context.Context, collection string, data any) (*Document, error)

	// Delete は指定IDのドキュメントを削除する。存在しないIDでもエラーにしない。
	Delete(ctx context.Context, collection, id string) error
}

// Store は購読と書き込みの両方を提供する。
type Store interface {
	Subscriber
	Writer
	Close() error
}

// Decode はドキュメントのデータをvにデコードする。
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}
