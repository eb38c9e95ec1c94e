// Package livesync はドキュメントストアのコレクションをクライアントのローカル状態へ同期する。
package livesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bvanreenan/knowledge-hub/internal/metrics"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/session"
	"github.com/bvanreenan/knowledge-hub/internal/store"
)

// Decoder はストアのドキュメントを表示用の型に変換する。
type Decoder[T any] func(store.Document) (T, error)

// State はシンクロナイザーのローカル状態。
// Items は作成日時の降順で、Loaded は最初のスナップショットまたはエラーの受信後にtrueになる。
type State[T any] struct {
	Items  []T
	Loaded bool
	Err    error
}

// Synchronizer は1コレクションの購読とローカルコピーを管理する。
// 同時にアクティブな購読は高々1つで、置き換えられた購読からの通知は破棄する。
type Synchronizer[T any] struct {
	collection string
	subscriber store.Subscriber
	decode     Decoder[T]
	logger     *slog.Logger
	metrics    metrics.MetricsCollector

	mu         sync.Mutex
	items      []T
	loaded     bool
	lastErr    error
	generation uint64
	sub        store.Subscription
	listeners  map[uint64]func(State[T])
	nextID     uint64
}

// New はSynchronizerを生成する。
func New[T any](subscriber store.Subscriber, collection string, decode Decoder[T], logger *slog.Logger, collector metrics.MetricsCollector) *Synchronizer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Synchronizer[T]{
		collection: collection,
		subscriber: subscriber,
		decode:     decode,
		logger:     logger.With(slog.String("collection", collection)),
		metrics:    collector,
		listeners:  make(map[uint64]func(State[T])),
	}
}

// Collection は同期対象のコレクション名を返す。
func (s *Synchronizer[T]) Collection() string {
	return s.collection
}

// Start はアイデンティティが存在する場合に購読を開始する。
// 既存の購読は停止してから新しい購読を開く。identityがnilの場合は何もしない。
func (s *Synchronizer[T]) Start(ctx context.Context, identity *model.Identity) error {
	if identity == nil {
		return nil
	}

	s.mu.Lock()
	s.stopLocked()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	sub, err := s.subscriber.Subscribe(ctx, s.collection,
		func(snap store.Snapshot) { s.deliver(gen, snap) },
		func(err error) { s.fail(gen, err) },
	)
	if err != nil {
		s.fail(gen, err)
		return fmt.Errorf("failed to subscribe to %s: %w", s.collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		// Subscribe中に別のStart/Stopで置き換えられた
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.metrics.SubscriptionOpened(s.collection)
	return nil
}

// Stop はアクティブな購読を解除する。冪等。
// ローカル状態は保持し、以降の通知は破棄する。
func (s *Synchronizer[T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.generation++
}

func (s *Synchronizer[T]) stopLocked() {
	if s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
	s.sub = nil
	s.metrics.SubscriptionClosed(s.collection)
}

// Bind はセッションマネージャーの遷移ごとに購読を張り直す。
// 現在のアイデンティティで即座に開始し、戻り値で束縛を解除する（購読も停止する）。
func (s *Synchronizer[T]) Bind(ctx context.Context, m *session.Manager) (unbind func()) {
	cancel := m.OnChange(func(snap session.Snapshot) {
		if snap.Identity == nil {
			s.Stop()
			return
		}
		if err := s.Start(ctx, snap.Identity); err != nil {
			s.logger.Error("failed to resubscribe", slog.String("error", err.Error()))
		}
	})
	if identity := m.Identity(); identity != nil {
		if err := s.Start(ctx, identity); err != nil {
			s.logger.Error("failed to subscribe", slog.String("error", err.Error()))
		}
	}
	return func() {
		cancel()
		s.Stop()
	}
}

// State は現在のローカル状態のコピーを返す。
func (s *Synchronizer[T]) State() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// OnUpdate はローカル状態の更新通知を登録する。戻り値で登録を解除する。
func (s *Synchronizer[T]) OnUpdate(fn func(State[T])) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// deliver はスナップショットでローカル状態を完全に置き換える。
func (s *Synchronizer[T]) deliver(gen uint64, snap store.Snapshot) {
	items := make([]T, 0, len(snap.Documents))
	for _, doc := range snap.Documents {
		item, err := s.decode(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable document",
				slog.String("id", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, item)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.items = items
	s.loaded = true
	s.lastErr = nil
	state, fns := s.stateLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.metrics.RecordSnapshot(s.collection, len(items))
	for _, fn := range fns {
		fn(state)
	}
}

// fail は購読エラーを記録する。内容は変更せず、Loadedのみtrueにする。再試行はしない。
func (s *Synchronizer[T]) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.loaded = true
	s.lastErr = err
	state, fns := s.stateLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.metrics.RecordSyncError(s.collection)
	s.logger.Error("subscription error", slog.String("error", err.Error()))
	for _, fn := range fns {
		fn(state)
	}
}

func (s *Synchronizer[T]) stateLocked() State[T] {
	items := make([]T, len(s.items))
	copy(items, s.items)
	return State[T]{Items: items, Loaded: s.loaded, Err: s.lastErr}
}

func (s *Synchronizer[T]) listenersLocked() []func(State[T]) {
	fns := make([]func(State[T]), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}
