package store

import (
	"context"
	"sync"
)

// fetchFunc はコレクション全体を作成日時の降順で取得する。
type fetchFunc func(ctx context.Context, collection string) ([]Document, error)

// broker はコレクションごとの購読者を管理し、変更通知をスナップショット配送に変換する。
// 購読ごとに配送用ゴルーチンを1つ持ち、通知は容量1のチャネルで合流させる。
// スナップショットは常に完全なので、連続した通知を1回の取得にまとめても欠落は起きない。
type broker struct {
	fetch fetchFunc

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func newBroker(fetch fetchFunc) *broker {
	return &broker{
		fetch: fetch,
		subs:  make(map[string]map[*subscription]struct{}),
	}
}

type subscription struct {
	b          *broker
	collection string
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	errs   chan error
	once   sync.Once
	done   chan struct{}
}

// subscribe は購読を登録し、初回スナップショットの配送を予約する。
func (b *broker) subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) *subscription {
	sctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		b:          b,
		collection: collection,
		onSnapshot: onSnapshot,
		onError:    onError,
		ctx:        sctx,
		cancel:     cancel,
		kick:       make(chan struct{}, 1),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[collection] == nil {
		b.subs[collection] = make(map[*subscription]struct{})
	}
	b.subs[collection][s] = struct{}{}
	b.mu.Unlock()

	s.kick <- struct{}{}
	go s.run()

	return s
}

// notify はcollectionの全購読者にスナップショットの再取得を要求する。
func (b *broker) notify(collection string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[collection] {
		s.trigger()
	}
}

// notifyAll は全コレクションの購読者に再取得を要求する。再接続後の再同期に使う。
func (b *broker) notifyAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for s := range set {
			s.trigger()
		}
	}
}

// failAll は全購読者にエラーを通知する。スナップショットは配送しない。
func (b *broker) failAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for s := range set {
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

// count は購読者数を返す。テスト用。
func (b *broker) count(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[collection])
}

// closeAll は全購読を解除する。
func (b *broker) closeAll() {
	b.mu.Lock()
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
}

func (b *broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.collection]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.collection)
		}
	}
}

func (s *subscription) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.done)
	// 呼び出し元のctxがキャンセルされた場合も購読者一覧から外す
	defer s.b.remove(s)
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.errs:
			if s.onError != nil {
				s.onError(err)
			}
		case <-s.kick:
			docs, err := s.b.fetch(s.ctx, s.collection)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				if s.onError != nil {
					s.onError(err)
				}
				continue
			}
			s.onSnapshot(Snapshot{Collection: s.collection, Documents: docs})
		}
	}
}

// Unsubscribe は購読を解除する。コールバック内から呼んでもよい。
// 解除時点で配送中のコールバックは完了まで実行される。
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.remove(s)
		s.cancel()
	})
}
