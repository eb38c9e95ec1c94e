package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bvanreenan/knowledge-hub/internal/auth"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/session"
	"github.com/bvanreenan/knowledge-hub/internal/store"
)

// fakeSubscription は購読ごとのコールバックを保持し、テストから直接通知できる。
type fakeSubscription struct {
	onSnapshot   store.SnapshotFunc
	onError      store.ErrorFunc
	unsubscribed int
}

func (s *fakeSubscription) Unsubscribe() { s.unsubscribed++ }

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ string, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSubscription{onSnapshot: onSnapshot, onError: onError}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) sub(i int) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func postDoc(t *testing.T, id, title string, at time.Time) store.Document {
	t.Helper()
	data, err := json.Marshal(map[string]string{"title": title, "category": "AI Strategy", "date": "Jan 2026"})
	if err != nil {
		t.Fatal(err)
	}
	return store.Document{ID: id, Collection: model.CollectionPosts, Data: data, CreatedAt: at}
}

var anon = &model.Identity{SubjectID: "anon", Method: model.MethodAnonymous}

func TestStart_NilIdentity_NoSubscription(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)

	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sub.count() != 0 {
		t.Errorf("subscriptions = %d, want 0", sub.count())
	}
	if s.State().Loaded {
		t.Error("Loaded must stay false without identity")
	}
}

func TestSnapshot_ReplacesStateAndSetsLoaded(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)
	s.Start(context.Background(), anon)

	now := time.Now()
	sub.sub(0).onSnapshot(store.Snapshot{Documents: []store.Document{
		postDoc(t, "p2", "second", now),
		postDoc(t, "p1", "first", now.Add(-time.Minute)),
	}})
	st := s.State()
	if !st.Loaded || len(st.Items) != 2 {
		t.Fatalf("state = %+v", st)
	}
	if st.Items[0].ID != "p2" || st.Items[0].Title != "second" || !st.Items[0].CreatedAt.Equal(now) {
		t.Errorf("first item = %+v", st.Items[0])
	}

	sub.sub(0).onSnapshot(store.Snapshot{})
	st = s.State()
	if !st.Loaded || len(st.Items) != 0 {
		t.Errorf("empty snapshot must clear items and keep Loaded: %+v", st)
	}
}

func TestSubscriptionError_KeepsContents(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)
	s.Start(context.Background(), anon)

	sub.sub(0).onSnapshot(store.Snapshot{Documents: []store.Document{postDoc(t, "p1", "first", time.Now())}})
	sub.sub(0).onError(errors.New("permission denied"))

	st := s.State()
	if !st.Loaded || len(st.Items) != 1 || st.Err == nil {
		t.Errorf("state = %+v", st)
	}
}

func TestSubscriptionError_BeforeFirstSnapshot_SetsLoaded(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPapers(sub, discardLogger(), nil)
	s.Start(context.Background(), anon)

	sub.sub(0).onError(errors.New("boom"))
	st := s.State()
	if !st.Loaded || len(st.Items) != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestRestart_DropsStaleDeliveries(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)
	ctx := context.Background()

	s.Start(ctx, anon)
	s.Start(ctx, &model.Identity{SubjectID: "adm", Email: "a@example.com", Method: model.MethodPassword})

	if sub.sub(0).unsubscribed != 1 {
		t.Errorf("prior subscription unsubscribed %d times, want 1", sub.sub(0).unsubscribed)
	}

	sub.sub(1).onSnapshot(store.Snapshot{Documents: []store.Document{postDoc(t, "fresh", "fresh", time.Now())}})
	sub.sub(0).onSnapshot(store.Snapshot{Documents: []store.Document{postDoc(t, "stale", "stale", time.Now())}})
	sub.sub(0).onError(errors.New("stale error"))

	st := s.State()
	if len(st.Items) != 1 || st.Items[0].ID != "fresh" || st.Err != nil {
		t.Errorf("state = %+v, stale delivery leaked", st)
	}
}

func TestStop_Idempotent(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)
	s.Start(context.Background(), anon)

	s.Stop()
	s.Stop()
	if sub.sub(0).unsubscribed != 1 {
		t.Errorf("unsubscribed = %d, want 1", sub.sub(0).unsubscribed)
	}

	sub.sub(0).onSnapshot(store.Snapshot{Documents: []store.Document{postDoc(t, "late", "late", time.Now())}})
	if len(s.State().Items) != 0 {
		t.Error("deliveries after Stop must be dropped")
	}
}

func TestStart_SubscribeError(t *testing.T) {
	sub := &fakeSubscriber{err: errors.New("store closed")}
	s := NewPosts(sub, discardLogger(), nil)

	if err := s.Start(context.Background(), anon); err == nil {
		t.Fatal("expected error")
	}
	if !s.State().Loaded {
		t.Error("Loaded must be true after a subscription error")
	}
}

func TestUndecodableDocument_Skipped(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)
	s.Start(context.Background(), anon)

	sub.sub(0).onSnapshot(store.Snapshot{Documents: []store.Document{
		{ID: "bad", Data: json.RawMessage(`{"title": 42}`)},
		postDoc(t, "ok", "ok", time.Now()),
	}})
	st := s.State()
	if len(st.Items) != 1 || st.Items[0].ID != "ok" {
		t.Errorf("state = %+v", st)
	}
}

func TestOnUpdate_ReceivesState(t *testing.T) {
	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)
	s.Start(context.Background(), anon)

	var got []State[model.Post]
	cancel := s.OnUpdate(func(st State[model.Post]) { got = append(got, st) })
	sub.sub(0).onSnapshot(store.Snapshot{Documents: []store.Document{postDoc(t, "p1", "a", time.Now())}})
	cancel()
	sub.sub(0).onSnapshot(store.Snapshot{})

	if len(got) != 1 || len(got[0].Items) != 1 {
		t.Errorf("updates = %+v", got)
	}
}

// fakeProvider はセッションマネージャー用の最小のアイデンティティプロバイダー。
type fakeProvider struct {
	mu        sync.Mutex
	current   *model.Identity
	listeners []func(*model.Identity)
}

func (p *fakeProvider) CurrentIdentity(context.Context) (*model.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}
func (p *fakeProvider) SignInAnonymously(context.Context) (*model.Identity, error) {
	return nil, errors.New("not used")
}
func (p *fakeProvider) SignInWithCredentials(context.Context, model.Credentials) (*model.Identity, error) {
	return nil, errors.New("not used")
}
func (p *fakeProvider) SignOut(context.Context) error { return nil }
func (p *fakeProvider) Subscribe(fn func(*model.Identity)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
	return func() {}
}
func (p *fakeProvider) set(identity *model.Identity) {
	p.mu.Lock()
	p.current = identity
	fns := append([]func(*model.Identity){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(identity)
	}
}

func TestBind_ResubscribesOnEveryTransition(t *testing.T) {
	p := &fakeProvider{current: anon}
	m := session.NewManager(p, auth.NewAllowList(nil), discardLogger())
	defer m.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sub := &fakeSubscriber{}
	s := NewPosts(sub, discardLogger(), nil)
	unbind := s.Bind(context.Background(), m)

	if sub.count() != 1 {
		t.Fatalf("subscriptions after Bind = %d, want 1", sub.count())
	}

	p.set(&model.Identity{SubjectID: "adm", Email: "a@example.com", Method: model.MethodPassword})
	if sub.count() != 2 || sub.sub(0).unsubscribed != 1 {
		t.Errorf("after sign-in: subs = %d, first unsubscribed = %d", sub.count(), sub.sub(0).unsubscribed)
	}

	p.set(nil)
	if sub.count() != 2 || sub.sub(1).unsubscribed != 1 {
		t.Errorf("after sign-out: subs = %d, second unsubscribed = %d", sub.count(), sub.sub(1).unsubscribed)
	}

	unbind()
	p.set(anon)
	if sub.count() != 2 {
		t.Errorf("unbound synchronizer must not resubscribe: subs = %d", sub.count())
	}
}

// メモリストアを通した同期で、投稿が作成日時の厳密な降順になることを検証する。
func TestMemoryStore_PostsStrictlyDescending(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	s := NewPosts(mem, discardLogger(), nil)
	ctx := context.Background()

	updates := make(chan State[model.Post], 32)
	s.OnUpdate(func(st State[model.Post]) { updates <- st })
	if err := s.Start(ctx, anon); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	for i := 0; i < 5; i++ {
		if _, err := mem.Add(ctx, model.CollectionPosts, map[string]string{"title": "t", "category": "AI Strategy"}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-updates:
			if len(st.Items) != 5 {
				continue
			}
			for i := 1; i < len(st.Items); i++ {
				if !st.Items[i-1].CreatedAt.After(st.Items[i].CreatedAt) {
					t.Fatalf("items not strictly descending at %d: %v, %v", i, st.Items[i-1].CreatedAt, st.Items[i].CreatedAt)
				}
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for 5 posts")
		}
	}
}
