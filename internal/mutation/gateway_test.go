package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/store"
)

// --- モック定義 ---

type mockWriter struct {
	addFn    func(ctx context.Context, collection string, data any) (*store.Document, error)
	deleteFn func(ctx context.Context, collection, id string) error

	mu      sync.Mutex
	added   []any
	deleted []string
}

func (m *mockWriter) Add(ctx context.Context, collection string, data any) (*store.Document, error) {
	m.mu.Lock()
	m.added = append(m.added, data)
	m.mu.Unlock()
	if m.addFn != nil {
		return m.addFn(ctx, collection, data)
	}
	return &store.Document{ID: "doc-1", Collection: collection, CreatedAt: time.Now()}, nil
}

func (m *mockWriter) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, collection+"/"+id)
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, collection, id)
	}
	return nil
}

func (m *mockWriter) addCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.added)
}

type mockLinks struct {
	err error
}

func (m *mockLinks) Validate(context.Context, string) error { return m.err }

func allow(context.Context) bool { return true }
func deny(context.Context) bool  { return false }

var fixedNow = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

func newTestGateway(w store.Writer, authorize AuthorizeFunc) *Gateway {
	return NewGateway(Deps{
		Writer: w,
		Links:  &mockLinks{},
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Now:    func() time.Time { return fixedNow },
	}, authorize)
}

func validPostDraft() model.PostDraft {
	return model.PostDraft{
		Title:           "Governing clinical AI",
		Category:        model.CategoryAIStrategy,
		Excerpt:         "Why oversight matters",
		Challenge:       "Opaque models",
		Interdependence: "Clinicians and engineers",
		Outcome:         "Explainable triage",
	}
}

func validPaperDraft() model.PaperDraft {
	return model.PaperDraft{
		Title:       "XAI in triage",
		Description: "Capstone",
		Year:        "2025",
		Degree:      model.DegreeMSIT,
		PDF:         "https://example.com/xai.pdf",
		Tags:        []model.Tag{"Explainable AI (XAI)", "Governance"},
	}
}

// --- テスト ---

func TestCreatePost_Unauthorized_NoStoreCall(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, deny)

	_, err := g.CreatePost(context.Background(), validPostDraft())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if w.addCount() != 0 {
		t.Error("store must not be called when unauthorized")
	}
	if g.PostForm().Status != StatusIdle {
		t.Errorf("status = %s, want idle", g.PostForm().Status)
	}
}

func TestCreatePost_SucceedsAndResetsDraft(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	var statuses []FormStatus
	g.OnFormChange(func(s FormState) { statuses = append(statuses, s.Status) })

	draft := validPostDraft()
	draft.Title = "  Governing clinical AI\n"
	post, err := g.CreatePost(context.Background(), draft)
	if err != nil {
		t.Fatalf("CreatePost() error = %v", err)
	}
	if post.Title != "Governing clinical AI" {
		t.Errorf("Title = %q, want trimmed title", post.Title)
	}
	if post.Date != "Mar 2026" {
		t.Errorf("Date = %q, want %q", post.Date, "Mar 2026")
	}

	raw, _ := json.Marshal(w.added[0])
	var stored map[string]any
	json.Unmarshal(raw, &stored)
	if _, ok := stored["id"]; ok {
		t.Error("stored record must not carry a client-side id")
	}
	if stored["date"] != "Mar 2026" {
		t.Errorf("stored date = %v", stored["date"])
	}

	form := g.PostForm()
	if form.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", form.Status)
	}
	if form.Draft.(model.PostDraft) != model.DefaultPostDraft() {
		t.Errorf("draft = %+v, want default", form.Draft)
	}
	if len(statuses) != 2 || statuses[0] != StatusSubmitting || statuses[1] != StatusSucceeded {
		t.Errorf("transitions = %v", statuses)
	}
}

func TestCreatePost_StoreFailure_KeepsDraft(t *testing.T) {
	w := &mockWriter{
		addFn: func(context.Context, string, any) (*store.Document, error) {
			return nil, errors.New("permission denied")
		},
	}
	g := newTestGateway(w, allow)

	draft := validPostDraft()
	if _, err := g.CreatePost(context.Background(), draft); err == nil {
		t.Fatal("expected error")
	}
	form := g.PostForm()
	if form.Status != StatusFailed || form.Err == nil {
		t.Errorf("form = %+v", form)
	}
	if form.Draft.(model.PostDraft) != draft {
		t.Errorf("draft = %+v, want the submitted draft", form.Draft)
	}

	// 失敗後は再送信できる
	w.addFn = nil
	if _, err := g.CreatePost(context.Background(), draft); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestCreatePost_ValidationFailure_NoStoreWrite(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	draft := validPostDraft()
	draft.Outcome = "  "
	_, err := g.CreatePost(context.Background(), draft)
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if w.addCount() != 0 {
		t.Error("store must not be written on validation failure")
	}
}

func TestCreatePost_TextStoredAsEntered(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	draft := validPostDraft()
	draft.Title = "  Modus ponens  "
	draft.Challenge = "If p<q and q<r then p<r"
	draft.Outcome = "&lt;b&gt;kept&lt;/b&gt; <em>as typed</em>"
	post, err := g.CreatePost(context.Background(), draft)
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if w.addCount() != 1 {
		t.Fatalf("adds = %d, want 1", w.addCount())
	}
	b, _ := json.Marshal(w.added[0])
	var stored model.PostDraft
	if err := json.Unmarshal(b, &stored); err != nil {
		t.Fatal(err)
	}
	if post.Challenge != draft.Challenge {
		t.Errorf("returned Challenge = %q, want %q", post.Challenge, draft.Challenge)
	}
	if stored.Title != "Modus ponens" {
		t.Errorf("Title = %q", stored.Title)
	}
	if stored.Challenge != draft.Challenge {
		t.Errorf("Challenge = %q, want %q", stored.Challenge, draft.Challenge)
	}
	if stored.Outcome != draft.Outcome {
		t.Errorf("Outcome = %q, want %q", stored.Outcome, draft.Outcome)
	}
}

func TestCreatePaper_TextStoredAsEntered(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	draft := validPaperDraft()
	draft.Description = "Shows that x<y implies f(x)<f(y)"
	if _, err := g.CreatePaper(context.Background(), draft); err != nil {
		t.Fatalf("CreatePaper: %v", err)
	}
	b, _ := json.Marshal(w.added[0])
	var stored model.PaperDraft
	if err := json.Unmarshal(b, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Description != draft.Description {
		t.Errorf("Description = %q, want %q", stored.Description, draft.Description)
	}
}

// 送信中の2回目の送信は何もせず、作成されるドキュメントは1件だけ。
func TestCreatePost_SecondSubmitWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	w := &mockWriter{
		addFn: func(context.Context, string, any) (*store.Document, error) {
			calls.Add(1)
			close(entered)
			<-release
			return &store.Document{ID: "doc-1"}, nil
		},
	}
	g := newTestGateway(w, allow)

	done := make(chan error, 1)
	go func() {
		_, err := g.CreatePost(context.Background(), validPostDraft())
		done <- err
	}()
	<-entered

	if _, err := g.CreatePost(context.Background(), validPostDraft()); !errors.Is(err, ErrSubmissionInFlight) {
		t.Errorf("second submit err = %v, want ErrSubmissionInFlight", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("store calls = %d, want 1", calls.Load())
	}
}

func TestCreatePost_StoreCallNotCancelledByClient(t *testing.T) {
	w := &mockWriter{
		addFn: func(ctx context.Context, _ string, _ any) (*store.Document, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &store.Document{ID: "doc-1"}, nil
		},
	}
	g := newTestGateway(w, allow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.CreatePost(ctx, validPostDraft()); err != nil {
		t.Errorf("CreatePost() error = %v, store call must ignore client cancellation", err)
	}
}

func TestCreatePaper_NoTags_BlockedWithoutWrite(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	draft := validPaperDraft()
	draft.Tags = nil
	_, err := g.CreatePaper(context.Background(), draft)

	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Fields[0] != "tags" {
		t.Fatalf("err = %v, want tags validation error", err)
	}
	if w.addCount() != 0 {
		t.Error("store must not be written")
	}
}

func TestCreatePaper_Succeeds(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	paper, err := g.CreatePaper(context.Background(), validPaperDraft())
	if err != nil {
		t.Fatalf("CreatePaper() error = %v", err)
	}
	if len(paper.Tags) != 2 || paper.Degree != model.DegreeMSIT {
		t.Errorf("paper = %+v", paper)
	}
	form := g.PaperForm()
	draft := form.Draft.(model.PaperDraft)
	if form.Status != StatusSucceeded || draft.Year != "2026" || len(draft.Tags) != 0 || draft.Degree != model.DegreeMSIT {
		t.Errorf("form = %+v", form)
	}
}

func TestCreatePaper_InvalidLink_Failed(t *testing.T) {
	w := &mockWriter{}
	g := NewGateway(Deps{
		Writer: w,
		Links:  &mockLinks{err: errors.New("invalid link: blocked host localhost")},
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Now:    func() time.Time { return fixedNow },
	}, allow)

	_, err := g.CreatePaper(context.Background(), validPaperDraft())
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Fields[0] != "pdf" {
		t.Fatalf("err = %v, want pdf validation error", err)
	}
	if w.addCount() != 0 {
		t.Error("store must not be written")
	}
	if g.PaperForm().Status != StatusFailed {
		t.Errorf("status = %s, want failed", g.PaperForm().Status)
	}
}

func TestDelete_RequiresConfirmation(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	if err := g.DeletePost(context.Background(), "p1", Confirmed(false)); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("err = %v, want ErrNotConfirmed", err)
	}
	if err := g.DeletePost(context.Background(), "p1", nil); !errors.Is(err, ErrNotConfirmed) {
		t.Errorf("nil confirmer err = %v, want ErrNotConfirmed", err)
	}
	if len(w.deleted) != 0 {
		t.Error("store must not be called without confirmation")
	}
}

func TestDelete_Unauthorized(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, deny)

	if err := g.DeletePaper(context.Background(), "x", Confirmed(true)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if len(w.deleted) != 0 {
		t.Error("store must not be called when unauthorized")
	}
}

func TestDelete_SuccessNotifiesHook(t *testing.T) {
	w := &mockWriter{}
	g := newTestGateway(w, allow)

	var got []string
	g.OnDeleted(func(collection, id string) { got = append(got, collection+"/"+id) })

	var asked string
	confirm := func(collection, id string) bool {
		asked = collection + "/" + id
		return true
	}
	if err := g.DeletePost(context.Background(), "p1", confirm); err != nil {
		t.Fatalf("DeletePost() error = %v", err)
	}
	if asked != "posts/p1" {
		t.Errorf("confirmer asked about %q", asked)
	}
	if len(got) != 1 || got[0] != "posts/p1" {
		t.Errorf("deleted hooks = %v", got)
	}
}

func TestDelete_FailureIsReturned(t *testing.T) {
	w := &mockWriter{
		deleteFn: func(context.Context, string, string) error { return errors.New("network down") },
	}
	g := newTestGateway(w, allow)

	hookCalled := false
	g.OnDeleted(func(string, string) { hookCalled = true })

	if err := g.DeletePaper(context.Background(), "x", Confirmed(true)); err == nil {
		t.Fatal("expected error")
	}
	if hookCalled {
		t.Error("deleted hook must not run on failure")
	}
}

func TestDelete_MissingIDSucceeds(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	g := newTestGateway(mem, allow)

	if err := g.DeletePaper(context.Background(), "does-not-exist", Confirmed(true)); err != nil {
		t.Errorf("DeletePaper() error = %v, want nil", err)
	}
}

func TestCreateThenDelete_MemoryStore(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	g := newTestGateway(mem, allow)

	post, err := g.CreatePost(context.Background(), validPostDraft())
	if err != nil {
		t.Fatalf("CreatePost() error = %v", err)
	}
	if post.ID == "" || post.CreatedAt.IsZero() {
		t.Errorf("post = %+v, want store-assigned id and created_at", post)
	}
	if mem.Len(model.CollectionPosts) != 1 {
		t.Fatalf("Len = %d, want 1", mem.Len(model.CollectionPosts))
	}
	if err := g.DeletePost(context.Background(), post.ID, Confirmed(true)); err != nil {
		t.Fatalf("DeletePost() error = %v", err)
	}
	if mem.Len(model.CollectionPosts) != 0 {
		t.Errorf("Len = %d, want 0", mem.Len(model.CollectionPosts))
	}
}
