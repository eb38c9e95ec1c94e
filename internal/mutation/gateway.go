// Package mutation はコンテンツの作成・削除を管理者権限で仲介する。
//
// フォームごとに idle → submitting → succeeded | failed の状態を持ち、
// 送信中の再送信は何もせず ErrSubmissionInFlight を返す。
// 作成したドキュメントは購読経由でのみ一覧に反映される。
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bvanreenan/knowledge-hub/internal/metrics"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/security"
	"github.com/bvanreenan/knowledge-hub/internal/store"
)

var (
	// ErrUnauthorized は管理者権限がないことを示す。ストアへのリクエストは行わない。
	ErrUnauthorized = errors.New("not authorized")
	// ErrSubmissionInFlight は同じフォームの送信が進行中であることを示す。
	ErrSubmissionInFlight = errors.New("submission already in flight")
	// ErrNotConfirmed は削除が確認されなかったことを示す。
	ErrNotConfirmed = errors.New("deletion not confirmed")
)

// Form は作成フォームの種類。
type Form string

const (
	FormPost  Form = "post"
	FormPaper Form = "paper"
)

// FormStatus はフォームの送信状態。
type FormStatus string

const (
	StatusIdle       FormStatus = "idle"
	StatusSubmitting FormStatus = "submitting"
	StatusSucceeded  FormStatus = "succeeded"
	StatusFailed     FormStatus = "failed"
)

// FormState はフォームの状態のスナップショット。
// Draftは成功時に初期値へ戻り、失敗時は送信した内容を保持する。
type FormState struct {
	Form   Form       `json:"form"`
	Status FormStatus `json:"status"`
	Draft  any        `json:"draft"`
	Err    error      `json:"-"`
}

// Confirmer は削除前の確認を行う。falseの場合は削除しない。
type Confirmer func(collection, id string) bool

// Confirmed は確認済みかどうかを固定で返すConfirmerを返す。
func Confirmed(ok bool) Confirmer {
	return func(string, string) bool { return ok }
}

// AuthorizeFunc は呼び出し時点の管理者権限を返す。
type AuthorizeFunc func(ctx context.Context) bool

// Deps はゲートウェイが利用する依存関係。
type Deps struct {
	Writer    store.Writer
	Sanitizer security.TextSanitizer
	Links     security.LinkValidator
	Logger    *slog.Logger
	Metrics   metrics.MetricsCollector
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Sanitizer == nil {
		d.Sanitizer = security.NewTextSanitizer()
	}
	if d.Links == nil {
		d.Links = security.NewLinkValidator(security.LinkValidatorConfig{})
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

type formState[D any] struct {
	status FormStatus
	draft  D
	err    error
}

// Gateway は1クライアントセッション分のミューテーションを管理する。
type Gateway struct {
	deps      Deps
	authorize AuthorizeFunc

	mu        sync.Mutex
	post      formState[model.PostDraft]
	paper     formState[model.PaperDraft]
	formFns   map[uint64]func(FormState)
	deleteFns map[uint64]func(collection, id string)
	nextID    uint64
	lastUsed  time.Time
}

// NewGateway はGatewayを生成する。
func NewGateway(deps Deps, authorize AuthorizeFunc) *Gateway {
	deps = deps.withDefaults()
	now := deps.Now()
	return &Gateway{
		deps:      deps,
		authorize: authorize,
		post:      formState[model.PostDraft]{status: StatusIdle, draft: model.DefaultPostDraft()},
		paper:     formState[model.PaperDraft]{status: StatusIdle, draft: model.DefaultPaperDraft(now)},
		formFns:   make(map[uint64]func(FormState)),
		deleteFns: make(map[uint64]func(string, string)),
		lastUsed:  now,
	}
}

// PostForm は投稿フォームの状態を返す。
func (g *Gateway) PostForm() FormState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.postStateLocked()
}

// PaperForm は論文フォームの状態を返す。
func (g *Gateway) PaperForm() FormState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paperStateLocked()
}

// OnFormChange はフォーム状態の変化を購読する。
func (g *Gateway) OnFormChange(fn func(FormState)) (cancel func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.formFns[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.formFns, id)
	}
}

// OnDeleted は削除成功の通知を購読する。詳細表示中の投稿を閉じるために使う。
func (g *Gateway) OnDeleted(fn func(collection, id string)) (cancel func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.deleteFns[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.deleteFns, id)
	}
}

// CreatePost は投稿を作成する。
func (g *Gateway) CreatePost(ctx context.Context, draft model.PostDraft) (*model.Post, error) {
	if err := g.gate(ctx, model.CollectionPosts, "create"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.post.status == StatusSubmitting {
		g.mu.Unlock()
		return nil, ErrSubmissionInFlight
	}
	if err := draft.Validate(); err != nil {
		g.mu.Unlock()
		g.deps.Metrics.RecordMutation(model.CollectionPosts, "create", "rejected", 0)
		return nil, err
	}
	g.post = formState[model.PostDraft]{status: StatusSubmitting, draft: draft}
	g.lastUsed = g.deps.Now()
	g.unlockAndNotify(g.postStateLocked())

	clean := model.PostDraft{
		Title:           g.deps.Sanitizer.Sanitize(draft.Title),
		Category:        draft.Category,
		Excerpt:         g.deps.Sanitizer.Sanitize(draft.Excerpt),
		Challenge:       g.deps.Sanitizer.Sanitize(draft.Challenge),
		Interdependence: g.deps.Sanitizer.Sanitize(draft.Interdependence),
		Outcome:         g.deps.Sanitizer.Sanitize(draft.Outcome),
	}
	var post *model.Post
	err := clean.Validate()
	if err == nil {
		post, err = g.addPost(ctx, clean)
	}

	g.mu.Lock()
	if err != nil {
		g.post = formState[model.PostDraft]{status: StatusFailed, draft: draft, err: err}
	} else {
		g.post = formState[model.PostDraft]{status: StatusSucceeded, draft: model.DefaultPostDraft()}
	}
	g.unlockAndNotify(g.postStateLocked())
	return post, err
}

// postRecord はストアに保存する投稿データ。IDと作成日時はストアが採番する。
type postRecord struct {
	Title           string         `json:"title"`
	Category        model.Category `json:"category"`
	Excerpt         string         `json:"excerpt"`
	Challenge       string         `json:"challenge"`
	Interdependence string         `json:"interdependence"`
	Outcome         string         `json:"outcome"`
	Date            string         `json:"date"`
}

func (g *Gateway) addPost(ctx context.Context, d model.PostDraft) (*model.Post, error) {
	record := postRecord{
		Title:           d.Title,
		Category:        d.Category,
		Excerpt:         d.Excerpt,
		Challenge:       d.Challenge,
		Interdependence: d.Interdependence,
		Outcome:         d.Outcome,
		Date:            g.deps.Now().Format(model.DisplayDateLayout),
	}
	doc, err := g.write(ctx, model.CollectionPosts, "create", func(ctx context.Context) (*store.Document, error) {
		return g.deps.Writer.Add(ctx, model.CollectionPosts, record)
	})
	if err != nil {
		return nil, err
	}
	return &model.Post{
		ID:              doc.ID,
		Title:           record.Title,
		Category:        record.Category,
		Excerpt:         record.Excerpt,
		Challenge:       record.Challenge,
		Interdependence: record.Interdependence,
		Outcome:         record.Outcome,
		Date:            record.Date,
		CreatedAt:       doc.CreatedAt,
	}, nil
}

// CreatePaper は論文を作成する。タグが1つもない場合はストアに書き込まない。
func (g *Gateway) CreatePaper(ctx context.Context, draft model.PaperDraft) (*model.Paper, error) {
	if err := g.gate(ctx, model.CollectionPapers, "create"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.paper.status == StatusSubmitting {
		g.mu.Unlock()
		return nil, ErrSubmissionInFlight
	}
	if err := draft.Validate(); err != nil {
		g.mu.Unlock()
		g.deps.Metrics.RecordMutation(model.CollectionPapers, "create", "rejected", 0)
		return nil, err
	}
	g.paper = formState[model.PaperDraft]{status: StatusSubmitting, draft: draft}
	g.lastUsed = g.deps.Now()
	g.unlockAndNotify(g.paperStateLocked())

	clean := model.PaperDraft{
		Title:       g.deps.Sanitizer.Sanitize(draft.Title),
		Description: g.deps.Sanitizer.Sanitize(draft.Description),
		Year:        g.deps.Sanitizer.Sanitize(draft.Year),
		Degree:      draft.Degree,
		PDF:         g.deps.Sanitizer.Sanitize(draft.PDF),
		Tags:        append([]model.Tag(nil), draft.Tags...),
	}
	var paper *model.Paper
	err := clean.Validate()
	if err == nil {
		if linkErr := g.deps.Links.Validate(ctx, clean.PDF); linkErr != nil {
			err = &model.ValidationError{Fields: []string{"pdf"}, Reason: linkErr.Error()}
		}
	}
	if err == nil {
		paper, err = g.addPaper(ctx, clean)
	}

	g.mu.Lock()
	if err != nil {
		g.paper = formState[model.PaperDraft]{status: StatusFailed, draft: draft, err: err}
	} else {
		g.paper = formState[model.PaperDraft]{status: StatusSucceeded, draft: model.DefaultPaperDraft(g.deps.Now())}
	}
	g.unlockAndNotify(g.paperStateLocked())
	return paper, err
}

// paperRecord はストアに保存する論文データ。
type paperRecord struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Year        string       `json:"year"`
	Degree      model.Degree `json:"degree"`
	PDF         string       `json:"pdf,omitempty"`
	Tags        []model.Tag  `json:"tags"`
}

func (g *Gateway) addPaper(ctx context.Context, d model.PaperDraft) (*model.Paper, error) {
	record := paperRecord(d)
	doc, err := g.write(ctx, model.CollectionPapers, "create", func(ctx context.Context) (*store.Document, error) {
		return g.deps.Writer.Add(ctx, model.CollectionPapers, record)
	})
	if err != nil {
		return nil, err
	}
	return &model.Paper{
		ID:          doc.ID,
		Title:       record.Title,
		Description: record.Description,
		Year:        record.Year,
		Degree:      record.Degree,
		PDF:         record.PDF,
		Tags:        record.Tags,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

// DeletePost は投稿を削除する。
func (g *Gateway) DeletePost(ctx context.Context, id string, confirm Confirmer) error {
	return g.delete(ctx, model.CollectionPosts, id, confirm)
}

// DeletePaper は論文を削除する。
func (g *Gateway) DeletePaper(ctx context.Context, id string, confirm Confirmer) error {
	return g.delete(ctx, model.CollectionPapers, id, confirm)
}

// delete は確認のうえドキュメントを削除する。存在しないIDの削除も成功とする。
// 失敗はログに記録したうえで呼び出し元に返す。
func (g *Gateway) delete(ctx context.Context, collection, id string, confirm Confirmer) error {
	if err := g.gate(ctx, collection, "delete"); err != nil {
		return err
	}
	if confirm == nil || !confirm(collection, id) {
		g.deps.Metrics.RecordMutation(collection, "delete", "rejected", 0)
		return ErrNotConfirmed
	}

	g.mu.Lock()
	g.lastUsed = g.deps.Now()
	g.mu.Unlock()

	_, err := g.write(ctx, collection, "delete", func(ctx context.Context) (*store.Document, error) {
		return nil, g.deps.Writer.Delete(ctx, collection, id)
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	fns := make([]func(string, string), 0, len(g.deleteFns))
	for _, fn := range g.deleteFns {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(collection, id)
	}
	return nil
}

// gate は管理者権限を確認する。
func (g *Gateway) gate(ctx context.Context, collection, op string) error {
	if g.authorize == nil || !g.authorize(ctx) {
		g.deps.Metrics.RecordMutation(collection, op, "unauthorized", 0)
		return ErrUnauthorized
	}
	return nil
}

// write はクライアントの切断で中断されないコンテキストでストアに書き込む。
func (g *Gateway) write(ctx context.Context, collection, op string, fn func(context.Context) (*store.Document, error)) (*store.Document, error) {
	start := time.Now()
	doc, err := fn(context.WithoutCancel(ctx))
	duration := time.Since(start)
	if err != nil {
		g.deps.Metrics.RecordMutation(collection, op, "failed", duration)
		g.deps.Logger.Error("mutation failed",
			slog.String("collection", collection),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to %s %s: %w", op, collection, err)
	}
	g.deps.Metrics.RecordMutation(collection, op, "succeeded", duration)
	return doc, nil
}

// unlockAndNotify はロックを解放してからフォーム状態をリスナーに通知する。ロック取得済みで呼ぶこと。
func (g *Gateway) unlockAndNotify(state FormState) {
	fns := make([]func(FormState), 0, len(g.formFns))
	for _, fn := range g.formFns {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (g *Gateway) postStateLocked() FormState {
	return FormState{Form: FormPost, Status: g.post.status, Draft: g.post.draft, Err: g.post.err}
}

func (g *Gateway) paperStateLocked() FormState {
	d := g.paper.draft
	d.Tags = append([]model.Tag{}, d.Tags...)
	return FormState{Form: FormPaper, Status: g.paper.status, Draft: d, Err: g.paper.err}
}

// touch は最終利用時刻を更新する。
func (g *Gateway) touch(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.After(g.lastUsed) {
		g.lastUsed = now
	}
}

func (g *Gateway) idleSince() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	busy := g.post.status == StatusSubmitting || g.paper.status == StatusSubmitting
	return g.lastUsed, busy
}
