// Package hub はWebSocketで接続したライブクライアントを提供する。
//
// 接続ごとにセッションマネージャー、投稿・論文のシンクロナイザー、
// セッションのミューテーションゲートウェイを組み合わせ、
// 状態の変化をJSONフレームとしてクライアントへ送る。
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bvanreenan/knowledge-hub/internal/archive"
	"github.com/bvanreenan/knowledge-hub/internal/auth"
	"github.com/bvanreenan/knowledge-hub/internal/livesync"
	"github.com/bvanreenan/knowledge-hub/internal/metrics"
	"github.com/bvanreenan/knowledge-hub/internal/middleware"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/mutation"
	"github.com/bvanreenan/knowledge-hub/internal/session"
	"github.com/bvanreenan/knowledge-hub/internal/store"
)

// Deps はライブクライアントが利用する依存関係。
type Deps struct {
	Auth     *auth.Service
	Store    store.Subscriber
	Registry *mutation.Registry
	Logger   *slog.Logger
	Metrics  metrics.MetricsCollector
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	return d
}

// Client は1接続分のライブクライアント。トランスポートには依存せず、
// フレームの送信はemitに委ねる。
type Client struct {
	mode   auth.Mode
	logger *slog.Logger
	emit   func(Frame)

	manager *session.Manager
	posts   *livesync.Synchronizer[model.Post]
	papers  *livesync.Synchronizer[model.Paper]
	gateway *mutation.Gateway
	release func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	filter   archive.TagFilter
	openPost *model.Post
	cleanup  []func()
	closed   bool
}

// NewClient はセッショントークンに束縛されたClientを生成する。
func NewClient(sessionID string, deps Deps, emit func(Frame)) *Client {
	deps = deps.withDefaults()
	logger := deps.Logger.With(slog.String("component", "live_client"))
	gateway, release := deps.Registry.Acquire(sessionID)
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		mode:    deps.Auth.Authorizer().Mode(),
		logger:  logger,
		emit:    emit,
		manager: session.NewManager(deps.Auth.Provider(sessionID), deps.Auth.Authorizer(), logger),
		posts:   livesync.NewPosts(deps.Store, logger, deps.Metrics),
		papers:  livesync.NewPapers(deps.Store, logger, deps.Metrics),
		gateway: gateway,
		release: release,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start は各コンポーネントの通知を購読し、セッションを開始する。
// シンクロナイザーはアイデンティティが確立されてから読み込みを始める。
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.cleanup = append(c.cleanup,
		c.manager.OnChange(c.onIdentity),
		c.posts.OnUpdate(c.onPosts),
		c.papers.OnUpdate(c.onPapers),
		c.gateway.OnFormChange(c.onForm),
		c.gateway.OnDeleted(c.onDeleted),
		c.posts.Bind(c.ctx, c.manager),
		c.papers.Bind(c.ctx, c.manager),
	)
	c.mu.Unlock()

	c.emit(Frame{Type: FrameForm, Data: c.gateway.PostForm()})
	c.emit(Frame{Type: FrameForm, Data: c.gateway.PaperForm()})

	if err := c.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// Close は購読とセッションを解放する。進行中のミューテーションの完了を待つ。冪等。
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cleanup := c.cleanup
	c.cleanup = nil
	c.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	c.manager.Close()
	c.cancel()
	c.wg.Wait()
	c.release()
	c.logger.Debug("live client closed")
}

// Handle はクライアントからのコマンドを処理する。
// 作成・削除はストアへの書き込みを待たずに戻り、結果はform/errorフレームで通知する。
func (c *Client) Handle(cmd Command) {
	switch cmd.Type {
	case CmdSignIn:
		err := c.manager.SignInAdmin(c.ctx, model.Credentials{
			Email:    cmd.Email,
			Password: cmd.Password,
			Secret:   cmd.Secret,
		})
		c.fail(cmd.Type, err, middleware.OpSignIn, "")
	case CmdSignOut:
		c.fail(cmd.Type, c.manager.SignOutAdmin(c.ctx), middleware.OpSignIn, "")
	case CmdToggleTag:
		c.updateFilter(cmd.Type, func(f archive.TagFilter) (archive.TagFilter, error) { return f.Toggle(cmd.Tag) })
	case CmdFocusTag:
		c.updateFilter(cmd.Type, func(f archive.TagFilter) (archive.TagFilter, error) { return f.Only(cmd.Tag) })
	case CmdClearTags:
		c.updateFilter(cmd.Type, func(f archive.TagFilter) (archive.TagFilter, error) { return f.Clear(), nil })
	case CmdOpenPost:
		c.openDetail(cmd.ID)
	case CmdClosePost:
		c.closeDetail("")
	case CmdCreatePost:
		if cmd.Post == nil {
			c.emitError(cmd.Type, model.NewInvalidRequestError())
			return
		}
		draft := *cmd.Post
		c.async(func() {
			_, err := c.gateway.CreatePost(c.ctx, draft)
			c.fail(cmd.Type, err, middleware.OpCreate, model.CollectionPosts)
		})
	case CmdCreatePaper:
		if cmd.Paper == nil {
			c.emitError(cmd.Type, model.NewInvalidRequestError())
			return
		}
		draft := *cmd.Paper
		c.async(func() {
			_, err := c.gateway.CreatePaper(c.ctx, draft)
			c.fail(cmd.Type, err, middleware.OpCreate, model.CollectionPapers)
		})
	case CmdDeletePost:
		confirm := mutation.Confirmed(cmd.Confirmed)
		c.async(func() {
			err := c.gateway.DeletePost(c.ctx, cmd.ID, confirm)
			c.fail(cmd.Type, err, middleware.OpDelete, model.CollectionPosts)
		})
	case CmdDeletePaper:
		confirm := mutation.Confirmed(cmd.Confirmed)
		c.async(func() {
			err := c.gateway.DeletePaper(c.ctx, cmd.ID, confirm)
			c.fail(cmd.Type, err, middleware.OpDelete, model.CollectionPapers)
		})
	default:
		c.emitError(cmd.Type, model.NewInvalidRequestError())
	}
}

// async はミューテーションをバックグラウンドで実行する。Close後は実行しない。
func (c *Client) async(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Client) onIdentity(snap session.Snapshot) {
	c.emit(Frame{Type: FrameIdentity, Data: newIdentityFrame(snap, c.mode)})
}

// onPosts は投稿一覧を送り、開いている投稿が一覧から消えていれば詳細を閉じる。
func (c *Client) onPosts(state livesync.State[model.Post]) {
	items := state.Items
	if items == nil {
		items = []model.Post{}
	}
	c.emit(Frame{Type: FramePosts, Data: PostsFrame{Items: items, Loaded: state.Loaded}})

	if !state.Loaded {
		return
	}
	c.mu.Lock()
	open := c.openPost
	c.mu.Unlock()
	if open == nil {
		return
	}
	for _, p := range state.Items {
		if p.ID == open.ID {
			return
		}
	}
	c.closeDetail(open.ID)
}

func (c *Client) onPapers(livesync.State[model.Paper]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitPapersLocked()
}

// emitPapersLocked は現在のフィルターで研究アーカイブを射影して送る。
// フィルター変更との順序を保つためロック中に送信する。
func (c *Client) emitPapersLocked() {
	state := c.papers.State()
	c.emit(Frame{Type: FramePapers, Data: PapersFrame{
		View:   archive.Project(state.Items, c.filter),
		Loaded: state.Loaded,
	}})
}

func (c *Client) updateFilter(command string, fn func(archive.TagFilter) (archive.TagFilter, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := fn(c.filter)
	if err != nil {
		_, apiErr := middleware.ErrorFor(err, middleware.OpRead, model.CollectionPapers)
		c.emitError(command, apiErr)
		return
	}
	c.filter = next
	c.emitPapersLocked()
}

func (c *Client) onForm(state mutation.FormState) {
	c.emit(Frame{Type: FrameForm, Data: state})
}

func (c *Client) onDeleted(collection, id string) {
	if collection != model.CollectionPosts {
		return
	}
	c.closeDetail(id)
}

func (c *Client) openDetail(id string) {
	for _, p := range c.posts.State().Items {
		if p.ID != id {
			continue
		}
		post := p
		c.mu.Lock()
		c.openPost = &post
		c.mu.Unlock()
		c.emit(Frame{Type: FrameDetail, Data: DetailFrame{Post: &post}})
		return
	}
	c.emitError(CmdOpenPost, model.NewDocumentNotFoundError(model.CollectionPosts, id))
}

// closeDetail は詳細表示を閉じる。idが空でなければ、その投稿を開いている場合のみ閉じる。
func (c *Client) closeDetail(id string) {
	c.mu.Lock()
	if c.openPost == nil || (id != "" && c.openPost.ID != id) {
		c.mu.Unlock()
		return
	}
	c.openPost = nil
	c.mu.Unlock()
	c.emit(Frame{Type: FrameDetail, Data: DetailFrame{}})
}

// OpenPost は詳細表示中の投稿IDを返す。
func (c *Client) OpenPost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openPost == nil {
		return ""
	}
	return c.openPost.ID
}

// Filter は現在のタグフィルターを返す。
func (c *Client) Filter() archive.TagFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

func (c *Client) fail(command string, err error, op middleware.Operation, collection string) {
	if err == nil {
		return
	}
	_, apiErr := middleware.ErrorFor(err, op, collection)
	c.emitError(command, apiErr)
}

func (c *Client) emitError(command string, apiErr *model.APIError) {
	c.emit(Frame{Type: FrameError, Data: ErrorFrame{
		Command:           command,
		ErrorResponseBody: middleware.NewErrorResponseBody(apiErr),
	}})
}
