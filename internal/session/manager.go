// Package session はクライアントごとのアイデンティティ状態機械を提供する。
//
// 状態は none → anonymous → authenticated → anonymous と遷移する。
// アイデンティティが失われると匿名アイデンティティを自動で再確立する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bvanreenan/knowledge-hub/internal/auth"
	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// State はセッションの状態。
type State string

const (
	StateNone          State = "none"
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
)

// IdentityProvider はセッションマネージャーが利用するアイデンティティ操作。
type IdentityProvider interface {
	CurrentIdentity(ctx context.Context) (*model.Identity, error)
	SignInAnonymously(ctx context.Context) (*model.Identity, error)
	SignInWithCredentials(ctx context.Context, creds model.Credentials) (*model.Identity, error)
	SignOut(ctx context.Context) error
	Subscribe(fn func(*model.Identity)) (cancel func())
}

// Snapshot は遷移後のセッション状態。
type Snapshot struct {
	State      State
	Identity   *model.Identity
	Authorized bool
}

// Listener は状態遷移の通知を受け取る。
type Listener func(Snapshot)

// Manager は1クライアント分のアイデンティティと認可状態を保持する。
type Manager struct {
	provider   IdentityProvider
	authorizer auth.Authorizer
	logger     *slog.Logger

	// transition は遷移の適用と通知を直列化する
	transition sync.Mutex

	mu          sync.Mutex
	identity    *model.Identity
	authorized  bool
	listeners   map[uint64]Listener
	nextID      uint64
	started     bool
	closed      bool
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager はManagerを生成する。
func NewManager(provider IdentityProvider, authorizer auth.Authorizer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:   provider,
		authorizer: authorizer,
		logger:     logger,
		listeners:  make(map[uint64]Listener),
	}
}

// Start はアイデンティティの変化を購読し、現在のアイデンティティを適用する。
// アイデンティティがない場合は匿名アイデンティティを確立する。
// 確立に失敗した場合はログに記録し、none 状態のままにする。
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	unsubscribe := m.provider.Subscribe(m.apply)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	current, err := m.provider.CurrentIdentity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current identity: %w", err)
	}
	if current == nil {
		m.establishAnonymous()
		return nil
	}
	m.apply(current)
	return nil
}

// State は現在の状態を返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return stateOf(m.identity)
}

// Identity は現在のアイデンティティのコピーを返す。
func (m *Manager) Identity() *model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	c := *m.identity
	return &c
}

// Authorized は現在のアイデンティティが管理者権限を持つかを返す。
func (m *Manager) Authorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorized
}

// Snapshot は現在の状態をまとめて返す。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnChange は状態遷移のリスナーを登録する。戻り値で登録を解除する。
func (m *Manager) OnChange(fn Listener) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SignInAdmin は管理者としてサインインする。
// 失敗時は auth.ErrInvalidCredentials / auth.ErrRateLimited またはその他のエラーを返し、
// 直前のアイデンティティは維持される。
func (m *Manager) SignInAdmin(ctx context.Context, creds model.Credentials) error {
	if _, err := m.provider.SignInWithCredentials(ctx, creds); err != nil {
		m.logger.Warn("admin sign-in failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// SignOutAdmin は認証済みの場合にサインアウトする。それ以外の状態では何もしない。
// サインアウト後の匿名アイデンティティは購読経由で自動的に再確立される。
func (m *Manager) SignOutAdmin(ctx context.Context) error {
	if m.State() != StateAuthenticated {
		return nil
	}
	if err := m.provider.SignOut(ctx); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}

// Close は購読を解除し、実行中の匿名アイデンティティ確立を待つ。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	cancel := m.cancel
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// apply はアイデンティティの変化を状態に反映し、リスナーに通知する。
// リスナーは遷移順に同期的に呼ばれるため、リスナー内から遷移を起こしてはならない。
func (m *Manager) apply(identity *model.Identity) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if identity.Equal(m.identity) {
		m.mu.Unlock()
		return
	}
	m.identity = identity
	m.authorized = m.authorizer.Authorize(identity)
	snap := m.snapshotLocked()
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("session transition",
		slog.String("state", string(snap.State)),
		slog.Bool("authorized", snap.Authorized),
	)
	for _, fn := range fns {
		fn(snap)
	}

	if identity == nil {
		m.establishAnonymous()
	}
}

// establishAnonymous は匿名アイデンティティの確立を非同期に要求する。
// 確立されたアイデンティティは購読経由で反映される。
func (m *Manager) establishAnonymous() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if _, err := m.provider.SignInAnonymously(ctx); err != nil {
			m.logger.Error("failed to establish anonymous identity",
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: stateOf(m.identity), Authorized: m.authorized}
	if m.identity != nil {
		c := *m.identity
		snap.Identity = &c
	}
	return snap
}

func stateOf(identity *model.Identity) State {
	switch {
	case identity == nil:
		return StateNone
	case identity.Anonymous():
		return StateAnonymous
	default:
		return StateAuthenticated
	}
}
