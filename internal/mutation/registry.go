package mutation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionAuthorizeFunc はセッショントークンの現在のアイデンティティから管理者権限を返す。
type SessionAuthorizeFunc func(ctx context.Context, sessionID string) bool

// Registry はセッショントークンごとにGatewayを保持する。
// 同じセッションのRESTとWebSocketが送信中ガードを共有する。
type Registry struct {
	deps      Deps
	authorize SessionAuthorizeFunc

	mu       sync.Mutex
	gateways map[string]*entry
}

type entry struct {
	gateway *Gateway
	refs    int
}

// NewRegistry はRegistryを生成する。
func NewRegistry(deps Deps, authorize SessionAuthorizeFunc) *Registry {
	return &Registry{
		deps:      deps.withDefaults(),
		authorize: authorize,
		gateways:  make(map[string]*entry),
	}
}

// Get はセッションのGatewayを返す。存在しない場合は作成する。
func (r *Registry) Get(sessionID string) *Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(sessionID).gateway
}

// Acquire はGatewayを取得し、releaseが呼ばれるまでSweepの対象から外す。
// ライブクライアントが接続中に使用する。
func (r *Registry) Acquire(sessionID string) (g *Gateway, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getLocked(sessionID)
	e.refs++
	var once sync.Once
	return e.gateway, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.refs--
		})
	}
}

func (r *Registry) getLocked(sessionID string) *entry {
	if e, ok := r.gateways[sessionID]; ok {
		// 取得直後にSweepで破棄されないよう、取得も利用として扱う
		e.gateway.touch(r.deps.Now())
		return e
	}
	e := &entry{gateway: NewGateway(r.deps, func(ctx context.Context) bool {
		return r.authorize != nil && r.authorize(ctx, sessionID)
	})}
	r.gateways[sessionID] = e
	return e
}

// Len は保持しているGateway数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gateways)
}

// Sweep はmaxIdleより長く使われていない送信中でないGatewayを破棄し、破棄した数を返す。
func (r *Registry) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.deps.Now()
	removed := 0
	for id, e := range r.gateways {
		lastUsed, busy := e.gateway.idleSince()
		if e.refs > 0 || busy || now.Sub(lastUsed) <= maxIdle {
			continue
		}
		delete(r.gateways, id)
		removed++
	}
	return removed
}

// RunSweeper はctxが終了するまでintervalごとにSweepを実行する。
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(maxIdle); n > 0 {
				r.deps.Logger.Debug("swept idle gateways", slog.Int("count", n))
			}
		}
	}
}
