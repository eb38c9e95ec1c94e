package repository

import (
	"context"
	"sync"
	"time"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// MemorySessionRepo はプロセス内メモリを使用したセッションリポジトリ。
// STORE_BACKEND=memory での起動とテストで使用する。
type MemorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *session
	stored.Identity = cloneIdentity(session.Identity)
	r.sessions[session.ID] = stored
	return nil
}

func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	s.Identity = cloneIdentity(s.Identity)
	return &s, nil
}

func (r *MemorySessionRepo) UpdateIdentity(_ context.Context, id string, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.now()) {
		return ErrSessionNotFound
	}
	s.Identity = cloneIdentity(identity)
	r.sessions[id] = s
	return nil
}

func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func cloneIdentity(identity *model.Identity) *model.Identity {
	if identity == nil {
		return nil
	}
	c := *identity
	return &c
}

// MemoryAdminAccountRepo はプロセス内メモリを使用した管理者アカウントリポジトリ。
type MemoryAdminAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]model.AdminAccount
}

// NewMemoryAdminAccountRepo はMemoryAdminAccountRepoを生成する。
func NewMemoryAdminAccountRepo() *MemoryAdminAccountRepo {
	return &MemoryAdminAccountRepo{accounts: make(map[string]model.AdminAccount)}
}

func (r *MemoryAdminAccountRepo) FindByEmail(_ context.Context, email string) (*model.AdminAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[model.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *MemoryAdminAccountRepo) Upsert(_ context.Context, account *model.AdminAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email := model.NormalizeEmail(account.Email)
	if existing, ok := r.accounts[email]; ok {
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	}
	account.Email = email
	r.accounts[email] = *account
	return nil
}

var (
	_ SessionRepository      = (*MemorySessionRepo)(nil)
	_ AdminAccountRepository = (*MemoryAdminAccountRepo)(nil)
)
