// Package auth はクライアントセッション、管理者サインイン、認可を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bvanreenan/knowledge-hub/internal/metrics"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials は資格情報が誤っていることを示す。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited はサインイン試行回数の上限に達したことを示す。
	ErrRateLimited = errors.New("too many sign-in attempts")
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge    int           // セッション有効期間（秒）
	LoginMaxAttempts int           // LoginWindow内のサインイン試行上限
	LoginWindow      time.Duration // サインイン試行回数の計測期間
}

// IdentityListener はアイデンティティの変化を受け取るコールバック。
// サインアウト直後はnilが渡される。
type IdentityListener func(identity *model.Identity)

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	sessionRepo repository.SessionRepository
	adminRepo   repository.AdminAccountRepository
	authorizer  Authorizer
	limiter     *LoginLimiter
	metrics     metrics.MetricsCollector
	config      ServiceConfig
	now         func() time.Time

	mu        sync.Mutex
	listeners map[string]map[uint64]IdentityListener
	nextID    uint64
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	sessionRepo repository.SessionRepository,
	adminRepo repository.AdminAccountRepository,
	authorizer Authorizer,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		sessionRepo: sessionRepo,
		adminRepo:   adminRepo,
		authorizer:  authorizer,
		limiter:     NewLoginLimiter(config.LoginMaxAttempts, config.LoginWindow),
		metrics:     collector,
		config:      config,
		now:         time.Now,
		listeners:   make(map[string]map[uint64]IdentityListener),
	}
}

// Authorizer は認可ストラテジーを返す。
func (s *Service) Authorizer() Authorizer {
	return s.authorizer
}

// OpenSession は新しいクライアントセッションを発行し、匿名アイデンティティを確立する。
func (s *Service) OpenSession(ctx context.Context) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		Identity:  newAnonymousIdentity(),
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// FindSession は有効なセッションを返す。存在しないか期限切れの場合はnilを返す。
func (s *Service) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// CurrentIdentity はセッションの現在のアイデンティティを返す。
func (s *Service) CurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error) {
	session, err := s.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, repository.ErrSessionNotFound
	}
	return session.Identity, nil
}

// IsAdmin はセッションの現在のアイデンティティが管理者として認可されるかを返す。
// 書き込み操作のたびにストアに保存されたアイデンティティで判定する。
func (s *Service) IsAdmin(ctx context.Context, sessionID string) bool {
	identity, err := s.CurrentIdentity(ctx, sessionID)
	if err != nil {
		return false
	}
	return s.authorizer.Authorize(identity)
}

// SignInAnonymously はセッションに新しい匿名アイデンティティを確立する。
func (s *Service) SignInAnonymously(ctx context.Context, sessionID string) (*model.Identity, error) {
	identity := newAnonymousIdentity()
	if err := s.sessionRepo.UpdateIdentity(ctx, sessionID, identity); err != nil {
		return nil, fmt.Errorf("failed to establish anonymous identity: %w", err)
	}
	s.publish(sessionID, identity)
	return identity, nil
}

// SignIn は管理者の資格情報を検証し、セッションのアイデンティティを差し替える。
// 失敗時は ErrInvalidCredentials、ErrRateLimited、またはそれ以外のエラーを返し、
// セッションのアイデンティティは変更しない。
func (s *Service) SignIn(ctx context.Context, sessionID string, creds model.Credentials) (*model.Identity, error) {
	identity, err := s.verify(ctx, sessionID, creds)
	if err != nil {
		s.metrics.RecordSignIn(signInResult(err))
		return nil, err
	}

	if err := s.sessionRepo.UpdateIdentity(ctx, sessionID, identity); err != nil {
		s.metrics.RecordSignIn("failed")
		return nil, fmt.Errorf("failed to store identity: %w", err)
	}

	s.metrics.RecordSignIn("succeeded")
	slog.Info("admin signed in",
		slog.String("subject_id", identity.SubjectID),
		slog.String("method", string(identity.Method)),
	)
	s.publish(sessionID, identity)
	return identity, nil
}

// secretLimiterKey は共有シークレットの試行回数を数えるキー。
const secretLimiterKey = "secret"

// verify は認可モードに応じて資格情報を検証し、確立すべきアイデンティティを返す。
func (s *Service) verify(ctx context.Context, sessionID string, creds model.Credentials) (*model.Identity, error) {
	if verifier, ok := s.authorizer.(*SharedSecret); ok {
		// シークレットは1つなので、試行回数はセッションをまたいで数える
		if !s.limiter.Allow(secretLimiterKey) {
			return nil, ErrRateLimited
		}
		if !verifier.Verify(creds.Secret) {
			return nil, ErrInvalidCredentials
		}
		// 現在の匿名主体をそのまま昇格させる
		subjectID := uuid.New().String()
		if current, err := s.CurrentIdentity(ctx, sessionID); err == nil && current != nil {
			subjectID = current.SubjectID
		}
		return &model.Identity{SubjectID: subjectID, Method: model.MethodSecret}, nil
	}

	email := model.NormalizeEmail(creds.Email)
	if email == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}
	if !s.limiter.Allow("email:" + email) {
		return nil, ErrRateLimited
	}

	account, err := s.adminRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find admin account: %w", err)
	}
	if account == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(creds.Password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	return &model.Identity{SubjectID: account.ID, Email: account.Email, Method: model.MethodPassword}, nil
}

// SignOut はセッションのアイデンティティをクリアする。トークンは維持される。
// 期限切れや存在しないセッションに対しても成功する。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	err := s.sessionRepo.UpdateIdentity(ctx, sessionID, nil)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	slog.Info("signed out")
	s.publish(sessionID, nil)
	return nil
}

// Subscribe はセッションのアイデンティティ変化を購読する。戻り値で購読を解除する。
func (s *Service) Subscribe(sessionID string, fn IdentityListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.listeners[sessionID] == nil {
		s.listeners[sessionID] = make(map[uint64]IdentityListener)
	}
	s.listeners[sessionID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners[sessionID], id)
			if len(s.listeners[sessionID]) == 0 {
				delete(s.listeners, sessionID)
			}
		})
	}
}

// publish は購読者にアイデンティティの変化を同期的に通知する。
func (s *Service) publish(sessionID string, identity *model.Identity) {
	s.mu.Lock()
	fns := make([]IdentityListener, 0, len(s.listeners[sessionID]))
	for _, fn := range s.listeners[sessionID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		var copied *model.Identity
		if identity != nil {
			c := *identity
			copied = &c
		}
		fn(copied)
	}
}

// CreateAdmin はパスワードをbcryptでハッシュ化し、管理者アカウントを作成または更新する。
func (s *Service) CreateAdmin(ctx context.Context, email, password string) (*model.AdminAccount, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &model.AdminAccount{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if err := s.adminRepo.Upsert(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to save admin account: %w", err)
	}
	return account, nil
}

// Provider はセッショントークンに束縛されたアイデンティティプロバイダーを返す。
func (s *Service) Provider(sessionID string) *SessionProvider {
	return &SessionProvider{svc: s, sessionID: sessionID}
}

// SessionProvider は1つのクライアントセッションに対するアイデンティティ操作を提供する。
type SessionProvider struct {
	svc       *Service
	sessionID string
}

func (p *SessionProvider) CurrentIdentity(ctx context.Context) (*model.Identity, error) {
	return p.svc.CurrentIdentity(ctx, p.sessionID)
}

func (p *SessionProvider) SignInAnonymously(ctx context.Context) (*model.Identity, error) {
	return p.svc.SignInAnonymously(ctx, p.sessionID)
}

func (p *SessionProvider) SignInWithCredentials(ctx context.Context, creds model.Credentials) (*model.Identity, error) {
	return p.svc.SignIn(ctx, p.sessionID, creds)
}

func (p *SessionProvider) SignOut(ctx context.Context) error {
	return p.svc.SignOut(ctx, p.sessionID)
}

func (p *SessionProvider) Subscribe(fn func(*model.Identity)) func() {
	return p.svc.Subscribe(p.sessionID, fn)
}

// signInResult はメトリクス用にサインイン失敗を分類する。
func signInResult(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "failed"
	}
}

func newAnonymousIdentity() *model.Identity {
	return &model.Identity{SubjectID: uuid.New().String(), Method: model.MethodAnonymous}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
