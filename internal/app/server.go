package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/bvanreenan/knowledge-hub/internal/auth"
	"github.com/bvanreenan/knowledge-hub/internal/config"
	"github.com/bvanreenan/knowledge-hub/internal/database"
	"github.com/bvanreenan/knowledge-hub/internal/handler"
	"github.com/bvanreenan/knowledge-hub/internal/hub"
	"github.com/bvanreenan/knowledge-hub/internal/livesync"
	"github.com/bvanreenan/knowledge-hub/internal/metrics"
	"github.com/bvanreenan/knowledge-hub/internal/middleware"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/mutation"
	"github.com/bvanreenan/knowledge-hub/internal/repository"
	"github.com/bvanreenan/knowledge-hub/internal/security"
	"github.com/bvanreenan/knowledge-hub/internal/store"
	"github.com/bvanreenan/knowledge-hub/internal/worker/cleanup"
)

const (
	gatewaySweepInterval = 10 * time.Minute
	gatewayMaxIdle       = time.Hour
)

// serviceIdentity はサーバー全体のシンクロナイザーが購読に使う主体。
// 読み取りは公開されているため匿名で十分。
var serviceIdentity = &model.Identity{SubjectID: "server", Method: model.MethodAnonymous}

// Server はserveコマンドで組み立てた依存関係一式を保持する。
type Server struct {
	Handler http.Handler
	Auth    *auth.Service

	db      *sql.DB
	store   store.Store
	hub     *hub.Hub
	limiter *middleware.RateLimiter
	posts   *livesync.Synchronizer[model.Post]
	papers  *livesync.Synchronizer[model.Paper]
	cancel  context.CancelFunc
}

// NewServer はcfgのバックエンドに応じてストアとリポジトリを選び、全依存関係をワイヤリングする。
// 返されたServerは使い終わったらCloseすること。
func NewServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Server{cancel: cancel}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. ストアとリポジトリ
	var (
		sessionRepo repository.SessionRepository
		adminRepo   repository.AdminAccountRepository
	)
	if cfg.UsesMemoryStore() {
		memSessions := repository.NewMemorySessionRepo()
		sessionRepo = memSessions
		adminRepo = repository.NewMemoryAdminAccountRepo()
		s.store = store.NewMemory()

		go cleanup.Schedule(runCtx, cfg.SessionCleanupInterval, log, func(context.Context) error {
			if n := memSessions.DeleteExpired(); n > 0 {
				log.Info("expired sessions removed", slog.Int("deleted_count", n))
			}
			return nil
		})
		log.Warn("using in-memory store; content is lost on restart")
	} else {
		db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db
		if err := db.PingContext(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")

		pg, err := store.NewPostgres(db, store.PostgresConfig{DatabaseURL: cfg.DatabaseURL}, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to start document store: %w", err)
		}
		s.store = pg
		sessionRepo = repository.NewPostgresSessionRepo(db)
		adminRepo = repository.NewPostgresAdminAccountRepo(db)
	}

	// 3. 認証・認可
	authorizer, err := newAuthorizer(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	authSvc := auth.NewService(sessionRepo, adminRepo, authorizer, collector, auth.ServiceConfig{
		SessionMaxAge:    cfg.SessionMaxAge,
		LoginMaxAttempts: cfg.LoginMaxAttempts,
		LoginWindow:      cfg.LoginWindow,
	})
	s.Auth = authSvc

	if cfg.UsesMemoryStore() && cfg.AdminAccountEmail != "" && cfg.AdminAccountPassword != "" {
		if _, err := authSvc.CreateAdmin(ctx, cfg.AdminAccountEmail, cfg.AdminAccountPassword); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to seed admin account: %w", err)
		}
		log.Info("admin account seeded", slog.String("email", model.NormalizeEmail(cfg.AdminAccountEmail)))
	}

	// 4. 書き込みゲートウェイ
	registry := mutation.NewRegistry(mutation.Deps{
		Writer:    s.store,
		Sanitizer: security.NewTextSanitizer(),
		Links: security.NewLinkValidator(security.LinkValidatorConfig{
			Probe:   cfg.PDFLinkProbe,
			Timeout: cfg.PDFLinkTimeout,
		}),
		Logger:  log,
		Metrics: collector,
	}, authSvc.IsAdmin)
	go registry.RunSweeper(runCtx, gatewaySweepInterval, gatewayMaxIdle)

	// 5. REST読み取り用のシンクロナイザー
	s.posts = livesync.NewPosts(s.store, log, collector)
	s.papers = livesync.NewPapers(s.store, log, collector)
	if err := s.posts.Start(runCtx, serviceIdentity); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.papers.Start(runCtx, serviceIdentity); err != nil {
		s.Close()
		return nil, err
	}

	// 6. ライブクライアント
	s.hub = hub.New(hub.Deps{
		Auth:     authSvc,
		Store:    s.store,
		Registry: registry,
		Logger:   log,
		Metrics:  collector,
	}, hub.Config{AllowedOrigin: cfg.CORSAllowedOrigin})

	// 7. ルーター
	// configのレート制限はreq/min単位なのでreq/secに変換する
	s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst:    cfg.RateLimitGeneral,
		WriteRate:       rate.Limit(float64(cfg.RateLimitWrite) / 60.0),
		WriteBurst:      cfg.RateLimitWrite,
		CleanupInterval: middleware.DefaultRateLimiterConfig().CleanupInterval,
	})

	deps := &handler.RouterDeps{
		Logger:            log,
		Metrics:           collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       s.limiter,
		SessionConfig: middleware.SessionConfig{
			MaxAge:       cfg.SessionMaxAge,
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		MetricsHandler: metrics.Handler(reg),
		AuthService:    authSvc,
		Profile:        model.DefaultProfile(),
		Posts:          handler.NewPostSource(s.posts),
		Papers:         handler.NewPaperSource(s.papers),
		Mutators:       handler.NewRegistryAdapter(registry),
		Live:           s.hub,
	}
	// nilの*sql.DBをインターフェースに入れると常に失敗するため、DBがある場合のみ設定する
	if s.db != nil {
		deps.HealthChecker = s.db
	}
	s.Handler = handler.NewRouter(deps)

	return s, nil
}

// Close はライブ接続とバックグラウンド処理を停止し、ストアとDBを閉じる。冪等。
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.posts != nil {
		s.posts.Stop()
	}
	if s.papers != nil {
		s.papers.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("failed to close store", slog.String("error", err.Error()))
		}
		s.store = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// newAuthorizer はAUTH_MODEに応じた認可ストラテジーを返す。
func newAuthorizer(cfg *config.Config) (auth.Authorizer, error) {
	mode, err := auth.ParseMode(cfg.AuthMode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case auth.ModeSharedSecret:
		return auth.NewSharedSecret(cfg.AdminSecret), nil
	default:
		return auth.NewAllowList(cfg.AdminEmails), nil
	}
}
