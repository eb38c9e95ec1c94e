package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bvanreenan/knowledge-hub/internal/metrics"
	"github.com/bvanreenan/knowledge-hub/internal/middleware"
	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// HealthChecker はストアへの疎通を確認する。*sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	SessionConfig     middleware.SessionConfig
	CSRFConfig        middleware.CSRFConfig

	// 運用エンドポイント。nilの場合は登録しない
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface

	// コンテンツ
	Profile  model.Profile
	Posts    PostSource
	Papers   PaperSource
	Mutators MutatorProvider

	// ライブクライアント
	Live LiveServer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Recovery → Logging → Session → CSRF → RateLimit(General)
//
// /health と /metrics はセッションの外に配置する。
// 作成・削除・サインインには書き込み用のレート制限を追加し、作成・削除は管理者のみ許可する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))

	authHandler := NewAuthHandler(deps.AuthService)
	contentHandler := NewContentHandler(deps.Posts, deps.Papers, deps.Mutators)
	profileHandler := NewProfileHandler(deps.Profile)

	// --- セッション不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- セッションが必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.AuthService, deps.SessionConfig))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		writeLimit := deps.RateLimiter.WriteMiddleware()
		requireAdmin := middleware.NewRequireAdminMiddleware(deps.AuthService.IsAdmin)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/session", authHandler.Session)
			r.With(writeLimit).Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))
		})

		r.Get("/api/profile", profileHandler.Get)
		r.Get("/api/forms", contentHandler.Forms)

		r.Route("/api/posts", func(r chi.Router) {
			r.Get("/", contentHandler.ListPosts)
			r.Get("/{id}", contentHandler.GetPost)
			r.With(writeLimit, requireAdmin).Post("/", contentHandler.CreatePost)
			r.With(writeLimit, requireAdmin).Delete("/{id}", contentHandler.DeletePost)
		})

		r.Route("/api/papers", func(r chi.Router) {
			r.Get("/", contentHandler.ListPapers)
			r.With(writeLimit, requireAdmin).Post("/", contentHandler.CreatePaper)
			r.With(writeLimit, requireAdmin).Delete("/{id}", contentHandler.DeletePaper)
		})

		if deps.Live != nil {
			r.Get("/api/live", NewLiveHandler(deps.Live).Connect)
		}
	})

	return r
}

// healthHandler はストアへの疎通を確認する。checkerがnilの場合は常に200を返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
