// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// SessionCookieName はクライアントセッションのトークンを保持するCookieの名前。
const SessionCookieName = "hub_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにクライアントセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// sessionHolderKey は前段のミドルウェアへ確立したセッションを返すためのキー。
var sessionHolderKey = contextKey("session_holder")

type sessionHolder struct {
	session *model.Session
}

func contextWithSessionHolder(ctx context.Context, holder *sessionHolder) context.Context {
	return context.WithValue(ctx, sessionHolderKey, holder)
}

// ErrNoSession はコンテキストにセッションがないことを示す。
var ErrNoSession = errors.New("session not found in context")

// SessionOpener はセッションの検索と確立に必要なインターフェース。
// auth.Serviceの部分集合として定義する。
type SessionOpener interface {
	FindSession(ctx context.Context, sessionID string) (*model.Session, error)
	OpenSession(ctx context.Context) (*model.Session, error)
	SignInAnonymously(ctx context.Context, sessionID string) (*model.Identity, error)
}

// SessionConfig はセッションCookieの設定。
type SessionConfig struct {
	MaxAge       int // 秒
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はHTTP Only Cookieからクライアントセッションを読み取るミドルウェアを返す。
// セッションがない、または期限切れの場合は新しいセッションと匿名アイデンティティを確立する。
// サインアウト直後でアイデンティティがない場合は匿名アイデンティティを再確立する。
func NewSessionMiddleware(sessions SessionOpener, config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var session *model.Session
			if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
				session, err = sessions.FindSession(ctx, cookie.Value)
				if err != nil {
					slog.Error("failed to find session", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
			}

			if session == nil {
				opened, err := sessions.OpenSession(ctx)
				if err != nil {
					slog.Error("failed to open session", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
				session = opened
				SetSessionCookie(w, session.ID, config)
			}

			if session.Identity == nil {
				identity, err := sessions.SignInAnonymously(ctx, session.ID)
				if err != nil {
					// 匿名アイデンティティなしでも閲覧系は続行できる
					slog.Warn("failed to re-establish anonymous identity", slog.String("error", err.Error()))
				} else {
					session.Identity = identity
				}
			}

			if holder, ok := ctx.Value(sessionHolderKey).(*sessionHolder); ok {
				holder.session = session
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(ctx, session)))
		})
	}
}

// SetSessionCookie はセッショントークンのCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, sessionID string, config SessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || session == nil {
		return nil, ErrNoSession
	}
	return session, nil
}

// SessionIDFromContext はリクエストコンテキストからセッショントークンを取得する。
func SessionIDFromContext(ctx context.Context) (string, error) {
	session, err := SessionFromContext(ctx)
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// AdminChecker はセッションが管理者として認可されているかを判定する。
type AdminChecker func(ctx context.Context, sessionID string) bool

// NewRequireAdminMiddleware は管理者以外のリクエストを403で拒否するミドルウェアを返す。
// 判定はリクエストごとにストアのアイデンティティで行う。
func NewRequireAdminMiddleware(isAdmin AdminChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, err := SessionIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !isAdmin(r.Context(), sessionID) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
