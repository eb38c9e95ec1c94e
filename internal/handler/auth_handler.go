// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bvanreenan/knowledge-hub/internal/auth"
	"github.com/bvanreenan/knowledge-hub/internal/middleware"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	middleware.SessionOpener
	SignIn(ctx context.Context, sessionID string, creds model.Credentials) (*model.Identity, error)
	SignOut(ctx context.Context, sessionID string) error
	IsAdmin(ctx context.Context, sessionID string) bool
	Authorizer() auth.Authorizer
}

// AuthHandler はセッションと管理者サインインのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// loginRequest はサインインリクエストのボディ。
// allow_list モードでは email/password、shared_secret モードでは secret を使う。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Secret   string `json:"secret"`
}

// identityResponse は現在のアイデンティティと認可状態。
type identityResponse struct {
	State     session.State      `json:"state"`
	SubjectID string             `json:"subject_id,omitempty"`
	Email     string             `json:"email,omitempty"`
	Method    model.SignInMethod `json:"method,omitempty"`
	IsAdmin   bool               `json:"is_admin"`
	AuthMode  auth.Mode          `json:"auth_mode"`
}

func (h *AuthHandler) identityResponse(identity *model.Identity) identityResponse {
	authorizer := h.service.Authorizer()
	resp := identityResponse{
		State:    session.StateNone,
		IsAdmin:  authorizer.Authorize(identity),
		AuthMode: authorizer.Mode(),
	}
	if identity != nil {
		resp.State = session.StateAnonymous
		if !identity.Anonymous() {
			resp.State = session.StateAuthenticated
		}
		resp.SubjectID = identity.SubjectID
		resp.Email = identity.Email
		resp.Method = identity.Method
	}
	return resp
}

// Session はクライアントセッションと匿名アイデンティティを確立して返す。
// 確立自体はセッションミドルウェアが行うため、ここでは結果を返すのみ。
// POST /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, h.identityResponse(sess.Identity))
}

// Me は現在のアイデンティティと管理者権限を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, h.identityResponse(sess.Identity))
}

// Login は管理者としてサインインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	identity, err := h.service.SignIn(r.Context(), sessionID, model.Credentials{
		Email:    req.Email,
		Password: req.Password,
		Secret:   req.Secret,
	})
	if err != nil {
		middleware.WriteError(w, err, middleware.OpSignIn, "")
		return
	}
	writeJSON(w, http.StatusOK, h.identityResponse(identity))
}

// Logout はサインアウトする。アイデンティティがない状態でも成功する。
// 匿名アイデンティティは次のリクエストでセッションミドルウェアが再確立する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	if err := h.service.SignOut(r.Context(), sessionID); err != nil {
		slog.Error("failed to sign out", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireSessionID はコンテキストのセッショントークンを返す。
// ない場合は401を書き込み、falseを返す。
func requireSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return sessionID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
