package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// TestMiddlewareChain_Router は CORS → セキュリティヘッダー → リカバリー → ログ → セッション → CSRF → レート制限 の
// チェーンがchi.Routerで正しく動作することを検証する。
func TestMiddlewareChain_Router(t *testing.T) {
	opener := &mockSessionOpener{
		findFn: func(_ context.Context, id string) (*model.Session, error) {
			if id == "known" {
				return &model.Session{ID: id, Identity: &model.Identity{SubjectID: "s-known", Method: model.MethodAnonymous}}, nil
			}
			return nil, nil
		},
	}
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	var logs bytes.Buffer
	r := chi.NewRouter()
	r.Use(NewCORSMiddleware("https://hub.example.com"))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewRecoveryMiddleware())
	r.Use(NewLoggingMiddleware(slog.New(slog.NewJSONHandler(&logs, nil)), nil))
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(opener, SessionConfig{}))
		r.Use(NewCSRFMiddleware(CSRFConfig{}))
		r.Use(rl.GeneralMiddleware())
		r.Get("/api/me", func(w http.ResponseWriter, r *http.Request) {
			sess, _ := SessionFromContext(r.Context())
			io.WriteString(w, sess.Identity.SubjectID)
		})
		r.Post("/api/posts", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "known"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "s-known" {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://hub.example.com" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected CORS and security headers")
	}
	if !bytes.Contains(logs.Bytes(), []byte(`"subject_id":"s-known"`)) {
		t.Errorf("log = %s", logs.String())
	}

	// CSRFトークンなしのPOSTは拒否される
	req = httptest.NewRequest(http.MethodPost, "/api/posts", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "known"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("POST without CSRF: status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/posts", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "known"})
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "tok"})
	req.Header.Set(csrfHeaderName, "tok")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("POST with CSRF: status = %d, want 201", w.Code)
	}
}
