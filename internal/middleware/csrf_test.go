package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func csrfHandler(t *testing.T, called *bool) http.Handler {
	t.Helper()
	return NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethods_PassWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			w := httptest.NewRecorder()
			csrfHandler(t, &called).ServeHTTP(w, httptest.NewRequest(method, "/api/posts", nil))
			if !called || w.Code != http.StatusOK {
				t.Errorf("called = %v, status = %d", called, w.Code)
			}
		})
	}
}

func TestCSRFMiddleware_GET_SetsCookieOnce(t *testing.T) {
	called := false
	w := httptest.NewRecorder()
	csrfHandler(t, &called).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/posts", nil))

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			cookie = c
		}
	}
	if cookie == nil || len(cookie.Value) != 64 || cookie.HttpOnly {
		t.Fatalf("cookie = %+v", cookie)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	csrfHandler(t, &called).ServeHTTP(w, req)
	if len(w.Result().Cookies()) != 0 {
		t.Error("existing cookie must not be replaced")
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   int
	}{
		{"no cookie", "", "tok", http.StatusForbidden},
		{"no header", "tok", "", http.StatusForbidden},
		{"mismatch", "tok", "other", http.StatusForbidden},
		{"match", "tok", "tok", http.StatusOK},
	}
	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		for _, tt := range tests {
			t.Run(method+"/"+tt.name, func(t *testing.T) {
				req := httptest.NewRequest(method, "/api/posts", nil)
				if tt.cookie != "" {
					req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
				}
				if tt.header != "" {
					req.Header.Set(csrfHeaderName, tt.header)
				}
				called := false
				w := httptest.NewRecorder()
				csrfHandler(t, &called).ServeHTTP(w, req)

				if w.Code != tt.want {
					t.Errorf("status = %d, want %d", w.Code, tt.want)
				}
				if called != (tt.want == http.StatusOK) {
					t.Errorf("called = %v", called)
				}
				if tt.want == http.StatusForbidden {
					var body ErrorResponseBody
					json.NewDecoder(w.Body).Decode(&body)
					if body.Code != "CSRF_FAILED" {
						t.Errorf("code = %q", body.Code)
					}
				}
			})
		}
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	w := httptest.NewRecorder()
	NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/csrf-token", nil))

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Token == "" {
		t.Fatal("expected a token")
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w = httptest.NewRecorder()
	NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)
	json.NewDecoder(w.Body).Decode(&body)
	if body.Token != "existing" {
		t.Errorf("token = %q, want existing", body.Token)
	}
}
