package mutation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry_SharesGatewayPerSession(t *testing.T) {
	authorized := map[string]bool{"admin-token": true}
	r := NewRegistry(Deps{Writer: &mockWriter{}, Links: &mockLinks{}}, func(_ context.Context, sessionID string) bool {
		return authorized[sessionID]
	})

	a := r.Get("admin-token")
	if a != r.Get("admin-token") {
		t.Error("same session must share a gateway")
	}
	if a == r.Get("reader-token") {
		t.Error("different sessions must not share a gateway")
	}

	if _, err := a.CreatePost(context.Background(), validPostDraft()); err != nil {
		t.Errorf("admin CreatePost: %v", err)
	}
	if _, err := r.Get("reader-token").CreatePost(context.Background(), validPostDraft()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("reader CreatePost err = %v, want ErrUnauthorized", err)
	}
}

func TestRegistry_SweepSkipsAcquired(t *testing.T) {
	now := fixedNow
	r := NewRegistry(Deps{Writer: &mockWriter{}, Now: func() time.Time { return now }}, nil)

	r.Get("idle")
	_, release := r.Acquire("live")
	now = now.Add(time.Hour)

	if n := r.Sweep(time.Minute); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	release()
	release()
	if n := r.Sweep(time.Minute); n != 1 {
		t.Errorf("Sweep() after release = %d, want 1", n)
	}
}

func TestRegistry_GetKeepsGatewayFromSweep(t *testing.T) {
	now := fixedNow
	r := NewRegistry(Deps{Writer: &mockWriter{}, Now: func() time.Time { return now }}, nil)

	first := r.Get("rest")
	now = now.Add(2 * time.Hour)

	// 長時間アイドルでも、取得した直後のGatewayは破棄されない
	if got := r.Get("rest"); got != first {
		t.Fatal("Get must return the existing gateway")
	}
	if n := r.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep() = %d, want 0", n)
	}
	if got := r.Get("rest"); got != first {
		t.Error("gateway was replaced after Sweep")
	}

	now = now.Add(2 * time.Hour)
	if n := r.Sweep(time.Hour); n != 1 {
		t.Errorf("Sweep() after idle = %d, want 1", n)
	}
}
