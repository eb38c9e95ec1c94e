package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiter はキー（メールアドレス等）ごとのサインイン試行回数を制限する。
// window の間に maxAttempts 回を超える試行を拒否する。
type LoginLimiter struct {
	maxAttempts int
	window      time.Duration

	mu        sync.Mutex
	limiters  map[string]*keyLimiter
	lastSweep time.Time
	now       func() time.Time
}

type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewLoginLimiter はLoginLimiterを生成する。maxAttemptsが0以下の場合は制限しない。
func NewLoginLimiter(maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		limiters:    make(map[string]*keyLimiter),
		now:         time.Now,
	}
}

// Allow はキーに対する試行を1回消費し、許可されるかを返す。
func (l *LoginLimiter) Allow(key string) bool {
	if l == nil || l.maxAttempts <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	kl, ok := l.limiters[key]
	if !ok {
		every := l.window / time.Duration(l.maxAttempts)
		kl = &keyLimiter{limiter: rate.NewLimiter(rate.Every(every), l.maxAttempts)}
		l.limiters[key] = kl
	}
	kl.lastAccess = now
	return kl.limiter.AllowN(now, 1)
}

// Len は管理中のキー数を返す。テスト用。
func (l *LoginLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// sweep はwindowより長くアクセスのないキーを削除する。ロック取得済みで呼ぶこと。
func (l *LoginLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, kl := range l.limiters {
		if now.Sub(kl.lastAccess) > l.window {
			delete(l.limiters, key)
		}
	}
}
