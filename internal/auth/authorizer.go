package auth

import (
	"crypto/subtle"
	"fmt"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// Mode は管理者認可の方式を表す。
type Mode string

const (
	// ModeAllowList はメール/パスワードでサインインし、許可リストに含まれるメールアドレスを管理者とする。
	ModeAllowList Mode = "allow_list"
	// ModeSharedSecret は共有シークレットの提示で管理者に昇格する。
	ModeSharedSecret Mode = "shared_secret"
)

// ParseMode は文字列を Mode に変換する。空文字列は ModeAllowList とみなす。
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAllowList:
		return ModeAllowList, nil
	case ModeSharedSecret:
		return ModeSharedSecret, nil
	default:
		return "", fmt.Errorf("unknown auth mode: %q", s)
	}
}

// Authorizer はアイデンティティから管理者権限を導出する。
// 結果は保存せず、アイデンティティが変わるたびに再計算する。
type Authorizer interface {
	Authorize(identity *model.Identity) bool
	Mode() Mode
}

// AllowList は許可リストによる認可。
type AllowList struct {
	emails map[string]struct{}
}

// NewAllowList は正規化済みのメールアドレス集合からAllowListを生成する。
func NewAllowList(emails []string) *AllowList {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		if n := model.NormalizeEmail(e); n != "" {
			set[n] = struct{}{}
		}
	}
	return &AllowList{emails: set}
}

// Authorize はアイデンティティが存在し、匿名でなく、メールアドレスが許可リストに含まれる場合にtrueを返す。
func (a *AllowList) Authorize(identity *model.Identity) bool {
	if identity == nil || identity.Anonymous() {
		return false
	}
	_, ok := a.emails[identity.NormalizedEmail()]
	return ok
}

func (a *AllowList) Mode() Mode { return ModeAllowList }

// SharedSecret は共有シークレットによる認可。
type SharedSecret struct {
	secret []byte
}

// NewSharedSecret はSharedSecretを生成する。
func NewSharedSecret(secret string) *SharedSecret {
	return &SharedSecret{secret: []byte(secret)}
}

// Verify は候補文字列がシークレットと一致するかを定数時間で比較する。
func (s *SharedSecret) Verify(candidate string) bool {
	if len(s.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(s.secret, []byte(candidate)) == 1
}

// Authorize はシークレットの提示で昇格したアイデンティティの場合にtrueを返す。
func (s *SharedSecret) Authorize(identity *model.Identity) bool {
	return identity != nil && identity.Method == model.MethodSecret
}

func (s *SharedSecret) Mode() Mode { return ModeSharedSecret }

var (
	_ Authorizer = (*AllowList)(nil)
	_ Authorizer = (*SharedSecret)(nil)
)
