// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// ErrSessionNotFound はセッションが存在しないことを示す。
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository はクライアントセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れまたは存在しない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateIdentity はセッションに紐づくアイデンティティを差し替える。
	// identityがnilの場合はアイデンティティ列をクリアする。
	// セッションが存在しない場合は ErrSessionNotFound を返す。
	UpdateIdentity(ctx context.Context, id string, identity *model.Identity) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// AdminAccountRepository は管理者アカウントの永続化インターフェース。
type AdminAccountRepository interface {
	// FindByEmail は正規化済みメールアドレスで管理者を検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.AdminAccount, error)
	// Upsert は管理者アカウントを作成する。同じメールアドレスが存在する場合はパスワードハッシュを更新する。
	Upsert(ctx context.Context, account *model.AdminAccount) error
}
