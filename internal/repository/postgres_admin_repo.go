package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// PostgresAdminAccountRepo はPostgreSQLを使用した管理者アカウントリポジトリ。
type PostgresAdminAccountRepo struct {
	db *sql.DB
}

// NewPostgresAdminAccountRepo はPostgresAdminAccountRepoを生成する。
func NewPostgresAdminAccountRepo(db *sql.DB) *PostgresAdminAccountRepo {
	return &PostgresAdminAccountRepo{db: db}
}

// FindByEmail は指定メールアドレスの管理者を取得する。見つからない場合はnilを返す。
func (r *PostgresAdminAccountRepo) FindByEmail(ctx context.Context, email string) (*model.AdminAccount, error) {
	account := &model.AdminAccount{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM admin_accounts WHERE email = $1`,
		model.NormalizeEmail(email),
	).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find admin account: %w", err)
	}
	return account, nil
}

// Upsert は管理者アカウントを作成または更新する。
// 既存アカウントのIDと作成日時は維持される。
func (r *PostgresAdminAccountRepo) Upsert(ctx context.Context, account *model.AdminAccount) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO admin_accounts (id, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash
		 RETURNING id, created_at`,
		account.ID, model.NormalizeEmail(account.Email), account.PasswordHash, account.CreatedAt,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert admin account: %w", err)
	}
	account.Email = model.NormalizeEmail(account.Email)
	return nil
}

// compile-time interface check
var _ AdminAccountRepository = (*PostgresAdminAccountRepo)(nil)
