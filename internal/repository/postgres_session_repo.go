package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したクライアントセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	subjectID, email, method := identityColumns(session.Identity)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO client_sessions (id, subject_id, email, method, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		session.ID, subjectID, email, method, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var subjectID, email, method sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, subject_id, email, method, expires_at, created_at
		 FROM client_sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &subjectID, &email, &method, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if subjectID.Valid {
		session.Identity = &model.Identity{
			SubjectID: subjectID.String,
			Email:     email.String,
			Method:    model.SignInMethod(method.String),
		}
	}
	return session, nil
}

// UpdateIdentity はセッションのアイデンティティ列を更新する。
func (r *PostgresSessionRepo) UpdateIdentity(ctx context.Context, id string, identity *model.Identity) error {
	subjectID, email, method := identityColumns(identity)
	result, err := r.db.ExecContext(ctx,
		`UPDATE client_sessions
		 SET subject_id = $2, email = $3, method = $4, updated_at = now()
		 WHERE id = $1 AND expires_at > now()`,
		id, subjectID, email, method,
	)
	if err != nil {
		return fmt.Errorf("failed to update session identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM client_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// identityColumns はアイデンティティをNULL許容カラムの値に展開する。
func identityColumns(identity *model.Identity) (subjectID, email, method sql.NullString) {
	if identity == nil {
		return
	}
	subjectID = sql.NullString{String: identity.SubjectID, Valid: true}
	email = sql.NullString{String: identity.Email, Valid: identity.Email != ""}
	method = sql.NullString{String: string(identity.Method), Valid: true}
	return
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
