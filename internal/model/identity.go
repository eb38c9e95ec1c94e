// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// SignInMethod はアイデンティティの確立方法を表す。
type SignInMethod string

const (
	// MethodAnonymous は匿名サインインで確立されたアイデンティティ。
	MethodAnonymous SignInMethod = "anonymous"
	// MethodPassword はメールアドレスとパスワードで確立されたアイデンティティ。
	MethodPassword SignInMethod = "password"
	// MethodSecret は共有シークレットの提示で昇格したアイデンティティ。
	MethodSecret SignInMethod = "secret"
)

// Identity はクライアントセッションに紐づく現在の主体を表す。
// 匿名・認証済みのいずれか一方であり、同時に複数は存在しない。
type Identity struct {
	SubjectID string
	Email     string // 匿名の場合は空
	Method    SignInMethod
}

// Anonymous は匿名アイデンティティかどうかを返す。
func (i *Identity) Anonymous() bool {
	return i == nil || i.Method == MethodAnonymous
}

// NormalizedEmail は比較用に小文字化・トリムしたメールアドレスを返す。
func (i *Identity) NormalizedEmail() string {
	if i == nil {
		return ""
	}
	return NormalizeEmail(i.Email)
}

// Equal は2つのアイデンティティが同一かを判定する。nil同士は等しい。
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}
	return i.SubjectID == other.SubjectID && i.Email == other.Email && i.Method == other.Method
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Session はブラウザクライアントごとのセッションを表す。
// トークンはアイデンティティの遷移（サインイン/サインアウト）をまたいで維持される。
// Identityがnilの状態は、匿名アイデンティティが再確立されるまでの一時的な状態。
type Session struct {
	ID        string
	Identity  *Identity
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AdminAccount はメール/パスワードでサインインできる管理者アカウント。
type AdminAccount struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Credentials は管理者サインインの入力。
// 認可モードに応じて Email/Password または Secret のいずれかを使用する。
type Credentials struct {
	Email    string
	Password string
	Secret   string
}
