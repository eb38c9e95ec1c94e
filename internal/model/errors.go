package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, content, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrValidation はフォーム入力チェックの失敗を表すセンチネル。
// ValidationError は errors.Is(err, ErrValidation) を満たす。
var ErrValidation = errors.New("validation failed")

// ValidationError はどのフィールドがなぜ不正かを保持する。
type ValidationError struct {
	Fields []string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", strings.Join(e.Fields, ", "), e.Reason)
}

// Is は ErrValidation との比較を可能にする。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeSignInFailed         = "SIGN_IN_FAILED"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeSubmissionInFlight   = "SUBMISSION_IN_FLIGHT"
	ErrCodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	ErrCodePublishFailed        = "PUBLISH_FAILED"
	ErrCodeDeleteFailed         = "DELETE_FAILED"
	ErrCodeDocumentNotFound     = "DOCUMENT_NOT_FOUND"
	ErrCodeUnknownTag           = "UNKNOWN_TAG"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
)

// NewUnauthorizedError はセッション未確立エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "No active session.",
		Category: "auth",
		Action:   "Reload the page to start a new session.",
	}
}

// NewForbiddenError は管理者権限がない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "Admin access is required for this action.",
		Category: "auth",
		Action:   "Sign in with an admin account.",
	}
}

// NewInvalidCredentialsError は認証情報の誤りを表すエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password.",
		Category: "auth",
		Action:   "Check your credentials and try again.",
	}
}

// NewRateLimitedError はサインイン試行回数超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many attempts. Try again later.",
		Category: "auth",
		Action:   "Wait a few minutes before signing in again.",
	}
}

// NewSignInFailedError は分類不能なサインイン失敗エラーを生成する。
func NewSignInFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSignInFailed,
		Message:  "Login failed.",
		Category: "auth",
		Action:   "Try again later.",
	}
}

// NewValidationError は入力チェック失敗エラーを生成する。
func NewValidationError(err error) *APIError {
	msg := "The form is incomplete."
	var ve *ValidationError
	if errors.As(err, &ve) {
		msg = fmt.Sprintf("Invalid %s: %s.", strings.Join(ve.Fields, ", "), ve.Reason)
	}
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  msg,
		Category: "validation",
		Action:   "Fill in every required field before publishing.",
	}
}

// NewSubmissionInFlightError は同一フォームの送信が処理中であることを表すエラーを生成する。
func NewSubmissionInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeSubmissionInFlight,
		Message:  "A submission is already in progress.",
		Category: "content",
		Action:   "Wait for the current submission to finish.",
	}
}

// NewConfirmationRequiredError は削除確認がされていない場合のエラーを生成する。
func NewConfirmationRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeConfirmationRequired,
		Message:  "Deletion was not confirmed.",
		Category: "content",
		Action:   "Confirm the deletion to continue.",
	}
}

// NewPublishFailedError は作成失敗エラーを生成する。入力内容は保持される。
func NewPublishFailedError(collection string) *APIError {
	return &APIError{
		Code:     ErrCodePublishFailed,
		Message:  fmt.Sprintf("Failed to publish to %s.", collection),
		Category: "content",
		Action:   "Your draft was kept. Try publishing again.",
	}
}

// NewDeleteFailedError は削除失敗エラーを生成する。
func NewDeleteFailedError(collection string) *APIError {
	return &APIError{
		Code:     ErrCodeDeleteFailed,
		Message:  fmt.Sprintf("Failed to delete from %s.", collection),
		Category: "content",
		Action:   "Try deleting again.",
	}
}

// NewDocumentNotFoundError はドキュメント未検出エラーを生成する。
func NewDocumentNotFoundError(collection, id string) *APIError {
	return &APIError{
		Code:     ErrCodeDocumentNotFound,
		Message:  fmt.Sprintf("No document %s in %s.", id, collection),
		Category: "content",
		Action:   "Return to the list and pick another entry.",
	}
}

// NewUnknownTagError は語彙外タグの指定エラーを生成する。
func NewUnknownTagError(tag string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownTag,
		Message:  fmt.Sprintf("Unknown tag: %s", tag),
		Category: "validation",
		Action:   "Pick a tag from the topic index.",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "Failed to parse the request body.",
		Category: "validation",
		Action:   "Send a valid JSON body.",
	}
}
