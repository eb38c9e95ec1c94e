package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bvanreenan/knowledge-hub/internal/archive"
	"github.com/bvanreenan/knowledge-hub/internal/auth"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/mutation"
	"github.com/bvanreenan/knowledge-hub/internal/repository"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// NewErrorResponseBody はAPIErrorをレスポンスボディに変換する。
func NewErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(NewErrorResponseBody(apiErr))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, internalError())
}

// Operation はエラーが発生した操作の種類。分類できないエラーのメッセージに使う。
type Operation string

const (
	OpSignIn Operation = "sign_in"
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
	OpRead   Operation = "read"
)

// ErrorFor はドメインエラーをHTTPステータスとAPIErrorに分類する。
// RESTハンドラーとライブクライアントのerrorフレームで共通に使う。
func ErrorFor(err error, op Operation, collection string) (int, *model.APIError) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, model.NewInvalidCredentialsError()
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests, model.NewRateLimitedError()
	case errors.Is(err, repository.ErrSessionNotFound):
		return http.StatusUnauthorized, model.NewUnauthorizedError()
	case errors.Is(err, mutation.ErrUnauthorized):
		return http.StatusForbidden, model.NewForbiddenError()
	case errors.Is(err, mutation.ErrSubmissionInFlight):
		return http.StatusConflict, model.NewSubmissionInFlightError()
	case errors.Is(err, mutation.ErrNotConfirmed):
		return http.StatusPreconditionRequired, model.NewConfirmationRequiredError()
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, model.NewValidationError(err)
	case errors.Is(err, archive.ErrUnknownTag):
		tag := strings.TrimPrefix(err.Error(), archive.ErrUnknownTag.Error()+": ")
		return http.StatusBadRequest, model.NewUnknownTagError(tag)
	}

	switch op {
	case OpSignIn:
		return http.StatusInternalServerError, model.NewSignInFailedError()
	case OpCreate:
		return http.StatusInternalServerError, model.NewPublishFailedError(collection)
	case OpDelete:
		return http.StatusInternalServerError, model.NewDeleteFailedError(collection)
	default:
		return http.StatusInternalServerError, internalError()
	}
}

// WriteError はドメインエラーを分類して統一フォーマットで書き込む。
func WriteError(w http.ResponseWriter, err error, op Operation, collection string) {
	status, apiErr := ErrorFor(err, op, collection)
	WriteErrorResponse(w, status, apiErr)
}

func internalError() *model.APIError {
	return &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Try again in a moment.",
	}
}
