package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bvanreenan/knowledge-hub/internal/archive"
	"github.com/bvanreenan/knowledge-hub/internal/middleware"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/mutation"
)

// PostSource はサーバー全体で同期している投稿一覧を返す。
type PostSource interface {
	// Snapshot は作成日時の降順の一覧と、最初のスナップショットを受信済みかを返す。
	Snapshot() ([]model.Post, bool)
}

// PaperSource はサーバー全体で同期している論文一覧を返す。
type PaperSource interface {
	Snapshot() ([]model.Paper, bool)
}

// Mutator はセッション単位のコンテンツ作成・削除操作。
type Mutator interface {
	CreatePost(ctx context.Context, draft model.PostDraft) (*model.Post, error)
	CreatePaper(ctx context.Context, draft model.PaperDraft) (*model.Paper, error)
	DeletePost(ctx context.Context, id string, confirm mutation.Confirmer) error
	DeletePaper(ctx context.Context, id string, confirm mutation.Confirmer) error
	PostForm() mutation.FormState
	PaperForm() mutation.FormState
}

// MutatorProvider はセッショントークンに対応するMutatorを返す。
type MutatorProvider interface {
	Mutator(sessionID string) Mutator
}

// ContentHandler は投稿・論文のHTTPハンドラー。
type ContentHandler struct {
	posts    PostSource
	papers   PaperSource
	mutators MutatorProvider
}

// NewContentHandler はContentHandlerを生成する。
func NewContentHandler(posts PostSource, papers PaperSource, mutators MutatorProvider) *ContentHandler {
	return &ContentHandler{
		posts:    posts,
		papers:   papers,
		mutators: mutators,
	}
}

// --- レスポンス型 ---

// postListResponse は投稿一覧のレスポンス。
type postListResponse struct {
	Items  []model.Post `json:"items"`
	Loaded bool         `json:"loaded"`
}

// paperListResponse は論文アーカイブのレスポンス。
type paperListResponse struct {
	archive.View
	Loaded bool `json:"loaded"`
}

// formResponse はフォームの送信状態。
type formResponse struct {
	Form   mutation.Form                 `json:"form"`
	Status mutation.FormStatus           `json:"status"`
	Draft  any                           `json:"draft"`
	Error  *middleware.ErrorResponseBody `json:"error,omitempty"`
}

// formsResponse は投稿・論文フォームの状態。
type formsResponse struct {
	Post  formResponse `json:"post"`
	Paper formResponse `json:"paper"`
}

// ListPosts は投稿一覧を作成日時の降順で返す。
// GET /api/posts
func (h *ContentHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	items, loaded := h.posts.Snapshot()
	if items == nil {
		items = []model.Post{}
	}
	writeJSON(w, http.StatusOK, postListResponse{Items: items, Loaded: loaded})
}

// GetPost は投稿の詳細を返す。
// GET /api/posts/{id}
func (h *ContentHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, _ := h.posts.Snapshot()
	for i := range items {
		if items[i].ID == id {
			writeJSON(w, http.StatusOK, items[i])
			return
		}
	}
	middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewDocumentNotFoundError(model.CollectionPosts, id))
}

// ListPapers はタグで絞り込んだ論文アーカイブとタグごとの件数を返す。
// GET /api/papers?tags=a,b
func (h *ContentHandler) ListPapers(w http.ResponseWriter, r *http.Request) {
	filter, err := archive.NewTagFilter(parseTags(r)...)
	if err != nil {
		middleware.WriteError(w, err, middleware.OpRead, model.CollectionPapers)
		return
	}

	items, loaded := h.papers.Snapshot()
	writeJSON(w, http.StatusOK, paperListResponse{
		View:   archive.Project(items, filter),
		Loaded: loaded,
	})
}

// CreatePost は投稿を作成する。一覧への反映は購読経由で行われる。
// POST /api/posts
func (h *ContentHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	var draft model.PostDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	post, err := h.mutators.Mutator(sessionID).CreatePost(r.Context(), draft)
	if err != nil {
		middleware.WriteError(w, err, middleware.OpCreate, model.CollectionPosts)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// CreatePaper は論文を作成する。
// POST /api/papers
func (h *ContentHandler) CreatePaper(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	var draft model.PaperDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	paper, err := h.mutators.Mutator(sessionID).CreatePaper(r.Context(), draft)
	if err != nil {
		middleware.WriteError(w, err, middleware.OpCreate, model.CollectionPapers)
		return
	}
	writeJSON(w, http.StatusCreated, paper)
}

// DeletePost は投稿を削除する。confirm=true がない場合は削除しない。
// DELETE /api/posts/{id}?confirm=true
func (h *ContentHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, model.CollectionPosts, Mutator.DeletePost)
}

// DeletePaper は論文を削除する。
// DELETE /api/papers/{id}?confirm=true
func (h *ContentHandler) DeletePaper(w http.ResponseWriter, r *http.Request) {
	h.delete(w, r, model.CollectionPapers, Mutator.DeletePaper)
}

func (h *ContentHandler) delete(
	w http.ResponseWriter,
	r *http.Request,
	collection string,
	del func(Mutator, context.Context, string, mutation.Confirmer) error,
) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	confirmed := r.URL.Query().Get("confirm") == "true"
	if err := del(h.mutators.Mutator(sessionID), r.Context(), id, mutation.Confirmed(confirmed)); err != nil {
		middleware.WriteError(w, err, middleware.OpDelete, collection)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Forms はセッションの投稿・論文フォームの状態を返す。
// GET /api/forms
func (h *ContentHandler) Forms(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	m := h.mutators.Mutator(sessionID)
	writeJSON(w, http.StatusOK, formsResponse{
		Post:  toFormResponse(m.PostForm(), model.CollectionPosts),
		Paper: toFormResponse(m.PaperForm(), model.CollectionPapers),
	})
}

func toFormResponse(state mutation.FormState, collection string) formResponse {
	resp := formResponse{Form: state.Form, Status: state.Status, Draft: state.Draft}
	if state.Err != nil {
		_, apiErr := middleware.ErrorFor(state.Err, middleware.OpCreate, collection)
		body := middleware.NewErrorResponseBody(apiErr)
		resp.Error = &body
	}
	return resp
}

// parseTags は tags クエリをカンマ区切りで読み取る。クエリの繰り返し指定も受け付ける。
func parseTags(r *http.Request) []model.Tag {
	var tags []model.Tag
	for _, v := range r.URL.Query()["tags"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, model.Tag(t))
			}
		}
	}
	return tags
}
