package handler

import (
	"net/http"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// ProfileHandler は静的なプロフィールコンテンツを返す。
type ProfileHandler struct {
	profile model.Profile
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(profile model.Profile) *ProfileHandler {
	return &ProfileHandler{profile: profile}
}

// Get はプロフィールを返す。
// GET /api/profile
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.profile)
}
