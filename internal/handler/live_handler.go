package handler

import (
	"net/http"
)

// LiveServer はセッションに束縛されたライブ接続を処理する。
type LiveServer interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID string)
}

// LiveHandler はWebSocketライブクライアントのHTTPハンドラー。
type LiveHandler struct {
	server LiveServer
}

// NewLiveHandler はLiveHandlerを生成する。
func NewLiveHandler(server LiveServer) *LiveHandler {
	return &LiveHandler{server: server}
}

// Connect はWebSocketへアップグレードし、接続が閉じるまでブロックする。
// GET /api/live
func (h *LiveHandler) Connect(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}
	h.server.Serve(w, r, sessionID)
}
