package hub

import (
	"github.com/bvanreenan/knowledge-hub/internal/archive"
	"github.com/bvanreenan/knowledge-hub/internal/auth"
	"github.com/bvanreenan/knowledge-hub/internal/middleware"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/session"
)

// フレーム種別
const (
	FrameIdentity = "identity"
	FramePosts    = "posts"
	FramePapers   = "papers"
	FrameDetail   = "detail"
	FrameForm     = "form"
	FrameError    = "error"
)

// コマンド種別
const (
	CmdSignIn      = "sign_in"
	CmdSignOut     = "sign_out"
	CmdToggleTag   = "toggle_tag"
	CmdFocusTag    = "focus_tag"
	CmdClearTags   = "clear_tags"
	CmdOpenPost    = "open_post"
	CmdClosePost   = "close_post"
	CmdCreatePost  = "create_post"
	CmdCreatePaper = "create_paper"
	CmdDeletePost  = "delete_post"
	CmdDeletePaper = "delete_paper"
)

// Frame はサーバーからクライアントへ送るメッセージ。
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Command はクライアントから受け取る操作。
type Command struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Tag       model.Tag         `json:"tag,omitempty"`
	Confirmed bool              `json:"confirmed,omitempty"`
	Email     string            `json:"email,omitempty"`
	Password  string            `json:"password,omitempty"`
	Secret    string            `json:"secret,omitempty"`
	Post      *model.PostDraft  `json:"post,omitempty"`
	Paper     *model.PaperDraft `json:"paper,omitempty"`
}

// IdentityFrame は現在のアイデンティティと管理者権限。
type IdentityFrame struct {
	State     session.State      `json:"state"`
	SubjectID string             `json:"subject_id,omitempty"`
	Email     string             `json:"email,omitempty"`
	Method    model.SignInMethod `json:"method,omitempty"`
	IsAdmin   bool               `json:"is_admin"`
	AuthMode  auth.Mode          `json:"auth_mode"`
}

func newIdentityFrame(snap session.Snapshot, mode auth.Mode) IdentityFrame {
	f := IdentityFrame{State: snap.State, IsAdmin: snap.Authorized, AuthMode: mode}
	if snap.Identity != nil {
		f.SubjectID = snap.Identity.SubjectID
		f.Email = snap.Identity.Email
		f.Method = snap.Identity.Method
	}
	return f
}

// PostsFrame は投稿一覧。Loaded がfalseの間は読み込み中を表示する。
type PostsFrame struct {
	Items  []model.Post `json:"items"`
	Loaded bool         `json:"loaded"`
}

// PapersFrame はタグフィルター適用後の研究アーカイブ。
type PapersFrame struct {
	archive.View
	Loaded bool `json:"loaded"`
}

// DetailFrame は開いている投稿の詳細。Postがnilなら詳細表示を閉じる。
type DetailFrame struct {
	Post *model.Post `json:"post"`
}

// ErrorFrame はコマンドの失敗を通知する。
type ErrorFrame struct {
	Command string `json:"command"`
	middleware.ErrorResponseBody
}
