// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"strings"
	"unicode"
)

// TextSanitizer は投稿・論文のテキスト項目を保存用に正規化する。
type TextSanitizer interface {
	// Sanitize は前後の空白と制御文字を除去したテキストを返す。
	// マークアップは解釈せず入力どおりに残す。表示側はテキストとして描画する。
	// 同一入力に対して常に同一出力を返し、出力を再度渡しても変化しない（冪等）。
	Sanitize(raw string) string
}

type textSanitizer struct{}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return textSanitizer{}
}

func (textSanitizer) Sanitize(raw string) string {
	s := strings.ToValidUTF8(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
