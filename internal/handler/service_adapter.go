package handler

import (
	"github.com/bvanreenan/knowledge-hub/internal/livesync"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/mutation"
)

// RegistryAdapter は mutation.Registry を MutatorProvider に適合させるアダプタ。
// 同じセッションのRESTリクエストとライブクライアントが同じGatewayを使う。
type RegistryAdapter struct {
	registry *mutation.Registry
}

// NewRegistryAdapter はRegistryAdapterを生成する。
func NewRegistryAdapter(registry *mutation.Registry) *RegistryAdapter {
	return &RegistryAdapter{registry: registry}
}

// Mutator はセッションのGatewayを返す。
func (a *RegistryAdapter) Mutator(sessionID string) Mutator {
	return a.registry.Get(sessionID)
}

// SynchronizerSource は livesync.Synchronizer を読み取り専用のコレクションソースに適合させる。
type SynchronizerSource[T any] struct {
	sync *livesync.Synchronizer[T]
}

// NewPostSource は投稿シンクロナイザーを PostSource として返す。
func NewPostSource(s *livesync.Synchronizer[model.Post]) *SynchronizerSource[model.Post] {
	return &SynchronizerSource[model.Post]{sync: s}
}

// NewPaperSource は論文シンクロナイザーを PaperSource として返す。
func NewPaperSource(s *livesync.Synchronizer[model.Paper]) *SynchronizerSource[model.Paper] {
	return &SynchronizerSource[model.Paper]{sync: s}
}

// Snapshot は現在のローカルコピーと読み込み状態を返す。
func (s *SynchronizerSource[T]) Snapshot() ([]T, bool) {
	state := s.sync.State()
	return state.Items, state.Loaded
}

var (
	_ MutatorProvider = (*RegistryAdapter)(nil)
	_ PostSource      = (*SynchronizerSource[model.Post])(nil)
	_ PaperSource     = (*SynchronizerSource[model.Paper])(nil)
	_ Mutator         = (*mutation.Gateway)(nil)
)
