package livesync

import (
	"log/slog"

	"github.com/bvanreenan/knowledge-hub/internal/metrics"
	"github.com/bvanreenan/knowledge-hub/internal/model"
	"github.com/bvanreenan/knowledge-hub/internal/store"
)

// DecodePost はドキュメントを投稿に変換する。IDと作成日時はストアの値を使う。
func DecodePost(doc store.Document) (model.Post, error) {
	var p model.Post
	if err := doc.Decode(&p); err != nil {
		return model.Post{}, err
	}
	p.ID = doc.ID
	p.CreatedAt = doc.CreatedAt
	return p, nil
}

// DecodePaper はドキュメントを論文に変換する。
func DecodePaper(doc store.Document) (model.Paper, error) {
	var p model.Paper
	if err := doc.Decode(&p); err != nil {
		return model.Paper{}, err
	}
	p.ID = doc.ID
	p.CreatedAt = doc.CreatedAt
	if p.Tags == nil {
		p.Tags = []model.Tag{}
	}
	return p, nil
}

// NewPosts は投稿コレクションのシンクロナイザーを生成する。
func NewPosts(subscriber store.Subscriber, logger *slog.Logger, collector metrics.MetricsCollector) *Synchronizer[model.Post] {
	return New(subscriber, model.CollectionPosts, DecodePost, logger, collector)
}

// NewPapers は論文コレクションのシンクロナイザーを生成する。
func NewPapers(subscriber store.Subscriber, logger *slog.Logger, collector metrics.MetricsCollector) *Synchronizer[model.Paper] {
	return New(subscriber, model.CollectionPapers, DecodePaper, logger, collector)
}
