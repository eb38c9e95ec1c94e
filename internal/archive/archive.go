// Package archive は研究論文アーカイブのタグ絞り込みと表示用の射影を提供する。
// すべて純粋関数で、入力のスライスは変更しない。
package archive

import (
	"errors"
	"fmt"

	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// ErrUnknownTag は語彙にないタグが指定されたことを示す。
var ErrUnknownTag = errors.New("unknown tag")

// EmptyReason は絞り込み結果が空である理由。
type EmptyReason string

const (
	EmptyNone    EmptyReason = ""
	EmptyNoPaper EmptyReason = "no_papers"
	EmptyNoMatch EmptyReason = "no_match"
)

// Message は空状態の表示メッセージを返す。
func (r EmptyReason) Message() string {
	switch r {
	case EmptyNoPaper:
		return "No papers yet."
	case EmptyNoMatch:
		return "No papers match the selected tags."
	default:
		return ""
	}
}

// TagCount は語彙タグごとの論文数。
type TagCount struct {
	Tag   model.Tag `json:"tag"`
	Count int       `json:"count"`
}

// View はアーカイブ表示用の射影結果。
type View struct {
	Papers      []model.Paper `json:"papers"`
	Counts      []TagCount    `json:"counts"`
	Active      []model.Tag   `json:"active_tags"`
	Total       int           `json:"total"`
	EmptyReason EmptyReason   `json:"empty_reason,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// Filter はアクティブタグのいずれかを持つ論文を元の順序のまま返す。
// フィルターが空の場合は全件を返す。
func Filter(papers []model.Paper, filter TagFilter) []model.Paper {
	if filter.Empty() {
		out := make([]model.Paper, len(papers))
		copy(out, papers)
		return out
	}
	active := filter.set()
	out := make([]model.Paper, 0, len(papers))
	for _, p := range papers {
		if p.HasAnyTag(active) {
			out = append(out, p)
		}
	}
	return out
}

// Counts は全論文（絞り込み前）に対する語彙タグごとの件数を語彙順で返す。
func Counts(papers []model.Paper) []TagCount {
	byTag := make(map[model.Tag]int, len(model.TagVocabulary))
	for _, p := range papers {
		seen := make(map[model.Tag]struct{}, len(p.Tags))
		for _, t := range p.Tags {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			byTag[t]++
		}
	}
	counts := make([]TagCount, len(model.TagVocabulary))
	for i, t := range model.TagVocabulary {
		counts[i] = TagCount{Tag: t, Count: byTag[t]}
	}
	return counts
}

// Project は絞り込み結果、タグ件数、空状態の理由をまとめて返す。
func Project(papers []model.Paper, filter TagFilter) View {
	filtered := Filter(papers, filter)
	v := View{
		Papers: filtered,
		Counts: Counts(papers),
		Active: filter.Tags(),
		Total:  len(papers),
	}
	switch {
	case len(papers) == 0:
		v.EmptyReason = EmptyNoPaper
	case len(filtered) == 0:
		v.EmptyReason = EmptyNoMatch
	}
	v.Message = v.EmptyReason.Message()
	return v
}

// TagFilter はアクティブなタグの順序付き集合。ゼロ値は空のフィルター。
type TagFilter struct {
	tags []model.Tag
}

// NewTagFilter はタグ列からフィルターを生成する。重複は無視し、語彙外のタグはエラーにする。
func NewTagFilter(tags ...model.Tag) (TagFilter, error) {
	var f TagFilter
	for _, t := range tags {
		if !t.Valid() {
			return TagFilter{}, fmt.Errorf("%w: %s", ErrUnknownTag, t)
		}
		if !f.Has(t) {
			f.tags = append(f.tags, t)
		}
	}
	return f, nil
}

// Empty はフィルターが空かを返す。
func (f TagFilter) Empty() bool { return len(f.tags) == 0 }

// Has はタグがアクティブかを返す。
func (f TagFilter) Has(tag model.Tag) bool {
	for _, t := range f.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Tags はアクティブなタグを選択順で返す。
func (f TagFilter) Tags() []model.Tag {
	out := make([]model.Tag, len(f.tags))
	copy(out, f.tags)
	return out
}

// Toggle はタグの対称差をとったフィルターを返す。
func (f TagFilter) Toggle(tag model.Tag) (TagFilter, error) {
	if !tag.Valid() {
		return f, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	out := make([]model.Tag, 0, len(f.tags)+1)
	removed := false
	for _, t := range f.tags {
		if t == tag {
			removed = true
			continue
		}
		out = append(out, t)
	}
	if !removed {
		out = append(out, tag)
	}
	return TagFilter{tags: out}, nil
}

// Only はタグ1つだけがアクティブなフィルターを返す（トピック索引からのジャンプ）。
func (f TagFilter) Only(tag model.Tag) (TagFilter, error) {
	if !tag.Valid() {
		return f, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	return TagFilter{tags: []model.Tag{tag}}, nil
}

// Clear は空のフィルターを返す。
func (f TagFilter) Clear() TagFilter { return TagFilter{} }

func (f TagFilter) set() map[model.Tag]struct{} {
	s := make(map[model.Tag]struct{}, len(f.tags))
	for _, t := range f.tags {
		s[t] = struct{}{}
	}
	return s
}
