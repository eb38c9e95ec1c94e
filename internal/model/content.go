package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// コレクション名
const (
	CollectionPosts  = "posts"
	CollectionPapers = "papers"
)

// DisplayDateLayout は投稿の表示日付フォーマット（例: "Jan 2026"）。
const DisplayDateLayout = "Jan 2006"

// Category はブログ投稿のカテゴリ。
type Category string

const (
	CategoryAIStrategy           Category = "AI Strategy"
	CategoryHealthcareGovernance Category = "Healthcare Governance"
	CategoryPhilosophyLogic      Category = "Philosophy & Logic"
	CategorySystemsArchitecture  Category = "Systems Architecture"
)

// Categories は選択可能なカテゴリの一覧（表示順）。
var Categories = []Category{
	CategoryAIStrategy,
	CategoryHealthcareGovernance,
	CategoryPhilosophyLogic,
	CategorySystemsArchitecture,
}

// Valid はカテゴリが定義済みかを返す。
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Degree は研究論文の学位区分。
type Degree string

const (
	DegreeMSIT       Degree = "MSIT"
	DegreeMSHAI      Degree = "MSHA-I"
	DegreePhilosophy Degree = "Philosophy"
)

// Degrees は選択可能な学位区分の一覧。
var Degrees = []Degree{DegreeMSIT, DegreeMSHAI, DegreePhilosophy}

// Valid は学位区分が定義済みかを返す。
func (d Degree) Valid() bool {
	for _, v := range Degrees {
		if d == v {
			return true
		}
	}
	return false
}

// Tag は研究論文に付与するタグ。TagVocabulary に含まれるもののみ有効。
type Tag string

// TagVocabulary は固定のタグ語彙（表示順）。
var TagVocabulary = []Tag{
	"AI / Ethics",
	"Systems Architecture",
	"Healthcare / Informatics",
	"Interoperability",
	"Governance",
	"Philosophy / Logic",
	"Explainable AI (XAI)",
}

// Valid はタグが語彙に含まれるかを返す。
func (t Tag) Valid() bool {
	for _, v := range TagVocabulary {
		if t == v {
			return true
		}
	}
	return false
}

// Post はブログ投稿（Thought Lab の分析記事）を表す。
// 作成後は不変で、更新操作は存在しない。
type Post struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Category        Category  `json:"category"`
	Excerpt         string    `json:"excerpt"`
	Challenge       string    `json:"challenge"`
	Interdependence string    `json:"interdependence"`
	Outcome         string    `json:"outcome"`
	Date            string    `json:"date"`
	CreatedAt       time.Time `json:"created_at"`
}

// Paper は研究アーカイブの論文を表す。
type Paper struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Year        string    `json:"year"`
	Degree      Degree    `json:"degree"`
	PDF         string    `json:"pdf,omitempty"`
	Tags        []Tag     `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasAnyTag は論文のタグがactiveのいずれかと交差するかを返す。
func (p Paper) HasAnyTag(active map[Tag]struct{}) bool {
	for _, t := range p.Tags {
		if _, ok := active[t]; ok {
			return true
		}
	}
	return false
}

// PostDraft は未保存の投稿フォーム状態。
type PostDraft struct {
	Title           string   `json:"title"`
	Category        Category `json:"category"`
	Excerpt         string   `json:"excerpt"`
	Challenge       string   `json:"challenge"`
	Interdependence string   `json:"interdependence"`
	Outcome         string   `json:"outcome"`
}

// DefaultPostDraft は投稿フォームの初期状態を返す。
func DefaultPostDraft() PostDraft {
	return PostDraft{Category: CategoryAIStrategy}
}

// Validate は必須項目の入力チェックを行う。
func (d PostDraft) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"title", d.Title},
		{"excerpt", d.Excerpt},
		{"challenge", d.Challenge},
		{"interdependence", d.Interdependence},
		{"outcome", d.Outcome},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Reason: "required"}
	}
	if !d.Category.Valid() {
		return &ValidationError{Fields: []string{"category"}, Reason: fmt.Sprintf("unknown category %q", d.Category)}
	}
	return nil
}

// PaperDraft は未保存の論文フォーム状態。
type PaperDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Year        string `json:"year"`
	Degree      Degree `json:"degree"`
	PDF         string `json:"pdf"`
	Tags        []Tag  `json:"tags"`
}

// DefaultPaperDraft は論文フォームの初期状態を返す。年は現在年。
func DefaultPaperDraft(now time.Time) PaperDraft {
	return PaperDraft{
		Year:   strconv.Itoa(now.Year()),
		Degree: DegreeMSIT,
		Tags:   []Tag{},
	}
}

// Validate は必須項目とタグの制約をチェックする。
// タグは1つ以上必須で、語彙外・重複は許可しない。
func (d PaperDraft) Validate() error {
	var missing []string
	if strings.TrimSpace(d.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(d.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(d.Year) == "" {
		missing = append(missing, "year")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Reason: "required"}
	}
	if !d.Degree.Valid() {
		return &ValidationError{Fields: []string{"degree"}, Reason: fmt.Sprintf("unknown degree %q", d.Degree)}
	}
	if len(d.Tags) == 0 {
		return &ValidationError{Fields: []string{"tags"}, Reason: "select at least one tag"}
	}
	seen := make(map[Tag]struct{}, len(d.Tags))
	for _, t := range d.Tags {
		if !t.Valid() {
			return &ValidationError{Fields: []string{"tags"}, Reason: fmt.Sprintf("unknown tag %q", t)}
		}
		if _, dup := seen[t]; dup {
			return &ValidationError{Fields: []string{"tags"}, Reason: fmt.Sprintf("duplicate tag %q", t)}
		}
		seen[t] = struct{}{}
	}
	return nil
}
