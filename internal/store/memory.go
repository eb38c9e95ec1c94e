package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory はプロセス内で完結するStore実装。
// 開発モード（STORE_BACKEND=memory）とテストで使用する。
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]map[string]Document
	seq    int64
	lastAt time.Time
	now    func() time.Time

	broker *broker
}

// NewMemory は空のMemoryストアを生成する。
func NewMemory() *Memory {
	m := &Memory{
		docs: make(map[string]map[string]Document),
		now:  time.Now,
	}
	m.broker = newBroker(m.fetch)
	return m
}

// Subscribe はcollectionの購読を開始する。
func (m *Memory) Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot callback is required")
	}
	return m.broker.subscribe(ctx, collection, onSnapshot, onError), nil
}

// Add はドキュメントを追加する。作成日時は単調増加するよう採番する。
func (m *Memory) Add(ctx context.Context, collection string, data any) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	m.mu.Lock()
	m.seq++
	at := m.now().UTC()
	if !at.After(m.lastAt) {
		at = m.lastAt.Add(time.Microsecond)
	}
	m.lastAt = at

	doc := Document{
		ID:         uuid.New().String(),
		Collection: collection,
		Data:       raw,
		CreatedAt:  at,
		Seq:        m.seq,
	}
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]Document)
	}
	m.docs[collection][doc.ID] = doc
	m.mu.Unlock()

	m.broker.notify(collection)
	return &doc, nil
}

// Delete は指定IDのドキュメントを削除する。存在しない場合は何もしない。
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	_, ok := m.docs[collection][id]
	if ok {
		delete(m.docs[collection], id)
	}
	m.mu.Unlock()

	if ok {
		m.broker.notify(collection)
	}
	return nil
}

// Len はcollectionのドキュメント数を返す。
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

// Close は全購読を解除する。
func (m *Memory) Close() error {
	m.broker.closeAll()
	return nil
}

func (m *Memory) fetch(ctx context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	docs := make([]Document, 0, len(m.docs[collection]))
	for _, d := range m.docs[collection] {
		docs = append(docs, d)
	}
	m.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].Seq > docs[j].Seq
	})
	return docs, nil
}

// compile-time interface check
var _ Store = (*Memory)(nil)
