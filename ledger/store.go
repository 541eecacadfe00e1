package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store 账本的持久化能力：整体读、整体原子写。
type Store interface {
	// Load 返回账本；不存在时返回空账本而不是错误。
	Load(strategyID string) (Ledger, error)
	// Save 整体覆盖写入。
	Save(l Ledger) error
}

// MemStore 内存实现，回测与测试用。通过 JSON 往返做深拷贝，
// 与文件实现的序列化语义保持一致。
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) Load(strategyID string) (Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.blobs[strategyID]
	if !ok {
		return New(strategyID), nil
	}
	var l Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return Ledger{}, fmt.Errorf("decode ledger %s: %w", strategyID, err)
	}
	return l, nil
}

func (s *MemStore) Save(l Ledger) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", l.StrategyID, err)
	}
	s.mu.Lock()
	s.blobs[l.StrategyID] = raw
	s.mu.Unlock()
	return nil
}
