package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore 每个策略 id 一个 JSON 文件，pretty-print、UTF-8。
// 写入先落临时文件再 rename，保证账本不会出现半截内容。
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(strategyID string) string {
	return filepath.Join(s.dir, strategyID+".json")
}

func (s *FileStore) Load(strategyID string) (Ledger, error) {
	raw, err := os.ReadFile(s.path(strategyID))
	if os.IsNotExist(err) {
		return New(strategyID), nil
	}
	if err != nil {
		return Ledger{}, fmt.Errorf("read ledger %s: %w", strategyID, err)
	}
	if len(raw) < 2 {
		return New(strategyID), nil
	}
	var l Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return Ledger{}, fmt.Errorf("decode ledger %s: %w", strategyID, err)
	}
	return l, nil
}

func (s *FileStore) Save(l Ledger) error {
	raw, err := json.MarshalIndent(l, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", l.StrategyID, err)
	}
	tmp, err := os.CreateTemp(s.dir, l.StrategyID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.path(l.StrategyID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger %s: %w", l.StrategyID, err)
	}
	return nil
}
