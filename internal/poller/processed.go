package poller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultProcessedLimit bounds how many message ids are remembered.
const DefaultProcessedLimit = 5000

// ProcessedSet remembers the message ids already fed to the batcher and
// persists them as a JSON list, oldest first. Lookups and repeated adds do
// not refresh an id, so the oldest insertion is evicted first.
type ProcessedSet struct {
	path string
	ids  *lru.Cache[string, struct{}]
}

// LoadProcessedSet reads path when it exists. An empty path keeps the set
// in memory only.
func LoadProcessedSet(path string, limit int) (*ProcessedSet, error) {
	if limit <= 0 {
		limit = DefaultProcessedLimit
	}
	cache, err := lru.New[string, struct{}](limit)
	if err != nil {
		return nil, fmt.Errorf("poller: processed cache: %w", err)
	}
	p := &ProcessedSet{path: strings.TrimSpace(path), ids: cache}
	if p.path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poller: read %s: %w", p.path, err)
	}
	var ids []string
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("poller: decode %s: %w", p.path, err)
		}
	}
	for _, id := range ids {
		p.Add(id)
	}
	return p, nil
}

func (p *ProcessedSet) Has(id string) bool {
	return p.ids.Contains(id)
}

func (p *ProcessedSet) Add(id string) {
	if id == "" {
		return
	}
	p.ids.ContainsOrAdd(id, struct{}{})
}

func (p *ProcessedSet) Len() int {
	return p.ids.Len()
}

// Save writes the set to disk. It is a no-op without a path.
func (p *ProcessedSet) Save() error {
	if p.path == "" {
		return nil
	}
	buf, err := json.Marshal(p.ids.Keys())
	if err != nil {
		return fmt.Errorf("poller: encode processed ids: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("poller: create dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("poller: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("poller: replace %s: %w", p.path, err)
	}
	return nil
}
