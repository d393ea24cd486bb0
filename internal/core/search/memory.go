package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var _ core.SearchEngine = (*MemoryEngine)(nil)

type memIndex struct {
	opts     core.IndexOptions
	matches  map[string]models.Match
	fileDocs map[string]models.FileLevelDoc
}

// MemoryEngine is a process-local SearchEngine. It does no text analysis;
// it keeps what was written so callers can inspect it.
type MemoryEngine struct {
	mu      sync.RWMutex
	indexes map[string]*memIndex
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{indexes: make(map[string]*memIndex)}
}

func (m *MemoryEngine) ensure(index string, opts core.IndexOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[index]; ok {
		return
	}
	m.indexes[index] = &memIndex{
		opts:     opts,
		matches:  make(map[string]models.Match),
		fileDocs: make(map[string]models.FileLevelDoc),
	}
}

func (m *MemoryEngine) EnsureBlockIndex(ctx context.Context, index string, opts core.IndexOptions) error {
	m.ensure(index, opts)
	return nil
}

func (m *MemoryEngine) EnsureFileIndex(ctx context.Context, index string) error {
	m.ensure(index, core.IndexOptions{})
	return nil
}

func matchesFilter(mt models.Match, f core.DocFilter) bool {
	if f.FileIdx != "" && mt.FileIdx != f.FileIdx {
		return false
	}
	if f.WorkspaceIdx != "" && mt.WorkspaceIdx != f.WorkspaceIdx {
		return false
	}
	return true
}

func (m *MemoryEngine) DeleteByQuery(ctx context.Context, index string, filter core.DocFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[index]
	if !ok {
		return nil
	}
	for id, mt := range idx.matches {
		if matchesFilter(mt, filter) {
			delete(idx.matches, id)
		}
	}
	for id, d := range idx.fileDocs {
		if filter.FileIdx == "" || d.FileIdx == filter.FileIdx {
			delete(idx.fileDocs, id)
		}
	}
	return nil
}

func (m *MemoryEngine) BulkUpsert(ctx context.Context, index string, matches []models.Match) (core.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[index]
	if !ok {
		return core.BulkResult{}, fmt.Errorf("bulk %s: %w: no such index", index, core.ErrNotFound)
	}
	var res core.BulkResult
	for _, mt := range matches {
		if mt.ID == "" {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("match %d: missing id", mt.MatchIdx))
			continue
		}
		idx.matches[mt.ID] = mt
		res.Indexed++
	}
	return res, nil
}

func (m *MemoryEngine) Refresh(ctx context.Context, index string) error { return nil }

func (m *MemoryEngine) IndexFileDocument(ctx context.Context, index string, doc models.FileLevelDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[index]
	if !ok {
		return fmt.Errorf("index file doc %s: %w: no such index", index, core.ErrNotFound)
	}
	idx.fileDocs[doc.ID] = doc
	return nil
}

func (m *MemoryEngine) DeleteIndex(ctx context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, index)
	return nil
}

func (m *MemoryEngine) UpdateSynonyms(ctx context.Context, index string, synonyms []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[index]
	if !ok {
		return fmt.Errorf("update synonyms %s: %w: no such index", index, core.ErrNotFound)
	}
	idx.opts.Synonyms = append([]string(nil), synonyms...)
	return nil
}

func (m *MemoryEngine) Count(ctx context.Context, index string, filter core.DocFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[index]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, mt := range idx.matches {
		if matchesFilter(mt, filter) {
			n++
		}
	}
	return n, nil
}

// HasIndex reports whether index exists.
func (m *MemoryEngine) HasIndex(index string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[index]
	return ok
}

// Matches returns the stored matches of one file ordered by match_idx.
func (m *MemoryEngine) Matches(index string, filter core.DocFilter) []models.Match {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[index]
	if !ok {
		return nil
	}
	var out []models.Match
	for _, mt := range idx.matches {
		if matchesFilter(mt, filter) {
			out = append(out, mt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchIdx < out[j].MatchIdx })
	return out
}

// FileDocs returns the file-level documents of index.
func (m *MemoryEngine) FileDocs(index string) []models.FileLevelDoc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[index]
	if !ok {
		return nil
	}
	out := make([]models.FileLevelDoc, 0, len(idx.fileDocs))
	for _, d := range idx.fileDocs {
		out = append(out, d)
	}
	return out
}

// Options returns the options index was created or last reconfigured with.
func (m *MemoryEngine) Options(index string) (core.IndexOptions, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[index]
	if !ok {
		return core.IndexOptions{}, false
	}
	return idx.opts, true
}
