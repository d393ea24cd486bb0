package core

import (
	"context"

	"github.com/markdave123-py/docindex/internal/models"
)

// IndexOptions configure the block-level index on creation.
type IndexOptions struct {
	Synonyms      []string // "syn_i => syn_0, syn_1, ..." rules
	DPR           bool
	DebugFullText bool
}

// DocFilter selects the matches of one file. WorkspaceIdx is only set when
// the index is shared between workspaces.
type DocFilter struct {
	FileIdx      string
	WorkspaceIdx string
}

type BulkResult struct {
	Indexed int
	Failed  int
	Errors  []string
}

// SearchEngine is the text+vector backend storing match documents.
type SearchEngine interface {
	EnsureBlockIndex(ctx context.Context, index string, opts IndexOptions) error
	EnsureFileIndex(ctx context.Context, index string) error
	DeleteByQuery(ctx context.Context, index string, filter DocFilter) error
	BulkUpsert(ctx context.Context, index string, matches []models.Match) (BulkResult, error)
	Refresh(ctx context.Context, index string) error
	IndexFileDocument(ctx context.Context, index string, doc models.FileLevelDoc) error
	DeleteIndex(ctx context.Context, index string) error
	UpdateSynonyms(ctx context.Context, index string, synonyms []string) error
	Count(ctx context.Context, index string, filter DocFilter) (int, error)
}

// IndexTarget is where one workspace's matches live.
type IndexTarget struct {
	Index        string
	WorkspaceIdx string
	Shared       bool
}

// Filter scopes a file to this target: shared indexes filter on the
// workspace as well as the file.
func (t IndexTarget) Filter(fileIdx string) DocFilter {
	f := DocFilter{FileIdx: fileIdx}
	if t.Shared {
		f.WorkspaceIdx = t.WorkspaceIdx
	}
	return f
}

// FileLevelIndex is the sibling index holding one document per file.
func (t IndexTarget) FileLevelIndex() string {
	return t.Index + "_file_level"
}

// IndexLocator resolves a workspace to its physical index.
type IndexLocator interface {
	Locate(ws *models.Workspace) IndexTarget
}

// SettingsLocator places a workspace on settings.index_settings.index when
// set and on an index named after the workspace otherwise.
type SettingsLocator struct{}

func (SettingsLocator) Locate(ws *models.Workspace) IndexTarget {
	return IndexTarget{
		Index:        ws.IndexName(),
		WorkspaceIdx: ws.ID,
		Shared:       ws.SharedIndex(),
	}
}
