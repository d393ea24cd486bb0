package indexer

import (
	"context"
	"hash/fnv"
	"math/rand"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/core/database/memdb"
	"github.com/markdave123-py/docindex/internal/core/search"
	"github.com/markdave123-py/docindex/internal/models"
)

func writeFile(p, s string) error { return os.WriteFile(p, []byte(s), 0o644) }

// hashEncoder gives every normalized text a stable pseudo-random vector.
type hashEncoder struct{ dims int }

func (h hashEncoder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		f := fnv.New64a()
		f.Write([]byte(normalize(t)))
		r := rand.New(rand.NewSource(int64(f.Sum64())))
		v := make([]float32, h.dims)
		for j := range v {
			v[j] = float32(r.NormFloat64())
		}
		out[i] = v
	}
	return out, nil
}

type fixture struct {
	db     *memdb.Store
	engine *search.MemoryEngine
	ix     *Indexer
	ws     *models.Workspace
}

func newFixture(t *testing.T, settings models.WorkspaceSettings, dpr core.EmbeddingProvider) *fixture {
	t.Helper()
	ctx := t.Context()
	db := memdb.New()
	ws := &models.Workspace{ID: "ws1", Name: "W", UserID: "u1", Settings: settings}
	require.NoError(t, db.CreateWorkspace(ctx, ws))
	require.NoError(t, db.CreateDocument(ctx, &models.Document{ID: "doc1", WorkspaceID: "ws1", UserID: "u1", Name: "a.pdf"}))

	engine := search.NewMemoryEngine()
	ner := &stubNER{ents: map[string][]models.Entity{"Hello world.": {{Mention: "world", Types: []string{"LOC"}}}}}
	ix := New(db, engine, nil, hashEncoder{dims: 300}, dpr, NewEntityTagger(ner, nil, nil, nil), Options{FlattenMergedTables: true})
	return &fixture{db: db, engine: engine, ix: ix, ws: ws}
}

func (f *fixture) indexed(index string) []models.Match {
	return f.engine.Matches(index, core.DocFilter{FileIdx: "doc1"})
}

func assertIndexInvariants(t *testing.T, f *fixture, out *Output, numPages int) {
	t.Helper()
	ms := f.indexed(out.Target.Index)
	n, err := f.db.CountESEntries(t.Context(), "doc1", "ws1")
	require.NoError(t, err)
	assert.Equal(t, len(ms), n, "search docs and metadata rows")

	seen := map[int]bool{}
	for _, m := range ms {
		assert.False(t, seen[m.MatchIdx], "duplicate match_idx %d", m.MatchIdx)
		seen[m.MatchIdx] = true
		assert.True(t, m.HeaderMatchIdx == -1 || (m.HeaderMatchIdx >= 0 && m.HeaderMatchIdx < m.MatchIdx))
		assert.Equal(t, -(numPages - m.PageIdx), m.ReversePageIdx)
		assert.Equal(t, "doc1", m.FileIdx)
		assert.Equal(t, "ws1", m.WorkspaceIdx)
		if m.BlockType == string(models.BlockHeader) {
			assert.NotEmpty(t, m.MatchText)
			assert.Empty(t, m.BlockText)
		}
	}
}

func TestAddToIndex_HeadingsAndParas(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	out, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)
	assertIndexInvariants(t, f, out, 1)

	ms := f.indexed("ws1")
	require.Len(t, ms, 4)
	assert.Equal(t, "", ms[0].HeaderText)
	assert.Equal(t, "Intro", ms[1].HeaderText)
	assert.Equal(t, 0, ms[1].HeaderMatchIdx)
	assert.Equal(t, "Intro", ms[2].HeaderText)
	require.Len(t, ms[2].LevelChain, 1)
	assert.Equal(t, "Intro", ms[2].LevelChain[0].Text)
	assert.Equal(t, "Details", ms[3].HeaderText)
	require.Len(t, ms[3].LevelChain, 2)
	assert.Equal(t, "Details", ms[3].LevelChain[0].Text)
	assert.Equal(t, "Intro", ms[3].LevelChain[1].Text)

	assert.Contains(t, ms[0].ChildIdxs, ms[1].ID)
	assert.Equal(t, models.GroupHeaderSummary, ms[0].GroupType)
	assert.Contains(t, ms[2].ChildIdxs, ms[3].ID)
	assert.Equal(t, models.GroupHeaderSummary, ms[2].GroupType)

	assert.Equal(t, "LOC", ms[1].EntityTypes)
	assert.Equal(t, ms[0].Embeddings.SIF.Match, ms[1].Embeddings.SIF.Header)
	assert.Len(t, ms[1].Embeddings.SIF.Match, 300)
	assert.Nil(t, ms[1].Embeddings.DPR)

	assert.Equal(t, []string{"Intro", "Details"}, out.HeaderTexts)
	assert.Equal(t, []string{"Hello world.", "Alpha beta."}, out.MatchTexts)
	require.Len(t, out.KeyInfo.SectionSummary, 2)
	assert.Contains(t, out.KeyInfo.DocEnt, 1)
}

func TestAddToIndex_IgnoreAllAfter(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{
		IgnoreBlock: []models.IgnoreBlock{{Text: "END OF DOCUMENT", IgnoreAllAfter: true, Level: "sentence"}},
	}, nil)
	blocks := []models.Block{
		{BlockIdx: 0, BlockType: models.BlockPara, BlockText: "Body."},
		{BlockIdx: 1, BlockType: models.BlockPara, BlockText: "END OF DOCUMENT."},
		{BlockIdx: 2, BlockType: models.BlockPara, BlockText: "Footer."},
	}
	out, err := f.ix.AddToIndex(t.Context(), "doc1", blocks, 1, nil)
	require.NoError(t, err)

	ms := f.indexed("ws1")
	require.Len(t, ms, 1)
	assert.Equal(t, "Body.", ms[0].MatchText)
	assert.Len(t, out.Matches, 1)
}

func TestAddToIndex_TwoColumnTable(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	blocks := tableBlocks([]string{"Name", "Acme"}, []string{"Name", "Acme"}, []string{"City", "Oslo"})
	_, err := f.ix.AddToIndex(t.Context(), "doc1", blocks, 1, nil)
	require.NoError(t, err)

	ms := f.indexed("ws1")
	require.Len(t, ms, 3)
	for _, m := range ms[:2] {
		assert.Equal(t, "Name: Acme", m.MatchText)
		assert.Equal(t, string(models.BlockTableRow), m.BlockType)
		assert.Empty(t, m.Table)
		assert.Equal(t, []string{"Name"}, m.KeyValues)
	}
	assert.Equal(t, "City: Oslo", ms[2].MatchText)
}

func TestAddToIndex_MergedRowTable(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	_, err := f.ix.AddToIndex(t.Context(), "doc1", mergedRegionBlocks(), 1, nil)
	require.NoError(t, err)

	ms := f.indexed("ws1")
	require.Len(t, ms, 2)
	assert.Equal(t, "Region", ms[0].MatchText)
	assert.Equal(t, string(models.BlockHeader), ms[0].BlockType)
	assert.Equal(t, "North: 5, South: 3.", ms[1].MatchText)
	require.NotEmpty(t, ms[1].LevelChain)
	assert.Equal(t, "Region", ms[1].LevelChain[0].Text)
}

func TestAddToIndex_MergedRowInsideResolvedTable(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	blocks := tableBlocks([]string{"Region", "Q1", "Q2"}, []string{"North", "1", "2"}, []string{"", "", ""}, []string{"South", "3", "4"})
	blocks[0] = headerRow(blocks[0])
	blocks[2].TableFields = &models.TableFields{
		HasMergedCells:  true,
		EffectiveHeader: &models.Block{BlockText: "East", Level: 1, BlockIdx: 30},
		EffectivePara:   &models.Block{BlockText: "East: 9.", BlockSents: []string{"East: 9."}, BlockIdx: 31},
	}

	out, err := f.ix.AddToIndex(t.Context(), "doc1", blocks, 1, nil)
	require.NoError(t, err)
	assertIndexInvariants(t, f, out, 1)

	ms := f.indexed("ws1")
	require.Len(t, ms, 5)
	byIdx := map[int]models.Match{}
	for _, m := range ms {
		byIdx[m.MatchIdx] = m
	}
	require.Len(t, byIdx, 5)
	assert.Equal(t, string(models.BlockTable), byIdx[0].BlockType)
	assert.Equal(t, string(models.BlockTableCell), byIdx[1].BlockType)
	assert.Equal(t, "Region: North  Q1: 1  Q2: 2", byIdx[1].MatchText)
	assert.Equal(t, "East", byIdx[2].MatchText)
	assert.Equal(t, string(models.BlockHeader), byIdx[2].BlockType)
	assert.Equal(t, "East: 9.", byIdx[3].MatchText)
	assert.Equal(t, string(models.BlockTableCell), byIdx[4].BlockType)
	assert.Equal(t, "Region: South  Q1: 3  Q2: 4", byIdx[4].MatchText)
}

func TestAddToIndex_ResolvedTableExpandsCells(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	blocks := []models.Block{{BlockIdx: 0, BlockType: models.BlockHeader, BlockText: "Prices", Level: 1}}
	rows := tableBlocks([]string{"Item", "Qty", "Price"}, []string{"Apple", "3", "1.00"}, []string{"Pear", "1", "2.00"})
	rows[0] = headerRow(rows[0])
	blocks = append(blocks, rows...)
	blocks = append(blocks, models.Block{BlockIdx: 20, BlockType: models.BlockPara, BlockText: "Prices may change.", PageIdx: 1})

	out, err := f.ix.AddToIndex(t.Context(), "doc1", blocks, 2, nil)
	require.NoError(t, err)
	assertIndexInvariants(t, f, out, 2)

	ms := f.indexed("ws1")
	require.Len(t, ms, 5)
	idxs := make([]int, len(ms))
	for i, m := range ms {
		idxs[i] = m.MatchIdx
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, idxs, "prefix-dense after cell expansion")

	tbl := ms[1]
	assert.Equal(t, string(models.BlockTable), tbl.BlockType)
	assert.Equal(t, models.GroupTable, tbl.GroupType)
	assert.Len(t, tbl.Table, 5)
	assert.NotEmpty(t, tbl.TableData)

	for _, c := range ms[2:4] {
		assert.Equal(t, string(models.BlockTableCell), c.BlockType)
		assert.Equal(t, models.GroupTableCell, c.GroupType)
		assert.Equal(t, c.MatchText, c.QAText)
		assert.Len(t, c.Embeddings.SIF.Match, 300)
	}
	assert.Equal(t, "Item: Apple  Qty: 3  Price: 1.00", ms[2].MatchText)
	assert.Equal(t, -1, ms[4].ReversePageIdx)
	assert.Equal(t, []string{tbl.ID}, ms[0].ChildIdxs)
}

func TestAddToIndex_ReRunReplacesMatches(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	first, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)
	second, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)

	ms := f.indexed("ws1")
	require.Len(t, ms, 4)
	n, err := f.db.CountESEntries(t.Context(), "doc1", "ws1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	strip := func(in []models.Match) []models.Match {
		out := make([]models.Match, len(in))
		for i, m := range in {
			m.ID, m.ChildIdxs = "", nil
			out[i] = m
		}
		return out
	}
	assert.Equal(t, strip(first.Matches), strip(second.Matches))
	assert.NotEqual(t, first.Matches[0].ID, second.Matches[0].ID)
}

func TestDeleteFromIndex(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{IndexSettings: models.IndexSettings{CreateFileLevelIndex: true}}, nil)
	_, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)
	require.Len(t, f.engine.FileDocs("ws1_file_level"), 1)
	fd := f.engine.FileDocs("ws1_file_level")[0]
	assert.Equal(t, "Intro", fd.TitleText)
	assert.Equal(t, "Intro Details", fd.HeaderText)

	require.NoError(t, f.ix.DeleteFromIndex(t.Context(), "doc1"))
	assert.Empty(t, f.indexed("ws1"))
	assert.Empty(t, f.engine.FileDocs("ws1_file_level"))
	n, err := f.db.CountESEntries(t.Context(), "doc1", "ws1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddToIndex_SharedIndexAndDPR(t *testing.T) {
	settings := models.WorkspaceSettings{
		IndexSettings: models.IndexSettings{Index: "shared", IndexDPR: true},
		PrivateDictionary: map[string]models.DictionaryEntry{
			"myocardial infarction": {Synonyms: []string{"heart attack"}},
		},
	}
	f := newFixture(t, settings, hashEncoder{dims: 768})
	// another workspace's match on the same physical index
	require.NoError(t, f.engine.EnsureBlockIndex(t.Context(), "shared", core.IndexOptions{}))
	_, err := f.engine.BulkUpsert(t.Context(), "shared", []models.Match{{ID: "other", FileIdx: "doc1", WorkspaceIdx: "ws2"}})
	require.NoError(t, err)

	out, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)
	assert.True(t, out.Target.Shared)

	ms := f.engine.Matches("shared", core.DocFilter{FileIdx: "doc1"})
	require.Len(t, ms, 5, "foreign workspace match survives the purge")
	own := f.engine.Matches("shared", core.DocFilter{FileIdx: "doc1", WorkspaceIdx: "ws1"})
	require.Len(t, own, 4)
	require.NotNil(t, own[0].Embeddings.DPR)
	assert.Len(t, own[0].Embeddings.DPR.Match, 768)

	require.NoError(t, f.ix.ReconfigureSynonyms(t.Context(), f.ws))
	opts, _ := f.engine.Options("shared")
	assert.Empty(t, opts.Synonyms, "shared index keeps its analyzer")

	require.NoError(t, f.ix.RemoveWorkspace(t.Context(), f.ws))
	assert.Empty(t, f.engine.Matches("shared", core.DocFilter{WorkspaceIdx: "ws1"}))
	assert.Len(t, f.engine.Matches("shared", core.DocFilter{}), 1)
	assert.True(t, f.engine.HasIndex("shared"))
}

func TestReconfigureSynonymsKeepsIDs(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	_, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)
	ids := func() []string {
		var out []string
		for _, m := range f.indexed("ws1") {
			out = append(out, m.ID)
		}
		sort.Strings(out)
		return out
	}
	before := ids()

	f.ws.Settings.PrivateDictionary = map[string]models.DictionaryEntry{"car": {Synonyms: []string{"automobile"}}}
	require.NoError(t, f.ix.ReconfigureSynonyms(t.Context(), f.ws))

	opts, ok := f.engine.Options("ws1")
	require.True(t, ok)
	assert.Equal(t, []string{"car => car, automobile", "automobile => car, automobile"}, opts.Synonyms)
	assert.Equal(t, before, ids())
}

func TestRemoveWorkspace_DedicatedIndex(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{IndexSettings: models.IndexSettings{CreateFileLevelIndex: true}}, nil)
	_, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)

	require.NoError(t, f.ix.RemoveWorkspace(t.Context(), f.ws))
	assert.False(t, f.engine.HasIndex("ws1"))
	assert.False(t, f.engine.HasIndex("ws1_file_level"))
	n, err := f.db.CountESEntries(t.Context(), "doc1", "ws1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddToIndex_UnknownDocument(t *testing.T) {
	f := newFixture(t, models.WorkspaceSettings{}, nil)
	_, err := f.ix.AddToIndex(t.Context(), "nope", headingsAndParas(), 1, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

type flakyEngine struct {
	*search.MemoryEngine
	failures int
}

func (e *flakyEngine) BulkUpsert(ctx context.Context, index string, ms []models.Match) (core.BulkResult, error) {
	if e.failures > 0 {
		e.failures--
		return core.BulkResult{}, core.ErrTransient
	}
	return e.MemoryEngine.BulkUpsert(ctx, index, ms)
}

func TestAddToIndex_RetriesTransientBulk(t *testing.T) {
	old := retryBackoff
	retryBackoff = func(int) time.Duration { return 0 }
	defer func() { retryBackoff = old }()

	f := newFixture(t, models.WorkspaceSettings{}, nil)
	eng := &flakyEngine{MemoryEngine: f.engine, failures: 2}
	f.ix.engine = eng
	f.ix.opts.BulkSize = 2

	out, err := f.ix.AddToIndex(t.Context(), "doc1", headingsAndParas(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Indexed)
	assert.Zero(t, out.Failed)
	assert.Len(t, f.indexed("ws1"), 4)
}
