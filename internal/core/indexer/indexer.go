// Package indexer turns a parsed block stream into search-engine matches.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/core/search"
	"github.com/markdave123-py/docindex/internal/models"
)

type Options struct {
	FlattenMergedTables bool
	BulkSize            int // matches per bulk request
	Retries             int // attempts for transient search-engine failures
}

func (o Options) withDefaults() Options {
	if o.BulkSize <= 0 {
		o.BulkSize = 500
	}
	if o.Retries <= 0 {
		o.Retries = 10
	}
	return o
}

// Indexer writes one document's matches to the search engine and the
// metadata store. dpr and tagger may be nil.
type Indexer struct {
	db      core.DbClient
	engine  core.SearchEngine
	locator core.IndexLocator
	sif     core.EmbeddingProvider
	dpr     core.EmbeddingProvider
	tagger  *EntityTagger
	opts    Options
	newID   func() string
}

func New(db core.DbClient, engine core.SearchEngine, locator core.IndexLocator, sif, dpr core.EmbeddingProvider, tagger *EntityTagger, opts Options) *Indexer {
	if locator == nil {
		locator = core.SettingsLocator{}
	}
	return &Indexer{
		db:      db,
		engine:  engine,
		locator: locator,
		sif:     sif,
		dpr:     dpr,
		tagger:  tagger,
		opts:    opts.withDefaults(),
		newID:   uuid.NewString,
	}
}

// Output is what AddToIndex produced for one document.
type Output struct {
	Texts       []string
	Infos       []FlatInfo
	HeaderTexts []string
	MatchTexts  []string
	DocEnt      map[int][]models.Entity
	KeyInfo     *models.KeyInfo
	Matches     []models.Match
	Target      core.IndexTarget
	Indexed     int
	Failed      int
}

var retryBackoff = func(attempt int) time.Duration {
	return min(100*time.Millisecond<<attempt, 5*time.Second)
}

func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, core.ErrTransient) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(i)):
		}
	}
	return err
}

func (ix *Indexer) load(ctx context.Context, docID string) (*models.Document, *models.Workspace, error) {
	doc, err := ix.db.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, fmt.Errorf("load document: %w", err)
	}
	ws, err := ix.db.GetWorkspace(ctx, doc.WorkspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load workspace: %w", err)
	}
	return doc, ws, nil
}

// AddToIndex rebuilds the search presence of docID from blocks.
func (ix *Indexer) AddToIndex(ctx context.Context, docID string, blocks []models.Block, numPages int, bboxes []models.BBox) (*Output, error) {
	doc, ws, err := ix.load(ctx, docID)
	if err != nil {
		return nil, err
	}
	target := ix.locator.Locate(ws)
	settings := ws.Settings
	useDPR := ix.dpr != nil && settings.IndexSettings.IndexDPR
	fileLevel := settings.IndexSettings.CreateFileLevelIndex

	if err := ix.engine.EnsureBlockIndex(ctx, target.Index, core.IndexOptions{
		Synonyms:      search.SynonymRules(settings.PrivateDictionary),
		DPR:           useDPR,
		DebugFullText: settings.IndexSettings.DebugFullText,
	}); err != nil {
		return nil, fmt.Errorf("ensure index %s: %w", target.Index, err)
	}
	if fileLevel {
		if err := ix.engine.EnsureFileIndex(ctx, target.FileLevelIndex()); err != nil {
			return nil, fmt.Errorf("ensure file index: %w", err)
		}
	}

	if err := ix.purge(ctx, target, ws.ID, docID, fileLevel); err != nil {
		return nil, err
	}

	fl := Flatten(blocks, FlattenOptions{FlattenMergedTables: ix.opts.FlattenMergedTables})
	tp := NewTableParser(fl)
	cellTexts, cellOffsets := tp.AllCellTexts()

	boxByBlock := make(map[int]models.BBox, len(bboxes))
	for _, b := range bboxes {
		if _, ok := boxByBlock[b.BlockIdx]; !ok {
			boxByBlock[b.BlockIdx] = b
		}
	}
	ki := ExtractKeyInfo(fl, tp, boxByBlock)

	var (
		sifVecs, cellVecs, dprVecs [][]float32
		ents, cellEnts             [][]models.Entity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sifVecs, err = ix.sif.EmbedTexts(gctx, fl.Texts)
		return err
	})
	if len(cellTexts) > 0 {
		g.Go(func() (err error) {
			cellVecs, err = ix.sif.EmbedTexts(gctx, cellTexts)
			return err
		})
	}
	if useDPR {
		g.Go(func() (err error) {
			dprVecs, err = ix.dpr.EmbedTexts(gctx, fl.Texts)
			return err
		})
	}
	g.Go(func() (err error) {
		ents, err = ix.tagger.Tag(gctx, fl.Texts, settings.Domain, settings.PrivateDictionary)
		return err
	})
	g.Go(func() (err error) {
		cellEnts, err = ix.tagger.Tag(gctx, cellTexts, settings.Domain, settings.PrivateDictionary)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", docID, err)
	}

	dedup, err := NewDedupEngine(ctx, settings.IgnoreBlock, ix.sif)
	if err != nil {
		return nil, err
	}

	vec := func(vs [][]float32, i int) []float32 {
		if i >= 0 && i < len(vs) {
			return vs[i]
		}
		return nil
	}
	entsAt := func(es [][]models.Entity, i int) []models.Entity {
		if i >= 0 && i < len(es) {
			return es[i]
		}
		return nil
	}

	out := &Output{
		Texts:  fl.Texts,
		Infos:  fl.Infos,
		DocEnt: make(map[int][]models.Entity),
		Target: target,
	}

	for i, info := range fl.Infos {
		text := fl.Texts[i]
		if strings.TrimSpace(text) == "" {
			continue
		}
		resolved := info.InTable() && tp.IsResolved(info.TableIdx)
		if resolved && info.RowIdx > 0 {
			continue
		}

		headerText, headerEmb := info.HeaderText, vec(sifVecs, info.HeaderMatchIdx)
		if info.BlockType == models.BlockHeader {
			headerText, headerEmb = text, vec(sifVecs, i)
		}
		dd := dedup.Check(text, headerText, vec(sifVecs, i), headerEmb)
		if dd.IgnoreAllAfter {
			log.Printf("Indexer: ignore_all_after hit at match %d of %s, dropping the rest", i, docID)
			break
		}
		if dd.IsDuplicated {
			continue
		}

		m := ix.baseMatch(doc, ws.ID, info, text, numPages)
		m.Embeddings.SIF = models.SIFEmbeddings{Match: vec(sifVecs, i), Header: headerEmb}
		if useDPR {
			m.Embeddings.DPR = &models.DPREmbeddings{Match: vec(dprVecs, i)}
		}
		e := entsAt(ents, i)
		if info.BlockType.IsListItem() && info.SentIdx == 0 && info.Block != nil {
			e = SuppressListStart(e, text, info.Block.StartNumber)
		}
		m.EntityList = e
		m.EntityTypes = EntityTypes(e)
		if len(e) > 0 {
			out.DocEnt[info.MatchIdx] = e
		}
		m.KeyValues = ki.MatchKeys[info.MatchIdx]

		switch {
		case info.BlockType == models.BlockHeader:
			m.BlockText = ""
		case info.InTable() && tp.IsTwoColumn(info.TableIdx):
			if _, _, kv := KeyValue(info.Cells); kv != "" {
				m.MatchText = kv
			}
		case resolved:
			m.BlockType = string(models.BlockTable)
			m.GroupType = models.GroupTable
			m.Table = tp.Projection(info.TableIdx)
			m.TableData = tp.TableData(info.TableIdx)
		}
		out.Matches = append(out.Matches, m)

		if !resolved {
			continue
		}
		// cell matches take the match_idx slots of the skipped data rows; a
		// split merged row may sit between them, so the slots are not contiguous
		slots := tp.RowMatchIdxs(info.TableIdx)
		off := cellOffsets[info.TableIdx]
		for c, ct := range tp.CellTexts(info.TableIdx) {
			cm := ix.baseMatch(doc, ws.ID, info, ct, numPages)
			cm.MatchIdx = slots[c]
			cm.BlockType = string(models.BlockTableCell)
			cm.GroupType = models.GroupTableCell
			cm.BlockText = ct
			cm.QAText = ct
			cm.Embeddings.SIF = models.SIFEmbeddings{Match: vec(cellVecs, off+c), Header: headerEmb}
			ce := entsAt(cellEnts, off+c)
			cm.EntityList = ce
			cm.EntityTypes = EntityTypes(ce)
			if len(ce) > 0 {
				out.DocEnt[cm.MatchIdx] = ce
			}
			out.Matches = append(out.Matches, cm)
		}
	}

	LinkGroups(out.Matches)

	for _, m := range out.Matches {
		switch m.BlockType {
		case string(models.BlockHeader):
			out.HeaderTexts = append(out.HeaderTexts, m.MatchText)
		case string(models.BlockTableCell):
		default:
			out.MatchTexts = append(out.MatchTexts, m.MatchText)
		}
	}

	out.KeyInfo = &models.KeyInfo{
		SectionSummary:       ki.SectionSummary,
		KeyValuePairs:        ki.KeyValuePairs,
		DocEnt:               out.DocEnt,
		ReferenceDefinitions: ki.ReferenceDefinitions,
	}

	if err := ix.db.CreateESEntries(ctx, ws.ID, out.Matches); err != nil {
		return nil, fmt.Errorf("create es entries: %w", err)
	}
	out.Indexed, out.Failed = ix.bulk(ctx, target.Index, docID, out.Matches)
	if err := withRetry(ctx, ix.opts.Retries, func() error { return ix.engine.Refresh(ctx, target.Index) }); err != nil {
		log.Printf("Indexer: refresh %s failed: %v", target.Index, err)
	}

	if fileLevel {
		fd := models.FileLevelDoc{
			ID:         docID,
			FileIdx:    docID,
			FileName:   doc.Name,
			TitleText:  documentTitle(doc, out.HeaderTexts),
			HeaderText: strings.Join(out.HeaderTexts, " "),
			MatchText:  strings.Join(out.MatchTexts, " "),
			Meta:       doc.Meta,
		}
		if err := withRetry(ctx, ix.opts.Retries, func() error {
			return ix.engine.IndexFileDocument(ctx, target.FileLevelIndex(), fd)
		}); err != nil {
			log.Printf("Indexer: file-level doc for %s failed: %v", docID, err)
		}
	}

	log.Printf("Indexer: %s -> %d matches (%d indexed, %d failed) in %s", docID, len(out.Matches), out.Indexed, out.Failed, target.Index)
	return out, nil
}

func documentTitle(doc *models.Document, headers []string) string {
	switch {
	case doc.Title != "":
		return doc.Title
	case doc.InferredTitle != "":
		return doc.InferredTitle
	case len(headers) > 0:
		return headers[0]
	}
	return doc.Name
}

func (ix *Indexer) baseMatch(doc *models.Document, wsID string, info FlatInfo, text string, numPages int) models.Match {
	return models.Match{
		ID:              ix.newID(),
		FileIdx:         doc.ID,
		WorkspaceIdx:    wsID,
		FileName:        doc.Name,
		MatchIdx:        info.MatchIdx,
		BlockIdx:        info.BlockIdx,
		TableIdx:        info.TableIdx,
		HeaderMatchIdx:  info.HeaderMatchIdx,
		MatchText:       text,
		RawText:         text,
		BlockText:       info.BlockText,
		HeaderText:      info.HeaderText,
		HeaderChainText: info.HeaderChainText(),
		PageIdx:         info.PageIdx,
		ReversePageIdx:  -(numPages - info.PageIdx),
		BlockType:       string(info.BlockType),
		GroupType:       models.GroupSingle,
		Level:           info.Level,
		LevelChain:      info.LevelChain,
	}
}

// bulk writes matches in batches; failures are logged and counted.
func (ix *Indexer) bulk(ctx context.Context, index, docID string, matches []models.Match) (indexed, failed int) {
	for start := 0; start < len(matches); start += ix.opts.BulkSize {
		end := min(start+ix.opts.BulkSize, len(matches))
		var res core.BulkResult
		err := withRetry(ctx, ix.opts.Retries, func() (err error) {
			res, err = ix.engine.BulkUpsert(ctx, index, matches[start:end])
			return err
		})
		if err != nil {
			log.Printf("Indexer: bulk %d-%d of %s into %s failed: %v", start, end, docID, index, err)
			failed += end - start
			continue
		}
		indexed += res.Indexed
		failed += res.Failed
		for i, e := range res.Errors {
			if i == 5 {
				log.Printf("Indexer: ... %d more bulk errors for %s", len(res.Errors)-5, docID)
				break
			}
			log.Printf("Indexer: bulk item error for %s: %s", docID, e)
		}
	}
	return indexed, failed
}

func (ix *Indexer) purge(ctx context.Context, target core.IndexTarget, wsID, docID string, fileLevel bool) error {
	if err := withRetry(ctx, ix.opts.Retries, func() error {
		return ix.engine.DeleteByQuery(ctx, target.Index, target.Filter(docID))
	}); err != nil {
		return fmt.Errorf("delete prior matches of %s: %w", docID, err)
	}
	if fileLevel {
		if err := ix.engine.DeleteByQuery(ctx, target.FileLevelIndex(), core.DocFilter{FileIdx: docID}); err != nil {
			return fmt.Errorf("delete file-level doc of %s: %w", docID, err)
		}
	}
	if err := ix.db.RemoveESEntry(ctx, docID, wsID); err != nil {
		return fmt.Errorf("remove es entries of %s: %w", docID, err)
	}
	return nil
}

// DeleteFromIndex removes every match of docID from the search engine and
// the metadata store.
func (ix *Indexer) DeleteFromIndex(ctx context.Context, docID string) error {
	doc, ws, err := ix.load(ctx, docID)
	if err != nil {
		return err
	}
	target := ix.locator.Locate(ws)
	return ix.purge(ctx, target, ws.ID, doc.ID, ws.Settings.IndexSettings.CreateFileLevelIndex)
}

// RemoveWorkspace drops a workspace's search presence: its own indexes, or
// its slice of a shared index.
func (ix *Indexer) RemoveWorkspace(ctx context.Context, ws *models.Workspace) error {
	target := ix.locator.Locate(ws)
	if target.Shared {
		if err := ix.engine.DeleteByQuery(ctx, target.Index, core.DocFilter{WorkspaceIdx: ws.ID}); err != nil {
			return fmt.Errorf("delete workspace %s from %s: %w", ws.ID, target.Index, err)
		}
	} else {
		if err := ix.engine.DeleteIndex(ctx, target.Index); err != nil {
			return fmt.Errorf("drop index %s: %w", target.Index, err)
		}
		if err := ix.engine.DeleteIndex(ctx, target.FileLevelIndex()); err != nil {
			return fmt.Errorf("drop index %s: %w", target.FileLevelIndex(), err)
		}
	}

	docs, err := ix.db.ListDocumentsByWorkspace(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	for _, d := range docs {
		if err := ix.db.RemoveESEntry(ctx, d.ID, ws.ID); err != nil {
			return fmt.Errorf("remove es entries of %s: %w", d.ID, err)
		}
	}
	log.Printf("Indexer: removed search presence of workspace %s (%d documents)", ws.ID, len(docs))
	return nil
}

// ReconfigureSynonyms pushes the workspace's private dictionary into the
// index analyzer without touching stored matches. Shared indexes keep the
// analyzer of their owner.
func (ix *Indexer) ReconfigureSynonyms(ctx context.Context, ws *models.Workspace) error {
	target := ix.locator.Locate(ws)
	if target.Shared {
		log.Printf("Indexer: workspace %s is on shared index %s, synonyms not applied", ws.ID, target.Index)
		return nil
	}
	return ix.engine.UpdateSynonyms(ctx, target.Index, search.SynonymRules(ws.Settings.PrivateDictionary))
}
