package indexer

import (
	"strings"

	"github.com/markdave123-py/docindex/internal/models"
)

// FlatInfo is the derived record of one emitted text. Blocks are never
// mutated; everything the flattener learns about a text lives here.
type FlatInfo struct {
	MatchIdx       int
	Block          *models.Block
	BlockIdx       int
	BlockType      models.BlockType
	BlockText      string
	Level          int
	PageIdx        int
	HeaderText     string
	HeaderMatchIdx int
	LevelChain     []models.LevelEntry // innermost header first
	TableIdx       int                 // -1 outside a table
	RowIdx         int                 // position of the row inside its table, -1 outside
	IsHeaderRow    bool
	Cells          []string
	SentIdx        int
}

// InTable reports whether the entry is a row of an open table.
func (f *FlatInfo) InTable() bool { return f.TableIdx >= 0 }

// HeaderChainText is the breadcrumb from the outermost header inward.
func (f *FlatInfo) HeaderChainText() string {
	parts := make([]string, 0, len(f.LevelChain))
	for i := len(f.LevelChain) - 1; i >= 0; i-- {
		parts = append(parts, f.LevelChain[i].Text)
	}
	return strings.Join(parts, " ")
}

// Flattened holds the parallel texts/infos arrays. Texts[i] belongs to Infos[i]
// and Infos[i].MatchIdx == i.
type Flattened struct {
	Texts []string
	Infos []FlatInfo
}

type FlattenOptions struct {
	FlattenMergedTables bool
}

type flattener struct {
	opts   FlattenOptions
	out    Flattened
	levels []models.LevelEntry // open headers, outermost first
}

func (f *flattener) chain() []models.LevelEntry {
	chain := make([]models.LevelEntry, len(f.levels))
	for i, l := range f.levels {
		chain[len(f.levels)-1-i] = l
	}
	return chain
}

func (f *flattener) innermost() (models.LevelEntry, bool) {
	if len(f.levels) == 0 {
		return models.LevelEntry{}, false
	}
	return f.levels[len(f.levels)-1], true
}

// base fills the header context shared by every entry emitted now.
func (f *flattener) base(b *models.Block) FlatInfo {
	info := FlatInfo{
		Block:          b,
		BlockIdx:       b.BlockIdx,
		BlockType:      b.BlockType,
		BlockText:      b.BlockText,
		PageIdx:        b.PageIdx,
		HeaderMatchIdx: -1,
		LevelChain:     f.chain(),
		TableIdx:       -1,
		RowIdx:         -1,
	}
	if h, ok := f.innermost(); ok {
		info.HeaderText = h.Text
		info.HeaderMatchIdx = h.MatchIdx
		info.Level = h.Level + 1 + b.Level
	} else {
		info.Level = 1 + b.Level
	}
	return info
}

func (f *flattener) emit(text string, info FlatInfo) int {
	info.MatchIdx = len(f.out.Texts)
	f.out.Texts = append(f.out.Texts, text)
	f.out.Infos = append(f.out.Infos, info)
	return info.MatchIdx
}

func (f *flattener) header(b *models.Block, level int) {
	text := strings.TrimSpace(b.BlockText)
	for len(f.levels) > 0 && f.levels[len(f.levels)-1].Level >= level {
		f.levels = f.levels[:len(f.levels)-1]
	}
	if text == "" {
		return
	}
	info := f.base(b)
	info.BlockType = models.BlockHeader
	info.Level = level
	idx := f.emit(text, info)
	f.levels = append(f.levels, models.LevelEntry{Text: text, Level: level, BlockIdx: b.BlockIdx, MatchIdx: idx})
}

func (f *flattener) sentences(b *models.Block, blockType models.BlockType) {
	base := f.base(b)
	base.BlockType = blockType
	for i, s := range b.Sentences() {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		info := base
		info.SentIdx = i
		f.emit(s, info)
	}
}

// Flatten turns an ordered block list into the sentence stream.
func Flatten(blocks []models.Block, opts FlattenOptions) *Flattened {
	f := &flattener{opts: opts}
	rendering := false
	tableIdx, rowIdx := 0, 0
	var saved []models.LevelEntry

	for i := range blocks {
		b := &blocks[i]
		tf := b.Table()

		if tf.IsTableStart && !rendering {
			rendering = true
			rowIdx = 0
			saved = append([]models.LevelEntry(nil), f.levels...)
		}

		isRow := b.BlockType == models.BlockTableRow || (b.BlockType == models.BlockHeader && b.TableFields != nil && rendering)
		switch {
		case isRow && tf.HasMergedCells && opts.FlattenMergedTables && (tf.EffectiveHeader != nil || tf.EffectivePara != nil):
			f.mergedRow(tf, saved, rendering)
			rowIdx++
		case isRow && rendering:
			text := rowText(b)
			if text != "" {
				info := f.base(b)
				info.BlockType = models.BlockTableRow
				info.BlockText = text
				info.TableIdx = tableIdx
				info.RowIdx = rowIdx
				info.IsHeaderRow = tf.IsHeaderRow || b.BlockType == models.BlockHeader
				info.Cells = tf.CellValues
				f.emit(text, info)
				rowIdx++
			}
		case b.BlockType == models.BlockHeader:
			f.header(b, b.Level)
		case b.BlockType == models.BlockPara || b.BlockType.IsListItem():
			f.sentences(b, b.BlockType)
		case b.BlockType == models.BlockTableRow:
			// a row outside any table is a plain single entry
			if text := rowText(b); text != "" {
				info := f.base(b)
				info.BlockText = text
				info.Cells = tf.CellValues
				f.emit(text, info)
			}
		}

		if tf.IsTableEnd && rendering {
			rendering = false
			tableIdx++
			f.levels = saved
			saved = nil
		}
	}
	return &f.out
}

// mergedRow splits a merged-cell row into its effective header and para.
// The synthetic header nests under whatever header was open when the table began.
func (f *flattener) mergedRow(tf models.TableFields, outer []models.LevelEntry, rendering bool) {
	outerLevel := 0
	if !rendering {
		outer = f.levels
	}
	if len(outer) > 0 {
		outerLevel = outer[len(outer)-1].Level
	}
	if eh := tf.EffectiveHeader; eh != nil {
		f.header(eh, outerLevel+eh.Level)
	}
	if ep := tf.EffectivePara; ep != nil {
		f.sentences(ep, models.BlockPara)
	}
}

func rowText(b *models.Block) string {
	if t := strings.TrimSpace(b.BlockText); t != "" {
		return t
	}
	return strings.TrimSpace(strings.Join(b.Table().CellValues, " "))
}
