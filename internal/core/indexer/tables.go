package indexer

import (
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/markdave123-py/docindex/internal/models"
)

type tableRow struct {
	matchIdx int
	cells    []string
	isHeader bool
}

type parsedTable struct {
	rows      []tableRow
	resolved  bool
	twoColumn bool
	header    []string
	data      [][]string
}

// TableParser rebuilds header + data matrices from the rows the flattener emitted.
type TableParser struct {
	tables map[int]*parsedTable
}

func NewTableParser(fl *Flattened) *TableParser {
	p := &TableParser{tables: make(map[int]*parsedTable)}
	for _, info := range fl.Infos {
		if !info.InTable() {
			continue
		}
		t, ok := p.tables[info.TableIdx]
		if !ok {
			t = &parsedTable{}
			p.tables[info.TableIdx] = t
		}
		t.rows = append(t.rows, tableRow{matchIdx: info.MatchIdx, cells: info.Cells, isHeader: info.IsHeaderRow})
	}
	for _, t := range p.tables {
		t.classify()
	}
	return p
}

func (t *parsedTable) classify() {
	if len(t.rows) == 0 {
		return
	}
	two, anyHeader := true, false
	for _, r := range t.rows {
		if len(r.cells) != 2 {
			two = false
		}
		if r.isHeader {
			anyHeader = true
		}
	}
	if two && !anyHeader {
		t.twoColumn = true
		return
	}

	first := t.rows[0]
	if !first.isHeader || len(first.cells) < 2 || len(t.rows) < 2 {
		return
	}
	for _, r := range t.rows[1:] {
		if len(r.cells) != len(first.cells) {
			return
		}
		t.data = append(t.data, r.cells)
	}
	t.header = first.cells
	t.resolved = true
}

// IsTwoColumn reports whether a table is a key/value listing.
func (p *TableParser) IsTwoColumn(tableIdx int) bool {
	t, ok := p.tables[tableIdx]
	return ok && t.twoColumn
}

// IsResolved reports whether a table has a header row and a uniform data matrix.
func (p *TableParser) IsResolved(tableIdx int) bool {
	t, ok := p.tables[tableIdx]
	return ok && t.resolved
}

// KeyValue returns the "key: value" form of a two-column row.
func KeyValue(cells []string) (key, value, text string) {
	if len(cells) != 2 {
		return "", "", ""
	}
	key, value = strings.TrimSpace(cells[0]), strings.TrimSpace(cells[1])
	return key, value, key + ": " + value
}

func pairs(header, row []string) string {
	parts := make([]string, 0, len(header))
	for i, h := range header {
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(h)+": "+v)
	}
	return strings.Join(parts, "  ")
}

// CellTexts expands every data row of a resolved table into "h1: v1  h2: v2".
func (p *TableParser) CellTexts(tableIdx int) []string {
	t, ok := p.tables[tableIdx]
	if !ok || !t.resolved {
		return nil
	}
	out := make([]string, 0, len(t.data))
	for _, row := range t.data {
		out = append(out, pairs(t.header, row))
	}
	return out
}

// RowMatchIdxs returns the match_idx of each data row of a resolved table,
// aligned with CellTexts.
func (p *TableParser) RowMatchIdxs(tableIdx int) []int {
	t, ok := p.tables[tableIdx]
	if !ok || !t.resolved {
		return nil
	}
	out := make([]int, 0, len(t.rows)-1)
	for _, r := range t.rows[1:] {
		out = append(out, r.matchIdx)
	}
	return out
}

// Projection returns the nested row and column projections of a resolved table.
func (p *TableParser) Projection(tableIdx int) []models.TableProjection {
	t, ok := p.tables[tableIdx]
	if !ok || !t.resolved {
		return nil
	}
	var out []models.TableProjection
	for i, row := range t.data {
		out = append(out, models.TableProjection{
			Index:     []models.TableText{{Text: row[0]}},
			IndexText: row[0],
			Text:      pairs(t.header, row),
			Type:      "row",
			Idx:       strconv.Itoa(i),
		})
	}
	for j, h := range t.header {
		vals := make([]string, 0, len(t.data))
		for _, row := range t.data {
			if v := strings.TrimSpace(row[j]); v != "" {
				vals = append(vals, v)
			}
		}
		out = append(out, models.TableProjection{
			Index:     []models.TableText{{Text: h}},
			IndexText: h,
			Text:      strings.Join(vals, "  "),
			Type:      "column",
			Idx:       strconv.Itoa(j),
		})
	}
	return out
}

// TableData serializes the parsed matrix.
func (p *TableParser) TableData(tableIdx int) string {
	t, ok := p.tables[tableIdx]
	if !ok || !t.resolved {
		return ""
	}
	raw, err := json.Marshal(map[string]any{"header": t.header, "rows": t.data})
	if err != nil {
		log.Printf("TableParser: encode table %d: %v", tableIdx, err)
		return ""
	}
	return string(raw)
}

// AllCellTexts lists the cell texts of every resolved table, ordered by table.
func (p *TableParser) AllCellTexts() (texts []string, offsets map[int]int) {
	offsets = make(map[int]int)
	keys := make([]int, 0, len(p.tables))
	for idx := range p.tables {
		keys = append(keys, idx)
	}
	sort.Ints(keys)
	for _, idx := range keys {
		cells := p.CellTexts(idx)
		if len(cells) == 0 {
			continue
		}
		offsets[idx] = len(texts)
		texts = append(texts, cells...)
	}
	return texts, offsets
}
