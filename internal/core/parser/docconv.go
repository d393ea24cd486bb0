package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var _ core.Parser = (*DocconvParser)(nil)

// HTMLSource renders a document to positioned HTML, e.g. a Tika server.
type HTMLSource interface {
	HTML(ctx context.Context, path, mime string) ([]byte, error)
}

// DocconvParser is the in-process parser used when no parser service is
// configured. It converts with docconv and rebuilds blocks from the text
// layout: blank lines separate blocks, form feeds separate pages.
type DocconvParser struct {
	useReadability bool
	tika           HTMLSource
}

func NewDocconvParser(useReadability bool, tika HTMLSource) *DocconvParser {
	return &DocconvParser{useReadability: useReadability, tika: tika}
}

func (p *DocconvParser) Parse(ctx context.Context, name, path, mime string, opts models.ParseOptions) (*core.ParseResult, error) {
	text, err := p.extract(path, mime)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrParseFailed, name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages := strings.Split(text, "\f")
	numPages := len(pages)
	if strings.TrimSpace(pages[numPages-1]) == "" && numPages > 1 {
		numPages--
	}
	first, last := 0, numPages
	if len(opts.ParsePages) == 2 {
		first, last = max(0, opts.ParsePages[0]), min(numPages, opts.ParsePages[1])
	}

	b := &blockBuilder{markdown: mime == "text/markdown"}
	for pageIdx := first; pageIdx < last; pageIdx++ {
		b.page(pageIdx, pages[pageIdx])
	}
	blocks := b.blocks

	res := &core.ParseResult{
		Blocks: blocks,
		DocResult: &core.DocResult{
			Title:    documentTitle(blocks),
			NumPages: numPages,
		},
		ReturnDict: map[string]any{},
	}
	res.FileData.HTML = renderHTML(res.DocResult.Title, blocks)
	if res.FileData.JSON, err = json.Marshal(map[string]any{"blocks": blocks, "num_pages": numPages}); err != nil {
		return nil, fmt.Errorf("render json: %w", err)
	}

	if p.tika != nil && mime == "application/pdf" {
		if h, err := p.tika.HTML(ctx, path, mime); err != nil {
			log.Printf("DocconvParser: tika html for %s failed: %v", name, err)
		} else {
			res.ReturnDict["tika_html"] = h
		}
	}

	log.Printf("DocconvParser: %s -> %d blocks over %d pages", name, len(blocks), numPages)
	return res, nil
}

func (p *DocconvParser) extract(path, mime string) (string, error) {
	switch mime {
	case "text/plain", "text/markdown":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	res, err := docconv.Convert(f, mime, p.useReadability)
	if err != nil {
		return "", err
	}
	return res.Body, nil
}

var (
	bulletRe    = regexp.MustCompile(`^\s*[-*•▪◦‣]\s+(.*)$`)
	numberedRe  = regexp.MustCompile(`^\s*(\d{1,3})[.)]\s+(.*)$`)
	mdHeaderRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	sectionRe   = regexp.MustCompile(`^(\d+(\.\d+)*)\.?\s+\S`)
	tableSepRe  = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)
	pipeTableRe = regexp.MustCompile(`^\|.*\|$`)
)

type blockBuilder struct {
	markdown bool
	blocks   []models.Block
}

func (b *blockBuilder) add(blk models.Block) {
	blk.BlockIdx = len(b.blocks)
	b.blocks = append(b.blocks, blk)
}

func (b *blockBuilder) page(pageIdx int, text string) {
	var group []string
	flush := func() {
		if len(group) > 0 {
			b.group(pageIdx, group)
			group = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		group = append(group, line)
	}
	flush()
}

// group classifies one run of non-blank lines.
func (b *blockBuilder) group(pageIdx int, lines []string) {
	if isPipeTable(lines) {
		b.table(pageIdx, lines)
		return
	}

	var para []string
	flushPara := func() {
		if len(para) == 0 {
			return
		}
		text := strings.Join(para, " ")
		b.add(models.Block{
			BlockType:  models.BlockPara,
			BlockText:  text,
			BlockSents: SplitSentences(text),
			PageIdx:    pageIdx,
		})
		para = nil
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		indent := (len(line) - len(strings.TrimLeft(line, " \t"))) / 2

		if m := mdHeaderRe.FindStringSubmatch(trimmed); m != nil && b.markdown {
			flushPara()
			b.add(models.Block{BlockType: models.BlockHeader, BlockText: m[2], Level: len(m[1]), PageIdx: pageIdx})
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			flushPara()
			b.add(models.Block{
				BlockType: models.BlockListItem, BlockText: m[1], BlockSents: SplitSentences(m[1]),
				Level: indent, PageIdx: pageIdx,
			})
			continue
		}
		if m := numberedRe.FindStringSubmatch(line); m != nil && !(len(lines) == 1 && isHeading(trimmed)) {
			flushPara()
			blk := models.Block{
				BlockType: models.BlockNumberedListItem, BlockText: m[2], BlockSents: SplitSentences(m[2]),
				Level: indent, PageIdx: pageIdx,
			}
			if n, err := strconv.Atoi(m[1]); err == nil && !b.continuesList() {
				blk.StartNumber = &n
			}
			b.add(blk)
			continue
		}
		if len(para) == 0 && (i == 0 || i < len(lines)-1) && isHeading(trimmed) {
			b.add(models.Block{BlockType: models.BlockHeader, BlockText: trimmed, Level: headingLevel(trimmed), PageIdx: pageIdx})
			continue
		}
		para = append(para, trimmed)
	}
	flushPara()
}

func (b *blockBuilder) continuesList() bool {
	return len(b.blocks) > 0 && b.blocks[len(b.blocks)-1].BlockType == models.BlockNumberedListItem
}

func isPipeTable(lines []string) bool {
	if len(lines) < 2 {
		return false
	}
	for _, l := range lines {
		if !pipeTableRe.MatchString(strings.TrimSpace(l)) {
			return false
		}
	}
	return true
}

func splitCells(line string) []string {
	line = strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, c := range parts {
		cells[i] = strings.TrimSpace(c)
	}
	return cells
}

func (b *blockBuilder) table(pageIdx int, lines []string) {
	hasHeader := len(lines) > 1 && tableSepRe.MatchString(strings.TrimSpace(lines[1]))
	var rows [][]string
	for i, l := range lines {
		if hasHeader && i == 1 {
			continue
		}
		rows = append(rows, splitCells(l))
	}
	var header []string
	if hasHeader {
		header = rows[0]
	}
	for i, cells := range rows {
		tf := &models.TableFields{
			IsTableStart: i == 0,
			IsTableEnd:   i == len(rows)-1,
			IsHeaderRow:  hasHeader && i == 0,
			CellValues:   cells,
		}
		if hasHeader && i > 0 {
			tf.HeaderCellValues = header
		}
		b.add(models.Block{
			BlockType:   models.BlockTableRow,
			BlockText:   strings.Join(cells, " "),
			PageIdx:     pageIdx,
			TableFields: tf,
		})
	}
}

// isHeading guesses whether a standalone line is a heading: short, no
// sentence punctuation, and either upper-case, title-case or numbered.
func isHeading(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 12 || len(line) > 100 {
		return false
	}
	last := []rune(line)[len([]rune(line))-1]
	if strings.ContainsRune(".,;!?", last) {
		return false
	}
	if sectionRe.MatchString(line) {
		return true
	}
	letters, upper := 0, 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return false
	}
	if upper == letters && letters > 1 {
		return true
	}
	capped := 0
	for _, w := range words {
		if r := []rune(w)[0]; unicode.IsUpper(r) || unicode.IsDigit(r) {
			capped++
		}
	}
	return capped*3 >= len(words)*2 && unicode.IsUpper([]rune(words[0])[0])
}

// headingLevel maps "1", "1.2", "1.2.3" to 1, 2, 3; all-caps headings to 1
// and the rest to 2.
func headingLevel(line string) int {
	if m := sectionRe.FindStringSubmatch(line); m != nil {
		return strings.Count(m[1], ".") + 1
	}
	if strings.ToUpper(line) == line {
		return 1
	}
	return 2
}

func documentTitle(blocks []models.Block) string {
	for _, b := range blocks {
		if b.BlockType == models.BlockHeader {
			return b.BlockText
		}
	}
	if len(blocks) > 0 {
		return blocks[0].BlockText
	}
	return ""
}

func renderHTML(title string, blocks []models.Block) []byte {
	var sb strings.Builder
	sb.WriteString("<html><head><title>")
	sb.WriteString(html.EscapeString(title))
	sb.WriteString("</title></head><body>\n")
	inList, inTable := false, false
	for _, b := range blocks {
		if inList && !b.BlockType.IsListItem() {
			sb.WriteString("</ul>\n")
			inList = false
		}
		switch {
		case b.BlockType == models.BlockHeader:
			lvl := min(max(b.Level, 1), 6)
			fmt.Fprintf(&sb, "<h%d>%s</h%d>\n", lvl, html.EscapeString(b.BlockText), lvl)
		case b.BlockType.IsListItem():
			if !inList {
				sb.WriteString("<ul>\n")
				inList = true
			}
			fmt.Fprintf(&sb, "<li>%s</li>\n", html.EscapeString(b.BlockText))
		case b.BlockType == models.BlockTableRow:
			tf := b.Table()
			if tf.IsTableStart || !inTable {
				sb.WriteString("<table>\n")
				inTable = true
			}
			tag := "td"
			if tf.IsHeaderRow {
				tag = "th"
			}
			sb.WriteString("<tr>")
			for _, c := range tf.CellValues {
				fmt.Fprintf(&sb, "<%s>%s</%s>", tag, html.EscapeString(c), tag)
			}
			sb.WriteString("</tr>\n")
			if tf.IsTableEnd {
				sb.WriteString("</table>\n")
				inTable = false
			}
		default:
			fmt.Fprintf(&sb, "<p>%s</p>\n", html.EscapeString(b.BlockText))
		}
	}
	if inList {
		sb.WriteString("</ul>\n")
	}
	if inTable {
		sb.WriteString("</table>\n")
	}
	sb.WriteString("</body></html>\n")
	return []byte(sb.String())
}
