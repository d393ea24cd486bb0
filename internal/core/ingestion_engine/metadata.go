package ingestion_engine

import (
	"sort"
	"strings"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

// ComputeMetadata derives the document-level metadata. Title-page fonts
// decide the inferred title (largest size) and subtitle (second largest);
// without fonts the first headers stand in.
func ComputeMetadata(dr *core.DocResult, blocks []models.Block) models.DocMetadata {
	var md models.DocMetadata
	if dr != nil {
		md.Title = strings.TrimSpace(dr.Title)
		md.PageDim = dr.PageDim
	}

	var spans []core.FontSpan
	if dr != nil {
		for _, s := range dr.TitlePageFonts {
			if strings.TrimSpace(s.Text) != "" && s.Size > 0 {
				spans = append(spans, s)
			}
		}
	}

	if len(spans) > 0 {
		sizes := distinctSizes(spans)
		md.InferredTitle = textAtSize(spans, sizes[0])
		if len(sizes) > 1 {
			md.InferredSubtitle = textAtSize(spans, sizes[1])
		}
		for _, size := range sizes {
			if len(md.Fonts) == 3 {
				break
			}
			for _, s := range spans {
				if s.Size == size && s.Family != "" && !contains(md.Fonts, s.Family) {
					md.Fonts = append(md.Fonts, s.Family)
					break
				}
			}
		}
	} else {
		var headers []string
		for _, b := range blocks {
			if b.BlockType == models.BlockHeader && b.TableFields == nil && strings.TrimSpace(b.BlockText) != "" {
				headers = append(headers, strings.TrimSpace(b.BlockText))
				if len(headers) == 2 {
					break
				}
			}
		}
		if len(headers) > 0 {
			md.InferredTitle = headers[0]
		}
		if len(headers) > 1 {
			md.InferredSubtitle = headers[1]
		}
	}

	if md.Title == "" {
		md.Title = md.InferredTitle
	}
	return md
}

func distinctSizes(spans []core.FontSpan) []float64 {
	var sizes []float64
	seen := map[float64]bool{}
	for _, s := range spans {
		if !seen[s.Size] {
			seen[s.Size] = true
			sizes = append(sizes, s.Size)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sizes)))
	return sizes
}

func textAtSize(spans []core.FontSpan, size float64) string {
	var parts []string
	for _, s := range spans {
		if s.Size == size {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
	}
	return strings.Join(parts, " ")
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// numPages prefers the parser's count and falls back to the highest page seen.
func numPages(dr *core.DocResult, blocks []models.Block) int {
	if dr != nil && dr.NumPages > 0 {
		return dr.NumPages
	}
	n := 0
	for _, b := range blocks {
		n = max(n, b.PageIdx+1)
	}
	return n
}
