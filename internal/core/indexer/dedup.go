package indexer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

// DedupThreshold is the SIF cosine above which a text counts as a repeat of
// an ignore pattern.
const DedupThreshold = 0.95

type ignoreRule struct {
	norm           string
	emb            []float32
	ignoreAllAfter bool
	headerLevel    bool
}

// DedupEngine drops boilerplate configured in a workspace's ignore_block.
type DedupEngine struct {
	rules []ignoreRule
}

type DedupResult struct {
	IsDuplicated   bool
	IgnoreAllAfter bool
}

// NewDedupEngine embeds the rule texts once. enc may be nil, in which case
// only normalized text equality is used.
func NewDedupEngine(ctx context.Context, blocks []models.IgnoreBlock, enc core.EmbeddingProvider) (*DedupEngine, error) {
	d := &DedupEngine{}
	var texts []string
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		d.rules = append(d.rules, ignoreRule{
			norm:           normalize(b.Text),
			ignoreAllAfter: b.IgnoreAllAfter,
			headerLevel:    b.Level == "header",
		})
		texts = append(texts, b.Text)
	}
	if len(texts) == 0 || enc == nil {
		return d, nil
	}
	vecs, err := enc.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed ignore rules: %w", err)
	}
	for i := range d.rules {
		if i < len(vecs) {
			d.rules[i].emb = vecs[i]
		}
	}
	return d, nil
}

// Check compares a sentence (and its header) against the rules.
func (d *DedupEngine) Check(text, headerText string, sentEmb, headerEmb []float32) DedupResult {
	var res DedupResult
	if d == nil {
		return res
	}
	normText, normHeader := normalize(text), normalize(headerText)
	for _, r := range d.rules {
		candNorm, candEmb := normText, sentEmb
		if r.headerLevel {
			candNorm, candEmb = normHeader, headerEmb
		}
		if candNorm == "" {
			continue
		}
		if candNorm == r.norm || cosine(candEmb, r.emb) >= DedupThreshold {
			res.IsDuplicated = true
			if r.ignoreAllAfter {
				res.IgnoreAllAfter = true
				return res
			}
		}
	}
	return res
}

// normalize lowercases and keeps letters and digits separated by single spaces.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
		} else {
			space = true
		}
	}
	return b.String()
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
