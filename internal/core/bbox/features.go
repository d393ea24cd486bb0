package bbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Feature vector layout, one entry per word.
const (
	FeatFontSizeDelta = iota // font size minus the page's most common size
	FeatWeight               // font-weight / 400
	FeatItalic
	FeatModeFamily // family equals the page's most common family
	FeatTitleCase
	FeatUpper
	FeatEndsPunct
	FeatListStart
	FeatDigitRatio
	FeatAlphaRatio
	FeatStopword
	NumFeatures
)

var (
	listStartRe = regexp.MustCompile(`^(?:[-•*▪◦]|\(?\d{1,3}[.)]|\(?[a-zA-Z][.)])$`)
	numRe       = regexp.MustCompile(`[-+]?\d*\.?\d+`)
	stopwords   = map[string]bool{
		"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
		"by": true, "for": true, "from": true, "has": true, "in": true, "is": true, "it": true,
		"of": true, "on": true, "or": true, "that": true, "the": true, "to": true, "was": true,
		"were": true, "will": true, "with": true,
	}
)

type Word struct {
	Text     string     `json:"text"`
	BBox     [4]float64 `json:"bbox"`
	Features []float64  `json:"features"`
}

type PageFeatures struct {
	PageIdx int    `json:"page_idx"`
	Words   []Word `json:"words"`
}

// Features is the per-document artifact stored under bbox/features/.
type Features struct {
	DocID string         `json:"doc_id"`
	Pages []PageFeatures `json:"pages"`
}

func (f *Features) JSON() ([]byte, error) { return json.Marshal(f) }

// style is the subset of inline CSS Tika emits per text run.
type style struct {
	left, top, width, height float64
	size                     float64
	weight                   float64
	italic                   bool
	family                   string
}

func parseStyle(css string, inherit style) style {
	s := inherit
	for _, decl := range strings.Split(css, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		switch k {
		case "left":
			s.left = cssNumber(v)
		case "top":
			s.top = cssNumber(v)
		case "width":
			s.width = cssNumber(v)
		case "height":
			s.height = cssNumber(v)
		case "font-size":
			s.size = cssNumber(v)
		case "font-weight":
			switch strings.ToLower(v) {
			case "bold":
				s.weight = 700
			case "normal":
				s.weight = 400
			default:
				s.weight = cssNumber(v)
			}
		case "font-style":
			s.italic = strings.EqualFold(v, "italic") || strings.EqualFold(v, "oblique")
		case "font-family":
			s.family = strings.Trim(strings.Split(v, ",")[0], `"' `)
		}
	}
	return s
}

func cssNumber(v string) float64 {
	n, _ := strconv.ParseFloat(numRe.FindString(v), 64)
	return n
}

type run struct {
	text string
	st   style
}

// ExtractFeatures reads Tika's page-divided HTML and returns positioned words
// with their layout features. Runs without geometry get zero boxes.
func ExtractFeatures(docID string, html []byte) (*Features, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse tika html: %w", err)
	}

	pages := doc.Find("div.page")
	if pages.Length() == 0 {
		pages = doc.Find("body")
	}

	out := &Features{DocID: docID}
	pages.Each(func(pageIdx int, page *goquery.Selection) {
		var runs []run
		page.Find("p").Each(func(_ int, p *goquery.Selection) {
			pst := parseStyle(p.AttrOr("style", ""), style{weight: 400})
			spans := p.Find("span")
			if spans.Length() == 0 {
				runs = append(runs, run{text: p.Text(), st: pst})
				return
			}
			spans.Each(func(_ int, sp *goquery.Selection) {
				runs = append(runs, run{text: sp.Text(), st: parseStyle(sp.AttrOr("style", ""), pst)})
			})
		})
		out.Pages = append(out.Pages, PageFeatures{PageIdx: pageIdx, Words: pageWords(runs)})
	})
	return out, nil
}

func pageWords(runs []run) []Word {
	sizes := map[float64]int{}
	families := map[string]int{}
	for _, r := range runs {
		n := len(strings.Fields(r.text))
		sizes[r.st.size] += n
		families[r.st.family] += n
	}
	modeSize := modeOf(sizes)
	modeFamily := modeOf(families)

	var words []Word
	for _, r := range runs {
		fields := strings.Fields(r.text)
		total := 0
		for _, w := range fields {
			total += len([]rune(w)) + 1
		}
		x := r.st.left
		for _, w := range fields {
			span := 0.0
			if total > 0 {
				span = r.st.width * float64(len([]rune(w))) / float64(total)
			}
			words = append(words, Word{
				Text:     w,
				BBox:     [4]float64{x, r.st.top, x + span, r.st.top + r.st.height},
				Features: wordFeatures(w, r.st, modeSize, modeFamily),
			})
			if total > 0 {
				x += r.st.width * float64(len([]rune(w))+1) / float64(total)
			}
		}
	}
	return words
}

// modeOf picks the most frequent key; ties go to the smaller key.
func modeOf[K float64 | string](counts map[K]int) K {
	var best K
	bestN := -1
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

func wordFeatures(w string, st style, modeSize float64, modeFamily string) []float64 {
	f := make([]float64, NumFeatures)
	f[FeatFontSizeDelta] = st.size - modeSize
	f[FeatWeight] = st.weight / 400
	f[FeatItalic] = boolF(st.italic)
	f[FeatModeFamily] = boolF(st.family == modeFamily)

	runes := []rune(w)
	var digits, alpha, upper int
	for _, r := range runes {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			alpha++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	f[FeatTitleCase] = boolF(len(runes) > 0 && unicode.IsUpper(runes[0]))
	f[FeatUpper] = boolF(alpha > 0 && upper == alpha)
	f[FeatEndsPunct] = boolF(len(runes) > 0 && unicode.IsPunct(runes[len(runes)-1]))
	f[FeatListStart] = boolF(listStartRe.MatchString(w))
	if n := float64(len(runes)); n > 0 {
		f[FeatDigitRatio] = float64(digits) / n
		f[FeatAlphaRatio] = float64(alpha) / n
	}
	f[FeatStopword] = boolF(stopwords[strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))])
	return f
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
