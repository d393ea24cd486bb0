package indexer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/fatih/set"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

const DomainBiology = "biology"

// Dictionary maps a lowercased term to its entity type.
type Dictionary map[string]string

// LoadDictionaries reads "term<TAB>type" files. Blank lines and lines
// starting with # are skipped.
func LoadDictionaries(paths []string) (Dictionary, error) {
	dict := make(Dictionary)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open dictionary %s: %w", p, err)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			term, typ, ok := strings.Cut(line, "\t")
			if !ok || strings.TrimSpace(term) == "" || strings.TrimSpace(typ) == "" {
				continue
			}
			dict[strings.ToLower(strings.TrimSpace(term))] = strings.TrimSpace(typ)
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read dictionary %s: %w", p, err)
		}
	}
	return dict, nil
}

// EntityTagger combines the configured NER backends. Any backend may be nil.
type EntityTagger struct {
	general core.EntityRecognizer
	bio     core.EntityRecognizer
	bern2   core.EntityRecognizer
	dict    Dictionary
}

func NewEntityTagger(general, bio, bern2 core.EntityRecognizer, dict Dictionary) *EntityTagger {
	return &EntityTagger{general: general, bio: bio, bern2: bern2, dict: dict}
}

// Tag returns entities parallel to texts. The biology domain merges the
// biomedical tagger, BERN2 and dictionary hits (static plus the workspace's
// private dictionary types); other domains use the general tagger.
func (t *EntityTagger) Tag(ctx context.Context, texts []string, domain string, private map[string]models.DictionaryEntry) ([][]models.Entity, error) {
	out := make([][]models.Entity, len(texts))
	if t == nil || len(texts) == 0 {
		return out, nil
	}

	if domain != DomainBiology {
		if t.general == nil {
			return out, nil
		}
		res, err := t.general.Tag(ctx, texts, domain)
		if err != nil {
			return nil, fmt.Errorf("ner: %w", err)
		}
		return pad(res, len(texts)), nil
	}

	var sources [][][]models.Entity
	primary := t.bio
	if primary == nil {
		primary = t.general
	}
	for _, r := range []core.EntityRecognizer{primary, t.bern2} {
		if r == nil {
			continue
		}
		res, err := r.Tag(ctx, texts, domain)
		if err != nil {
			return nil, fmt.Errorf("bio ner: %w", err)
		}
		sources = append(sources, pad(res, len(texts)))
	}

	dict := make(Dictionary, len(t.dict)+len(private))
	for k, v := range t.dict {
		dict[k] = v
	}
	for k, e := range private {
		if e.Type == "" {
			continue
		}
		dict[strings.ToLower(k)] = e.Type
		for _, s := range e.Synonyms {
			dict[strings.ToLower(s)] = e.Type
		}
	}

	for i, text := range texts {
		lists := make([][]models.Entity, 0, len(sources)+1)
		for _, s := range sources {
			lists = append(lists, s[i])
		}
		lists = append(lists, dict.find(text))
		out[i] = mergeEntities(lists...)
	}
	return out, nil
}

func pad(res [][]models.Entity, n int) [][]models.Entity {
	for len(res) < n {
		res = append(res, nil)
	}
	return res[:n]
}

// find returns whole-word, case-insensitive dictionary hits in text.
func (d Dictionary) find(text string) []models.Entity {
	if len(d) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	terms := make([]string, 0, len(d))
	for term := range d {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	var out []models.Entity
	for _, term := range terms {
		pos := 0
		for {
			i := strings.Index(lower[pos:], term)
			if i < 0 {
				break
			}
			start := pos + i
			end := start + len(term)
			if wordBoundary(lower, start, end) {
				mention := lower[start:end]
				if len(lower) == len(text) {
					mention = text[start:end]
				}
				out = append(out, models.Entity{Mention: mention, Types: []string{d[term]}})
				break
			}
			pos = start + 1
		}
	}
	return out
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		r := rune(s[start-1])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(s) {
		r := rune(s[end])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// mergeEntities unions types per mention, keeping first-seen mention order.
func mergeEntities(lists ...[]models.Entity) []models.Entity {
	var order []string
	types := make(map[string]set.Interface)
	mention := make(map[string]string)
	for _, l := range lists {
		for _, e := range l {
			key := strings.ToLower(e.Mention)
			if _, ok := types[key]; !ok {
				types[key] = set.New(set.NonThreadSafe)
				mention[key] = e.Mention
				order = append(order, key)
			}
			for _, ty := range e.Types {
				types[key].Add(ty)
			}
		}
	}
	out := make([]models.Entity, 0, len(order))
	for _, k := range order {
		ts := set.StringSlice(types[k])
		sort.Strings(ts)
		out = append(out, models.Entity{Mention: mention[k], Types: ts})
	}
	return out
}

// SuppressListStart drops NUM:count / NUM:code tags from the leading token of
// a list item when that token is just the list's start number.
func SuppressListStart(ents []models.Entity, text string, startNumber *int) []models.Entity {
	if startNumber == nil {
		return ents
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ents
	}
	first := strings.TrimRight(fields[0], ".):")
	if first != strconv.Itoa(*startNumber) {
		return ents
	}
	out := ents[:0:0]
	for _, e := range ents {
		if strings.TrimRight(e.Mention, ".):") != first {
			out = append(out, e)
			continue
		}
		var kept []string
		for _, ty := range e.Types {
			if ty != "NUM:count" && ty != "NUM:code" {
				kept = append(kept, ty)
			}
		}
		if len(kept) > 0 {
			out = append(out, models.Entity{Mention: e.Mention, Types: kept})
		}
	}
	return out
}

// EntityTypes is the distinct, sorted, space-joined type set of ents.
func EntityTypes(ents []models.Entity) string {
	s := set.New(set.NonThreadSafe)
	for _, e := range ents {
		for _, ty := range e.Types {
			s.Add(ty)
		}
	}
	types := set.StringSlice(s)
	sort.Strings(types)
	return strings.Join(types, " ")
}
