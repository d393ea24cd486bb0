package indexer

import (
	"regexp"
	"strings"

	"github.com/markdave123-py/docindex/internal/models"
)

var (
	kvRe  = regexp.MustCompile(`^([A-Z][\w .&/()#-]{0,48}?)\s*:\s+(\S.*)$`)
	refRe = regexp.MustCompile(`^["“]?([A-Z][\w\s-]{0,60}?)["”]?\s+(?:means|shall mean|refers to|is defined as)\s+(.+?)\.?$`)
)

// KeyInfoResult is the triple mined from a sentence stream plus the keys
// attached to each match.
type KeyInfoResult struct {
	SectionSummary       []models.SectionSummary
	KeyValuePairs        []models.KeyValuePair
	ReferenceDefinitions []models.ReferenceDefinition
	MatchKeys            map[int][]string
}

// ExtractKeyInfo mines section summaries, key/value pairs and defined terms.
// bboxes maps block_idx to a parser box and may be nil.
func ExtractKeyInfo(fl *Flattened, tp *TableParser, bboxes map[int]models.BBox) *KeyInfoResult {
	res := &KeyInfoResult{MatchKeys: make(map[int][]string)}
	summarized := make(map[int]bool)

	for i, info := range fl.Infos {
		text := fl.Texts[i]

		// first sentence under each header becomes its summary
		if info.BlockType != models.BlockHeader && info.HeaderMatchIdx >= 0 && !summarized[info.HeaderMatchIdx] && !info.InTable() {
			summarized[info.HeaderMatchIdx] = true
			res.SectionSummary = append(res.SectionSummary, models.SectionSummary{
				Header:         fl.Texts[info.HeaderMatchIdx],
				HeaderMatchIdx: info.HeaderMatchIdx,
				Summary:        text,
				MatchIdx:       info.MatchIdx,
			})
		}

		var key, value string
		switch {
		case info.InTable() && tp.IsTwoColumn(info.TableIdx):
			key, value, _ = KeyValue(info.Cells)
		case info.BlockType == models.BlockPara || info.BlockType.IsListItem():
			if m := kvRe.FindStringSubmatch(text); m != nil && len(strings.Fields(m[1])) <= 6 {
				key, value = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
			}
			if m := refRe.FindStringSubmatch(text); m != nil {
				res.ReferenceDefinitions = append(res.ReferenceDefinitions, models.ReferenceDefinition{
					Term:       strings.TrimSpace(m[1]),
					Definition: strings.TrimSpace(m[2]),
					MatchIdx:   info.MatchIdx,
				})
			}
		}
		if key == "" || value == "" {
			continue
		}
		kv := models.KeyValuePair{Key: key, Value: value, MatchText: text, MatchIdx: info.MatchIdx}
		if b, ok := bboxes[info.BlockIdx]; ok {
			box := b.BBox
			kv.BBox = &box
		}
		res.KeyValuePairs = append(res.KeyValuePairs, kv)
		res.MatchKeys[info.MatchIdx] = append(res.MatchKeys[info.MatchIdx], key)
	}
	return res
}
