package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/markdave123-py/docindex/internal/models"
)

const (
	SIFDims = 300
	DPRDims = 768

	synonymFilter = "nlm_synonyms"
)

// SynonymRules turns a private dictionary into explicit-mapping rules: every
// variant of an entry maps onto the whole variant list.
func SynonymRules(dict map[string]models.DictionaryEntry) []string {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rules []string
	for _, k := range keys {
		syns := []string{k}
		for _, s := range dict[k].Synonyms {
			s = strings.TrimSpace(s)
			if s != "" && !strings.EqualFold(s, k) {
				syns = append(syns, s)
			}
		}
		if len(syns) < 2 {
			continue
		}
		all := strings.Join(syns, ", ")
		for _, s := range syns {
			rules = append(rules, fmt.Sprintf("%s => %s", s, all))
		}
	}
	return rules
}

func similarities() map[string]any {
	return map[string]any{
		"nlm_sentence_similarity": map[string]any{
			"type":   "scripted",
			"script": map[string]any{"source": "return query.boost * 1000;"},
		},
		"nlm_keyword_similarity":  map[string]any{"type": "BM25", "k1": 1.2, "b": 0},
		"nlm_table_similarity":    map[string]any{"type": "BM25", "k1": 1.2, "b": 0.1},
		"nlm_document_similarity": map[string]any{"type": "BM25", "k1": 0.9, "b": 0.4},
	}
}

// analysis builds the analyzer chain. The search analyzer carries the
// synonym filter so it can be reloaded without reindexing.
func analysis(synonyms []string) map[string]any {
	charFilters := map[string]any{
		"hyphen_join": map[string]any{
			"type": "pattern_replace", "pattern": `(\w)-(\w)`, "replacement": "$1$2",
		},
		"split_on_dot": map[string]any{
			"type": "pattern_replace", "pattern": `(\w)\.(\w)`, "replacement": "$1 $2",
		},
		"split_on_parens": map[string]any{
			"type": "pattern_replace", "pattern": `[()\[\]]`, "replacement": " ",
		},
		"strip_trailing_punct": map[string]any{
			"type": "pattern_replace", "pattern": `([^\s])[.,;:!?]+(\s|$)`, "replacement": "$1$2",
		},
	}
	charFilterNames := []string{"hyphen_join", "split_on_dot", "split_on_parens", "strip_trailing_punct"}

	filters := map[string]any{
		"nlm_stop":    map[string]any{"type": "stop", "stopwords": "_english_"},
		"nlm_stemmer": map[string]any{"type": "snowball", "language": "English"},
	}
	indexChain := []string{"lowercase", "nlm_stop", "nlm_stemmer"}
	searchChain := indexChain
	if len(synonyms) > 0 {
		filters[synonymFilter] = map[string]any{
			"type":       "synonym_graph",
			"synonyms":   synonyms,
			"updateable": true,
		}
		searchChain = []string{"lowercase", synonymFilter, "nlm_stop", "nlm_stemmer"}
	}

	return map[string]any{
		"char_filter": charFilters,
		"filter":      filters,
		"analyzer": map[string]any{
			"nlm_analyzer": map[string]any{
				"type": "custom", "tokenizer": "standard",
				"char_filter": charFilterNames, "filter": indexChain,
			},
			"nlm_search_analyzer": map[string]any{
				"type": "custom", "tokenizer": "standard",
				"char_filter": charFilterNames, "filter": searchChain,
			},
		},
	}
}

func textField(similarity string) map[string]any {
	f := map[string]any{
		"type":            "text",
		"analyzer":        "nlm_analyzer",
		"search_analyzer": "nlm_search_analyzer",
	}
	if similarity != "" {
		f["similarity"] = similarity
	}
	return f
}

func denseVector(dims int) map[string]any {
	return map[string]any{"type": "dense_vector", "dims": dims, "index": true, "similarity": "cosine"}
}

// BlockIndexBody is the create-index body for the block-level index.
func BlockIndexBody(synonyms []string, dpr, debugFullText bool) map[string]any {
	headerText := textField("nlm_keyword_similarity")
	headerText["fields"] = map[string]any{"completion": map[string]any{"type": "completion"}}

	embeddings := map[string]any{
		"sif": map[string]any{"properties": map[string]any{
			"match":  denseVector(SIFDims),
			"header": denseVector(SIFDims),
		}},
	}
	if dpr {
		embeddings["dpr"] = map[string]any{"properties": map[string]any{
			"match": denseVector(DPRDims),
		}}
	}

	blockText := textField("nlm_sentence_similarity")
	if !debugFullText {
		blockText["index"] = false
	}

	props := map[string]any{
		"id":                map[string]any{"type": "keyword"},
		"file_idx":          map[string]any{"type": "keyword"},
		"workspace_idx":     map[string]any{"type": "keyword"},
		"match_idx":         map[string]any{"type": "long"},
		"block_idx":         map[string]any{"type": "long"},
		"table_idx":         map[string]any{"type": "long"},
		"header_match_idx":  map[string]any{"type": "long"},
		"page_idx":          map[string]any{"type": "long"},
		"reverse_page_idx":  map[string]any{"type": "short"},
		"level":             map[string]any{"type": "long"},
		"file_name":         textField(""),
		"match_text":        textField("nlm_sentence_similarity"),
		"block_text":        blockText,
		"header_text":       headerText,
		"header_chain_text": textField("nlm_keyword_similarity"),
		"parent_text":       textField("nlm_keyword_similarity"),
		"qa_text":           textField(""),
		"block_type":        map[string]any{"type": "keyword"},
		"group_type":        map[string]any{"type": "keyword"},
		"child_idxs":        map[string]any{"type": "keyword"},
		"entity_types":      textField(""),
		"key_values":        map[string]any{"type": "text", "analyzer": "keyword"},
		"level_chain":       map[string]any{"type": "object", "enabled": false},
		"table_data":        map[string]any{"type": "keyword", "index": false, "doc_values": false},
		"embeddings":        map[string]any{"properties": embeddings},
		"table": map[string]any{
			"type": "nested",
			"properties": map[string]any{
				"index": map[string]any{
					"type":       "nested",
					"properties": map[string]any{"text": textField("nlm_table_similarity")},
				},
				"index_text": textField("nlm_table_similarity"),
				"text":       textField("nlm_table_similarity"),
				"type":       map[string]any{"type": "keyword"},
				"idx":        map[string]any{"type": "keyword"},
			},
		},
	}

	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"similarity": similarities(),
			},
			"analysis": analysis(synonyms),
		},
		"mappings": map[string]any{"properties": props},
	}
}

// FileIndexBody is the create-index body for the file-level index.
func FileIndexBody() map[string]any {
	return map[string]any{
		"settings": map[string]any{
			"index":    map[string]any{"similarity": similarities()},
			"analysis": analysis(nil),
		},
		"mappings": map[string]any{"properties": map[string]any{
			"id":          map[string]any{"type": "keyword"},
			"file_idx":    map[string]any{"type": "keyword"},
			"file_name":   textField("nlm_document_similarity"),
			"title_text":  textField("nlm_document_similarity"),
			"match_text":  textField("nlm_document_similarity"),
			"header_text": textField("nlm_document_similarity"),
			"meta":        map[string]any{"type": "object", "dynamic": true},
		}},
	}
}

// filterQuery scopes a query to one file and, on shared indexes, one workspace.
func filterQuery(fileIdx, workspaceIdx string) map[string]any {
	var must []any
	if fileIdx != "" {
		must = append(must, map[string]any{"term": map[string]any{"file_idx": fileIdx}})
	}
	if workspaceIdx != "" {
		must = append(must, map[string]any{"term": map[string]any{"workspace_idx": workspaceIdx}})
	}
	return map[string]any{"query": map[string]any{"bool": map[string]any{"filter": must}}}
}
