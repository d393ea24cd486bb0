package models

import (
	"encoding/json"
	"fmt"
)

// Group types assigned by the group linker.
const (
	GroupSingle        = "single"
	GroupHeaderSummary = "header_summary"
	GroupListItem      = "list_item"
	GroupTable         = "table"
	GroupTableCell     = "table_cell"
)

// LevelEntry is one crumb of a header chain.
type LevelEntry struct {
	Text     string `json:"text"`
	Level    int    `json:"level"`
	BlockIdx int    `json:"block_idx"`
	MatchIdx int    `json:"match_idx"`
}

// Entity is a tagged mention. It serializes as [mention, [types...]].
type Entity struct {
	Mention string
	Types   []string
}

func (e Entity) MarshalJSON() ([]byte, error) {
	types := e.Types
	if types == nil {
		types = []string{}
	}
	return json.Marshal([]any{e.Mention, types})
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("entity: want [mention, types], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Mention); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.Types)
}

type SIFEmbeddings struct {
	Match  []float32 `json:"match"`
	Header []float32 `json:"header,omitempty"`
}

type DPREmbeddings struct {
	Match []float32 `json:"match"`
}

type Embeddings struct {
	SIF SIFEmbeddings  `json:"sif"`
	DPR *DPREmbeddings `json:"dpr,omitempty"`
}

type TableText struct {
	Text string `json:"text"`
}

// TableProjection is one row or column of a parsed table as stored in the
// nested "table" field of the block-level index.
type TableProjection struct {
	Index     []TableText `json:"index"`
	IndexText string      `json:"index_text"`
	Text      string      `json:"text"`
	Type      string      `json:"type"`
	Idx       string      `json:"idx"`
}

// Match is the unit of indexing. ID is both the search-engine _id and the
// primary key of the match's metadata row.
type Match struct {
	ID              string            `json:"id"`
	FileIdx         string            `json:"file_idx"`
	WorkspaceIdx    string            `json:"workspace_idx"`
	FileName        string            `json:"file_name"`
	MatchIdx        int               `json:"match_idx"`
	BlockIdx        int               `json:"block_idx"`
	TableIdx        int               `json:"table_idx"`
	HeaderMatchIdx  int               `json:"header_match_idx"`
	MatchText       string            `json:"match_text"`
	RawText         string            `json:"-"`
	BlockText       string            `json:"block_text"`
	HeaderText      string            `json:"header_text"`
	HeaderChainText string            `json:"header_chain_text"`
	ParentText      string            `json:"parent_text"`
	PageIdx         int               `json:"page_idx"`
	ReversePageIdx  int               `json:"reverse_page_idx"`
	BlockType       string            `json:"block_type"`
	GroupType       string            `json:"group_type"`
	ChildIdxs       []string          `json:"child_idxs"`
	Level           int               `json:"level"`
	LevelChain      []LevelEntry      `json:"level_chain"`
	EntityTypes     string            `json:"entity_types"`
	EntityList      []Entity          `json:"-"`
	KeyValues       []string          `json:"key_values,omitempty"`
	QAText          string            `json:"qa_text,omitempty"`
	Embeddings      Embeddings        `json:"embeddings"`
	Table           []TableProjection `json:"table,omitempty"`
	TableData       string            `json:"table_data,omitempty"`
}

// FileLevelDoc is the single document per file stored in the file-level index.
type FileLevelDoc struct {
	ID         string         `json:"id"`
	FileIdx    string         `json:"file_idx"`
	FileName   string         `json:"file_name"`
	TitleText  string         `json:"title_text"`
	HeaderText string         `json:"header_text"`
	MatchText  string         `json:"match_text"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// BBox locates a block on a rendered page.
type BBox struct {
	PageIdx   int        `json:"page_idx"`
	BlockIdx  int        `json:"block_idx"`
	BlockType string     `json:"block_type"`
	BBox      [4]float64 `json:"bbox"`
	Audited   bool       `json:"audited"`
	Source    string     `json:"source,omitempty"` // "parser" or "inference"
}

type SectionSummary struct {
	Header         string `json:"header"`
	HeaderMatchIdx int    `json:"header_match_idx"`
	Summary        string `json:"summary"`
	MatchIdx       int    `json:"match_idx"`
}

type KeyValuePair struct {
	Key       string      `json:"key"`
	Value     string      `json:"value"`
	MatchText string      `json:"match_text"`
	MatchIdx  int         `json:"match_idx"`
	BBox      *[4]float64 `json:"bbox,omitempty"`
}

type ReferenceDefinition struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
	MatchIdx   int    `json:"match_idx"`
}

type DocMetadata struct {
	Title            string    `json:"title"`
	InferredTitle    string    `json:"inferred_title"`
	InferredSubtitle string    `json:"inferred_subtitle"`
	Fonts            []string  `json:"fonts"`
	PageDim          []float64 `json:"page_dim,omitempty"`
}

// KeyInfo is the per-document summary of mined sections, pairs and entities.
type KeyInfo struct {
	SectionSummary       []SectionSummary      `json:"section_summary"`
	KeyValuePairs        []KeyValuePair        `json:"key_value_pairs"`
	Metadata             DocMetadata           `json:"metadata"`
	DocEnt               map[int][]Entity      `json:"doc_ent"`
	ReferenceDefinitions []ReferenceDefinition `json:"reference_definitions"`
}
