package models

// BlockType tags the variant a Block carries.
type BlockType string

const (
	BlockHeader           BlockType = "header"
	BlockPara             BlockType = "para"
	BlockListItem         BlockType = "list_item"
	BlockNumberedListItem BlockType = "numbered_list_item"
	BlockTableRow         BlockType = "table_row"
	BlockTable            BlockType = "table"
	BlockTableCell        BlockType = "table_cell"
	BlockHR               BlockType = "hr"
)

// IsListItem covers both bulleted and numbered list items.
func (t BlockType) IsListItem() bool {
	return t == BlockListItem || t == BlockNumberedListItem
}

// BoxStyle is the page-relative geometry of a block:
// top, left, right, width, height.
type BoxStyle [5]float64

func (b BoxStyle) Top() float64    { return b[0] }
func (b BoxStyle) Left() float64   { return b[1] }
func (b BoxStyle) Width() float64  { return b[3] }
func (b BoxStyle) Height() float64 { return b[4] }

// Rect converts the box into [x1, y1, x2, y2].
func (b BoxStyle) Rect() [4]float64 {
	return [4]float64{b.Left(), b.Top(), b.Left() + b.Width(), b.Top() + b.Height()}
}

// Block is a unit of parsed content. Only table blocks carry TableFields;
// the pointer is nil for every other variant.
type Block struct {
	BlockIdx    int       `json:"block_idx"`
	BlockType   BlockType `json:"block_type"`
	BlockText   string    `json:"block_text"`
	BlockSents  []string  `json:"block_sents,omitempty"`
	Level       int       `json:"level"`
	PageIdx     int       `json:"page_idx"`
	BoxStyle    BoxStyle  `json:"box_style"`
	StartNumber *int      `json:"start_number,omitempty"`
	*TableFields
}

// TableFields are the table-specific attributes of a block.
type TableFields struct {
	IsTableStart     bool     `json:"is_table_start,omitempty"`
	IsTableEnd       bool     `json:"is_table_end,omitempty"`
	IsHeaderRow      bool     `json:"is_header_row,omitempty"`
	HasMergedCells   bool     `json:"has_merged_cells,omitempty"`
	EffectiveHeader  *Block   `json:"effective_header,omitempty"`
	EffectivePara    *Block   `json:"effective_para,omitempty"`
	HeaderCellValues []string `json:"header_cell_values,omitempty"`
	CellValues       []string `json:"cell_values,omitempty"`
}

// Table returns the table attributes, or the zero value for non-table blocks.
func (b *Block) Table() TableFields {
	if b.TableFields == nil {
		return TableFields{}
	}
	return *b.TableFields
}

// Sentences returns the sentence segmentation, falling back to the whole text.
func (b *Block) Sentences() []string {
	if len(b.BlockSents) > 0 {
		return b.BlockSents
	}
	if b.BlockText == "" {
		return nil
	}
	return []string{b.BlockText}
}
