package bbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docindex/internal/core/database/memdb"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/models"
)

func box(top, left, width, height float64) models.BoxStyle {
	return models.BoxStyle{top, left, left + width, width, height}
}

func row(idx, page int, bs models.BoxStyle, start, end bool) models.Block {
	return models.Block{
		BlockIdx:    idx,
		BlockType:   models.BlockTableRow,
		PageIdx:     page,
		BoxStyle:    bs,
		TableFields: &models.TableFields{IsTableStart: start, IsTableEnd: end},
	}
}

func TestFromBlocks(t *testing.T) {
	blocks := []models.Block{
		{BlockIdx: 0, BlockType: models.BlockHeader, BoxStyle: box(10, 20, 100, 12)},
		{BlockIdx: 1, BlockType: models.BlockPara},
		row(2, 0, box(50, 20, 200, 10), true, false),
		row(3, 0, box(60, 10, 180, 10), false, false),
		row(4, 1, box(5, 20, 200, 10), false, true),
		{BlockIdx: 5, BlockType: models.BlockHR, BoxStyle: box(1, 1, 1, 1)},
		{BlockIdx: 6, BlockType: models.BlockPara, PageIdx: 1, BoxStyle: box(30, 20, 100, 40)},
	}
	out := FromBlocks(blocks)
	require.Len(t, out, 4)

	assert.Equal(t, [4]float64{20, 10, 120, 22}, out[0].BBox)
	assert.Equal(t, "header", out[0].BlockType)

	assert.Equal(t, "table", out[1].BlockType)
	assert.Equal(t, 2, out[1].BlockIdx)
	assert.Equal(t, 0, out[1].PageIdx)
	assert.Equal(t, [4]float64{10, 50, 220, 70}, out[1].BBox)

	assert.Equal(t, "table", out[2].BlockType)
	assert.Equal(t, 1, out[2].PageIdx)
	assert.Equal(t, 4, out[2].BlockIdx)

	assert.Equal(t, 6, out[3].BlockIdx)
	for _, b := range out {
		assert.True(t, b.Audited)
		assert.Equal(t, SourceParser, b.Source)
	}
}

const tikaHTML = `<html><body>
<div class="page">
 <p style="top:10px;left:0px;width:100px;height:20px;font-size:24px;font-weight:bold;font-family:Times">ANNUAL REPORT</p>
 <p><span style="top:40px;left:0px;width:90px;height:10px;font-size:10px;font-family:Arial">1. Revenue of the year</span></p>
 <p><span style="top:52px;left:0px;width:60px;height:10px;font-size:10px;font-family:Arial;font-style:italic">grew 12%.</span></p>
</div>
<div class="page"><p>Second page</p></div>
</body></html>`

func TestExtractFeatures(t *testing.T) {
	f, err := ExtractFeatures("d1", []byte(tikaHTML))
	require.NoError(t, err)
	require.Len(t, f.Pages, 2)

	words := f.Pages[0].Words
	require.Len(t, words, 9)

	title := words[0]
	assert.Equal(t, "ANNUAL", title.Text)
	assert.Equal(t, 14.0, title.Features[FeatFontSizeDelta])
	assert.Equal(t, 1.75, title.Features[FeatWeight])
	assert.Equal(t, 1.0, title.Features[FeatUpper])
	assert.Equal(t, 0.0, title.Features[FeatModeFamily])
	assert.Equal(t, 10.0, title.BBox[1])

	list := words[2]
	assert.Equal(t, "1.", list.Text)
	assert.Equal(t, 1.0, list.Features[FeatListStart])
	assert.Equal(t, 1.0, list.Features[FeatModeFamily])
	assert.Equal(t, 0.0, list.Features[FeatFontSizeDelta])

	assert.Equal(t, 1.0, words[4].Features[FeatStopword], "of")

	pct := words[8]
	assert.Equal(t, "12%.", pct.Text)
	assert.Equal(t, 1.0, pct.Features[FeatItalic])
	assert.Equal(t, 1.0, pct.Features[FeatEndsPunct])
	assert.Equal(t, 0.5, pct.Features[FeatDigitRatio])
	assert.Greater(t, pct.BBox[2], pct.BBox[0])

	require.Len(t, f.Pages[1].Words, 2)
	assert.Equal(t, [4]float64{}, f.Pages[1].Words[0].BBox)
}

func TestDetector_SavesBoxesAndFeatures(t *testing.T) {
	db := memdb.New()
	obj, err := objectclient.NewLocalClient(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	d := NewDetector(db, obj)
	blocks := []models.Block{{BlockIdx: 0, BlockType: models.BlockPara, BoxStyle: box(1, 2, 3, 4)}}
	boxes := FromBlocks(blocks)
	require.Len(t, boxes, 1)
	assert.Empty(t, db.BBoxes("d1"))

	require.NoError(t, d.Save(t.Context(), "d1", boxes, []byte(tikaHTML)))
	assert.Len(t, db.BBoxes("d1"), 1)

	raw, err := obj.GetFile(t.Context(), objectclient.FeaturesPath("d1"))
	require.NoError(t, err)
	var f Features
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "d1", f.DocID)
	assert.Len(t, f.Pages, 2)
}
