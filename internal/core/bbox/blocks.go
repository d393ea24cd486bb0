// Package bbox derives block bounding boxes and per-word layout features.
package bbox

import (
	"context"
	"fmt"
	"log"

	"github.com/markdave123-py/docindex/internal/core"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/models"
)

const SourceParser = "parser"

func hasGeometry(b *models.Block) bool {
	return b.BoxStyle.Width() > 0 || b.BoxStyle.Height() > 0
}

func union(a, b [4]float64) [4]float64 {
	return [4]float64{min(a[0], b[0]), min(a[1], b[1]), max(a[2], b[2]), max(a[3], b[3])}
}

// FromBlocks emits one box per non-table block and one box per table and
// page: consecutive rows of a table merge until the page changes.
func FromBlocks(blocks []models.Block) []models.BBox {
	var (
		out     []models.BBox
		table   *models.BBox
		inTable bool
	)
	flush := func() {
		if table != nil {
			out = append(out, *table)
			table = nil
		}
	}

	for i := range blocks {
		b := &blocks[i]
		tf := b.Table()
		if tf.IsTableStart {
			flush()
			inTable = true
		}
		isRow := inTable && (b.BlockType == models.BlockTableRow || b.TableFields != nil)

		switch {
		case !hasGeometry(b) || b.BlockType == models.BlockHR:
		case isRow:
			r := b.BoxStyle.Rect()
			if table != nil && table.PageIdx != b.PageIdx {
				flush()
			}
			if table == nil {
				table = &models.BBox{
					PageIdx:   b.PageIdx,
					BlockIdx:  b.BlockIdx,
					BlockType: string(models.BlockTable),
					BBox:      r,
					Audited:   true,
					Source:    SourceParser,
				}
			} else {
				table.BBox = union(table.BBox, r)
			}
		default:
			out = append(out, models.BBox{
				PageIdx:   b.PageIdx,
				BlockIdx:  b.BlockIdx,
				BlockType: string(b.BlockType),
				BBox:      b.BoxStyle.Rect(),
				Audited:   true,
				Source:    SourceParser,
			})
		}

		if tf.IsTableEnd {
			flush()
			inTable = false
		}
	}
	flush()
	return out
}

// Detector persists block boxes and, when a Tika HTML side channel exists,
// the per-word feature artifact consumed by layout inference.
type Detector struct {
	db  core.DbClient
	obj core.ObjectClient
}

func NewDetector(db core.DbClient, obj core.ObjectClient) *Detector {
	return &Detector{db: db, obj: obj}
}

// Save persists the boxes of docID once the document is indexed. The
// feature artifact is best effort.
func (d *Detector) Save(ctx context.Context, docID string, boxes []models.BBox, tikaHTML []byte) error {
	if len(boxes) > 0 {
		if err := d.db.SaveBBoxBulk(ctx, docID, boxes); err != nil {
			return fmt.Errorf("save bboxes for %s: %w", docID, err)
		}
	}
	if len(tikaHTML) == 0 {
		return nil
	}

	feats, err := ExtractFeatures(docID, tikaHTML)
	if err != nil {
		log.Printf("BBox: feature extraction for %s failed: %v", docID, err)
		return nil
	}
	raw, err := feats.JSON()
	if err != nil {
		log.Printf("BBox: encode features for %s: %v", docID, err)
		return nil
	}
	if _, err := d.obj.SaveBytes(ctx, objectclient.FeaturesPath(docID), raw, "application/json"); err != nil {
		log.Printf("BBox: save features for %s: %v", docID, err)
	}
	return nil
}
