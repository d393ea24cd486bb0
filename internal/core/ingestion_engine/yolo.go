package ingestion_engine

import (
	"context"
	"fmt"
	"log"

	"github.com/markdave123-py/docindex/internal/core"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/models"
)

const SourceInference = "inference"

// YoloHandler runs layout inference over a document's stored word features
// and saves the boxes as unaudited inference results.
type YoloHandler struct {
	db       core.DbClient
	obj      core.ObjectClient
	detector core.LayoutDetector
}

func NewYoloHandler(db core.DbClient, obj core.ObjectClient, detector core.LayoutDetector) *YoloHandler {
	return &YoloHandler{db: db, obj: obj, detector: detector}
}

func (y *YoloHandler) Run(ctx context.Context, docID string) (int, error) {
	features, err := y.obj.GetFile(ctx, objectclient.FeaturesPath(docID))
	if err != nil {
		return 0, fmt.Errorf("load features of %s: %w", docID, err)
	}
	boxes, err := y.detector.Detect(ctx, docID, features)
	if err != nil {
		return 0, fmt.Errorf("detect layout of %s: %w", docID, err)
	}
	for i := range boxes {
		boxes[i].Audited = false
		boxes[i].Source = SourceInference
	}
	if err := y.db.SaveBBoxBulk(ctx, docID, boxes); err != nil {
		return 0, fmt.Errorf("save inference boxes of %s: %w", docID, err)
	}
	return len(boxes), nil
}

// HandleTask runs a yolo task. A failure only fails the task; the document
// status is untouched.
func (y *YoloHandler) HandleTask(ctx context.Context, task *models.Task) error {
	var body models.YoloBody
	if err := models.DecodeBody(task.Body, &body); err != nil {
		return fmt.Errorf("decode yolo body: %w", err)
	}
	n, err := y.Run(ctx, body.DocID)
	if err != nil {
		log.Printf("Yolo: doc %s (ws %s): %v", body.DocID, body.WorkspaceIdx, err)
		return err
	}
	log.Printf("Yolo: %d boxes for doc %s (ws %s)", n, body.DocID, body.WorkspaceIdx)
	return nil
}
