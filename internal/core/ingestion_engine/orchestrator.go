package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/core/bbox"
	"github.com/markdave123-py/docindex/internal/core/indexer"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/models"
)

// IngestRequest is one ingestion of an already uploaded document.
// ParseOptions, when set, replace the options stored on the document.
type IngestRequest struct {
	DocID           string
	User            models.UserProfile
	ParseOptions    *models.ParseOptions
	RerunExtraction bool
	ReIngest        bool
	ApplyOCR        bool
}

// IngestResult is the terminal outcome of Ingest. Status is ingest_ok or
// ingest_failed; Reason explains a failure.
type IngestResult struct {
	Status   string
	NumPages int
	Reason   string
}

func (r IngestResult) OK() bool { return r.Status == models.StatusIngestOK }

// Deps are the collaborators of the Orchestrator. Templates, Side, OCR and
// Thumbnailer are optional.
type Deps struct {
	DB          core.DbClient
	Objects     core.ObjectClient
	Parser      core.Parser
	Indexer     *indexer.Indexer
	BBoxes      *bbox.Detector
	Templates   *TemplateRunner
	Side        *SidePool
	OCR         core.OCRClient
	Thumbnailer core.Thumbnailer
	TikaOCR     bool
	Timeout     time.Duration
}

// Orchestrator drives one document through parse, render, index and status.
type Orchestrator struct {
	Deps
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Minute
	}
	return &Orchestrator{Deps: d}
}

// Ingest runs the pipeline for req.DocID. The document's status leaves
// ingest_inprogress exactly once, to ingest_ok or ingest_failed.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) IngestResult {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	doc, err := o.DB.GetDocument(ctx, req.DocID)
	if err != nil {
		log.Printf("Orchestrator: load %s: %v", req.DocID, err)
		return IngestResult{Status: models.StatusIngestFailed, Reason: err.Error()}
	}
	if err := o.DB.SetDocumentStatus(ctx, doc.ID, models.StatusIngestInProgress, models.DocumentPatch{StatusMessage: models.Ptr("")}); err != nil {
		log.Printf("Orchestrator: mark %s in progress: %v", doc.ID, err)
		return IngestResult{Status: models.StatusIngestFailed, Reason: err.Error()}
	}

	res, err := o.run(ctx, doc, req)
	if err != nil {
		log.Printf("Orchestrator: ingest %s (ws %s) failed: %v", doc.ID, doc.WorkspaceID, err)
		// the status write uses a fresh context so a timeout still lands
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer fcancel()
		if serr := o.DB.SetDocumentStatus(fctx, doc.ID, models.StatusIngestFailed, models.DocumentPatch{StatusMessage: models.Ptr(err.Error())}); serr != nil {
			log.Printf("Orchestrator: mark %s failed: %v", doc.ID, serr)
		}
		return IngestResult{Status: models.StatusIngestFailed, Reason: err.Error()}
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, doc *models.Document, req IngestRequest) (IngestResult, error) {
	if err := o.DB.DeleteDocumentBlocks(ctx, doc.ID); err != nil {
		return IngestResult{}, fmt.Errorf("purge blocks: %w", err)
	}

	local, err := o.Objects.Download(ctx, doc.BlobLocation)
	if err != nil {
		return IngestResult{}, fmt.Errorf("download blob: %w", err)
	}
	defer func() {
		if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Orchestrator: remove scratch %s: %v", local, err)
		}
	}()

	mimeType, err := DetectMime(local, doc.MimeType, doc.Name)
	if err != nil {
		return IngestResult{}, err
	}

	opts := doc.ParseOptions
	if req.ParseOptions != nil {
		opts = *req.ParseOptions
	}
	opts.ApplyOCR = opts.ApplyOCR || req.ApplyOCR

	o.sideTasks(doc, mimeType, opts.ApplyOCR)

	parsed, err := o.Parser.Parse(ctx, doc.Name, local, mimeType, opts)
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", core.ErrParseFailed, err)
	}
	if parsed == nil || len(parsed.Blocks) == 0 {
		return IngestResult{}, core.ErrEmptyDocument
	}

	htmlLoc, err := o.Objects.SaveBytes(ctx, objectclient.RenderedHTMLKey(doc.ID), parsed.FileData.HTML, "text/html")
	if err != nil {
		return IngestResult{}, fmt.Errorf("save rendered html: %w", err)
	}
	jsonLoc, err := o.Objects.SaveBytes(ctx, objectclient.RenderedJSONKey(doc.ID), parsed.FileData.JSON, "application/json")
	if err != nil {
		return IngestResult{}, fmt.Errorf("save rendered json: %w", err)
	}

	meta := ComputeMetadata(parsed.DocResult, parsed.Blocks)
	pages := numPages(parsed.DocResult, parsed.Blocks)

	if !opts.ParseAndRenderOnly {
		var boxes []models.BBox
		if o.BBoxes != nil {
			boxes = bbox.FromBlocks(parsed.Blocks)
		}
		out, err := o.Indexer.AddToIndex(ctx, doc.ID, parsed.Blocks, pages, boxes)
		if err != nil {
			return IngestResult{}, fmt.Errorf("index: %w", err)
		}
		// boxes and key info are only persisted for an indexed document
		if o.BBoxes != nil {
			if err := o.BBoxes.Save(ctx, doc.ID, boxes, parsed.TikaHTML()); err != nil {
				log.Printf("Orchestrator: bboxes for %s: %v", doc.ID, err)
			}
		}
		out.KeyInfo.Metadata = meta
		if err := o.DB.SaveDocumentKeyInfo(ctx, doc.ID, out.KeyInfo); err != nil {
			return IngestResult{}, fmt.Errorf("save key info: %w", err)
		}
	}

	patch := models.DocumentPatch{
		MimeType:             &mimeType,
		NumPages:             &pages,
		Title:                &meta.Title,
		InferredTitle:        &meta.InferredTitle,
		RenderedHTMLLocation: &htmlLoc,
		RenderedJSONLocation: &jsonLoc,
		StatusMessage:        models.Ptr(""),
	}
	if err := o.DB.SetDocumentStatus(ctx, doc.ID, models.StatusIngestOK, patch); err != nil {
		return IngestResult{}, fmt.Errorf("mark ingest_ok: %w", err)
	}
	verb := "ingested"
	if req.ReIngest {
		verb = "re-ingested"
	}
	log.Printf("Orchestrator: %s (ws %s) %s, %d pages", doc.ID, doc.WorkspaceID, verb, pages)

	if req.RerunExtraction && o.Templates != nil && !opts.ParseAndRenderOnly {
		n := o.Templates.Run(ctx, doc)
		log.Printf("Orchestrator: %d template fields applied to %s", n, doc.ID)
	}

	o.meter(ctx, doc, req.User, pages, opts.ParseAndRenderOnly)
	return IngestResult{Status: models.StatusIngestOK, NumPages: pages}, nil
}

// meter charges a document's usage once, on its first successful ingest.
func (o *Orchestrator) meter(ctx context.Context, doc *models.Document, user models.UserProfile, pages int, renderOnly bool) {
	if pages <= 0 || doc.Metered {
		return
	}
	bucket := models.UsageGeneral
	if user.DevAPIKey {
		bucket = models.UsageDevAPI
	}
	var delta models.UsageCounters
	if renderOnly {
		delta.PDFParserPages = int64(pages)
	} else {
		delta = models.UsageCounters{NumPages: int64(pages), NumDocs: 1, DocSize: doc.Size}
	}
	userID := user.ID
	if userID == "" {
		userID = doc.UserID
	}
	if err := o.DB.UpsertUsageMetrics(ctx, userID, models.UsagePatch{Bucket: bucket, Delta: delta}); err != nil {
		log.Printf("Orchestrator: usage for %s: %v", doc.ID, err)
		return
	}
	if err := o.DB.UpdateDocument(ctx, doc.ID, models.DocumentPatch{Metered: models.Ptr(true), MeteredBucket: &bucket}); err != nil {
		log.Printf("Orchestrator: mark %s metered: %v", doc.ID, err)
	}
}

// sideTasks schedules OCR and thumbnail work. Each task fetches its own copy
// of the blob and writes only its own document field.
func (o *Orchestrator) sideTasks(doc *models.Document, mimeType string, applyOCR bool) {
	if o.Side == nil {
		return
	}
	id, loc, userID, wsID := doc.ID, doc.BlobLocation, doc.UserID, doc.WorkspaceID

	if o.OCR != nil && (o.TikaOCR || applyOCR) && mimeType == MimePDF {
		o.Side.Go("ocr "+id, func(ctx context.Context) error {
			local, err := o.Objects.Download(ctx, loc)
			if err != nil {
				return err
			}
			defer os.Remove(local)
			text, err := o.OCR.FirstPageText(ctx, local)
			if err != nil {
				return err
			}
			return o.DB.UpdateDocument(ctx, id, models.DocumentPatch{OCRText: &text})
		})
	}

	if o.Thumbnailer != nil {
		o.Side.Go("thumbnail "+id, func(ctx context.Context) error {
			local, err := o.Objects.Download(ctx, loc)
			if err != nil {
				return err
			}
			defer os.Remove(local)
			img, err := o.Thumbnailer.Thumbnail(ctx, local, mimeType)
			if err != nil {
				return err
			}
			thumbLoc, err := o.Objects.SaveBytes(ctx, objectclient.ThumbnailPath(userID, wsID, id), img, "image/jpeg")
			if err != nil {
				return err
			}
			return o.DB.UpdateDocument(ctx, id, models.DocumentPatch{ThumbnailLocation: &thumbLoc})
		})
	}
}

// HandleTask runs an ingestion task.
func (o *Orchestrator) HandleTask(ctx context.Context, task *models.Task) error {
	var body models.IngestionBody
	if err := models.DecodeBody(task.Body, &body); err != nil {
		return fmt.Errorf("decode ingestion body: %w", err)
	}
	res := o.Ingest(ctx, IngestRequest{
		DocID:           body.DocID,
		User:            body.UserObj,
		RerunExtraction: true,
		ReIngest:        body.ReIngest,
		ApplyOCR:        body.ApplyOCR,
	})
	if !res.OK() {
		return fmt.Errorf("ingest %s: %s", body.DocID, res.Reason)
	}
	return nil
}
