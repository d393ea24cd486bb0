package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/core/ingestion_engine"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/models"
)

type DocumentService struct {
	db      core.DbClient
	storage core.ObjectClient
	tasks   TaskSubmitter
	index   SearchIndex
	now     func() time.Time
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, tasks TaskSubmitter, index SearchIndex) *DocumentService {
	return &DocumentService{db: db, storage: storage, tasks: tasks, index: index, now: time.Now}
}

// UploadRequest is one file handed to Upload.
type UploadRequest struct {
	WorkspaceID  string
	FolderID     string
	FileName     string
	ContentType  string
	Data         []byte
	ParseOptions models.ParseOptions
	Meta         map[string]any
}

func validateParseOptions(o models.ParseOptions) error {
	switch len(o.ParsePages) {
	case 0:
		return nil
	case 2:
		if o.ParsePages[0] < 0 || o.ParsePages[1] <= o.ParsePages[0] {
			return fmt.Errorf("%w: parse_pages [%d, %d)", core.ErrValidation, o.ParsePages[0], o.ParsePages[1])
		}
		return nil
	}
	return fmt.Errorf("%w: parse_pages needs a start and an end", core.ErrValidation)
}

// Upload stores the file, creates its document row and queues ingestion.
func (s *DocumentService) Upload(ctx context.Context, user models.UserProfile, req UploadRequest) (*models.Document, error) {
	name := strings.TrimSpace(path.Base(strings.ReplaceAll(req.FileName, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: missing file name", core.ErrValidation)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", core.ErrValidation, name)
	}
	mime := ingestion_engine.SniffMime(req.ContentType, name, req.Data)
	if !ingestion_engine.SupportedMime(mime) {
		return nil, fmt.Errorf("%w: unsupported file type %q", core.ErrValidation, mime)
	}
	if err := validateParseOptions(req.ParseOptions); err != nil {
		return nil, err
	}
	ws, err := authorize(ctx, s.db, user, req.WorkspaceID, true)
	if err != nil {
		return nil, err
	}

	folder := req.FolderID
	if folder == "" {
		folder = "root"
	}
	id := ingestion_engine.DocumentID(name, req.Data, s.now())
	loc, err := s.storage.SaveBytes(ctx, objectclient.OriginalPath(ws.UserID, ws.ID, folder, id), req.Data, mime)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}

	sum := sha256.Sum256(req.Data)
	doc := &models.Document{
		ID:           id,
		WorkspaceID:  ws.ID,
		FolderID:     folder,
		UserID:       user.ID,
		Name:         name,
		MimeType:     mime,
		Size:         int64(len(req.Data)),
		Checksum:     hex.EncodeToString(sum[:]),
		BlobLocation: loc,
		Status:       models.StatusReadyForIngestion,
		Meta:         req.Meta,
		ParseOptions: req.ParseOptions,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	s.submit(ctx, user, doc, false)
	return s.db.GetDocument(ctx, id)
}

// submit queues ingestion of doc. An inline run has already recorded its
// terminal status on the document, so its failure is only logged.
func (s *DocumentService) submit(ctx context.Context, user models.UserProfile, doc *models.Document, reIngest bool) {
	_, queued, err := s.tasks.Submit(ctx, user.ID, models.TaskIngestion, models.IngestionBody{
		Type:         string(models.TaskIngestion),
		DocID:        doc.ID,
		WorkspaceIdx: doc.WorkspaceID,
		UserObj:      user,
		ReIngest:     reIngest,
		ApplyOCR:     doc.ParseOptions.ApplyOCR,
	})
	if err != nil {
		log.Printf("DocumentService: ingestion of %s (ws %s): %v", doc.ID, doc.WorkspaceID, err)
		return
	}
	if queued {
		log.Printf("DocumentService: %s (ws %s) queued for ingestion", doc.ID, doc.WorkspaceID)
	}
}

func (s *DocumentService) Get(ctx context.Context, user models.UserProfile, id string) (*models.Document, error) {
	doc, err := s.db.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	if _, err := authorize(ctx, s.db, user, doc.WorkspaceID, false); err != nil {
		return nil, err
	}
	return doc, nil
}

// ReIngest moves a finished document back to ready_for_ingestion and queues
// it again.
func (s *DocumentService) ReIngest(ctx context.Context, user models.UserProfile, id string, opts *models.ParseOptions) (*models.Document, error) {
	doc, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, s.db, user, doc.WorkspaceID, true); err != nil {
		return nil, err
	}
	if doc.Status != models.StatusIngestOK && doc.Status != models.StatusIngestFailed {
		return nil, fmt.Errorf("%w: document %s is %s", core.ErrValidation, id, doc.Status)
	}
	patch := models.DocumentPatch{StatusMessage: models.Ptr("")}
	if opts != nil {
		if err := validateParseOptions(*opts); err != nil {
			return nil, err
		}
		patch.ParseOptions = opts
		doc.ParseOptions = *opts
	}
	if err := s.db.SetDocumentStatus(ctx, id, models.StatusReadyForIngestion, patch); err != nil {
		return nil, err
	}
	s.submit(ctx, user, doc, true)
	return s.db.GetDocument(ctx, id)
}

// CopyDocument replicates a document into another workspace as a fresh
// document and queues its ingestion there.
func (s *DocumentService) CopyDocument(ctx context.Context, user models.UserProfile, id, targetWsID string) (*models.Document, error) {
	src, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	target, err := authorize(ctx, s.db, user, targetWsID, true)
	if err != nil {
		return nil, err
	}
	if target.ID == src.WorkspaceID {
		return nil, fmt.Errorf("%w: document %s already lives in %s", core.ErrValidation, id, target.ID)
	}

	newID := ingestion_engine.DocumentID(src.Name, []byte(src.Checksum+target.ID), s.now())
	loc, err := s.storage.Copy(ctx, src.BlobLocation, objectclient.OriginalPath(target.UserID, target.ID, "root", newID))
	if err != nil {
		return nil, fmt.Errorf("copy blob of %s: %w", id, err)
	}
	doc := &models.Document{
		ID:           newID,
		WorkspaceID:  target.ID,
		FolderID:     "root",
		UserID:       user.ID,
		Name:         src.Name,
		MimeType:     src.MimeType,
		Size:         src.Size,
		Checksum:     src.Checksum,
		BlobLocation: loc,
		Status:       models.StatusReadyForIngestion,
		Meta:         src.Meta,
		ParseOptions: src.ParseOptions,
		SourceURL:    src.SourceURL,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	s.submit(ctx, user, doc, false)
	return s.db.GetDocument(ctx, newID)
}

// DeleteDocument removes the document's search presence. A permanent delete
// also drops its row, its stored artifacts and its usage.
func (s *DocumentService) DeleteDocument(ctx context.Context, user models.UserProfile, id string, permanent bool) error {
	doc, err := s.db.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	ws, err := authorize(ctx, s.db, user, doc.WorkspaceID, true)
	if err != nil {
		return err
	}
	if err := s.index.DeleteFromIndex(ctx, id); err != nil {
		return fmt.Errorf("unindex %s: %w", id, err)
	}
	if err := s.db.DeleteDocument(ctx, id, permanent); err != nil {
		return err
	}
	if !permanent {
		return nil
	}

	if err := s.storage.DeletePrefix(ctx, documentPrefixes(ws, doc)...); err != nil {
		log.Printf("DocumentService: purge artifacts of %s (ws %s): %v", id, ws.ID, err)
	}
	if doc.Metered {
		delta := documentUsage(doc)
		if err := s.db.UpsertUsageMetrics(ctx, doc.UserID, models.UsagePatch{Bucket: doc.UsageBucket(), Delta: delta}); err != nil {
			log.Printf("DocumentService: usage of %s: %v", id, err)
		}
	}
	return nil
}

func documentPrefixes(ws *models.Workspace, doc *models.Document) []string {
	return []string{
		objectclient.OriginalPath(ws.UserID, ws.ID, doc.FolderID, doc.ID),
		objectclient.ThumbnailPath(ws.UserID, ws.ID, doc.ID),
		objectclient.RenderedHTMLKey(doc.ID),
		objectclient.RenderedJSONKey(doc.ID),
		objectclient.FeaturesPath(doc.ID),
		objectclient.TemplatePath(ws.ID, doc.ID),
	}
}

// documentUsage is the negative usage delta of a metered document.
func documentUsage(doc *models.Document) models.UsageCounters {
	if doc.ParseOptions.ParseAndRenderOnly {
		return models.UsageCounters{PDFParserPages: -int64(doc.NumPages)}
	}
	return models.UsageCounters{NumDocs: -1, NumPages: -int64(doc.NumPages), DocSize: -doc.Size}
}

// CrawlSite queues an html_crawling task that stores and ingests the pages
// reachable from rawURL inside the workspace.
func (s *DocumentService) CrawlSite(ctx context.Context, user models.UserProfile, wsID, rawURL string, maxPages int) (*models.Task, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: crawl url %q", core.ErrValidation, rawURL)
	}
	if maxPages < 0 {
		return nil, fmt.Errorf("%w: max_pages %d", core.ErrValidation, maxPages)
	}
	ws, err := authorize(ctx, s.db, user, wsID, true)
	if err != nil {
		return nil, err
	}
	task, queued, err := s.tasks.Submit(ctx, user.ID, models.TaskHTMLCrawling, models.CrawlBody{
		URL:          u.String(),
		WorkspaceIdx: ws.ID,
		UserObj:      user,
		MaxPages:     maxPages,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("DocumentService: crawl of %s into ws %s submitted (queued=%t)", u.Host, ws.ID, queued)
	return task, nil
}

// DetectLayout queues layout inference for an ingested document.
func (s *DocumentService) DetectLayout(ctx context.Context, user models.UserProfile, id string) (*models.Task, error) {
	doc, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, s.db, user, doc.WorkspaceID, true); err != nil {
		return nil, err
	}
	if doc.Status != models.StatusIngestOK {
		return nil, fmt.Errorf("%w: document %s is %s", core.ErrValidation, id, doc.Status)
	}
	task, _, err := s.tasks.Submit(ctx, user.ID, models.TaskYolo, models.YoloBody{
		DocID:        doc.ID,
		WorkspaceIdx: doc.WorkspaceID,
		UserObj:      user,
	})
	return task, err
}
