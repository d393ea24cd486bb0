package ingestion_engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/go-resty/resty/v2"

	"github.com/markdave123-py/docindex/internal/core"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/models"
)

// Ingester runs one document through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req IngestRequest) IngestResult
}

const defaultCrawlPages = 10

// publication-date carriers, in preference order
var dateSelectors = []struct{ sel, attr string }{
	{`meta[property="article:published_time"]`, "content"},
	{`meta[name="date"]`, "content"},
	{`meta[name="dc.date"]`, "content"},
	{`meta[itemprop="datePublished"]`, "content"},
	{`time[datetime]`, "datetime"},
}

// Crawler fetches a site breadth-first on one host and ingests every page as
// an html document of the workspace.
type Crawler struct {
	http   *resty.Client
	db     core.DbClient
	obj    core.ObjectClient
	ingest Ingester
	now    func() time.Time
}

func NewCrawler(db core.DbClient, obj core.ObjectClient, ingest Ingester) *Crawler {
	c := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", "docindex-crawler/1.0")
	return &Crawler{http: c, db: db, obj: obj, ingest: ingest, now: time.Now}
}

// CrawlPage is one fetched page.
type CrawlPage struct {
	URL       string
	Title     string
	Published *time.Time
	Links     []string
	HTML      []byte
}

// Crawl visits at most body.MaxPages pages starting at body.URL and returns
// the ids of the documents created.
func (c *Crawler) Crawl(ctx context.Context, body models.CrawlBody) ([]string, error) {
	start, err := url.Parse(body.URL)
	if err != nil || start.Host == "" || (start.Scheme != "http" && start.Scheme != "https") {
		return nil, fmt.Errorf("%w: bad crawl url %q", core.ErrValidation, body.URL)
	}
	if _, err := c.db.GetWorkspace(ctx, body.WorkspaceIdx); err != nil {
		return nil, err
	}
	limit := body.MaxPages
	if limit <= 0 {
		limit = defaultCrawlPages
	}

	start.Fragment = ""
	queue := []string{start.String()}
	seen := map[string]bool{start.String(): true}
	var docIDs []string

	for len(queue) > 0 && len(docIDs) < limit {
		if err := ctx.Err(); err != nil {
			return docIDs, err
		}
		next := queue[0]
		queue = queue[1:]

		page, err := c.Fetch(ctx, next)
		if err != nil {
			log.Printf("Crawler: fetch %s (ws %s): %v", next, body.WorkspaceIdx, err)
			continue
		}
		for _, l := range page.Links {
			if !seen[l] {
				seen[l] = true
				queue = append(queue, l)
			}
		}

		id, err := c.store(ctx, body, page)
		if err != nil {
			log.Printf("Crawler: store %s (ws %s): %v", next, body.WorkspaceIdx, err)
			continue
		}
		docIDs = append(docIDs, id)

		res := c.ingest.Ingest(ctx, IngestRequest{DocID: id, User: body.UserObj, RerunExtraction: true})
		if !res.OK() {
			log.Printf("Crawler: ingest %s (%s): %s", id, next, res.Reason)
		}
	}
	log.Printf("Crawler: %s done, %d pages stored in ws %s", body.URL, len(docIDs), body.WorkspaceIdx)
	return docIDs, nil
}

// Fetch downloads one page and extracts its title, publication date and the
// same-host links.
func (c *Crawler) Fetch(ctx context.Context, pageURL string) (*CrawlPage, error) {
	resp, err := c.http.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "" && baseMime(ct) != MimeHTML {
		return nil, fmt.Errorf("%w: not html: %s", core.ErrValidation, ct)
	}
	raw := resp.Body()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base := resp.RawResponse.Request.URL

	page := &CrawlPage{
		URL:   base.String(),
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		HTML:  raw,
	}
	for _, ds := range dateSelectors {
		v := strings.TrimSpace(doc.Find(ds.sel).First().AttrOr(ds.attr, ""))
		if v == "" {
			continue
		}
		if t, err := dateparse.ParseAny(v); err == nil {
			page.Published = &t
			break
		}
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		ref, err := url.Parse(strings.TrimSpace(s.AttrOr("href", "")))
		if err != nil {
			return
		}
		u := base.ResolveReference(ref)
		u.Fragment = ""
		if u.Host != base.Host || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		page.Links = append(page.Links, u.String())
	})
	return page, nil
}

func (c *Crawler) store(ctx context.Context, body models.CrawlBody, page *CrawlPage) (string, error) {
	name := page.Title
	if name == "" {
		name = page.URL
	}
	id := DocumentID(page.URL, page.HTML, c.now())
	loc, err := c.obj.SaveBytes(ctx, objectclient.OriginalPath(body.UserObj.ID, body.WorkspaceIdx, "root", id), page.HTML, MimeHTML)
	if err != nil {
		return "", fmt.Errorf("save page: %w", err)
	}

	meta := map[string]any{"url": page.URL}
	if page.Published != nil {
		meta["published"] = page.Published.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256(page.HTML)
	doc := &models.Document{
		ID:           id,
		WorkspaceID:  body.WorkspaceIdx,
		FolderID:     "root",
		UserID:       body.UserObj.ID,
		Name:         name,
		MimeType:     MimeHTML,
		Size:         int64(len(page.HTML)),
		Checksum:     hex.EncodeToString(sum[:]),
		BlobLocation: loc,
		Status:       models.StatusReadyForIngestion,
		Meta:         meta,
		SourceURL:    page.URL,
	}
	if err := c.db.CreateDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	return id, nil
}

// HandleTask runs an html_crawling task.
func (c *Crawler) HandleTask(ctx context.Context, task *models.Task) error {
	var body models.CrawlBody
	if err := models.DecodeBody(task.Body, &body); err != nil {
		return fmt.Errorf("decode crawl body: %w", err)
	}
	if body.UserObj.ID == "" {
		body.UserObj.ID = task.UserID
	}
	_, err := c.Crawl(ctx, body)
	return err
}
