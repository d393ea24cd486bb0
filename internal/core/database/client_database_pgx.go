package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/docindex/internal/config"
	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		// Append SSL params to the provided DATABASE_URL safely.
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// DB exposes the pool to the task queue.
func (c *DatabaseClient) DB() *sql.DB { return c.db }

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	return nil
}

// Workspaces

const workspaceCols = `id, name, user_id, settings, statistics, collaborators, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(r rowScanner) (*models.Workspace, error) {
	var (
		ws                      models.Workspace
		settings, stats, collab []byte
	)
	if err := r.Scan(&ws.ID, &ws.Name, &ws.UserID, &settings, &stats, &collab, &ws.Deleted, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &ws.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := json.Unmarshal(stats, &ws.Statistics); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	if err := json.Unmarshal(collab, &ws.Collaborators); err != nil {
		return nil, fmt.Errorf("decode collaborators: %w", err)
	}
	return &ws, nil
}

func (c *DatabaseClient) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws == nil {
		return errors.New("nil workspace")
	}
	settings, err := jsonArg(ws.Settings)
	if err != nil {
		return err
	}
	stats, err := jsonArg(ws.Statistics)
	if err != nil {
		return err
	}
	if ws.Collaborators == nil {
		ws.Collaborators = map[string]models.Role{}
	}
	collab, err := jsonArg(ws.Collaborators)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO workspaces (id, name, user_id, settings, statistics, collaborators, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, now(), now())
	`
	_, err = c.db.ExecContext(ctx, q, ws.ID, ws.Name, ws.UserID, settings, stats, collab)
	return err
}

func (c *DatabaseClient) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws, err := scanWorkspace(c.db.QueryRowContext(ctx, `SELECT `+workspaceCols+` FROM workspaces WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("workspace", id, err)
	}
	return ws, nil
}

func (c *DatabaseClient) UpdateWorkspace(ctx context.Context, id string, patch models.WorkspacePatch) error {
	ws, err := c.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	if patch.Name != nil {
		ws.Name = *patch.Name
	}
	if patch.Settings != nil {
		ws.Settings = *patch.Settings
	}
	if patch.Statistics != nil {
		ws.Statistics = *patch.Statistics
	}
	if patch.Collaborators != nil {
		ws.Collaborators = patch.Collaborators
	}
	if patch.Deleted != nil {
		ws.Deleted = *patch.Deleted
	}
	settings, err := jsonArg(ws.Settings)
	if err != nil {
		return err
	}
	stats, err := jsonArg(ws.Statistics)
	if err != nil {
		return err
	}
	collab, err := jsonArg(ws.Collaborators)
	if err != nil {
		return err
	}
	const q = `
		UPDATE workspaces
		SET name = $2, settings = $3, statistics = $4, collaborators = $5, deleted = $6, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, ws.Name, settings, stats, collab, ws.Deleted)
	if err != nil {
		return err
	}
	return checkAffected(res, "workspace", id)
}

func (c *DatabaseClient) ListWorkspaces(ctx context.Context, userID string) ([]models.Workspace, error) {
	q := `SELECT ` + workspaceCols + ` FROM workspaces`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) GetUserPermission(ctx context.Context, workspaceID, email string) (models.Role, error) {
	var role sql.NullString
	err := c.db.QueryRowContext(ctx, `SELECT collaborators ->> $2 FROM workspaces WHERE id = $1`, workspaceID, email).Scan(&role)
	if err != nil {
		return models.RoleNone, notFound("workspace", workspaceID, err)
	}
	return models.Role(role.String), nil
}

func (c *DatabaseClient) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "workspace", id)
}

// Documents

const documentCols = `id, workspace_id, folder_id, user_id, name, mime_type, size, checksum, blob_location,
	rendered_html_location, rendered_json_location, thumbnail_location, ocr_text, status, status_message,
	title, inferred_title, num_pages, meta, attributes, parse_options, source_url, metered, metered_bucket, deleted, created_at, updated_at`

func scanDocument(r rowScanner) (*models.Document, error) {
	var (
		d                      models.Document
		meta, attrs, parseOpts []byte
	)
	if err := r.Scan(
		&d.ID, &d.WorkspaceID, &d.FolderID, &d.UserID, &d.Name, &d.MimeType, &d.Size, &d.Checksum, &d.BlobLocation,
		&d.RenderedHTMLLocation, &d.RenderedJSONLocation, &d.ThumbnailLocation, &d.OCRText, &d.Status, &d.StatusMessage,
		&d.Title, &d.InferredTitle, &d.NumPages, &meta, &attrs, &parseOpts, &d.SourceURL, &d.Metered, &d.MeteredBucket, &d.Deleted, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &d.Meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if err := json.Unmarshal(attrs, &d.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if err := json.Unmarshal(parseOpts, &d.ParseOptions); err != nil {
		return nil, fmt.Errorf("decode parse options: %w", err)
	}
	return &d, nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.Meta == nil {
		doc.Meta = map[string]any{}
	}
	meta, err := jsonArg(doc.Meta)
	if err != nil {
		return err
	}
	attrs, err := jsonArg(doc.Attributes)
	if err != nil {
		return err
	}
	if doc.Attributes == nil {
		attrs = "{}"
	}
	parseOpts, err := jsonArg(doc.ParseOptions)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO documents
			(id, workspace_id, folder_id, user_id, name, mime_type, size, checksum, blob_location, status,
			 meta, attributes, parse_options, source_url, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
	`
	_, err = c.db.ExecContext(ctx, q,
		doc.ID, doc.WorkspaceID, doc.FolderID, doc.UserID, doc.Name, doc.MimeType, doc.Size, doc.Checksum,
		doc.BlobLocation, doc.Status, meta, attrs, parseOpts, doc.SourceURL)
	return err
}

// UpdateDocument reads, patches and writes the row back.
func (c *DatabaseClient) UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) error {
	doc, err := c.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	patch.Apply(doc)
	meta, err := jsonArg(doc.Meta)
	if err != nil {
		return err
	}
	parseOpts, err := jsonArg(doc.ParseOptions)
	if err != nil {
		return err
	}
	const q = `
		UPDATE documents SET
			status = $2, status_message = $3, mime_type = $4, blob_location = $5,
			rendered_html_location = $6, rendered_json_location = $7, thumbnail_location = $8,
			ocr_text = $9, title = $10, inferred_title = $11, num_pages = $12, meta = $13,
			parse_options = $14, metered = $15, metered_bucket = $16, deleted = $17, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id,
		doc.Status, doc.StatusMessage, doc.MimeType, doc.BlobLocation,
		doc.RenderedHTMLLocation, doc.RenderedJSONLocation, doc.ThumbnailLocation,
		doc.OCRText, doc.Title, doc.InferredTitle, doc.NumPages, meta,
		parseOpts, doc.Metered, doc.MeteredBucket, doc.Deleted)
	if err != nil {
		return err
	}
	return checkAffected(res, "document", id)
}

func (c *DatabaseClient) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	d, err := scanDocument(c.db.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("document", id, err)
	}
	return d, nil
}

func (c *DatabaseClient) queryDocuments(ctx context.Context, q string, args ...any) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) GetDocumentsByName(ctx context.Context, name, workspaceID, folderID string) ([]models.Document, error) {
	return c.queryDocuments(ctx, `
		SELECT `+documentCols+` FROM documents
		WHERE name = $1 AND workspace_id = $2 AND folder_id = $3 AND NOT deleted
		ORDER BY created_at DESC`, name, workspaceID, folderID)
}

func (c *DatabaseClient) ListDocumentsByWorkspace(ctx context.Context, workspaceID string) ([]models.Document, error) {
	return c.queryDocuments(ctx, `
		SELECT `+documentCols+` FROM documents
		WHERE workspace_id = $1
		ORDER BY created_at ASC`, workspaceID)
}

func (c *DatabaseClient) SetDocumentStatus(ctx context.Context, id, status string, patch models.DocumentPatch) error {
	patch.Status = &status
	return c.UpdateDocument(ctx, id, patch)
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string, permanent bool) error {
	if !permanent {
		res, err := c.db.ExecContext(ctx, `UPDATE documents SET deleted = TRUE, updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return err
		}
		return checkAffected(res, "document", id)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM blocks WHERE doc_id = $1`,
		`DELETE FROM bboxes WHERE doc_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := checkAffected(res, "document", id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeleteDocumentBlocks(ctx context.Context, docID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM blocks WHERE doc_id = $1`, docID)
	return err
}

func (c *DatabaseClient) SaveDocumentKeyInfo(ctx context.Context, docID string, info *models.KeyInfo) error {
	raw, err := jsonArg(info)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `UPDATE documents SET key_info = $2, updated_at = now() WHERE id = $1`, docID, raw)
	if err != nil {
		return err
	}
	return checkAffected(res, "document", docID)
}

func (c *DatabaseClient) GetDocumentKeyInfo(ctx context.Context, docID string) (*models.KeyInfo, error) {
	var raw []byte
	if err := c.db.QueryRowContext(ctx, `SELECT key_info FROM documents WHERE id = $1`, docID).Scan(&raw); err != nil {
		return nil, notFound("document", docID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("key info %s: %w", docID, core.ErrNotFound)
	}
	var info models.KeyInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode key info: %w", err)
	}
	return &info, nil
}

func (c *DatabaseClient) AddDocumentAttribute(ctx context.Context, docID, key string, value any) error {
	raw, err := jsonArg(value)
	if err != nil {
		return err
	}
	const q = `
		UPDATE documents
		SET attributes = jsonb_set(COALESCE(attributes, '{}'::jsonb), ARRAY[$2::text], $3::jsonb, true), updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, docID, key, raw)
	if err != nil {
		return err
	}
	return checkAffected(res, "document", docID)
}

// Match rows

// CreateESEntries inserts match rows in a single transaction.
func (c *DatabaseClient) CreateESEntries(ctx context.Context, workspaceID string, matches []models.Match) error {
	if len(matches) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO blocks
			(id, doc_id, workspace_id, match_idx, block_idx, page_idx, block_type, raw_text, header_text, entity_list, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range matches {
		m := &matches[i]
		ents, err := jsonArg(m.EntityList)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if m.EntityList == nil {
			ents = "[]"
		}
		var vec any
		if len(m.Embeddings.SIF.Match) > 0 {
			vec = pgvector.NewVector(m.Embeddings.SIF.Match)
		}
		raw := m.RawText
		if raw == "" {
			raw = m.MatchText
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.FileIdx, workspaceID, m.MatchIdx, m.BlockIdx, m.PageIdx, m.BlockType, raw, m.HeaderText, ents, vec,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) RemoveESEntry(ctx context.Context, docID, workspaceID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM blocks WHERE doc_id = $1 AND workspace_id = $2`, docID, workspaceID)
	return err
}

func (c *DatabaseClient) CountESEntries(ctx context.Context, docID, workspaceID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM blocks WHERE doc_id = $1 AND ($2 = '' OR workspace_id = $2)`, docID, workspaceID).Scan(&n)
	return n, err
}

// SearchDocumentBlocks finds top-k similar blocks within a document for a query embedding.
func (c *DatabaseClient) SearchDocumentBlocks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.Match, error) {
	const q = `
		SELECT id, doc_id, workspace_id, match_idx, block_idx, page_idx, block_type, raw_text, header_text, embedding
		FROM blocks
		WHERE doc_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <-> $2
		LIMIT $3
	`
	vec := pgvector.NewVector(queryVec)
	rows, err := c.db.QueryContext(ctx, q, docID, vec, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var (
			m   models.Match
			emb pgvector.Vector
		)
		if err := rows.Scan(&m.ID, &m.FileIdx, &m.WorkspaceIdx, &m.MatchIdx, &m.BlockIdx, &m.PageIdx, &m.BlockType, &m.RawText, &m.HeaderText, &emb); err != nil {
			return nil, err
		}
		m.MatchText = m.RawText
		m.Embeddings.SIF.Match = emb.Slice()
		out = append(out, m)
	}
	return out, rows.Err()
}

// BBoxes

// SaveBBoxBulk replaces the boxes of the same source already stored for the doc.
func (c *DatabaseClient) SaveBBoxBulk(ctx context.Context, docID string, bboxes []models.BBox) error {
	if len(bboxes) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, b := range bboxes {
		if seen[b.Source] {
			continue
		}
		seen[b.Source] = true
		if _, err := tx.ExecContext(ctx, `DELETE FROM bboxes WHERE doc_id = $1 AND source = $2`, docID, b.Source); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	const q = `
		INSERT INTO bboxes (doc_id, page_idx, block_idx, block_type, x1, y1, x2, y2, audited, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, b := range bboxes {
		if _, err := tx.ExecContext(ctx, q, docID, b.PageIdx, b.BlockIdx, b.BlockType,
			b.BBox[0], b.BBox[1], b.BBox[2], b.BBox[3], b.Audited, b.Source); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetInferenceBBox(ctx context.Context, docID string, pageIdx *int) ([]models.BBox, error) {
	q := `
		SELECT page_idx, block_idx, block_type, x1, y1, x2, y2, audited, source
		FROM bboxes WHERE doc_id = $1 AND source = 'inference'`
	args := []any{docID}
	if pageIdx != nil {
		q += ` AND page_idx = $2`
		args = append(args, *pageIdx)
	}
	q += ` ORDER BY page_idx, block_idx`
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BBox
	for rows.Next() {
		var b models.BBox
		if err := rows.Scan(&b.PageIdx, &b.BlockIdx, &b.BlockType, &b.BBox[0], &b.BBox[1], &b.BBox[2], &b.BBox[3], &b.Audited, &b.Source); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Tasks

func (c *DatabaseClient) InsertTask(ctx context.Context, userID string, taskType models.TaskType, body map[string]any) (*models.Task, error) {
	raw, err := jsonArg(body)
	if err != nil {
		return nil, err
	}
	t := &models.Task{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   taskType,
		Body:   body,
		Status: models.TaskQueued,
	}
	err = c.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, user_id, type, body, status) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`, t.ID, t.UserID, string(t.Type), raw, t.Status).Scan(&t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *DatabaseClient) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var (
		t    models.Task
		typ  string
		body []byte
	)
	err := c.db.QueryRowContext(ctx, `SELECT id, user_id, type, body, status, created_at FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &typ, &body, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, notFound("task", id, err)
	}
	t.Type = models.TaskType(typ)
	if err := json.Unmarshal(body, &t.Body); err != nil {
		return nil, fmt.Errorf("decode task body: %w", err)
	}
	return &t, nil
}

func (c *DatabaseClient) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE tasks SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return checkAffected(res, "task", id)
}

func (c *DatabaseClient) DeleteTask(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}

// Usage

func (c *DatabaseClient) UpsertUsageMetrics(ctx context.Context, userID string, patch models.UsagePatch) error {
	bucket := patch.Bucket
	if bucket == "" {
		bucket = models.UsageGeneral
	}
	if bucket != models.UsageGeneral && bucket != models.UsageDevAPI {
		return fmt.Errorf("usage bucket %q: %w", bucket, core.ErrValidation)
	}
	now := time.Now().UTC()
	d := patch.Delta
	const q = `
		INSERT INTO usage_metrics
			(user_id, year, month, bucket, num_pages, num_docs, doc_size, pdf_parser_pages, num_fields, num_workspaces, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (user_id, year, month, bucket) DO UPDATE SET
			num_pages        = usage_metrics.num_pages + EXCLUDED.num_pages,
			num_docs         = usage_metrics.num_docs + EXCLUDED.num_docs,
			doc_size         = usage_metrics.doc_size + EXCLUDED.doc_size,
			pdf_parser_pages = usage_metrics.pdf_parser_pages + EXCLUDED.pdf_parser_pages,
			num_fields       = usage_metrics.num_fields + EXCLUDED.num_fields,
			num_workspaces   = usage_metrics.num_workspaces + EXCLUDED.num_workspaces,
			updated_at       = now()
	`
	_, err := c.db.ExecContext(ctx, q, userID, now.Year(), int(now.Month()), bucket,
		d.NumPages, d.NumDocs, d.DocSize, d.PDFParserPages, d.NumFields, d.NumWorkspaces)
	return err
}

func (c *DatabaseClient) RetrieveUsageMetrics(ctx context.Context, userID string, year, month int) ([]models.UsageMetrics, error) {
	const q = `
		SELECT year, month, bucket, num_pages, num_docs, doc_size, pdf_parser_pages, num_fields, num_workspaces, updated_at
		FROM usage_metrics
		WHERE user_id = $1 AND ($2 = 0 OR year = $2) AND ($3 = 0 OR month = $3)
		ORDER BY year, month
	`
	rows, err := c.db.QueryContext(ctx, q, userID, year, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byMonth := map[[2]int]*models.UsageMetrics{}
	var order [][2]int
	for rows.Next() {
		var (
			y, m      int
			bucket    string
			counters  models.UsageCounters
			updatedAt time.Time
		)
		if err := rows.Scan(&y, &m, &bucket, &counters.NumPages, &counters.NumDocs, &counters.DocSize,
			&counters.PDFParserPages, &counters.NumFields, &counters.NumWorkspaces, &updatedAt); err != nil {
			return nil, err
		}
		key := [2]int{y, m}
		um, ok := byMonth[key]
		if !ok {
			um = &models.UsageMetrics{UserID: userID, Year: y, Month: m}
			byMonth[key] = um
			order = append(order, key)
		}
		if bucket == models.UsageDevAPI {
			um.DevAPIUsage = counters
		} else {
			um.GeneralUsage = counters
		}
		if updatedAt.After(um.UpdatedAt) {
			um.UpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.UsageMetrics, 0, len(order))
	for _, k := range order {
		out = append(out, *byMonth[k])
	}
	return out, nil
}

func (c *DatabaseClient) RetrieveSubscriptionPlans(ctx context.Context, name string) ([]models.SubscriptionPlan, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, max_pages, max_docs, max_workspaces FROM subscription_plans
		WHERE ($1 = '' OR name = $1) ORDER BY max_pages`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SubscriptionPlan
	for rows.Next() {
		var p models.SubscriptionPlan
		if err := rows.Scan(&p.Name, &p.MaxPages, &p.MaxDocs, &p.MaxWorkspaces); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Field bundles

func (c *DatabaseClient) CreateFieldBundle(ctx context.Context, bundle *models.FieldBundle) error {
	if bundle.ID == "" {
		bundle.ID = uuid.NewString()
	}
	ids, err := jsonArg(bundle.FieldIDs)
	if err != nil {
		return err
	}
	if bundle.FieldIDs == nil {
		ids = "[]"
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO field_bundles (id, workspace_id, user_id, name, field_ids) VALUES ($1, $2, $3, $4, $5)`,
		bundle.ID, bundle.WorkspaceID, bundle.UserID, bundle.Name, ids)
	return err
}

func (c *DatabaseClient) ListFieldBundles(ctx context.Context, workspaceID string) ([]models.FieldBundle, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, name, field_ids, created_at FROM field_bundles
		WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FieldBundle
	for rows.Next() {
		var (
			b   models.FieldBundle
			ids []byte
		)
		if err := rows.Scan(&b.ID, &b.WorkspaceID, &b.UserID, &b.Name, &ids, &b.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ids, &b.FieldIDs); err != nil {
			return nil, fmt.Errorf("decode field ids: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteFieldBundles(ctx context.Context, workspaceID string) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM field_bundles WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c *DatabaseClient) CreateField(ctx context.Context, field *models.Field) error {
	if field.ID == "" {
		field.ID = uuid.NewString()
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fields (id, bundle_id, workspace_id, name, question) VALUES ($1, $2, $3, $4, $5)`,
		field.ID, field.BundleID, field.WorkspaceID, field.Name, field.Question); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE field_bundles SET field_ids = field_ids || to_jsonb($2::text) WHERE id = $1`,
		field.BundleID, field.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *DatabaseClient) ListFields(ctx context.Context, bundleID string) ([]models.Field, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, bundle_id, workspace_id, name, question FROM fields WHERE bundle_id = $1 ORDER BY id`, bundleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Field
	for rows.Next() {
		var f models.Field
		if err := rows.Scan(&f.ID, &f.BundleID, &f.WorkspaceID, &f.Name, &f.Question); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteFields(ctx context.Context, workspaceID string) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM fields WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
