package models

import (
	"time"
)

// Document statuses. See the ingestion state machine in the orchestrator.
const (
	StatusReadyForIngestion = "ready_for_ingestion"
	StatusIngestInProgress  = "ingest_inprogress"
	StatusIngestOK          = "ingest_ok"
	StatusIngestFailed      = "ingest_failed"
)

// Role is a collaborator's permission inside a workspace.
type Role string

const (
	RoleNone   Role = ""
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may run mutating operations.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleEditor
}

// CanView reports whether the role may read.
func (r Role) CanView() bool {
	return r.CanEdit() || r == RoleViewer
}

// UserProfile is the identity handed to the core by its callers.
type UserProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	DevAPIKey bool   `json:"dev_api_key,omitempty"` // request came in through a developer key
}

// Workspace groups documents, field bundles and settings.
type Workspace struct {
	ID            string              `db:"id" json:"id"`
	Name          string              `db:"name" json:"name"`
	UserID        string              `db:"user_id" json:"user_id"`
	Settings      WorkspaceSettings   `db:"settings" json:"settings"`
	Statistics    WorkspaceStatistics `db:"statistics" json:"statistics"`
	Collaborators map[string]Role     `db:"collaborators" json:"collaborators"`
	Deleted       bool                `db:"deleted" json:"deleted"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// IndexName is the search index hosting the workspace. A non-empty
// index_settings.index points at a shared physical index.
func (w *Workspace) IndexName() string {
	if w.Settings.IndexSettings.Index != "" {
		return w.Settings.IndexSettings.Index
	}
	return w.ID
}

// SharedIndex reports whether the workspace lives on an index it does not own.
func (w *Workspace) SharedIndex() bool {
	return w.IndexName() != w.ID
}

type WorkspaceSettings struct {
	IndexSettings     IndexSettings              `json:"index_settings"`
	SearchSettings    map[string]any             `json:"search_settings,omitempty"`
	IgnoreBlock       []IgnoreBlock              `json:"ignore_block,omitempty"`
	PrivateDictionary map[string]DictionaryEntry `json:"private_dictionary,omitempty"`
	Domain            string                     `json:"domain,omitempty"`
}

type IndexSettings struct {
	Index                string `json:"index,omitempty"`
	CreateFileLevelIndex bool   `json:"create_file_level_index"`
	IndexDPR             bool   `json:"index_dpr"`
	DebugFullText        bool   `json:"debug_full_text"`
}

// IgnoreBlock is a per-workspace pattern of boilerplate to drop at index time.
// Level is "sentence" or "header".
type IgnoreBlock struct {
	Text           string `json:"text"`
	IgnoreAllAfter bool   `json:"ignore_all_after"`
	Level          string `json:"level"`
}

// DictionaryEntry is one row of a workspace's private dictionary.
type DictionaryEntry struct {
	Synonyms []string `json:"synonyms,omitempty"`
	Type     string   `json:"type,omitempty"`
}

type WorkspaceStatistics struct {
	NumDocs  int   `json:"num_docs"`
	NumPages int   `json:"num_pages"`
	DocSize  int64 `json:"doc_size"`
}

// WorkspacePatch carries the mutable workspace fields; nil means unchanged.
type WorkspacePatch struct {
	Name          *string
	Settings      *WorkspaceSettings
	Statistics    *WorkspaceStatistics
	Collaborators map[string]Role
	Deleted       *bool
}

// ParseOptions are forwarded to the parser.
type ParseOptions struct {
	ParseAndRenderOnly bool   `json:"parse_and_render_only,omitempty"`
	RenderFormat       string `json:"render_format,omitempty"`
	ParsePages         []int  `json:"parse_pages,omitempty"` // empty for all, or [start, end) 0-based
	UseNewIndentParser bool   `json:"use_new_indent_parser,omitempty"`
	ApplyOCR           bool   `json:"apply_ocr,omitempty"`
}

// Document represents an uploaded or crawled file.
type Document struct {
	ID                   string         `db:"id" json:"id"`
	WorkspaceID          string         `db:"workspace_id" json:"workspace_id"`
	FolderID             string         `db:"folder_id" json:"folder_id"`
	UserID               string         `db:"user_id" json:"user_id"`
	Name                 string         `db:"name" json:"name"`
	MimeType             string         `db:"mime_type" json:"mime_type"`
	Size                 int64          `db:"size" json:"size"`
	Checksum             string         `db:"checksum" json:"checksum"`
	BlobLocation         string         `db:"blob_location" json:"blob_location"`
	RenderedHTMLLocation string         `db:"rendered_html_location" json:"rendered_html_location,omitempty"`
	RenderedJSONLocation string         `db:"rendered_json_location" json:"rendered_json_location,omitempty"`
	ThumbnailLocation    string         `db:"thumbnail_location" json:"thumbnail_location,omitempty"`
	OCRText              string         `db:"ocr_text" json:"ocr_text,omitempty"`
	Status               string         `db:"status" json:"status"`
	StatusMessage        string         `db:"status_message" json:"status_message,omitempty"`
	Title                string         `db:"title" json:"title,omitempty"`
	InferredTitle        string         `db:"inferred_title" json:"inferred_title,omitempty"`
	NumPages             int            `db:"num_pages" json:"num_pages"`
	Meta                 map[string]any `db:"meta" json:"meta,omitempty"`
	Attributes           map[string]any `db:"attributes" json:"attributes,omitempty"`
	ParseOptions         ParseOptions   `db:"parse_options" json:"parse_options"`
	SourceURL            string         `db:"source_url" json:"source_url,omitempty"`
	Metered              bool           `db:"metered" json:"metered"` // usage already charged for this document
	MeteredBucket        string         `db:"metered_bucket" json:"metered_bucket,omitempty"`
	Deleted              bool           `db:"deleted" json:"deleted"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// UsageBucket is the bucket the document's usage was charged to. Rows
// metered before the bucket was recorded count as general usage.
func (d *Document) UsageBucket() string {
	if d.MeteredBucket == "" {
		return UsageGeneral
	}
	return d.MeteredBucket
}

// DocumentPatch carries the mutable document fields; nil means unchanged.
type DocumentPatch struct {
	Status               *string
	StatusMessage        *string
	MimeType             *string
	BlobLocation         *string
	RenderedHTMLLocation *string
	RenderedJSONLocation *string
	ThumbnailLocation    *string
	OCRText              *string
	Title                *string
	InferredTitle        *string
	NumPages             *int
	Meta                 map[string]any
	ParseOptions         *ParseOptions
	Metered              *bool
	MeteredBucket        *string
	Deleted              *bool
}

// Apply copies the set fields of p onto doc.
func (p DocumentPatch) Apply(doc *Document) {
	if p.Status != nil {
		doc.Status = *p.Status
	}
	if p.StatusMessage != nil {
		doc.StatusMessage = *p.StatusMessage
	}
	if p.MimeType != nil {
		doc.MimeType = *p.MimeType
	}
	if p.BlobLocation != nil {
		doc.BlobLocation = *p.BlobLocation
	}
	if p.RenderedHTMLLocation != nil {
		doc.RenderedHTMLLocation = *p.RenderedHTMLLocation
	}
	if p.RenderedJSONLocation != nil {
		doc.RenderedJSONLocation = *p.RenderedJSONLocation
	}
	if p.ThumbnailLocation != nil {
		doc.ThumbnailLocation = *p.ThumbnailLocation
	}
	if p.OCRText != nil {
		doc.OCRText = *p.OCRText
	}
	if p.Title != nil {
		doc.Title = *p.Title
	}
	if p.InferredTitle != nil {
		doc.InferredTitle = *p.InferredTitle
	}
	if p.NumPages != nil {
		doc.NumPages = *p.NumPages
	}
	if p.Meta != nil {
		doc.Meta = p.Meta
	}
	if p.ParseOptions != nil {
		doc.ParseOptions = *p.ParseOptions
	}
	if p.Metered != nil {
		doc.Metered = *p.Metered
	}
	if p.MeteredBucket != nil {
		doc.MeteredBucket = *p.MeteredBucket
	}
	if p.Deleted != nil {
		doc.Deleted = *p.Deleted
	}
}

// FieldBundle is a saved extraction template bound to a workspace.
type FieldBundle struct {
	ID          string    `db:"id" json:"id"`
	WorkspaceID string    `db:"workspace_id" json:"workspace_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Name        string    `db:"name" json:"name"`
	FieldIDs    []string  `db:"field_ids" json:"field_ids"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Field is one question of a field bundle.
type Field struct {
	ID          string `db:"id" json:"id"`
	BundleID    string `db:"bundle_id" json:"bundle_id"`
	WorkspaceID string `db:"workspace_id" json:"workspace_id"`
	Name        string `db:"name" json:"name"`
	Question    string `db:"question" json:"question"`
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
