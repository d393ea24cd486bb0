package models

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskIngestion    TaskType = "ingestion"
	TaskHTMLCrawling TaskType = "html_crawling"
	TaskYolo         TaskType = "yolo"
)

const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task is the persistent record of a queued unit of background work.
type Task struct {
	ID        string         `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"user_id"`
	Type      TaskType       `db:"type" json:"type"`
	Body      map[string]any `db:"body" json:"body"`
	Status    string         `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// IngestionBody is the typed view of an ingestion task body.
type IngestionBody struct {
	Type         string      `json:"type"`
	DocID        string      `json:"doc_id"`
	WorkspaceIdx string      `json:"workspace_idx"`
	UserObj      UserProfile `json:"user_obj"`
	ReIngest     bool        `json:"re_ingest"`
	ApplyOCR     bool        `json:"apply_ocr"`
	NotifyAction string      `json:"notify_action,omitempty"`
	ParentTask   string      `json:"parent_task,omitempty"`
}

// CrawlBody is the typed view of an html_crawling task body.
type CrawlBody struct {
	Type         string      `json:"type"`
	URL          string      `json:"url"`
	WorkspaceIdx string      `json:"workspace_idx"`
	UserObj      UserProfile `json:"user_obj"`
	MaxPages     int         `json:"max_pages"`
}

// YoloBody is the typed view of a yolo inference task body.
type YoloBody struct {
	Type         string      `json:"type"`
	DocID        string      `json:"doc_id"`
	WorkspaceIdx string      `json:"workspace_idx"`
	UserObj      UserProfile `json:"user_obj"`
}

// EncodeBody turns a typed body into the free-form map stored on the task.
func EncodeBody(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeBody reads a task's free-form body into a typed struct.
func DecodeBody(body map[string]any, v any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Usage buckets.
const (
	UsageGeneral = "general_usage"
	UsageDevAPI  = "dev_api_usage"
)

type UsageCounters struct {
	NumPages       int64 `json:"num_pages"`
	NumDocs        int64 `json:"num_docs"`
	DocSize        int64 `json:"doc_size"`
	PDFParserPages int64 `json:"pdf_parser_pages"`
	NumFields      int64 `json:"num_fields"`
	NumWorkspaces  int64 `json:"num_workspaces"`
}

// Add returns the element-wise sum of c and d.
func (c UsageCounters) Add(d UsageCounters) UsageCounters {
	return UsageCounters{
		NumPages:       c.NumPages + d.NumPages,
		NumDocs:        c.NumDocs + d.NumDocs,
		DocSize:        c.DocSize + d.DocSize,
		PDFParserPages: c.PDFParserPages + d.PDFParserPages,
		NumFields:      c.NumFields + d.NumFields,
		NumWorkspaces:  c.NumWorkspaces + d.NumWorkspaces,
	}
}

// UsageMetrics is one monthly usage row of a user.
type UsageMetrics struct {
	UserID       string        `db:"user_id" json:"user_id"`
	Year         int           `db:"year" json:"year"`
	Month        int           `db:"month" json:"month"`
	GeneralUsage UsageCounters `db:"general_usage" json:"general_usage"`
	DevAPIUsage  UsageCounters `db:"dev_api_usage" json:"dev_api_usage"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// UsagePatch is a delta applied to one bucket of the current month.
type UsagePatch struct {
	Bucket string
	Delta  UsageCounters
}

type SubscriptionPlan struct {
	Name          string `db:"name" json:"name"`
	MaxPages      int64  `db:"max_pages" json:"max_pages"`
	MaxDocs       int64  `db:"max_docs" json:"max_docs"`
	MaxWorkspaces int64  `db:"max_workspaces" json:"max_workspaces"`
}
