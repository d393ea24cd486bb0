package core

import (
	"context"

	"github.com/markdave123-py/docindex/internal/models"
)

// DbClient defines all persistence operations the ingestion core needs.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, id string, patch models.WorkspacePatch) error
	ListWorkspaces(ctx context.Context, userID string) ([]models.Workspace, error)
	GetUserPermission(ctx context.Context, workspaceID, email string) (models.Role, error)
	DeleteWorkspace(ctx context.Context, id string) error

	CreateDocument(ctx context.Context, doc *models.Document) error
	UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocumentsByName(ctx context.Context, name, workspaceID, folderID string) ([]models.Document, error)
	ListDocumentsByWorkspace(ctx context.Context, workspaceID string) ([]models.Document, error)
	SetDocumentStatus(ctx context.Context, id, status string, patch models.DocumentPatch) error
	DeleteDocument(ctx context.Context, id string, permanent bool) error

	DeleteDocumentBlocks(ctx context.Context, docID string) error
	SaveDocumentKeyInfo(ctx context.Context, docID string, info *models.KeyInfo) error
	GetDocumentKeyInfo(ctx context.Context, docID string) (*models.KeyInfo, error)
	AddDocumentAttribute(ctx context.Context, docID, key string, value any) error

	// CreateESEntries stores one metadata row per match, keyed by the match id
	// that is also used as the search-engine document id.
	CreateESEntries(ctx context.Context, workspaceID string, matches []models.Match) error
	RemoveESEntry(ctx context.Context, docID, workspaceID string) error
	CountESEntries(ctx context.Context, docID, workspaceID string) (int, error)
	SearchDocumentBlocks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.Match, error)

	SaveBBoxBulk(ctx context.Context, docID string, bboxes []models.BBox) error
	GetInferenceBBox(ctx context.Context, docID string, pageIdx *int) ([]models.BBox, error)

	InsertTask(ctx context.Context, userID string, taskType models.TaskType, body map[string]any) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	DeleteTask(ctx context.Context, id string) error

	UpsertUsageMetrics(ctx context.Context, userID string, patch models.UsagePatch) error
	RetrieveUsageMetrics(ctx context.Context, userID string, year, month int) ([]models.UsageMetrics, error)
	RetrieveSubscriptionPlans(ctx context.Context, name string) ([]models.SubscriptionPlan, error)

	CreateFieldBundle(ctx context.Context, bundle *models.FieldBundle) error
	ListFieldBundles(ctx context.Context, workspaceID string) ([]models.FieldBundle, error)
	DeleteFieldBundles(ctx context.Context, workspaceID string) (int, error)
	CreateField(ctx context.Context, field *models.Field) error
	ListFields(ctx context.Context, bundleID string) ([]models.Field, error)
	DeleteFields(ctx context.Context, workspaceID string) (int, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
// Locations are opaque strings returned by the upload calls.
type ObjectClient interface {
	Upload(ctx context.Context, localPath, logicalPath, mimeType string) (location string, err error)
	SaveBytes(ctx context.Context, key string, data []byte, contentType string) (location string, err error)
	Download(ctx context.Context, location string) (localPath string, err error)
	DownloadTo(ctx context.Context, location, localPath string) error
	GetFile(ctx context.Context, location string) ([]byte, error)
	Exists(ctx context.Context, location string) (bool, error)
	DeletePrefix(ctx context.Context, prefixes ...string) error
	Copy(ctx context.Context, location, logicalPath string) (string, error)
}

// TaskQueue hands tasks to background workers. A false return means no
// broker accepted the task and the caller must run it inline.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *models.Task) (bool, error)
}

// TaskSource is the worker side of a TaskQueue.
type TaskSource interface {
	Dequeue(ctx context.Context) (*models.Task, error)
	Ack(ctx context.Context, taskID string) error
}
