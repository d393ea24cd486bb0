package services

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/docindex/internal/core"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/models"
)

type WorkspaceService struct {
	db      core.DbClient
	storage core.ObjectClient
	index   SearchIndex
}

func NewWorkspaceService(db core.DbClient, storage core.ObjectClient, index SearchIndex) *WorkspaceService {
	return &WorkspaceService{db: db, storage: storage, index: index}
}

func (s *WorkspaceService) Create(ctx context.Context, user models.UserProfile, name string, settings models.WorkspaceSettings) (*models.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: workspace name is required", core.ErrValidation)
	}
	ws := &models.Workspace{
		ID:       uuid.NewString(),
		Name:     name,
		UserID:   user.ID,
		Settings: settings,
	}
	if user.Email != "" {
		ws.Collaborators = map[string]models.Role{user.Email: models.RoleOwner}
	}
	if err := s.db.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := s.db.UpsertUsageMetrics(ctx, user.ID, models.UsagePatch{Bucket: models.UsageGeneral, Delta: models.UsageCounters{NumWorkspaces: 1}}); err != nil {
		log.Printf("WorkspaceService: usage for new workspace %s: %v", ws.ID, err)
	}
	return ws, nil
}

func (s *WorkspaceService) Get(ctx context.Context, user models.UserProfile, id string) (*models.Workspace, error) {
	return authorize(ctx, s.db, user, id, false)
}

// onlyDictionaryChanged reports whether b differs from a in the private
// dictionary and nowhere else.
func onlyDictionaryChanged(a, b models.WorkspaceSettings) bool {
	if reflect.DeepEqual(a.PrivateDictionary, b.PrivateDictionary) {
		return false
	}
	a.PrivateDictionary, b.PrivateDictionary = nil, nil
	return reflect.DeepEqual(a, b)
}

// UpdateSettings writes the workspace settings. A change confined to the
// private dictionary also reconfigures the index analyzer; stored matches
// keep their ids either way.
func (s *WorkspaceService) UpdateSettings(ctx context.Context, user models.UserProfile, id string, settings models.WorkspaceSettings) (*models.Workspace, error) {
	ws, err := authorize(ctx, s.db, user, id, true)
	if err != nil {
		return nil, err
	}
	for _, ib := range settings.IgnoreBlock {
		if ib.Level != "" && ib.Level != "sentence" && ib.Level != "header" {
			return nil, fmt.Errorf("%w: ignore_block level %q", core.ErrValidation, ib.Level)
		}
	}
	reconfigure := onlyDictionaryChanged(ws.Settings, settings)

	if err := s.db.UpdateWorkspace(ctx, id, models.WorkspacePatch{Settings: &settings}); err != nil {
		return nil, err
	}
	ws.Settings = settings
	if reconfigure {
		if err := s.index.ReconfigureSynonyms(ctx, ws); err != nil {
			return nil, fmt.Errorf("reconfigure synonyms of %s: %w", id, err)
		}
		log.Printf("WorkspaceService: synonyms of %s reconfigured", id)
	}
	return ws, nil
}

// Delete removes a workspace's search presence and marks it deleted. A
// permanent delete also purges its documents, fields, bundles and stored
// objects, and returns their usage.
func (s *WorkspaceService) Delete(ctx context.Context, user models.UserProfile, id string, permanent bool) error {
	ws, err := s.db.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	if ws.UserID != user.ID {
		role, err := s.db.GetUserPermission(ctx, id, user.Email)
		if err != nil {
			return err
		}
		if role != models.RoleOwner {
			return fmt.Errorf("delete workspace %s: %w", id, core.ErrPermission)
		}
	}

	if !ws.Deleted {
		if err := s.index.RemoveWorkspace(ctx, ws); err != nil {
			return err
		}
		if err := s.db.UpdateWorkspace(ctx, id, models.WorkspacePatch{Deleted: models.Ptr(true)}); err != nil {
			return err
		}
		log.Printf("WorkspaceService: workspace %s soft deleted", id)
	}
	if !permanent {
		return nil
	}
	return s.purge(ctx, ws)
}

func (s *WorkspaceService) purge(ctx context.Context, ws *models.Workspace) error {
	docs, err := s.db.ListDocumentsByWorkspace(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list documents of %s: %w", ws.ID, err)
	}

	refunds := map[string]models.UsageCounters{}
	prefixes := []string{objectclient.WorkspacePrefix(ws.UserID, ws.ID) + "/"}
	for i := range docs {
		d := &docs[i]
		if d.Metered {
			refunds[d.UsageBucket()] = refunds[d.UsageBucket()].Add(documentUsage(d))
		}
		prefixes = append(prefixes,
			objectclient.RenderedHTMLKey(d.ID),
			objectclient.FeaturesPath(d.ID),
			objectclient.TemplatePath(ws.ID, d.ID),
		)
		if err := s.db.DeleteDocument(ctx, d.ID, true); err != nil {
			return fmt.Errorf("delete document %s: %w", d.ID, err)
		}
	}

	fields, err := s.db.DeleteFields(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("delete fields of %s: %w", ws.ID, err)
	}
	if _, err := s.db.DeleteFieldBundles(ctx, ws.ID); err != nil {
		return fmt.Errorf("delete field bundles of %s: %w", ws.ID, err)
	}

	if err := s.storage.DeletePrefix(ctx, prefixes...); err != nil {
		log.Printf("WorkspaceService: purge objects of %s: %v", ws.ID, err)
	}

	refunds[models.UsageGeneral] = refunds[models.UsageGeneral].Add(models.UsageCounters{NumFields: -int64(fields), NumWorkspaces: -1})
	for bucket, delta := range refunds {
		if err := s.db.UpsertUsageMetrics(ctx, ws.UserID, models.UsagePatch{Bucket: bucket, Delta: delta}); err != nil {
			log.Printf("WorkspaceService: %s usage for purged workspace %s: %v", bucket, ws.ID, err)
		}
	}

	if err := s.db.DeleteWorkspace(ctx, ws.ID); err != nil {
		return err
	}
	log.Printf("WorkspaceService: workspace %s purged (%d documents, %d fields)", ws.ID, len(docs), fields)
	return nil
}
