package services

import (
	"context"
	"fmt"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

// TaskSubmitter queues background work, running it inline when no broker
// takes it.
type TaskSubmitter interface {
	Submit(ctx context.Context, userID string, t models.TaskType, body any) (*models.Task, bool, error)
}

// SearchIndex is the part of the indexer the services drive directly.
type SearchIndex interface {
	DeleteFromIndex(ctx context.Context, docID string) error
	RemoveWorkspace(ctx context.Context, ws *models.Workspace) error
	ReconfigureSynonyms(ctx context.Context, ws *models.Workspace) error
}

// authorize loads a live workspace and checks the caller's role on it.
// The workspace owner always passes.
func authorize(ctx context.Context, db core.DbClient, user models.UserProfile, wsID string, edit bool) (*models.Workspace, error) {
	ws, err := db.GetWorkspace(ctx, wsID)
	if err != nil {
		return nil, err
	}
	if ws.Deleted {
		return nil, fmt.Errorf("workspace %s: %w", wsID, core.ErrNotFound)
	}
	if ws.UserID != "" && ws.UserID == user.ID {
		return ws, nil
	}
	role, err := db.GetUserPermission(ctx, wsID, user.Email)
	if err != nil {
		return nil, err
	}
	if (edit && !role.CanEdit()) || (!edit && !role.CanView()) {
		return nil, fmt.Errorf("%s on workspace %s: %w", user.Email, wsID, core.ErrPermission)
	}
	return ws, nil
}
