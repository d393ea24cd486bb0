package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/docindex/internal/models"
	"github.com/markdave123-py/docindex/internal/services"
)

type WorkspaceHandler struct {
	workspaces *services.WorkspaceService
}

func NewWorkspaceHandler(workspaces *services.WorkspaceService) *WorkspaceHandler {
	return &WorkspaceHandler{workspaces: workspaces}
}

type createWorkspaceRequest struct {
	Name     string                   `json:"name"`
	Settings models.WorkspaceSettings `json:"settings"`
}

func (h *WorkspaceHandler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req createWorkspaceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := h.workspaces.Create(r.Context(), user, req.Name, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (h *WorkspaceHandler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	ws, err := h.workspaces.Get(r.Context(), user, chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// UpdateSettings replaces the workspace settings with the request body.
func (h *WorkspaceHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var settings models.WorkspaceSettings
	if err := decodeBody(r, &settings); err != nil {
		writeError(w, err)
		return
	}
	ws, err := h.workspaces.UpdateSettings(r.Context(), user, chi.URLParam(r, "workspaceID"), settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (h *WorkspaceHandler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	permanent, err := permanentParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.workspaces.Delete(r.Context(), user, chi.URLParam(r, "workspaceID"), permanent); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
