package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
	"github.com/markdave123-py/docindex/internal/services"
)

const maxUploadSize = 52 << 20

type DocumentHandler struct {
	docs *services.DocumentService
}

func NewDocumentHandler(docs *services.DocumentService) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

// UploadDocument stores a multipart file in the workspace and queues its
// ingestion. Optional form fields: folder_id, parse_options and meta (JSON).
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, fmt.Errorf("%w: %v", core.ErrValidation, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid file: %v", core.ErrValidation, err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("read upload: %w", err))
		return
	}

	req := services.UploadRequest{
		WorkspaceID: chi.URLParam(r, "workspaceID"),
		FolderID:    r.FormValue("folder_id"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	if v := r.FormValue("parse_options"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.ParseOptions); err != nil {
			writeError(w, errors.Join(core.ErrValidation, err))
			return
		}
	}
	if v := r.FormValue("meta"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Meta); err != nil {
			writeError(w, errors.Join(core.ErrValidation, err))
			return
		}
	}

	doc, err := h.docs.Upload(r.Context(), user, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	doc, err := h.docs.Get(r.Context(), user, chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ReIngest accepts an optional ParseOptions body replacing the stored one.
func (h *DocumentHandler) ReIngest(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var opts *models.ParseOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	doc, err := h.docs.ReIngest(r.Context(), user, chi.URLParam(r, "documentID"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

type copyRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

func (h *DocumentHandler) CopyDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req copyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, fmt.Errorf("%w: workspace_id is required", core.ErrValidation))
		return
	}
	doc, err := h.docs.CopyDocument(r.Context(), user, chi.URLParam(r, "documentID"), req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) DetectLayout(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	task, err := h.docs.DetectLayout(r.Context(), user, chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	permanent, err := permanentParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.docs.DeleteDocument(r.Context(), user, chi.URLParam(r, "documentID"), permanent); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type crawlRequest struct {
	URL      string `json:"url"`
	MaxPages int    `json:"max_pages"`
}

// CrawlSite queues an html_crawling task for the workspace.
func (h *DocumentHandler) CrawlSite(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req crawlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := h.docs.CrawlSite(r.Context(), user, chi.URLParam(r, "workspaceID"), req.URL, req.MaxPages)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}
