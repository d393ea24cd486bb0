// Package memdb is an in-memory metadata store for single-process
// deployments and tests.
package memdb

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var _ core.DbClient = (*Store)(nil)

type entry struct {
	workspaceID string
	match       models.Match
}

type usageKey struct {
	userID string
	year   int
	month  int
}

// Store keeps every collection in maps guarded by one lock.
type Store struct {
	mu         sync.RWMutex
	workspaces map[string]models.Workspace
	documents  map[string]models.Document
	keyInfo    map[string]models.KeyInfo
	entries    map[string]entry // match id -> row
	bboxes     map[string][]models.BBox
	tasks      map[string]models.Task
	usage      map[usageKey]models.UsageMetrics
	plans      []models.SubscriptionPlan
	bundles    map[string]models.FieldBundle
	fields     map[string]models.Field

	now func() time.Time
}

func New() *Store {
	return &Store{
		workspaces: make(map[string]models.Workspace),
		documents:  make(map[string]models.Document),
		keyInfo:    make(map[string]models.KeyInfo),
		entries:    make(map[string]entry),
		bboxes:     make(map[string][]models.BBox),
		tasks:      make(map[string]models.Task),
		usage:      make(map[usageKey]models.UsageMetrics),
		bundles:    make(map[string]models.FieldBundle),
		fields:     make(map[string]models.Field),
		plans: []models.SubscriptionPlan{
			{Name: "FREE", MaxPages: 1000, MaxDocs: 100, MaxWorkspaces: 3},
			{Name: "BASIC", MaxPages: 10000, MaxDocs: 1000, MaxWorkspaces: 10},
			{Name: "PRO", MaxPages: 100000, MaxDocs: 10000, MaxWorkspaces: 100},
		},
		now: time.Now,
	}
}

func (s *Store) Close() error { return nil }

// workspaces

func (s *Store) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws == nil || ws.ID == "" {
		return fmt.Errorf("create workspace: %w: missing id", core.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	if ws.Collaborators == nil {
		ws.Collaborators = map[string]models.Role{}
	}
	s.workspaces[ws.ID] = cloneWorkspace(*ws)
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, core.ErrNotFound)
	}
	out := cloneWorkspace(ws)
	return &out, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, id string, patch models.WorkspacePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return fmt.Errorf("workspace %s: %w", id, core.ErrNotFound)
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
	ws.UpdatedAt = s.now()
	s.workspaces[id] = cloneWorkspace(ws)
	return nil
}

func (s *Store) ListWorkspaces(ctx context.Context, userID string) ([]models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Workspace
	for _, ws := range s.workspaces {
		if userID != "" && ws.UserID != userID {
			continue
		}
		out = append(out, cloneWorkspace(ws))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetUserPermission(ctx context.Context, workspaceID, email string) (models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return models.RoleNone, fmt.Errorf("workspace %s: %w", workspaceID, core.ErrNotFound)
	}
	return ws.Collaborators[email], nil
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return fmt.Errorf("workspace %s: %w", id, core.ErrNotFound)
	}
	delete(s.workspaces, id)
	return nil
}

// documents

func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("create document: %w: missing id", core.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[doc.ID]; ok {
		return fmt.Errorf("create document %s: %w: already exists", doc.ID, core.ErrValidation)
	}
	now := s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.documents[doc.ID] = cloneDocument(*doc)
	return nil
}

func (s *Store) UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	patch.Apply(&doc)
	doc.UpdatedAt = s.now()
	s.documents[id] = cloneDocument(doc)
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	out := cloneDocument(doc)
	return &out, nil
}

func (s *Store) GetDocumentsByName(ctx context.Context, name, workspaceID, folderID string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Document
	for _, d := range s.documents {
		if d.Name == name && d.WorkspaceID == workspaceID && d.FolderID == folderID && !d.Deleted {
			out = append(out, cloneDocument(d))
		}
	}
	return out, nil
}

func (s *Store) ListDocumentsByWorkspace(ctx context.Context, workspaceID string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Document
	for _, d := range s.documents {
		if d.WorkspaceID == workspaceID {
			out = append(out, cloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, id, status string, patch models.DocumentPatch) error {
	patch.Status = &status
	return s.UpdateDocument(ctx, id, patch)
}

func (s *Store) DeleteDocument(ctx context.Context, id string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	if !permanent {
		doc.Deleted = true
		doc.UpdatedAt = s.now()
		s.documents[id] = doc
		return nil
	}
	delete(s.documents, id)
	delete(s.keyInfo, id)
	delete(s.bboxes, id)
	for mid, e := range s.entries {
		if e.match.FileIdx == id {
			delete(s.entries, mid)
		}
	}
	return nil
}

func (s *Store) DeleteDocumentBlocks(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mid, e := range s.entries {
		if e.match.FileIdx == docID {
			delete(s.entries, mid)
		}
	}
	return nil
}

func (s *Store) SaveDocumentKeyInfo(ctx context.Context, docID string, info *models.KeyInfo) error {
	if info == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyInfo[docID] = *info
	return nil
}

func (s *Store) GetDocumentKeyInfo(ctx context.Context, docID string) (*models.KeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.keyInfo[docID]
	if !ok {
		return nil, fmt.Errorf("key info %s: %w", docID, core.ErrNotFound)
	}
	return &info, nil
}

func (s *Store) AddDocumentAttribute(ctx context.Context, docID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[docID]
	if !ok {
		return fmt.Errorf("document %s: %w", docID, core.ErrNotFound)
	}
	attrs := make(map[string]any, len(doc.Attributes)+1)
	for k, v := range doc.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	doc.Attributes = attrs
	s.documents[docID] = doc
	return nil
}

// match rows

func (s *Store) CreateESEntries(ctx context.Context, workspaceID string, matches []models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range matches {
		if m.ID == "" {
			return fmt.Errorf("create es entries: %w: match %d has no id", core.ErrValidation, m.MatchIdx)
		}
		s.entries[m.ID] = entry{workspaceID: workspaceID, match: m}
	}
	return nil
}

func (s *Store) RemoveESEntry(ctx context.Context, docID, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mid, e := range s.entries {
		if e.match.FileIdx == docID && e.workspaceID == workspaceID {
			delete(s.entries, mid)
		}
	}
	return nil
}

func (s *Store) CountESEntries(ctx context.Context, docID, workspaceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.match.FileIdx == docID && (workspaceID == "" || e.workspaceID == workspaceID) {
			n++
		}
	}
	return n, nil
}

// SearchDocumentBlocks ranks the document's rows by L2 distance to queryVec.
func (s *Store) SearchDocumentBlocks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		m    models.Match
		dist float64
	}
	var all []scored
	for _, e := range s.entries {
		if e.match.FileIdx != docID || len(e.match.Embeddings.SIF.Match) == 0 {
			continue
		}
		all = append(all, scored{m: e.match, dist: l2(queryVec, e.match.Embeddings.SIF.Match)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist == all[j].dist {
			return all[i].m.MatchIdx < all[j].m.MatchIdx
		}
		return all[i].dist < all[j].dist
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]models.Match, 0, len(all))
	for _, sc := range all {
		out = append(out, sc.m)
	}
	return out, nil
}

// bboxes

// SaveBBoxBulk replaces the boxes of the same source already stored for the doc.
func (s *Store) SaveBBoxBulk(ctx context.Context, docID string, bboxes []models.BBox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sources := map[string]bool{}
	for _, b := range bboxes {
		sources[b.Source] = true
	}
	var kept []models.BBox
	for _, b := range s.bboxes[docID] {
		if !sources[b.Source] {
			kept = append(kept, b)
		}
	}
	s.bboxes[docID] = append(kept, bboxes...)
	return nil
}

func (s *Store) GetInferenceBBox(ctx context.Context, docID string, pageIdx *int) ([]models.BBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.BBox
	for _, b := range s.bboxes[docID] {
		if b.Source != "inference" {
			continue
		}
		if pageIdx != nil && b.PageIdx != *pageIdx {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// BBoxes returns every stored box of a document.
func (s *Store) BBoxes(docID string) []models.BBox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.BBox(nil), s.bboxes[docID]...)
}

// tasks

func (s *Store) InsertTask(ctx context.Context, userID string, taskType models.TaskType, body map[string]any) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := models.Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      taskType,
		Body:      body,
		Status:    models.TaskQueued,
		CreatedAt: s.now(),
	}
	s.tasks[t.ID] = t
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	t.Status = status
	s.tasks[id] = t
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

// usage

func (s *Store) UpsertUsageMetrics(ctx context.Context, userID string, patch models.UsagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := usageKey{userID: userID, year: now.Year(), month: int(now.Month())}
	m, ok := s.usage[key]
	if !ok {
		m = models.UsageMetrics{UserID: userID, Year: key.year, Month: key.month}
	}
	switch patch.Bucket {
	case models.UsageDevAPI:
		m.DevAPIUsage = m.DevAPIUsage.Add(patch.Delta)
	case models.UsageGeneral, "":
		m.GeneralUsage = m.GeneralUsage.Add(patch.Delta)
	default:
		return fmt.Errorf("usage bucket %q: %w", patch.Bucket, core.ErrValidation)
	}
	m.UpdatedAt = now
	s.usage[key] = m
	return nil
}

// RetrieveUsageMetrics filters by year and month when they are non-zero.
func (s *Store) RetrieveUsageMetrics(ctx context.Context, userID string, year, month int) ([]models.UsageMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UsageMetrics
	for k, m := range s.usage {
		if k.userID != userID || (year != 0 && k.year != year) || (month != 0 && k.month != month) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Month < out[j].Month
	})
	return out, nil
}

func (s *Store) RetrieveSubscriptionPlans(ctx context.Context, name string) ([]models.SubscriptionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SubscriptionPlan
	for _, p := range s.plans {
		if name == "" || p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}

// field bundles

func (s *Store) CreateFieldBundle(ctx context.Context, bundle *models.FieldBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bundle.ID == "" {
		bundle.ID = uuid.NewString()
	}
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = s.now()
	}
	s.bundles[bundle.ID] = *bundle
	return nil
}

func (s *Store) ListFieldBundles(ctx context.Context, workspaceID string) ([]models.FieldBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FieldBundle
	for _, b := range s.bundles {
		if b.WorkspaceID == workspaceID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteFieldBundles(ctx context.Context, workspaceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, b := range s.bundles {
		if b.WorkspaceID == workspaceID {
			delete(s.bundles, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateField(ctx context.Context, field *models.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.ID == "" {
		field.ID = uuid.NewString()
	}
	s.fields[field.ID] = *field
	if b, ok := s.bundles[field.BundleID]; ok {
		b.FieldIDs = append(append([]string(nil), b.FieldIDs...), field.ID)
		s.bundles[b.ID] = b
	}
	return nil
}

func (s *Store) ListFields(ctx context.Context, bundleID string) ([]models.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Field
	for _, f := range s.fields {
		if f.BundleID == bundleID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteFields(ctx context.Context, workspaceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, f := range s.fields {
		if f.WorkspaceID == workspaceID {
			delete(s.fields, id)
			n++
		}
	}
	return n, nil
}

func cloneWorkspace(ws models.Workspace) models.Workspace {
	collab := make(map[string]models.Role, len(ws.Collaborators))
	for k, v := range ws.Collaborators {
		collab[k] = v
	}
	ws.Collaborators = collab
	ws.Settings.IgnoreBlock = append([]models.IgnoreBlock(nil), ws.Settings.IgnoreBlock...)
	if ws.Settings.PrivateDictionary != nil {
		dict := make(map[string]models.DictionaryEntry, len(ws.Settings.PrivateDictionary))
		for k, v := range ws.Settings.PrivateDictionary {
			dict[k] = v
		}
		ws.Settings.PrivateDictionary = dict
	}
	return ws
}

func cloneDocument(d models.Document) models.Document {
	if d.Meta != nil {
		meta := make(map[string]any, len(d.Meta))
		for k, v := range d.Meta {
			meta[k] = v
		}
		d.Meta = meta
	}
	if d.Attributes != nil {
		attrs := make(map[string]any, len(d.Attributes))
		for k, v := range d.Attributes {
			attrs[k] = v
		}
		d.Attributes = attrs
	}
	return d
}

func l2(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
