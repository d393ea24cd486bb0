package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/core/database/memdb"
	"github.com/markdave123-py/docindex/internal/core/indexer"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/core/search"
	"github.com/markdave123-py/docindex/internal/models"
)

// lenEncoder embeds a text by its length; enough for the indexer.
type lenEncoder struct{}

func (lenEncoder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 300)
		v[len(t)%300] = 1
		v[(i+7)%300] += 0.5
		out[i] = v
	}
	return out, nil
}

type recordingSubmitter struct {
	bodies []models.IngestionBody
	others []any
}

func (r *recordingSubmitter) Submit(_ context.Context, userID string, t models.TaskType, body any) (*models.Task, bool, error) {
	switch b := body.(type) {
	case models.IngestionBody:
		r.bodies = append(r.bodies, b)
	case models.CrawlBody, models.YoloBody:
		r.others = append(r.others, b)
	default:
		return nil, false, fmt.Errorf("unexpected body %T", body)
	}
	return &models.Task{ID: fmt.Sprintf("t%d", len(r.bodies)+len(r.others)), UserID: userID, Type: t}, true, nil
}

var (
	owner  = models.UserProfile{ID: "u1", Email: "owner@example.com"}
	viewer = models.UserProfile{ID: "u2", Email: "viewer@example.com"}
	editor = models.UserProfile{ID: "u3", Email: "editor@example.com"}
)

type fixture struct {
	db      *memdb.Store
	objects *objectclient.LocalClient
	engine  *search.MemoryEngine
	ix      *indexer.Indexer
	tasks   *recordingSubmitter
	docs    *DocumentService
	wss     *WorkspaceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := t.Context()
	db := memdb.New()
	dir := t.TempDir()
	objects, err := objectclient.NewLocalClient(dir, t.TempDir())
	require.NoError(t, err)
	engine := search.NewMemoryEngine()
	ix := indexer.New(db, engine, nil, lenEncoder{}, nil, nil, indexer.Options{})
	tasks := &recordingSubmitter{}

	for _, id := range []string{"W", "W2"} {
		require.NoError(t, db.CreateWorkspace(ctx, &models.Workspace{
			ID: id, Name: id, UserID: owner.ID,
			Collaborators: map[string]models.Role{
				owner.Email:  models.RoleOwner,
				viewer.Email: models.RoleViewer,
				editor.Email: models.RoleEditor,
			},
		}))
	}
	docs := NewDocumentService(db, objects, tasks, ix)
	docs.now = stepClock()
	return &fixture{
		db: db, objects: objects, engine: engine, ix: ix, tasks: tasks,
		docs: docs,
		wss:  NewWorkspaceService(db, objects, ix),
	}
}

// stepClock advances one second per call.
func stepClock() func() time.Time {
	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

// ingested uploads a document and indexes it as if a worker had run.
func (f *fixture) ingested(t *testing.T, name string, pages int) *models.Document {
	t.Helper()
	ctx := t.Context()
	doc, err := f.docs.Upload(ctx, owner, UploadRequest{WorkspaceID: "W", FileName: name, ContentType: "text/plain", Data: []byte("content of " + name)})
	require.NoError(t, err)
	blocks := []models.Block{
		{BlockIdx: 0, BlockType: models.BlockHeader, BlockText: "Heading of " + name, Level: 1},
		{BlockIdx: 1, BlockType: models.BlockPara, BlockText: "Body sentence of " + name + "."},
	}
	_, err = f.ix.AddToIndex(ctx, doc.ID, blocks, pages, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.SetDocumentStatus(ctx, doc.ID, models.StatusIngestOK, models.DocumentPatch{NumPages: &pages, Metered: models.Ptr(true)}))
	out, err := f.db.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	return out
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	cases := []struct {
		name string
		user models.UserProfile
		req  UploadRequest
		want error
	}{
		{"empty", owner, UploadRequest{WorkspaceID: "W", FileName: "a.txt"}, core.ErrValidation},
		{"no name", owner, UploadRequest{WorkspaceID: "W", Data: []byte("x")}, core.ErrValidation},
		{"unsupported", owner, UploadRequest{WorkspaceID: "W", FileName: "a.png", ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\n")}, core.ErrValidation},
		{"bad pages", owner, UploadRequest{WorkspaceID: "W", FileName: "a.txt", Data: []byte("x"), ParseOptions: models.ParseOptions{ParsePages: []int{3, 3}}}, core.ErrValidation},
		{"negative pages", owner, UploadRequest{WorkspaceID: "W", FileName: "a.txt", Data: []byte("x"), ParseOptions: models.ParseOptions{ParsePages: []int{-1, 2}}}, core.ErrValidation},
		{"viewer", viewer, UploadRequest{WorkspaceID: "W", FileName: "a.txt", Data: []byte("x")}, core.ErrPermission},
		{"stranger", models.UserProfile{ID: "x", Email: "x@example.com"}, UploadRequest{WorkspaceID: "W", FileName: "a.txt", Data: []byte("x")}, core.ErrPermission},
		{"no workspace", owner, UploadRequest{WorkspaceID: "nope", FileName: "a.txt", Data: []byte("x")}, core.ErrNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.docs.Upload(ctx, c.user, c.req)
			assert.ErrorIs(t, err, c.want)
		})
	}
	assert.Empty(t, f.tasks.bodies)
}

func TestUpload_StoresAndQueues(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	doc, err := f.docs.Upload(ctx, editor, UploadRequest{
		WorkspaceID: "W", FileName: "dir/notes.md", Data: []byte("# Title\n\nbody"),
		ParseOptions: models.ParseOptions{ApplyOCR: true, ParsePages: []int{0, 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "notes.md", doc.Name)
	assert.Equal(t, "text/markdown", doc.MimeType)
	assert.Equal(t, "root", doc.FolderID)
	assert.Equal(t, models.StatusReadyForIngestion, doc.Status)
	assert.Len(t, doc.ID, 64)

	ok, err := f.objects.Exists(ctx, doc.BlobLocation)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.tasks.bodies, 1)
	b := f.tasks.bodies[0]
	assert.Equal(t, doc.ID, b.DocID)
	assert.Equal(t, "W", b.WorkspaceIdx)
	assert.Equal(t, editor, b.UserObj)
	assert.False(t, b.ReIngest)
	assert.True(t, b.ApplyOCR)

	again, err := f.docs.Upload(ctx, editor, UploadRequest{WorkspaceID: "W", FileName: "dir/notes.md", Data: []byte("# Title\n\nbody")})
	require.NoError(t, err)
	assert.NotEqual(t, doc.ID, again.ID)
}

func TestReIngest(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	doc, err := f.docs.Upload(ctx, owner, UploadRequest{WorkspaceID: "W", FileName: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)

	_, err = f.docs.ReIngest(ctx, owner, doc.ID, nil)
	assert.ErrorIs(t, err, core.ErrValidation, "still waiting for its first ingest")

	require.NoError(t, f.db.SetDocumentStatus(ctx, doc.ID, models.StatusIngestFailed, models.DocumentPatch{StatusMessage: models.Ptr("boom")}))
	_, err = f.docs.ReIngest(ctx, viewer, doc.ID, nil)
	assert.ErrorIs(t, err, core.ErrPermission)

	out, err := f.docs.ReIngest(ctx, owner, doc.ID, &models.ParseOptions{ParseAndRenderOnly: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusReadyForIngestion, out.Status)
	assert.Empty(t, out.StatusMessage)
	assert.True(t, out.ParseOptions.ParseAndRenderOnly)
	require.Len(t, f.tasks.bodies, 2)
	assert.True(t, f.tasks.bodies[1].ReIngest)
}

func TestCopyDocument(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	src, err := f.docs.Upload(ctx, owner, UploadRequest{WorkspaceID: "W", FileName: "a.txt", Data: []byte("hello"), Meta: map[string]any{"k": "v"}})
	require.NoError(t, err)

	_, err = f.docs.CopyDocument(ctx, owner, src.ID, "W")
	assert.ErrorIs(t, err, core.ErrValidation)

	cp, err := f.docs.CopyDocument(ctx, owner, src.ID, "W2")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, cp.ID)
	assert.Equal(t, "W2", cp.WorkspaceID)
	assert.Equal(t, src.Checksum, cp.Checksum)
	assert.Equal(t, "v", cp.Meta["k"])
	assert.Equal(t, models.StatusReadyForIngestion, cp.Status)

	raw, err := f.objects.GetFile(ctx, cp.BlobLocation)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
	require.Len(t, f.tasks.bodies, 2)
	assert.Equal(t, "W2", f.tasks.bodies[1].WorkspaceIdx)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	a := f.ingested(t, "a.txt", 2)
	b := f.ingested(t, "b.txt", 3)
	require.NoError(t, f.db.UpsertUsageMetrics(ctx, owner.ID, models.UsagePatch{Delta: models.UsageCounters{NumDocs: 2, NumPages: 5, DocSize: a.Size + b.Size}}))

	require.NoError(t, f.docs.DeleteDocument(ctx, owner, a.ID, false))
	n, err := f.db.CountESEntries(ctx, a.ID, "W")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.engine.Matches("W", core.DocFilter{FileIdx: a.ID}))
	_, err = f.docs.Get(ctx, owner, a.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, f.docs.DeleteDocument(ctx, owner, b.ID, true))
	_, err = f.db.GetDocument(ctx, b.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	ok, err := f.objects.Exists(ctx, b.BlobLocation)
	require.NoError(t, err)
	assert.False(t, ok)

	usage, err := f.db.RetrieveUsageMetrics(ctx, owner.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, models.UsageCounters{NumDocs: 1, NumPages: 2, DocSize: a.Size}, usage[0].GeneralUsage)
}

func TestDeleteDocument_RefundsChargedBucket(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	a := f.ingested(t, "a.txt", 2)
	require.NoError(t, f.db.UpdateDocument(ctx, a.ID, models.DocumentPatch{MeteredBucket: models.Ptr(models.UsageDevAPI)}))
	require.NoError(t, f.db.UpsertUsageMetrics(ctx, owner.ID, models.UsagePatch{
		Bucket: models.UsageDevAPI,
		Delta:  models.UsageCounters{NumDocs: 1, NumPages: 2, DocSize: a.Size},
	}))

	require.NoError(t, f.docs.DeleteDocument(ctx, owner, a.ID, true))

	usage, err := f.db.RetrieveUsageMetrics(ctx, owner.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Zero(t, usage[0].DevAPIUsage)
	assert.Zero(t, usage[0].GeneralUsage)
}

func TestDeleteWorkspace_RefundsPerBucket(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	general := f.ingested(t, "general.txt", 2)
	dev := f.ingested(t, "dev.txt", 3)
	require.NoError(t, f.db.UpdateDocument(ctx, dev.ID, models.DocumentPatch{MeteredBucket: models.Ptr(models.UsageDevAPI)}))
	require.NoError(t, f.db.UpsertUsageMetrics(ctx, owner.ID, models.UsagePatch{Delta: models.UsageCounters{
		NumDocs: 1, NumPages: 2, DocSize: general.Size, NumWorkspaces: 1,
	}}))
	require.NoError(t, f.db.UpsertUsageMetrics(ctx, owner.ID, models.UsagePatch{
		Bucket: models.UsageDevAPI,
		Delta:  models.UsageCounters{NumDocs: 1, NumPages: 3, DocSize: dev.Size},
	}))

	require.NoError(t, f.wss.Delete(ctx, owner, "W", true))

	usage, err := f.db.RetrieveUsageMetrics(ctx, owner.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Zero(t, usage[0].GeneralUsage)
	assert.Zero(t, usage[0].DevAPIUsage)
}

func TestUpdateSettings_DictionaryOnlyKeepsIDs(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	doc := f.ingested(t, "a.txt", 1)
	before := f.engine.Matches("W", core.DocFilter{FileIdx: doc.ID})
	require.NotEmpty(t, before)

	settings := models.WorkspaceSettings{PrivateDictionary: map[string]models.DictionaryEntry{
		"heading": {Synonyms: []string{"title", "caption"}},
	}}
	ws, err := f.wss.UpdateSettings(ctx, owner, "W", settings)
	require.NoError(t, err)
	assert.Equal(t, settings, ws.Settings)

	opts, ok := f.engine.Options("W")
	require.True(t, ok)
	assert.NotEmpty(t, opts.Synonyms)

	after := f.engine.Matches("W", core.DocFilter{FileIdx: doc.ID})
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}

	// a broader change leaves the analyzer alone
	settings.IndexSettings.CreateFileLevelIndex = true
	settings.PrivateDictionary = nil
	_, err = f.wss.UpdateSettings(ctx, owner, "W", settings)
	require.NoError(t, err)
	opts, _ = f.engine.Options("W")
	assert.NotEmpty(t, opts.Synonyms)

	_, err = f.wss.UpdateSettings(ctx, owner, "W", models.WorkspaceSettings{IgnoreBlock: []models.IgnoreBlock{{Text: "x", Level: "page"}}})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.wss.UpdateSettings(ctx, viewer, "W", settings)
	assert.ErrorIs(t, err, core.ErrPermission)
}

func TestOnlyDictionaryChanged(t *testing.T) {
	a := models.WorkspaceSettings{Domain: "general"}
	b := a
	assert.False(t, onlyDictionaryChanged(a, b))
	b.PrivateDictionary = map[string]models.DictionaryEntry{"x": {Type: "ORG"}}
	assert.True(t, onlyDictionaryChanged(a, b))
	b.Domain = "biology"
	assert.False(t, onlyDictionaryChanged(a, b))
}

func TestCreateWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	_, err := f.wss.Create(ctx, owner, "  ", models.WorkspaceSettings{})
	assert.ErrorIs(t, err, core.ErrValidation)

	ws, err := f.wss.Create(ctx, owner, "Research", models.WorkspaceSettings{Domain: "biology"})
	require.NoError(t, err)
	got, err := f.wss.Get(ctx, owner, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "biology", got.Settings.Domain)
	assert.Equal(t, models.RoleOwner, got.Collaborators[owner.Email])

	usage, err := f.db.RetrieveUsageMetrics(ctx, owner.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(1), usage[0].GeneralUsage.NumWorkspaces)
}

func TestDeleteWorkspace_Soft(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	doc := f.ingested(t, "a.txt", 1)

	assert.ErrorIs(t, f.wss.Delete(ctx, editor, "W", false), core.ErrPermission)
	require.NoError(t, f.wss.Delete(ctx, owner, "W", false))

	assert.False(t, f.engine.HasIndex("W"))
	n, err := f.db.CountESEntries(ctx, doc.ID, "W")
	require.NoError(t, err)
	assert.Zero(t, n)

	// documents survive a soft delete
	_, err = f.db.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	_, err = f.wss.Get(ctx, owner, "W")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDeleteWorkspace_Permanent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	var docs []*models.Document
	var size int64
	for i := range 3 {
		d := f.ingested(t, fmt.Sprintf("doc%d.txt", i), 2)
		docs = append(docs, d)
		size += d.Size
	}
	bundle := &models.FieldBundle{WorkspaceID: "W", Name: "b"}
	require.NoError(t, f.db.CreateFieldBundle(ctx, bundle))
	for i := range 5 {
		require.NoError(t, f.db.CreateField(ctx, &models.Field{BundleID: bundle.ID, WorkspaceID: "W", Name: fmt.Sprintf("f%d", i)}))
	}
	_, err := f.objects.SaveBytes(ctx, objectclient.RenderedHTMLKey(docs[0].ID), []byte("<html/>"), "text/html")
	require.NoError(t, err)
	require.NoError(t, f.db.UpsertUsageMetrics(ctx, owner.ID, models.UsagePatch{Delta: models.UsageCounters{
		NumDocs: 3, NumPages: 6, DocSize: size, NumFields: 5, NumWorkspaces: 1,
	}}))

	require.NoError(t, f.wss.Delete(ctx, owner, "W", true))

	assert.False(t, f.engine.HasIndex("W"))
	_, err = f.db.GetWorkspace(ctx, "W")
	assert.ErrorIs(t, err, core.ErrNotFound)
	for _, d := range docs {
		_, err := f.db.GetDocument(ctx, d.ID)
		assert.ErrorIs(t, err, core.ErrNotFound)
		ok, err := f.objects.Exists(ctx, d.BlobLocation)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	ok, err := f.objects.Exists(ctx, objectclient.RenderedHTMLKey(docs[0].ID))
	require.NoError(t, err)
	assert.False(t, ok)

	bundles, err := f.db.ListFieldBundles(ctx, "W")
	require.NoError(t, err)
	assert.Empty(t, bundles)
	fields, err := f.db.ListFields(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Empty(t, fields)

	usage, err := f.db.RetrieveUsageMetrics(ctx, owner.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Zero(t, usage[0].GeneralUsage)

	// the other workspace is untouched
	_, err = f.wss.Get(ctx, owner, "W2")
	require.NoError(t, err)
}

func TestCrawlSite(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.docs.CrawlSite(ctx, owner, "W", "ftp://example.com", 0)
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.docs.CrawlSite(ctx, owner, "W", "https://example.com", -1)
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.docs.CrawlSite(ctx, viewer, "W", "https://example.com", 3)
	assert.ErrorIs(t, err, core.ErrPermission)

	task, err := f.docs.CrawlSite(ctx, editor, "W", " https://example.com/blog ", 3)
	require.NoError(t, err)
	assert.Equal(t, models.TaskHTMLCrawling, task.Type)
	require.Len(t, f.tasks.others, 1)
	body := f.tasks.others[0].(models.CrawlBody)
	assert.Equal(t, "https://example.com/blog", body.URL)
	assert.Equal(t, "W", body.WorkspaceIdx)
	assert.Equal(t, 3, body.MaxPages)
}

func TestDetectLayout(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	pending, err := f.docs.Upload(ctx, owner, UploadRequest{WorkspaceID: "W", FileName: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)
	_, err = f.docs.DetectLayout(ctx, owner, pending.ID)
	assert.ErrorIs(t, err, core.ErrValidation)

	doc := f.ingested(t, "b.txt", 1)
	_, err = f.docs.DetectLayout(ctx, viewer, doc.ID)
	assert.ErrorIs(t, err, core.ErrPermission)
	task, err := f.docs.DetectLayout(ctx, editor, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskYolo, task.Type)
	require.Len(t, f.tasks.others, 1)
	assert.Equal(t, doc.ID, f.tasks.others[0].(models.YoloBody).DocID)
}
