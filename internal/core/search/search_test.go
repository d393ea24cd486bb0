package search

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

func TestSynonymRules(t *testing.T) {
	rules := SynonymRules(map[string]models.DictionaryEntry{
		"myocardial infarction": {Synonyms: []string{"heart attack", "MI"}},
		"lonely":                {Type: "ORG"},
	})
	assert.Equal(t, []string{
		"myocardial infarction => myocardial infarction, heart attack, MI",
		"heart attack => myocardial infarction, heart attack, MI",
		"MI => myocardial infarction, heart attack, MI",
	}, rules)
}

func TestBlockIndexBody_SynonymsOnlyAtSearchTime(t *testing.T) {
	body := BlockIndexBody([]string{"a => a, b"}, true, false)
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	var parsed struct {
		Settings struct {
			Analysis struct {
				Filter   map[string]map[string]any `json:"filter"`
				Analyzer map[string]struct {
					Filter []string `json:"filter"`
				} `json:"analyzer"`
			} `json:"analysis"`
		} `json:"settings"`
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))

	an := parsed.Settings.Analysis
	assert.Equal(t, true, an.Filter[synonymFilter]["updateable"])
	assert.Contains(t, an.Analyzer["nlm_search_analyzer"].Filter, synonymFilter)
	assert.NotContains(t, an.Analyzer["nlm_analyzer"].Filter, synonymFilter)
	assert.Contains(t, string(parsed.Mappings.Properties["embeddings"]), `"dpr"`)
	assert.Contains(t, string(parsed.Mappings.Properties["block_text"]), `"index":false`)

	plain := BlockIndexBody(nil, false, true)
	raw, err = json.Marshal(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), synonymFilter)
	assert.NotContains(t, string(raw), `"dpr"`)
}

// fakeES records requests and answers like a minimal cluster.
type fakeES struct {
	mu    sync.Mutex
	calls []string
	bulk  []string
}

func (f *fakeES) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_bulk"):
			sc := bufio.NewScanner(r.Body)
			sc.Buffer(make([]byte, 1<<20), 1<<20)
			var items []string
			line := 0
			for sc.Scan() {
				if line%2 == 0 {
					var meta map[string]map[string]string
					require.NoError(t, json.Unmarshal(sc.Bytes(), &meta))
					id := meta["index"]["_id"]
					f.mu.Lock()
					f.bulk = append(f.bulk, id)
					f.mu.Unlock()
					status := 201
					errField := ""
					if id == "bad" {
						status = 400
						errField = `,"error":{"type":"mapper_parsing_exception"}`
					}
					items = append(items, `{"index":{"_id":"`+id+`","status":`+itoa(status)+errField+`}}`)
				}
				line++
			}
			_, _ = io.WriteString(w, `{"errors":true,"items":[`+strings.Join(items, ",")+`]}`)
		case strings.HasSuffix(r.URL.Path, "/_count"):
			_, _ = io.WriteString(w, `{"count":7}`)
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		default:
			_, _ = io.WriteString(w, `{"acknowledged":true}`)
		}
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newFakeEngine(t *testing.T) (*ElasticEngine, *fakeES) {
	f := &fakeES{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	e, err := newElasticEngine(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return e, f
}

func TestElasticEngine_BulkReportsItemErrors(t *testing.T) {
	e, f := newFakeEngine(t)
	res, err := e.BulkUpsert(context.Background(), "ws1", []models.Match{
		{ID: "m1", MatchText: "one"},
		{ID: "bad", MatchText: "two"},
		{ID: "m3", MatchText: "three"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "mapper_parsing_exception")
	assert.Equal(t, []string{"m1", "bad", "m3"}, f.bulk)
}

func TestElasticEngine_BulkThrottledIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Elastic-Product", "Elasticsearch")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":"busy"}`)
		}))
		e, err := newElasticEngine(elasticsearch.Config{Addresses: []string{srv.URL}, DisableRetry: true})
		require.NoError(t, err)

		_, err = e.BulkUpsert(context.Background(), "ws1", []models.Match{{ID: "m1", MatchText: "one"}})
		srv.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTransient, "status %d", status)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"bad"}`)
	}))
	defer srv.Close()
	e, err := newElasticEngine(elasticsearch.Config{Addresses: []string{srv.URL}, DisableRetry: true})
	require.NoError(t, err)
	_, err = e.BulkUpsert(context.Background(), "ws1", []models.Match{{ID: "m1", MatchText: "one"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrTransient)
}

func TestElasticEngine_CreateAndCount(t *testing.T) {
	e, f := newFakeEngine(t)
	ctx := context.Background()
	require.NoError(t, e.EnsureBlockIndex(ctx, "ws1", core.IndexOptions{}))

	n, err := e.Count(ctx, "ws1", core.DocFilter{FileIdx: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "HEAD /ws1", f.calls[0])
	assert.Equal(t, "PUT /ws1", f.calls[1])
}

func TestElasticEngine_UpdateSynonymsSequence(t *testing.T) {
	e, f := newFakeEngine(t)
	require.NoError(t, e.UpdateSynonyms(context.Background(), "ws1", []string{"a => a, b"}))

	var paths []string
	for _, c := range f.calls {
		paths = append(paths, c[strings.Index(c, " ")+1:])
	}
	assert.Equal(t, []string{
		"/ws1/_close",
		"/ws1/_settings",
		"/ws1/_open",
		"/ws1/_reload_search_analyzers",
	}, paths)
}

func TestMemoryEngine_FilterAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryEngine()
	require.NoError(t, m.EnsureBlockIndex(ctx, "shared", core.IndexOptions{}))
	_, err := m.BulkUpsert(ctx, "shared", []models.Match{
		{ID: "a", FileIdx: "d1", WorkspaceIdx: "w1", MatchIdx: 1},
		{ID: "b", FileIdx: "d1", WorkspaceIdx: "w1", MatchIdx: 0},
		{ID: "c", FileIdx: "d1", WorkspaceIdx: "w2"},
	})
	require.NoError(t, err)

	got := m.Matches("shared", core.DocFilter{FileIdx: "d1", WorkspaceIdx: "w1"})
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)

	require.NoError(t, m.DeleteByQuery(ctx, "shared", core.DocFilter{FileIdx: "d1", WorkspaceIdx: "w1"}))
	n, err := m.Count(ctx, "shared", core.DocFilter{FileIdx: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.BulkUpsert(ctx, "missing", nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
