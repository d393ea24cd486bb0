package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	cfg "github.com/markdave123-py/docindex/internal/config"
	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var _ core.SearchEngine = (*ElasticEngine)(nil)

// ElasticEngine stores matches in Elasticsearch.
type ElasticEngine struct {
	es *elasticsearch.Client
}

func NewElasticEngine(cfg *cfg.Config) (*ElasticEngine, error) {
	if cfg.ESURL == "" {
		return nil, fmt.Errorf("ES_URL not set")
	}
	return newElasticEngine(elasticsearch.Config{
		Addresses:     strings.Split(cfg.ESURL, ","),
		APIKey:        cfg.ESSecret,
		MaxRetries:    10,
		RetryOnStatus: []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
	})
}

func newElasticEngine(esCfg elasticsearch.Config) (*ElasticEngine, error) {
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	log.Println("Elasticsearch client ready")
	return &ElasticEngine{es: es}, nil
}

// responseError drains res and turns a non-2xx status into an error.
// Throttling and unavailability map to ErrTransient.
func responseError(res *esapi.Response, op string) error {
	defer res.Body.Close()
	if !res.IsError() {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	body, _ := io.ReadAll(res.Body)
	switch res.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w: status %d: %s", op, core.ErrTransient, res.StatusCode, body)
	}
	return fmt.Errorf("%s: status %d: %s", op, res.StatusCode, body)
}

func jsonBody(v any) (*bytes.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

func (e *ElasticEngine) exists(ctx context.Context, index string) (bool, error) {
	res, err := e.es.Indices.Exists([]string{index}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("index exists %s: %w: %v", index, core.ErrTransient, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("index exists %s: status %d", index, res.StatusCode)
}

func (e *ElasticEngine) create(ctx context.Context, index string, body map[string]any) error {
	ok, err := e.exists(ctx, index)
	if err != nil || ok {
		return err
	}
	r, err := jsonBody(body)
	if err != nil {
		return err
	}
	res, err := e.es.Indices.Create(index, e.es.Indices.Create.WithBody(r), e.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create index %s: %w: %v", index, core.ErrTransient, err)
	}
	if res.StatusCode == http.StatusBadRequest {
		// another worker created it between the check and the create
		if ok, _ := e.exists(ctx, index); ok {
			res.Body.Close()
			return nil
		}
	}
	if err := responseError(res, "create index "+index); err != nil {
		return err
	}
	log.Printf("ElasticEngine: created index %s", index)
	return nil
}

func (e *ElasticEngine) EnsureBlockIndex(ctx context.Context, index string, opts core.IndexOptions) error {
	return e.create(ctx, index, BlockIndexBody(opts.Synonyms, opts.DPR, opts.DebugFullText))
}

func (e *ElasticEngine) EnsureFileIndex(ctx context.Context, index string) error {
	return e.create(ctx, index, FileIndexBody())
}

func (e *ElasticEngine) DeleteByQuery(ctx context.Context, index string, filter core.DocFilter) error {
	r, err := jsonBody(filterQuery(filter.FileIdx, filter.WorkspaceIdx))
	if err != nil {
		return err
	}
	res, err := e.es.DeleteByQuery(
		[]string{index}, r,
		e.es.DeleteByQuery.WithContext(ctx),
		e.es.DeleteByQuery.WithRefresh(true),
		e.es.DeleteByQuery.WithConflicts("proceed"),
		e.es.DeleteByQuery.WithTimeout(time.Hour),
	)
	if err != nil {
		return fmt.Errorf("delete by query %s: %w: %v", index, core.ErrTransient, err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	return responseError(res, "delete by query "+index)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// BulkUpsert writes matches with their id as the document id. Per-item
// failures are reported in the result, not as an error.
func (e *ElasticEngine) BulkUpsert(ctx context.Context, index string, matches []models.Match) (core.BulkResult, error) {
	var result core.BulkResult
	if len(matches) == 0 {
		return result, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range matches {
		meta := map[string]any{"index": map[string]any{"_id": matches[i].ID}}
		if err := enc.Encode(meta); err != nil {
			return result, err
		}
		if err := enc.Encode(&matches[i]); err != nil {
			return result, fmt.Errorf("encode match %s: %w", matches[i].ID, err)
		}
	}

	res, err := e.es.Bulk(
		&buf,
		e.es.Bulk.WithIndex(index),
		e.es.Bulk.WithContext(ctx),
		e.es.Bulk.WithTimeout(300*time.Second),
	)
	if err != nil {
		return result, fmt.Errorf("bulk %s: %w: %v", index, core.ErrTransient, err)
	}
	if res.IsError() {
		return result, responseError(res, "bulk "+index)
	}
	defer res.Body.Close()

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return result, fmt.Errorf("decode bulk response: %w", err)
	}
	for _, item := range br.Items {
		for _, op := range item {
			if op.Status >= 300 {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", op.ID, op.Error))
			} else {
				result.Indexed++
			}
		}
	}
	return result, nil
}

func (e *ElasticEngine) Refresh(ctx context.Context, index string) error {
	res, err := e.es.Indices.Refresh(e.es.Indices.Refresh.WithIndex(index), e.es.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("refresh %s: %w: %v", index, core.ErrTransient, err)
	}
	return responseError(res, "refresh "+index)
}

func (e *ElasticEngine) IndexFileDocument(ctx context.Context, index string, doc models.FileLevelDoc) error {
	r, err := jsonBody(doc)
	if err != nil {
		return err
	}
	res, err := e.es.Index(index, r, e.es.Index.WithDocumentID(doc.ID), e.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("index file doc %s: %w: %v", doc.ID, core.ErrTransient, err)
	}
	return responseError(res, "index file doc "+doc.ID)
}

func (e *ElasticEngine) DeleteIndex(ctx context.Context, index string) error {
	res, err := e.es.Indices.Delete(
		[]string{index},
		e.es.Indices.Delete.WithContext(ctx),
		e.es.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("delete index %s: %w: %v", index, core.ErrTransient, err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	return responseError(res, "delete index "+index)
}

// UpdateSynonyms swaps the search-time synonym rules. Analysis settings can
// only change on a closed index, so the index is closed, updated, reopened
// and its search analyzers reloaded.
func (e *ElasticEngine) UpdateSynonyms(ctx context.Context, index string, synonyms []string) error {
	res, err := e.es.Indices.Close([]string{index}, e.es.Indices.Close.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("close %s: %w: %v", index, core.ErrTransient, err)
	}
	if err := responseError(res, "close "+index); err != nil {
		return err
	}

	r, err := jsonBody(map[string]any{"analysis": analysis(synonyms)})
	if err != nil {
		return err
	}
	res, err = e.es.Indices.PutSettings(r, e.es.Indices.PutSettings.WithIndex(index), e.es.Indices.PutSettings.WithContext(ctx))
	putErr := err
	if err == nil {
		putErr = responseError(res, "put settings "+index)
	}

	// reopen even when the settings update failed
	res, err = e.es.Indices.Open([]string{index}, e.es.Indices.Open.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open %s: %w: %v", index, core.ErrTransient, err)
	}
	if err := responseError(res, "open "+index); err != nil {
		return err
	}
	if putErr != nil {
		return putErr
	}

	res, err = e.es.Indices.ReloadSearchAnalyzers([]string{index}, e.es.Indices.ReloadSearchAnalyzers.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("reload analyzers %s: %w: %v", index, core.ErrTransient, err)
	}
	if err := responseError(res, "reload analyzers "+index); err != nil {
		return err
	}
	log.Printf("ElasticEngine: %d synonym rules applied to %s", len(synonyms), index)
	return nil
}

func (e *ElasticEngine) Count(ctx context.Context, index string, filter core.DocFilter) (int, error) {
	r, err := jsonBody(filterQuery(filter.FileIdx, filter.WorkspaceIdx))
	if err != nil {
		return 0, err
	}
	res, err := e.es.Count(e.es.Count.WithIndex(index), e.es.Count.WithBody(r), e.es.Count.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w: %v", index, core.ErrTransient, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("count %s: status %d: %s", index, res.StatusCode, body)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	return out.Count, nil
}
