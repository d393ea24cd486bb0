package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

const (
	SIFDims = 300
	DPRDims = 768

	encodeBatch = 256
)

// ModelServer is a throttled JSON RPC client for one model service.
type ModelServer struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
}

// NewModelServer builds a client for baseURL. retries is the number of
// extra attempts on socket errors and 5xx responses.
func NewModelServer(name, baseURL string, rps float64, retries int) *ModelServer {
	if rps <= 0 {
		rps = 20
	}
	c := resty.New().
		SetHostURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(2 * time.Minute).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		})
	return &ModelServer{
		name:    name,
		http:    c,
		limiter: rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps))),
	}
}

func (m *ModelServer) post(ctx context.Context, path string, body, out any) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		ForceContentType("application/json").
		Post(path)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", m.name, path, core.ErrTransient, err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("%s %s: %w: status %d", m.name, path, core.ErrTransient, resp.StatusCode())
		}
		return fmt.Errorf("%s %s: status %d: %s", m.name, path, resp.StatusCode(), resp.String())
	}
	return nil
}

type encodeRequest struct {
	Sentences []string `json:"sentences"`
}

type encodeResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (m *ModelServer) encode(ctx context.Context, path string, texts []string, dims int) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += encodeBatch {
		end := min(start+encodeBatch, len(texts))
		var res encodeResponse
		if err := m.post(ctx, path, encodeRequest{Sentences: texts[start:end]}, &res); err != nil {
			return nil, err
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("%s %s: got %d vectors for %d texts", m.name, path, len(res.Embeddings), end-start)
		}
		for _, v := range res.Embeddings {
			if len(v) != dims {
				return nil, fmt.Errorf("%s %s: vector has %d dims, want %d", m.name, path, len(v), dims)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// SIFEncoder produces 300-dim sentence embeddings.
type SIFEncoder struct {
	srv *ModelServer
}

func NewSIFEncoder(srv *ModelServer) *SIFEncoder { return &SIFEncoder{srv: srv} }

func (e *SIFEncoder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.srv.encode(ctx, "/encode/sif", texts, SIFDims)
}

// DPREncoder produces 768-dim passage embeddings from lowercased input.
// Vectors are L2-normalized.
type DPREncoder struct {
	srv *ModelServer
}

func NewDPREncoder(srv *ModelServer) *DPREncoder { return &DPREncoder{srv: srv} }

func (e *DPREncoder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	lower := make([]string, len(texts))
	for i, t := range texts {
		lower[i] = strings.ToLower(t)
	}
	vecs, err := e.srv.encode(ctx, "/encode/dpr", lower, DPRDims)
	if err != nil {
		return nil, err
	}
	for _, v := range vecs {
		Normalize(v)
	}
	return vecs, nil
}

// Normalize scales v to unit length in place. Zero vectors are left alone.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// NERClient calls a tagger endpoint returning [[mention, [types]], ...] per text.
type NERClient struct {
	srv  *ModelServer
	path string
}

// NewNERClient tags through /ner on the general model server.
func NewNERClient(srv *ModelServer) *NERClient { return &NERClient{srv: srv, path: "/ner"} }

// NewBioNERClient tags through the biomedical models.
func NewBioNERClient(srv *ModelServer) *NERClient { return &NERClient{srv: srv, path: "/ner/bio"} }

type nerRequest struct {
	Sentences []string `json:"sentences"`
	Domain    string   `json:"domain,omitempty"`
}

type nerResponse struct {
	Entities [][]models.Entity `json:"entities"`
}

func (c *NERClient) Tag(ctx context.Context, texts []string, domain string) ([][]models.Entity, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]models.Entity, 0, len(texts))
	for start := 0; start < len(texts); start += encodeBatch {
		end := min(start+encodeBatch, len(texts))
		var res nerResponse
		if err := c.srv.post(ctx, c.path, nerRequest{Sentences: texts[start:end], Domain: domain}, &res); err != nil {
			return nil, err
		}
		if len(res.Entities) != end-start {
			return nil, fmt.Errorf("%s %s: got %d results for %d texts", c.srv.name, c.path, len(res.Entities), end-start)
		}
		out = append(out, res.Entities...)
	}
	return out, nil
}

// BERN2Client normalizes biomedical mentions through a BERN2 server.
// BERN2 takes one text per request.
type BERN2Client struct {
	srv *ModelServer
}

func NewBERN2Client(srv *ModelServer) *BERN2Client { return &BERN2Client{srv: srv} }

type bern2Response struct {
	Annotations []struct {
		Mention string   `json:"mention"`
		Obj     string   `json:"obj"`
		ID      []string `json:"id"`
	} `json:"annotations"`
}

func (c *BERN2Client) Tag(ctx context.Context, texts []string, domain string) ([][]models.Entity, error) {
	out := make([][]models.Entity, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		var res bern2Response
		if err := c.srv.post(ctx, "/plain", map[string]string{"text": t}, &res); err != nil {
			return nil, err
		}
		for _, a := range res.Annotations {
			if a.Mention == "" || a.Obj == "" {
				continue
			}
			out[i] = append(out[i], models.Entity{Mention: a.Mention, Types: []string{strings.ToUpper(a.Obj)}})
		}
	}
	return out, nil
}

// YoloClient runs layout inference over a document's word features.
type YoloClient struct {
	srv *ModelServer
}

func NewYoloClient(srv *ModelServer) *YoloClient { return &YoloClient{srv: srv} }

type yoloRequest struct {
	DocID    string          `json:"doc_id"`
	Features json.RawMessage `json:"features"`
}

type yoloResponse struct {
	BBoxes []models.BBox `json:"bboxes"`
}

func (c *YoloClient) Detect(ctx context.Context, docID string, features []byte) ([]models.BBox, error) {
	var res yoloResponse
	if err := c.srv.post(ctx, "/yolo", yoloRequest{DocID: docID, Features: features}, &res); err != nil {
		return nil, err
	}
	for i := range res.BBoxes {
		res.BBoxes[i].Audited = false
		res.BBoxes[i].Source = "inference"
	}
	log.Printf("YoloClient: %d boxes inferred for %s", len(res.BBoxes), docID)
	return res.BBoxes, nil
}

var (
	_ core.EmbeddingProvider = (*SIFEncoder)(nil)
	_ core.EmbeddingProvider = (*DPREncoder)(nil)
	_ core.EntityRecognizer  = (*NERClient)(nil)
	_ core.EntityRecognizer  = (*BERN2Client)(nil)
	_ core.LayoutDetector    = (*YoloClient)(nil)
)
