package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var (
	_ core.Parser      = (*RemoteParser)(nil)
	_ core.Thumbnailer = (*RemoteParser)(nil)
)

// RemoteParser sends documents to the layout parser service.
type RemoteParser struct {
	http *resty.Client
}

func NewRemoteParser(baseURL string) *RemoteParser {
	c := resty.New().
		SetHostURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Minute).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 502)
		})
	return &RemoteParser{http: c}
}

type parseResponse struct {
	Blocks   []models.Block `json:"blocks"`
	FileData struct {
		HTML string          `json:"html"`
		JSON json.RawMessage `json:"json"`
	} `json:"file_data"`
	DocResult  *core.DocResult `json:"doc_result_json"`
	ReturnDict map[string]any  `json:"return_dict"`
}

func (p *RemoteParser) Parse(ctx context.Context, name, path, mime string, opts models.ParseOptions) (*core.ParseResult, error) {
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	var out parseResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetFile("file", path).
		SetFormData(map[string]string{
			"name":          name,
			"mime":          mime,
			"parse_options": string(rawOpts),
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/parse")
	if err != nil {
		return nil, fmt.Errorf("%w: parser rpc for %s: %v", core.ErrParseFailed, name, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: parser returned %d for %s: %s", core.ErrParseFailed, resp.StatusCode(), name, resp.String())
	}

	res := &core.ParseResult{
		Blocks:     out.Blocks,
		DocResult:  out.DocResult,
		ReturnDict: out.ReturnDict,
	}
	res.FileData.HTML = []byte(out.FileData.HTML)
	if len(out.FileData.JSON) > 0 && string(out.FileData.JSON) != "null" {
		res.FileData.JSON = out.FileData.JSON
	}
	log.Printf("RemoteParser: %s -> %d blocks", name, len(res.Blocks))
	return res, nil
}

// Thumbnail renders the first page as a JPEG.
func (p *RemoteParser) Thumbnail(ctx context.Context, path, mime string) ([]byte, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetFile("file", path).
		SetFormData(map[string]string{"mime": mime, "name": filepath.Base(path)}).
		SetHeader("Accept", "image/jpeg").
		Post("/thumbnail")
	if err != nil {
		return nil, fmt.Errorf("thumbnail rpc: %w: %v", core.ErrTransient, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("thumbnail rpc: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
