// Package tika talks to an Apache Tika server.
package tika

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/markdave123-py/docindex/internal/core"
)

var _ core.OCRClient = (*Client)(nil)

type Client struct {
	http *resty.Client
	ocr  bool
}

// NewClient targets endpoint, e.g. http://tika:9998. With ocr set, PDF
// pages are rasterized and OCRed instead of read from the text layer.
func NewClient(endpoint string, ocr bool) *Client {
	c := resty.New().
		SetHostURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(10 * time.Minute).
		SetRetryCount(1)
	return &Client{http: c, ocr: ocr}
}

func (c *Client) put(ctx context.Context, path, accept string, ocr bool) ([]byte, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", accept).
		SetBody(body)
	if ocr {
		req.SetHeader("X-Tika-PDFOcrStrategy", "ocr_only")
	}
	resp, err := req.Put("/tika")
	if err != nil {
		return nil, fmt.Errorf("tika: %w: %v", core.ErrTransient, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tika: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// FirstPageText returns the text of the first page. Tika separates pages
// with form feeds in plain-text output.
func (c *Client) FirstPageText(ctx context.Context, path string) (string, error) {
	raw, err := c.put(ctx, path, "text/plain", c.ocr)
	if err != nil {
		return "", err
	}
	page, _, _ := strings.Cut(string(raw), "\f")
	return strings.TrimSpace(page), nil
}

// HTML returns Tika's positioned XHTML rendering, one div.page per page.
func (c *Client) HTML(ctx context.Context, path, mime string) ([]byte, error) {
	return c.put(ctx, path, "text/html", false)
}
