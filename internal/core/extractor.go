package core

import (
	"context"

	"github.com/markdave123-py/docindex/internal/models"
)

// FontSpan is one run of text on the title page with its rendering font.
type FontSpan struct {
	Text   string  `json:"text"`
	Family string  `json:"family"`
	Size   float64 `json:"size"`
	Weight int     `json:"weight"`
}

// DocResult is the optional document-level summary the parser returns.
type DocResult struct {
	Title          string     `json:"title"`
	TitlePageFonts []FontSpan `json:"title_page_fonts"`
	PageDim        []float64  `json:"page_dim"`
	NumPages       int        `json:"num_pages"`
}

// FileData holds the rendered payloads.
type FileData struct {
	HTML []byte
	JSON []byte
}

// ParseResult is what a Parser produces for one document.
// ReturnDict carries optional side channels, e.g. "tika_html".
type ParseResult struct {
	Blocks     []models.Block
	FileData   FileData
	DocResult  *DocResult
	ReturnDict map[string]any
}

// TikaHTML returns the Tika HTML side channel, if the parser provided one.
func (r *ParseResult) TikaHTML() []byte {
	if r == nil || r.ReturnDict == nil {
		return nil
	}
	switch v := r.ReturnDict["tika_html"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

// Parser turns a stored artifact into a block stream.
type Parser interface {
	Parse(ctx context.Context, name, path, mime string, opts models.ParseOptions) (*ParseResult, error)
}

// Thumbnailer renders a JPEG preview of a document's first page.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, path, mime string) ([]byte, error)
}

// OCRClient extracts the text of a document's first page.
type OCRClient interface {
	FirstPageText(ctx context.Context, path string) (string, error)
}
