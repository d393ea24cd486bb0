package ingestion_engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Mime types the ingestion pipeline accepts.
const (
	MimePDF      = "application/pdf"
	MimeHTML     = "text/html"
	MimeMarkdown = "text/markdown"
	MimeXML      = "text/xml"
	MimeText     = "text/plain"
)

var extMimes = map[string]string{
	".pdf":      MimePDF,
	".html":     MimeHTML,
	".htm":      MimeHTML,
	".md":       MimeMarkdown,
	".markdown": MimeMarkdown,
	".xml":      MimeXML,
	".txt":      MimeText,
}

// baseMime drops parameters and normalizes aliases.
func baseMime(m string) string {
	if m == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(m); err == nil {
		m = mt
	}
	m = strings.ToLower(m)
	switch m {
	case "application/xml":
		return MimeXML
	case "text/x-markdown":
		return MimeMarkdown
	}
	return m
}

// SupportedMime reports whether the pipeline can ingest m.
func SupportedMime(m string) bool {
	switch baseMime(m) {
	case MimePDF, MimeHTML, MimeMarkdown, MimeXML, MimeText:
		return true
	}
	return false
}

// SniffMime decides a document's mime from the declared type, the file name
// and finally the leading bytes.
func SniffMime(declared, name string, head []byte) string {
	if m := baseMime(declared); SupportedMime(m) {
		return m
	}
	if m, ok := extMimes[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	if len(head) > 512 {
		head = head[:512]
	}
	return baseMime(http.DetectContentType(head))
}

// DetectMime sniffs a file on disk.
func DetectMime(path, declared, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := f.Read(head)
	return SniffMime(declared, name, head[:n]), nil
}

// DocumentID is the content-derived id of an upload. The timestamp prefix
// makes a re-upload after a permanent delete get a fresh id.
func DocumentID(name string, data []byte, now time.Time) string {
	sum := sha256.Sum256(data)
	key := fmt.Sprintf("%d-%s:%s:%d", now.UnixNano(), name, hex.EncodeToString(sum[:]), len(data))
	id := sha256.Sum256([]byte(key))
	return hex.EncodeToString(id[:])
}
