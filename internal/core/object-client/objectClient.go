package objectclient

import (
	"fmt"
	"path"
	"strings"
)

// Logical layout of the object store.

func OriginalPath(userID, workspaceID, folderID, docID string) string {
	if folderID == "" {
		folderID = "root"
	}
	return path.Join(userID, workspaceID, folderID, docID)
}

// WorkspacePrefix covers every original and thumbnail of a workspace.
func WorkspacePrefix(userID, workspaceID string) string {
	return path.Join(userID, workspaceID)
}

func RenderedHTMLKey(docID string) string { return docID }

func RenderedJSONKey(docID string) string { return docID + "_json" }

func ThumbnailPath(userID, workspaceID, docID string) string {
	return path.Join(userID, workspaceID, "images", docID)
}

func FeaturesPath(docID string) string {
	return fmt.Sprintf("bbox/features/%s.json", docID)
}

func TemplatePath(workspaceID, docID string) string {
	return path.Join("templates", workspaceID, docID)
}

// parseS3URL extracts the bucket and key from a typical virtual-hosted–style S3 URL.
// Example: https://my-bucket.s3.us-east-2.amazonaws.com/path/to/file.pdf
func parseS3URL(u string) (bucket, key string) {
	hostPath := strings.SplitN(strings.TrimPrefix(u, "https://"), "/", 2)
	host := hostPath[0]
	if len(hostPath) == 2 {
		key = hostPath[1]
	}
	parts := strings.Split(host, ".")
	if len(parts) > 0 {
		bucket = parts[0]
	}
	return bucket, key
}
