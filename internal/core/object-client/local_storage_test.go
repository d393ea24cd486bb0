package objectclient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docindex/internal/core"
)

func TestLocalClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalClient(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "in.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4 hello"), 0o644))

	loc, err := c.Upload(ctx, src, OriginalPath("u1", "ws1", "", "doc1"), "application/pdf")
	require.NoError(t, err)
	assert.Contains(t, loc, "u1/ws1/root/doc1")

	ok, err := c.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)

	local, err := c.Download(ctx, loc)
	require.NoError(t, err)
	defer os.Remove(local)
	b, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 hello", string(b))

	copied, err := c.Copy(ctx, loc, OriginalPath("u1", "ws2", "root", "doc2"))
	require.NoError(t, err)
	b, err = c.GetFile(ctx, copied)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 hello", string(b))
}

func TestLocalClient_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalClient(t.TempDir(), "")
	require.NoError(t, err)

	a, err := c.SaveBytes(ctx, OriginalPath("u1", "W", "root", "d1"), []byte("a"), "")
	require.NoError(t, err)
	th, err := c.SaveBytes(ctx, ThumbnailPath("u1", "W", "d1"), []byte("jpg"), "image/jpeg")
	require.NoError(t, err)
	other, err := c.SaveBytes(ctx, OriginalPath("u1", "W2", "root", "d2"), []byte("b"), "")
	require.NoError(t, err)

	require.NoError(t, c.DeletePrefix(ctx, WorkspacePrefix("u1", "W")))

	for _, loc := range []string{a, th} {
		ok, err := c.Exists(ctx, loc)
		require.NoError(t, err)
		assert.False(t, ok, loc)
	}
	ok, err := c.Exists(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalClient_MissingAndEscapingKeys(t *testing.T) {
	ctx := context.Background()
	c, err := NewLocalClient(t.TempDir(), "")
	require.NoError(t, err)

	_, err = c.GetFile(ctx, "nope/missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = c.SaveBytes(ctx, "../outside", []byte("x"), "")
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "bbox/features/d1.json", FeaturesPath("d1"))
	assert.Equal(t, "templates/w1/d1", TemplatePath("w1", "d1"))
	assert.Equal(t, "d1_json", RenderedJSONKey("d1"))
	assert.Equal(t, "u/w/images/d", ThumbnailPath("u", "w", "d"))

	bucket, key := parseS3URL("https://my-bucket.s3.us-east-2.amazonaws.com/path/to/file.pdf")
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "path/to/file.pdf", key)
}
