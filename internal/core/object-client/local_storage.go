package objectclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/markdave123-py/docindex/internal/core"
)

var _ core.ObjectClient = (*LocalClient)(nil)

const fileScheme = "file://"

// LocalClient stores objects under a root directory. Locations are file:// URLs.
type LocalClient struct {
	root       string
	scratchDir string
}

func NewLocalClient(root, scratchDir string) (*LocalClient, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalClient{root: abs, scratchDir: scratchDir}, nil
}

func (c *LocalClient) pathFor(key string) (string, error) {
	p := filepath.Join(c.root, filepath.FromSlash(key))
	if p != c.root && !strings.HasPrefix(p, c.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q: %w: escapes storage root", key, core.ErrValidation)
	}
	return p, nil
}

// resolve accepts a file:// location or a bare key.
func (c *LocalClient) resolve(location string) (string, error) {
	if strings.HasPrefix(location, fileScheme) {
		p := filepath.Clean(strings.TrimPrefix(location, fileScheme))
		if !strings.HasPrefix(p, c.root) {
			return "", fmt.Errorf("location %q: %w: outside storage root", location, core.ErrValidation)
		}
		return p, nil
	}
	return c.pathFor(location)
}

func (c *LocalClient) Upload(ctx context.Context, localPath, logicalPath, mimeType string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	return c.write(logicalPath, src)
}

func (c *LocalClient) SaveBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return c.write(key, bytes.NewReader(data))
}

func (c *LocalClient) write(key string, r io.Reader) (string, error) {
	dst, err := c.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return fileScheme + dst, nil
}

func (c *LocalClient) Download(ctx context.Context, location string) (string, error) {
	src, err := c.resolve(location)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(c.scratchDir, "dl-*"+filepath.Ext(src))
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	if err := c.DownloadTo(ctx, location, path); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (c *LocalClient) DownloadTo(ctx context.Context, location, localPath string) error {
	src, err := c.resolve(location)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("object %s: %w", location, core.ErrNotFound)
		}
		return err
	}
	defer in.Close()
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (c *LocalClient) GetFile(ctx context.Context, location string) ([]byte, error) {
	src, err := c.resolve(location)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", location, core.ErrNotFound)
	}
	return b, err
}

func (c *LocalClient) Exists(ctx context.Context, location string) (bool, error) {
	src, err := c.resolve(location)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// DeletePrefix removes files whose key starts with prefix, like an S3 listing would.
func (c *LocalClient) DeletePrefix(ctx context.Context, prefixes ...string) error {
	for _, prefix := range prefixes {
		base, err := c.pathFor(prefix)
		if err != nil {
			return err
		}
		if info, err := os.Stat(base); err == nil && info.IsDir() {
			if err := os.RemoveAll(base); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(prefix, "/") {
			continue
		}
		dir := filepath.Dir(base)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if strings.HasPrefix(full, base) {
				if err := os.RemoveAll(full); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *LocalClient) Copy(ctx context.Context, location, logicalPath string) (string, error) {
	src, err := c.resolve(location)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("object %s: %w", location, core.ErrNotFound)
		}
		return "", err
	}
	defer in.Close()
	return c.write(logicalPath, in)
}
