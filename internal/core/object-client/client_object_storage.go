package objectclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	cfg "github.com/markdave123-py/docindex/internal/config"
	"github.com/markdave123-py/docindex/internal/core"
)

var _ core.ObjectClient = (*S3Client)(nil)

type S3Client struct {
	client     *s3.Client
	region     string
	bucket     string
	scratchDir string
}

func NewS3Client(ctx context.Context, cfg *cfg.Config) (*S3Client, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, fmt.Errorf("AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	log.Println("Connected to AWS S3 successfully")

	return &S3Client{
		client:     client,
		region:     cfg.AwsRegion,
		bucket:     cfg.BucketName,
		scratchDir: cfg.ScratchDir,
	}, nil
}

func (c *S3Client) location(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, key)
}

// resolve accepts either a full object URL or a bare key.
func (c *S3Client) resolve(location string) (bucket, key string) {
	if strings.HasPrefix(location, "https://") {
		return parseS3URL(location)
	}
	return c.bucket, strings.TrimPrefix(location, "/")
}

// Upload streams a local file to S3 and returns its URL.
func (c *S3Client) Upload(ctx context.Context, localPath, logicalPath, mimeType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return c.put(ctx, logicalPath, f, mimeType)
}

func (c *S3Client) SaveBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return c.put(ctx, key, bytes.NewReader(data), contentType)
}

func (c *S3Client) put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	uploader := manager.NewUploader(c.client)

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := uploader.Upload(ctxUpload, input); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return c.location(key), nil
}

// Download copies the object into a fresh scratch file and returns its path.
func (c *S3Client) Download(ctx context.Context, location string) (string, error) {
	_, key := c.resolve(location)
	f, err := os.CreateTemp(c.scratchDir, "dl-*"+filepath.Ext(key))
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

func (c *S3Client) DownloadTo(ctx context.Context, location, localPath string) error {
	bucket, key := c.resolve(location)
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()

	ctxGet, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	downloader := manager.NewDownloader(c.client)
	if _, err := downloader.Download(ctxGet, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 download failed: %w", err)
	}
	return nil
}

func (c *S3Client) GetFile(ctx context.Context, location string) ([]byte, error) {
	bucket, key := c.resolve(location)
	ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

func (c *S3Client) Exists(ctx context.Context, location string) (bool, error) {
	bucket, key := c.resolve(location)
	ctxHead, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.HeadObject(ctxHead, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head failed: %w", err)
}

// DeletePrefix removes every object under each prefix, 1000 keys per request.
func (c *S3Client) DeletePrefix(ctx context.Context, prefixes ...string) error {
	for _, prefix := range prefixes {
		p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(prefix),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("s3 list %s: %w", prefix, err)
			}
			if len(page.Contents) == 0 {
				continue
			}
			ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
			}
			ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, err = c.client.DeleteObjects(ctxDel, &s3.DeleteObjectsInput{
				Bucket: aws.String(c.bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			cancel()
			if err != nil {
				return fmt.Errorf("s3 delete failed: %w", err)
			}
		}
		log.Printf("S3Client: purged prefix %s", prefix)
	}
	return nil
}

func (c *S3Client) Copy(ctx context.Context, location, logicalPath string) (string, error) {
	bucket, key := c.resolve(location)
	ctxCopy, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := c.client.CopyObject(ctxCopy, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(logicalPath),
		CopySource: aws.String(url.PathEscape(bucket + "/" + key)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 copy failed: %w", err)
	}
	return c.location(logicalPath), nil
}
