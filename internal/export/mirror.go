package export

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror copies exported files to an S3-compatible bucket so the backup
// tree is readable without a git checkout. Uploads are best-effort: a
// mirror failure never fails an export run.
type Mirror struct {
	client *minio.Client
	bucket string
}

func NewMirror(endpoint, accessKey, secretKey, bucket string, secure bool) (*Mirror, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	m := &Mirror{client: client, bucket: bucket}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return m, nil
}

// UploadAll pushes the given files (relative to baseDir) to the bucket
// under the same relative keys.
func (m *Mirror) UploadAll(ctx context.Context, baseDir string, relPaths []string) {
	for _, rel := range relPaths {
		local := filepath.Join(baseDir, rel)
		key := filepath.ToSlash(rel)
		_, err := m.client.FPutObject(ctx, m.bucket, key, local, minio.PutObjectOptions{
			ContentType: contentTypeFor(key),
		})
		if err != nil {
			log.Printf("export: mirror upload %s: %v", key, err)
		}
	}
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}
