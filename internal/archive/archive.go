// Package archive uploads snapshot tars of merged changes to S3-compatible
// object storage. Archival is optional and fire-and-forget; a failed upload
// never affects the submit that triggered it.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores merged-change snapshots. A nil Archiver is a no-op, which
// is how deployments without S3 configured run.
type Archiver struct {
	client *minio.Client
	bucket string
}

// New builds an Archiver against an S3-compatible endpoint.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	if a == nil {
		return nil
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Store uploads one snapshot tar under
// <project>/<changeNumber>/<patchSet>-<commit>.tar.
func (a *Archiver) Store(ctx context.Context, project string, changeNumber int64, patchSet int, commitHash string, snapshot []byte) error {
	if a == nil {
		return nil
	}
	name := fmt.Sprintf("%s/%d/%d-%s.tar", project, changeNumber, patchSet, commitHash)
	_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{
		ContentType: "application/x-tar",
	})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", name, err)
	}
	return nil
}

// StoreAsync runs Store on a goroutine and logs failures.
func (a *Archiver) StoreAsync(project string, changeNumber int64, patchSet int, commitHash string, snapshot []byte) {
	if a == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := a.Store(ctx, project, changeNumber, patchSet, commitHash, snapshot); err != nil {
			slog.Warn("snapshot archival failed",
				slog.String("project", project),
				slog.Int64("change", changeNumber),
				slog.Any("error", err))
		}
	}()
}
