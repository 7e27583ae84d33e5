package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinIOConfig points the store at an S3-compatible endpoint.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO stores checkpoints as JSON objects under
// <bucket>/<run-id>/epoch-<n>.json.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects the store and ensures the bucket exists.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "segtrain-checkpoints"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrap(err, "bucket lookup")
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "create bucket")
		}
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

func objectName(runID string, epoch int) string {
	return fmt.Sprintf("%s/epoch-%d.json", runID, epoch)
}

func (m *MinIO) Save(ctx context.Context, cp Checkpoint) (string, error) {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return "", errors.Wrap(err, "encode checkpoint")
	}
	name := objectName(cp.RunID, cp.Epoch)
	_, err = m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(b), int64(len(b)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", errors.Wrap(err, "upload checkpoint")
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, name), nil
}

func (m *MinIO) Load(ctx context.Context, runID string, epoch int) (Checkpoint, error) {
	var cp Checkpoint
	obj, err := m.client.GetObject(ctx, m.bucket, objectName(runID, epoch), minio.GetObjectOptions{})
	if err != nil {
		return cp, errors.Wrap(err, "fetch checkpoint")
	}
	defer obj.Close()
	if err := json.NewDecoder(obj).Decode(&cp); err != nil {
		return cp, errors.Wrap(err, "decode checkpoint")
	}
	return cp, nil
}
