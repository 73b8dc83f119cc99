package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBlobStore keeps non-collaborative note content in object
// storage instead of Postgres. Same overwrite semantics, selected by
// configuration.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

func NewMinioBlobStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioBlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &MinioBlobStore{client: client, bucket: bucket}, nil
}

func (s *MinioBlobStore) key(documentID, kind string) string {
	return documentID + "/" + kind
}

func (s *MinioBlobStore) FetchBlob(ctx context.Context, documentID, kind string) ([]byte, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(documentID, kind), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("fetch blob %s/%s: %w", documentID, kind, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read blob %s/%s: %w", documentID, kind, err)
	}
	return data, true, nil
}

func (s *MinioBlobStore) StoreBlob(ctx context.Context, documentID, kind string, content []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(documentID, kind),
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("store blob %s/%s: %w", documentID, kind, err)
	}
	return nil
}
