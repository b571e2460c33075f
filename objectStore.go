package main

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/qms_backend/utils"
)

var errStorageDisabled = errors.New("object storage is disabled")

// objectStore is the bucket as the handlers and event consumer see it.
type objectStore interface {
	Sign(ctx context.Context, objectKey, contentType string, expires time.Duration) (*utils.SignedUpload, error)
	Attrs(ctx context.Context, objectKey string) (contentType string, size int64, ok bool, err error)
	Read(ctx context.Context, objectKey string, maxBytes int64) ([]byte, error)
	Write(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type gcsObjectStore struct{}

func (gcsObjectStore) Sign(ctx context.Context, objectKey, contentType string, expires time.Duration) (*utils.SignedUpload, error) {
	return utils.SignUpload(ctx, objectKey, contentType, expires)
}

func (gcsObjectStore) Attrs(ctx context.Context, objectKey string) (string, int64, bool, error) {
	return utils.ObjectAttrsInGCS(ctx, objectKey)
}

func (gcsObjectStore) Read(ctx context.Context, objectKey string, maxBytes int64) ([]byte, error) {
	return utils.ReadObjectFromGCS(ctx, objectKey, maxBytes)
}

func (gcsObjectStore) Write(ctx context.Context, objectKey string, data []byte, contentType string) error {
	if !utils.StorageEnabled() {
		return errStorageDisabled
	}
	return utils.UploadBytesToGCS(ctx, objectKey, data, contentType)
}
