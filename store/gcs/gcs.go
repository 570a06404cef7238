// Package gcs implements store.Backend against a Google Cloud Storage
// bucket, using the cloud.google.com/go/storage client.
package gcs

import (
	"context"
	"io"

	"cloud.google.com/go/storage"

	"github.com/slicebox/slicebox/internal/xerr"
	store2 "github.com/slicebox/slicebox/store"
)

// Backend stores objects in one bucket. Move is copy+delete: GCS
// objects are immutable once written and have no rename primitive
// (same limitation as store/s3 and store/azure).
type Backend struct {
	client *storage.Client
	bucket string
	prefix string
}

func New(client *storage.Client, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: prefix}
}

func (b *Backend) key(path string) string { return b.prefix + path }

func (b *Backend) obj(path string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.key(path))
}

func (b *Backend) ImageName(imageID string) string { return imageID + ".dcm" }

func (b *Backend) TempPath() string { return store2.NewTempPath() }

func (b *Backend) FileSource(imageID string) (io.ReadCloser, error) {
	r, err := b.obj(b.ImageName(imageID)).NewReader(context.Background())
	if err != nil {
		return nil, xerr.Transient(err, "open gcs object reader")
	}
	return r, nil
}

func (b *Backend) FileSink(path string) (io.WriteCloser, error) {
	return b.obj(path).NewWriter(context.Background()), nil
}

func (b *Backend) Move(srcPath, dstPath string) error {
	ctx := context.Background()
	src := b.obj(srcPath)
	dst := b.obj(dstPath)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return xerr.Transient(err, "copy gcs object")
	}
	return b.DeleteByName([]string{srcPath})
}

func (b *Backend) DeleteFromStorage(imageIDs []string) error {
	paths := make([]string, len(imageIDs))
	for i, id := range imageIDs {
		paths[i] = b.ImageName(id)
	}
	return b.DeleteByName(paths)
}

func (b *Backend) DeleteByName(paths []string) error {
	ctx := context.Background()
	for _, p := range paths {
		if err := b.obj(p).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
			return xerr.Transient(err, "delete gcs object")
		}
	}
	return nil
}
