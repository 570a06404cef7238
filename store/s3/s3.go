// Package s3 implements store.Backend against an S3-compatible bucket,
// using github.com/aws/aws-sdk-go-v2/service/s3 and
// .../feature/s3/manager.
package s3

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/slicebox/slicebox/internal/xerr"
	"github.com/slicebox/slicebox/store"
)

// Backend stores objects under a single bucket, keyed by path. Move is
// copy+delete: S3 has no rename primitive, so unlike store/local this
// backend's Move is not atomic -- documented as a known limitation.
type Backend struct {
	client *s3.Client
	up     *manager.Uploader
	bucket string
	prefix string
}

func New(client *s3.Client, bucket, prefix string) *Backend {
	return &Backend{client: client, up: manager.NewUploader(client), bucket: bucket, prefix: prefix}
}

func (b *Backend) key(path string) string { return b.prefix + path }

func (b *Backend) ImageName(imageID string) string { return imageID + ".dcm" }

func (b *Backend) TempPath() string { return store.NewTempPath() }

func (b *Backend) FileSource(imageID string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(b.ImageName(imageID))),
	})
	if err != nil {
		return nil, xerr.Transient(err, "get s3 object")
	}
	return out.Body, nil
}

// FileSink streams into the upload via an in-memory pipe: writes to
// the returned WriteCloser are consumed by the manager.Uploader in a
// background goroutine, so the caller never buffers the whole object.
func (b *Backend) FileSink(path string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := b.up.Upload(context.Background(), &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(path)),
			Body:   pr,
		})
		pr.CloseWithError(err)
		done <- err
	}()
	return &sinkWriter{pw: pw, done: done}, nil
}

type sinkWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (s *sinkWriter) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *sinkWriter) Close() error {
	if err := s.pw.Close(); err != nil {
		return xerr.Transient(err, "close s3 upload pipe")
	}
	if err := <-s.done; err != nil {
		return xerr.Transient(err, "upload to s3")
	}
	return nil
}

func (b *Backend) Move(srcPath, dstPath string) error {
	_, err := b.client.CopyObject(context.Background(), &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.key(dstPath)),
		CopySource: aws.String(b.bucket + "/" + b.key(srcPath)),
	})
	if err != nil {
		return xerr.Transient(err, "copy s3 object")
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
	for _, p := range paths {
		_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(p)),
		})
		if err != nil {
			return xerr.Transient(errors.Wrap(err, p), "delete s3 object")
		}
	}
	return nil
}
