// Package hdfs implements store.Backend against an on-prem HDFS
// cluster, using the github.com/colinmarc/hdfs/v2 client -- wired here
// as an alternate cold-storage tier for hospital deployments that
// already run HDFS.
package hdfs

import (
	"io"
	"path"

	"github.com/colinmarc/hdfs/v2"

	"github.com/slicebox/slicebox/internal/xerr"
	"github.com/slicebox/slicebox/store"
)

// Backend stores objects under root on an HDFS cluster. Unlike the
// object-storage backends, HDFS's Rename is a namenode metadata
// operation, so Move here is atomic the same way store/local's is.
type Backend struct {
	client *hdfs.Client
	root   string
}

func New(client *hdfs.Client, root string) *Backend {
	return &Backend{client: client, root: root}
}

func (b *Backend) path(p string) string { return path.Join(b.root, p) }

func (b *Backend) ImageName(imageID string) string { return b.path(imageID + ".dcm") }

func (b *Backend) TempPath() string { return b.path(store.NewTempPath()) }

func (b *Backend) FileSource(imageID string) (io.ReadCloser, error) {
	f, err := b.client.Open(b.ImageName(imageID))
	if err != nil {
		return nil, xerr.Transient(err, "open hdfs file")
	}
	return f, nil
}

func (b *Backend) FileSink(p string) (io.WriteCloser, error) {
	if err := b.client.MkdirAll(path.Dir(p), 0o755); err != nil {
		return nil, xerr.Transient(err, "mkdir hdfs parent")
	}
	f, err := b.client.Create(p)
	if err != nil {
		return nil, xerr.Transient(err, "create hdfs file")
	}
	return f, nil
}

func (b *Backend) Move(srcPath, dstPath string) error {
	if err := b.client.MkdirAll(path.Dir(dstPath), 0o755); err != nil {
		return xerr.Transient(err, "mkdir hdfs destination parent")
	}
	if err := b.client.Rename(srcPath, dstPath); err != nil {
		return xerr.Transient(err, "rename hdfs file")
	}
	return nil
}

func (b *Backend) DeleteFromStorage(imageIDs []string) error {
	names := make([]string, len(imageIDs))
	for i, id := range imageIDs {
		names[i] = b.ImageName(id)
	}
	return b.DeleteByName(names)
}

func (b *Backend) DeleteByName(paths []string) error {
	for _, p := range paths {
		if err := b.client.Remove(p); err != nil {
			return xerr.Transient(err, "remove hdfs file")
		}
	}
	return nil
}
