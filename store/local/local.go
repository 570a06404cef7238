// Package local implements store.Backend on the local filesystem: the
// default, and, with store/hdfs, one of the two backends for which
// Move is a true atomic rename -- any concurrency guarantee that
// assumes an atomic move holds for these backends only.
package local

import (
	"io"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/slicebox/slicebox/internal/nlog"
	"github.com/slicebox/slicebox/internal/xerr"
	"github.com/slicebox/slicebox/store"
)

var log = nlog.New("store/local")

// Backend stores one DICOM object per imageId under root, named by a
// flat imageId-derived relative path.
type Backend struct {
	root         string
	minFreeBytes int64
}

func New(root string, minFreeBytes int64) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	return &Backend{root: root, minFreeBytes: minFreeBytes}, nil
}

func (b *Backend) ImageName(imageID string) string {
	return filepath.Join(b.root, imageID+".dcm")
}

func (b *Backend) TempPath() string { return filepath.Join(b.root, store.NewTempPath()) }

func (b *Backend) FileSource(imageID string) (io.ReadCloser, error) {
	f, err := os.Open(b.ImageName(imageID))
	if err != nil {
		return nil, xerr.Transient(err, "open stored image")
	}
	return f, nil
}

// FileSink opens path for writing, refusing with a transient error
// when free space on the backing filesystem is below minFreeBytes.
func (b *Backend) FileSink(path string) (io.WriteCloser, error) {
	if err := b.checkFreeSpace(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerr.Transient(err, "create parent directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, xerr.Transient(err, "create storage file")
	}
	return f, nil
}

func (b *Backend) checkFreeSpace() error {
	var st unix.Statfs_t
	if err := unix.Statfs(b.root, &st); err != nil {
		return xerr.Transient(err, "statfs storage root")
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	if free < b.minFreeBytes {
		return xerr.Transient(errors.Errorf("%d bytes free, need %d", free, b.minFreeBytes), "insufficient storage capacity")
	}
	return nil
}

func (b *Backend) Move(srcPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return xerr.Transient(err, "create destination directory")
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return xerr.Transient(err, "rename storage object")
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
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return xerr.Transient(err, "delete storage object")
		}
	}
	return nil
}

// SweepTemp removes orphaned tmp-* files left behind by aborted
// pipeline runs. Intended to be registered with internal/hk as a
// periodic job.
func (b *Backend) SweepTemp() error {
	return godirwalk.Walk(b.root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if name := filepath.Base(path); len(name) >= 4 && name[:4] == "tmp-" {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					log.Warnf("sweep temp file %s: %v", path, err)
				}
			}
			return nil
		},
	})
}
