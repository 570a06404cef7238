// Package store defines the object storage abstraction: a
// single capability set every concrete backend implements, so the
// pipeline and transfer engines never know which storage tier is live.
package store

import (
	"io"

	"github.com/google/uuid"
)

// Backend is the capability set every storage tier must implement.
// Temp paths returned by TempPath are random (`tmp-<uuid>`); Move must
// be atomic within a single backend (local: os.Rename; object
// backends: copy+delete, documented as non-atomic -- see SPEC_FULL.md).
type Backend interface {
	FileSource(imageID string) (io.ReadCloser, error)
	FileSink(path string) (io.WriteCloser, error)
	Move(srcPath, dstPath string) error
	DeleteFromStorage(imageIDs []string) error
	DeleteByName(paths []string) error
	ImageName(imageID string) string
	TempPath() string
}

// NewTempPath returns a random temp path prefix shared by every
// backend, of the form tmp-<uuid>.
func NewTempPath() string {
	return "tmp-" + uuid.NewString()
}
