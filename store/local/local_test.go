package local

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSinkThenSourceRoundTrips(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := b.ImageName("image-1")
	sink, err := b.FileSink(path)
	if err != nil {
		t.Fatalf("FileSink: %v", err)
	}
	if _, err := sink.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	src, err := b.FileSource("image-1")
	if err != nil {
		t.Fatalf("FileSource: %v", err)
	}
	defer src.Close()
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestMoveIsRename(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tmp := b.TempPath()
	sink, err := b.FileSink(tmp)
	if err != nil {
		t.Fatalf("FileSink: %v", err)
	}
	sink.Write([]byte("x"))
	sink.Close()

	dst := b.ImageName("image-1")
	if err := b.Move(tmp, dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp path still exists after move")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("destination missing after move: %v", err)
	}
}

func TestDeleteFromStorage(t *testing.T) {
	dir := t.TempDir()
	b, _ := New(dir, 0)
	path := b.ImageName("image-1")
	sink, _ := b.FileSink(path)
	sink.Close()

	if err := b.DeleteFromStorage([]string{"image-1"}); err != nil {
		t.Fatalf("DeleteFromStorage: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("image file still present after delete")
	}
}

func TestSweepTempRemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	b, _ := New(dir, 0)
	tmp := filepath.Join(dir, "tmp-abc123")
	os.WriteFile(tmp, []byte("x"), 0o644)
	kept := b.ImageName("image-1")
	os.WriteFile(kept, []byte("y"), 0o644)

	if err := b.SweepTemp(); err != nil {
		t.Fatalf("SweepTemp: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("orphaned temp file not swept")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Errorf("non-temp file incorrectly swept: %v", err)
	}
}
