// Package output manages the on-disk side of article decoding: per-file
// output mutex and first-touch pre-allocation for direct-write mode, and
// per-article temporary files for the join path.
package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/segmentio/ksuid"
)

// Writer owns the filesystem-facing half of a FileInfo's output: the
// pre-allocated sparse file in direct-write mode, or a scratch directory
// of per-article temp files otherwise.
type Writer struct {
	TempDir string
}

func New(tempDir string) *Writer {
	return &Writer{TempDir: tempDir}
}

// TempPathForArticle returns a new temp file path under TempDir, named
// by a freshly generated k-sortable id rather than the message id so
// filesystem listing naturally orders by arrival. Each call returns a
// different path; the caller keeps it in the article's ResultFile.
func (w *Writer) TempPathForArticle(a *domain.ArticleInfo) string {
	return filepath.Join(w.TempDir, ksuid.New().String()+".tmp")
}

// WriteTemp writes data to a per-article temp file, truncating any
// previous content. Used by the non-direct-write join path.
func (w *Writer) WriteTemp(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for temp file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// EnsureDirectWriteFile pre-allocates file.DirectWriteName as a sparse
// file of file.Size on the first call for this FileInfo; subsequent
// calls are no-ops. Guarded by file.OutputMu so concurrent articles of
// the same file race safely onto one pre-allocation.
func (w *Writer) EnsureDirectWriteFile(file *domain.FileInfo, path string) error {
	file.OutputMu.Lock()
	defer file.OutputMu.Unlock()
	if file.OutputInitialized {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(file.Size); err != nil {
		return err
	}
	file.DirectWriteName = path
	file.OutputInitialized = true
	return nil
}

// WriteAt opens path and writes data at offset. Each call opens and
// closes its own handle: articles of the same file run concurrently and
// write disjoint byte ranges, so no cross-article lock is needed beyond
// the one-time pre-allocation above.
func (w *Writer) WriteAt(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}
