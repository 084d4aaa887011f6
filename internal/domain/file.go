package domain

import (
	"sync"
	"sync/atomic"
)

// FileInfo is one file within an NzbInfo bundle: an ordered list of
// articles that together decode to a single output file.
type FileInfo struct {
	ID      string
	Subject string

	// Filename is the decoded output name. It may be empty ("not yet
	// confirmed") until the first article's headers are parsed.
	Filename string

	Size          int64 // expected total size
	SuccessSize   atomic.Int64
	FailedSize    atomic.Int64

	Articles []*ArticleInfo
	Groups   []string

	Priority int
	Paused   bool
	Deleted  bool

	// DirectWriteName is the pre-allocated sparse output path used when
	// direct-write is enabled; empty otherwise.
	DirectWriteName   string
	OutputMu          sync.Mutex
	OutputInitialized bool

	activeDownloads atomic.Int32

	nzb *NzbInfo // non-owning back-reference
}

// NewFileInfo builds a file owned by nzb; articles are attached afterward
// via AddArticle so each can carry the back-reference.
func NewFileInfo(nzb *NzbInfo, id, subject string, size int64) *FileInfo {
	return &FileInfo{
		ID:      id,
		Subject: subject,
		Size:    size,
		nzb:     nzb,
	}
}

// NZB returns the owning bundle.
func (f *FileInfo) NZB() *NzbInfo {
	return f.nzb
}

// AddArticle appends an article and wires its back-reference.
func (f *FileInfo) AddArticle(a *ArticleInfo) {
	a.file = f
	f.Articles = append(f.Articles, a)
}

// ActiveDownloads returns the number of articles currently Running.
func (f *FileInfo) ActiveDownloads() int32 {
	return f.activeDownloads.Load()
}

// RemainingSize is the sum of sizes of articles not yet Finished.
func (f *FileInfo) RemainingSize() int64 {
	var remaining int64
	for _, a := range f.Articles {
		if a.State() != ArticleFinished {
			remaining += a.Size
		}
	}
	return remaining
}

// Complete reports whether every article is Finished or Failed and no
// download is in flight.
func (f *FileInfo) Complete() bool {
	if f.activeDownloads.Load() != 0 {
		return false
	}
	for _, a := range f.Articles {
		st := a.State()
		if st != ArticleFinished && st != ArticleFailed {
			return false
		}
	}
	return true
}

// FailedArticleCount counts terminally failed articles, used for the
// broken-file decision at join time.
func (f *FileInfo) FailedArticleCount() int {
	n := 0
	for _, a := range f.Articles {
		if a.State() == ArticleFailed {
			n++
		}
	}
	return n
}

// Health is successSize / size, 1.0 for an empty or fully successful file.
func (f *FileInfo) Health() float64 {
	if f.Size <= 0 {
		return 1.0
	}
	return float64(f.SuccessSize.Load()) / float64(f.Size)
}
