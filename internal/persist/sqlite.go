// Package persist is the optional queue-persistence backend: a thin
// modernc.org/sqlite store satisfying queue.Persister. The core never
// depends on this package directly — main wires it in, or falls back to
// queue.NoopPersister when no database path is configured.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/PleXone2019/nzbcore/internal/domain"
)

// SQLiteStore snapshots the whole queue as one JSON blob per bundle. The
// queue's shape churns too fast for a normalized schema to pay for
// itself; the bundle id is the only column queried on.
type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS bundles (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// bundleSnapshot is the on-disk shape of one NzbInfo. It mirrors the
// domain struct's exported fields rather than embedding it directly:
// atomic.Int64 counters and mutexes don't round-trip through
// encoding/json.
type bundleSnapshot struct {
	ID         string
	Name       string
	DestDir    string
	Category   string
	Deleted    bool
	Paused     bool
	PostStage  domain.PostStage
	FailReason string
	Priority   int
	Files      []fileSnapshot
}

type fileSnapshot struct {
	ID              string
	Subject         string
	Filename        string
	Size            int64
	SuccessSize     int64
	FailedSize      int64
	Priority        int
	Paused          bool
	Deleted         bool
	DirectWriteName string
	Articles        []articleSnapshot
	Groups          []string
}

type articleSnapshot struct {
	PartNumber int
	MessageID  string
	Size       int64
	State      domain.ArticleState
	ResultFile string
}

func toSnapshot(n *domain.NzbInfo) bundleSnapshot {
	b := bundleSnapshot{
		ID: n.ID, Name: n.Name, DestDir: n.DestDir, Category: n.Category,
		Deleted: n.Deleted, Paused: n.Paused, PostStage: n.PostStage,
		FailReason: n.FailReason, Priority: n.Priority,
	}
	for _, f := range n.Files {
		fs := fileSnapshot{
			ID: f.ID, Subject: f.Subject, Filename: f.Filename, Size: f.Size,
			SuccessSize: f.SuccessSize.Load(), FailedSize: f.FailedSize.Load(),
			Priority: f.Priority, Paused: f.Paused, Deleted: f.Deleted,
			DirectWriteName: f.DirectWriteName, Groups: f.Groups,
		}
		for _, a := range f.Articles {
			fs.Articles = append(fs.Articles, articleSnapshot{
				PartNumber: a.PartNumber, MessageID: a.MessageID, Size: a.Size,
				State: a.State(), ResultFile: a.ResultFile,
			})
		}
		b.Files = append(b.Files, fs)
	}
	return b
}

func fromSnapshot(b bundleSnapshot) *domain.NzbInfo {
	n := domain.NewNzbInfo(b.ID, b.Name, b.DestDir)
	n.Category = b.Category
	n.Deleted = b.Deleted
	n.Paused = b.Paused
	n.PostStage = b.PostStage
	n.FailReason = b.FailReason
	n.Priority = b.Priority

	for _, fs := range b.Files {
		f := domain.NewFileInfo(n, fs.ID, fs.Subject, fs.Size)
		f.Filename = fs.Filename
		f.Priority = fs.Priority
		f.Paused = fs.Paused
		f.Deleted = fs.Deleted
		f.DirectWriteName = fs.DirectWriteName
		f.Groups = fs.Groups
		f.SuccessSize.Store(fs.SuccessSize)
		f.FailedSize.Store(fs.FailedSize)
		for _, as := range fs.Articles {
			a := domain.NewArticleInfo(f, as.PartNumber, as.MessageID, as.Size)
			a.ResultFile = as.ResultFile
			if as.State == domain.ArticleRunning {
				// a crash mid-download leaves no in-flight reader behind;
				// requeue rather than resurrect as Running.
				as.State = domain.ArticleUndefined
			}
			restoreState(a, as.State)
			f.AddArticle(a)
		}
		n.AddFile(f)
	}
	return n
}

// restoreState forces an article directly into state without going
// through the SetRunning/Finish transition guards, used only when
// rehydrating a persisted snapshot.
func restoreState(a *domain.ArticleInfo, state domain.ArticleState) {
	switch state {
	case domain.ArticleFinished:
		a.SetRunning()
		a.Finish(true)
	case domain.ArticleFailed:
		a.SetRunning()
		a.Finish(false)
	}
}

// SaveQueue replaces the persisted snapshot with nzbs.
func (s *SQLiteStore) SaveQueue(nzbs []*domain.NzbInfo) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM bundles"); err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO bundles (id, data) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, n := range nzbs {
		data, err := json.Marshal(toSnapshot(n))
		if err != nil {
			return fmt.Errorf("marshal bundle %s: %w", n.ID, err)
		}
		if _, err := stmt.Exec(n.ID, data); err != nil {
			return fmt.Errorf("save bundle %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// LoadQueue reconstructs the persisted bundle list.
func (s *SQLiteStore) LoadQueue() ([]*domain.NzbInfo, error) {
	rows, err := s.db.Query("SELECT data FROM bundles")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.NzbInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b bundleSnapshot
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("unmarshal bundle: %w", err)
		}
		out = append(out, fromSnapshot(b))
	}
	return out, rows.Err()
}
