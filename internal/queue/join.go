package queue

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/PleXone2019/nzbcore/internal/domain"
)

// join assembles a completed FileInfo's output, per the completion
// design: concatenate temp files, move a pre-allocated direct-write
// file, or (Decode off) move each article's result file into a numbered
// subfile. The downloader decodes article bodies whether or not Decode is
// set, so those subfiles hold decoded bytes, not the raw article text. It
// then applies the broken-file policy.
func (c *Coordinator) join(f *domain.FileInfo) error {
	destDir := filepath.Join(f.NZB().DestDir, f.NZB().Name)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	name := f.Filename
	if name == "" {
		name = f.ID
	}

	var finalPath string
	var err error
	switch {
	case !c.cfg.Decode:
		err = joinRaw(f, destDir, name)
		finalPath = filepath.Join(destDir, name)
	case f.OutputInitialized && f.DirectWriteName != "":
		finalPath, err = joinDirectWrite(f, destDir, name)
	default:
		finalPath, err = joinTempFiles(f, destDir, name)
	}
	if err != nil {
		return err
	}

	return c.applyBrokenPolicy(f, finalPath)
}

func joinTempFiles(f *domain.FileInfo, destDir, name string) (string, error) {
	tmpPath := filepath.Join(destDir, name+".tmp")
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	for _, a := range f.Articles {
		if a.State() != domain.ArticleFinished || a.ResultFile == "" {
			continue
		}
		if err := appendFile(out, a.ResultFile); err != nil {
			out.Close()
			return "", err
		}
		os.Remove(a.ResultFile)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	final := uniquePath(filepath.Join(destDir, name))
	if err := moveFile(tmpPath, final); err != nil {
		return "", err
	}
	return final, nil
}

func appendFile(dst *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(dst, in)
	return err
}

func joinDirectWrite(f *domain.FileInfo, destDir, name string) (string, error) {
	final := uniquePath(filepath.Join(destDir, name))
	if err := moveFile(f.DirectWriteName, final); err != nil {
		return "", err
	}
	os.Remove(filepath.Dir(f.DirectWriteName))
	return final, nil
}

func joinRaw(f *domain.FileInfo, destDir, name string) error {
	subdir := filepath.Join(destDir, name)
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return err
	}
	for i, a := range f.Articles {
		if a.State() != domain.ArticleFinished || a.ResultFile == "" {
			continue
		}
		dst := filepath.Join(subdir, fmt.Sprintf("%03d", i+1))
		if err := moveFile(a.ResultFile, dst); err != nil {
			return err
		}
	}
	return nil
}

// uniquePath finds an unused path by appending _duplicate<n> before any
// extension collision, starting from path itself.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_duplicate%d%s", base, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// applyBrokenPolicy renames the assembled output with a _broken suffix
// and/or appends a _brokenlog.txt line when the file has failed
// articles, per the independently configurable renameBroken/
// createBrokenLog options.
func (c *Coordinator) applyBrokenPolicy(f *domain.FileInfo, finalPath string) error {
	failed := f.FailedArticleCount()
	if failed == 0 {
		return nil
	}

	total := len(f.Articles)
	success := total - failed

	if c.cfg.RenameBroken {
		ext := filepath.Ext(finalPath)
		base := finalPath[:len(finalPath)-len(ext)]
		brokenPath := base + "_broken" + ext
		if err := os.Rename(finalPath, brokenPath); err == nil {
			finalPath = brokenPath
		}
	}

	if c.cfg.CreateBrokenLog {
		logPath := filepath.Join(f.NZB().DestDir, f.NZB().Name, "_brokenlog.txt")
		lf, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer lf.Close()
		_, err = fmt.Fprintf(lf, "%s (%d/%d)\n", filepath.Base(finalPath), success, total)
		return err
	}
	return nil
}
