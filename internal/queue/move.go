package queue

import (
	"io"
	"os"
	"path/filepath"
)

// moveFile moves source to dest, falling back to a copy+remove when the
// two paths live on different mounts (tempDir and destDir are
// independently configured and often aren't). rename(2) fails with
// EXDEV in that case rather than silently doing the wrong thing.
func moveFile(source, dest string) error {
	if err := os.Rename(source, dest); err == nil {
		return nil
	}
	return moveCrossDevice(source, dest)
}

func moveCrossDevice(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmpDest := filepath.Join(filepath.Dir(destPath), "."+filepath.Base(destPath)+".tmp")
	dst, err := os.Create(tmpDest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpDest)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpDest)
		return err
	}
	dst.Close()
	src.Close()

	if err := os.Rename(tmpDest, destPath); err != nil {
		os.Remove(tmpDest)
		return err
	}
	return os.Remove(sourcePath)
}
