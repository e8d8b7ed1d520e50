package diskfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// chunkPath is the content addressed location of a chunk within a bucket.
// The first two characters of the hash are used as a subdirectory prefix.
func chunkPath(root string, bucket string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(root, bucket, "chunks", hashHex[:2], hashHex), nil
}

// locateExistingChunk finds copies of a chunk in other buckets that can be
// linked instead of writing the bytes again.
func locateExistingChunk(root string, target string, hashHex string, size int64) []string {
	pattern := filepath.Join(root, "*", "chunks", hashHex[:2], hashHex)
	matches, _ := filepath.Glob(pattern)

	results := make([]string, 0, len(matches))
	for _, existing := range matches {
		if existing == target {
			continue
		}

		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != size {
			continue
		}

		results = append(results, existing)
	}

	return results
}

func copyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		return err
	}
	return destFile.Close()
}

// copyOrLinkFile hard links srcPath to destPath and falls back to copying
// the contents.
func copyOrLinkFile(srcPath string, destPath string) error {
	if srcPath == destPath {
		return nil
	}

	// An existing destination must go first. Linking over it can otherwise
	// end up truncating the shared inode.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return copyFile(srcPath, destPath)
}

// moveFile renames srcPath into place, copying across filesystems.
func moveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := copyOrLinkFile(srcPath, destPath); err != nil {
		return err
	}
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
