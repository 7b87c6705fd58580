package downloader

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/italolelis/drivequeue/internal/transfer"
)

// moveIntoPlace moves the payload at src to dst. An existing dst is only
// replaced when its content differs; otherwise src is discarded.
func moveIntoPlace(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return &transfer.LocalError{Path: dst, Op: "mkdir", Err: err}
	}

	same, err := sameContent(src, dst)
	if err != nil {
		return &transfer.LocalError{Path: dst, Op: "compare", Err: err}
	}

	if same {
		if err := os.Remove(src); err != nil {
			return &transfer.LocalError{Path: src, Op: "remove", Err: err}
		}

		return nil
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	// Rename fails across file systems; copy next to dst and rename there.
	tmp := dst + PartSuffix
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)

		return &transfer.LocalError{Path: dst, Op: "copy", Err: err}
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)

		return &transfer.LocalError{Path: dst, Op: "rename", Err: err}
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &transfer.LocalError{Path: src, Op: "remove", Err: err}
	}

	return nil
}

// sameContent reports whether dst exists with the same bytes as src.
func sameContent(src, dst string) (bool, error) {
	dstInfo, err := os.Stat(dst)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}

	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}

	srcSum, err := fileSum(src)
	if err != nil {
		return false, err
	}

	dstSum, err := fileSum(dst)
	if err != nil {
		return false, err
	}

	return bytes.Equal(srcSum, dstSum), nil
}

func fileSum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return h.Sum(nil), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
