// Package backup snapshots a campaign working directory into iteration
// indexed subdirectories. Only top-level regular files are copied; existing
// backups and the .campaign runtime directory are left alone.
package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// PreRunLabel names the snapshot taken before the first iteration.
const PreRunLabel = "-1"

// ErrExists is returned when the target backup directory is already present.
var ErrExists = errors.New("backup: target already exists")

// Label formats an iteration index as a backup directory name.
func Label(iteration int) string {
	return strconv.Itoa(iteration)
}

// Backup creates sourceDir/label holding a copy of every top-level file of
// sourceDir and returns its path. Files are copied into a hidden partial
// directory first, so label only appears once the snapshot is complete.
func Backup(sourceDir, label string) (string, error) {
	if label == "" || label != filepath.Base(label) || strings.HasPrefix(label, ".") {
		return "", fmt.Errorf("backup: invalid label %q", label)
	}
	target := filepath.Join(sourceDir, label)
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, target)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("backup: stat %s: %w", target, err)
	}
	removePartial(sourceDir, label)

	partial, err := os.MkdirTemp(sourceDir, partialPrefix(label))
	if err != nil {
		return "", fmt.Errorf("backup: create %s: %w", target, err)
	}
	if err := fill(sourceDir, partial); err != nil {
		_ = os.RemoveAll(partial)
		return "", err
	}
	if err := os.Rename(partial, target); err != nil {
		_ = os.RemoveAll(partial)
		if errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTEMPTY) {
			return "", fmt.Errorf("%w: %s", ErrExists, target)
		}
		return "", fmt.Errorf("backup: publish %s: %w", target, err)
	}
	return target, nil
}

func fill(sourceDir, dst string) error {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("backup: list %s: %w", sourceDir, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := copyEntry(filepath.Join(sourceDir, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func partialPrefix(label string) string {
	return "." + label + ".partial-"
}

// removePartial clears directories left by a process that died mid-copy.
func removePartial(sourceDir, label string) {
	matches, _ := filepath.Glob(filepath.Join(sourceDir, partialPrefix(label)+"*"))
	for _, m := range matches {
		_ = os.RemoveAll(m)
	}
}

// List returns the numeric backup labels present in sourceDir, ascending.
func List(sourceDir string) ([]int, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("backup: list %s: %w", sourceDir, err)
	}
	var labels []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		labels = append(labels, n)
	}
	sort.Ints(labels)
	return labels, nil
}

var copyEntry = copyFile

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("backup: stat %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("backup: copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("backup: sync %s: %w", dst, err)
	}
	return out.Close()
}
