package resolver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// place copies src into dir/name through a dot-prefixed temp file in the same
// directory and renames it over the destination, so readers see either the
// old binary or the complete new one.
func place(src, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bin dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write binary: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod binary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	dest := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("rename binary: %w", err)
	}
	committed = true
	return dest, nil
}

// preserve keeps the current dir/name under a dot-prefixed backup name so a
// failed install can put it back. The binary itself stays in place. It
// returns "" when there is nothing to keep.
func preserve(dir, name string) (string, error) {
	current := filepath.Join(dir, name)
	if _, err := os.Stat(current); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	backupName := "." + name + ".prev"
	backup := filepath.Join(dir, backupName)
	_ = os.Remove(backup)
	if err := os.Link(current, backup); err == nil {
		return backup, nil
	}
	return place(current, dir, backupName)
}

// restore renames backup over dir/name, or removes dir/name when there was
// no previous binary.
func restore(backup, dir, name string) error {
	dest := filepath.Join(dir, name)
	if backup == "" {
		return os.Remove(dest)
	}
	return os.Rename(backup, dest)
}
