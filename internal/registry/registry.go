// Package registry enumerates installed engine binaries in the cache bin
// directory and joins them with their install records.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ipsix/forseti/internal/engine"
)

var (
	ErrNotFound = errors.New("engine not installed")
	// ErrAmbiguous means an id matches engines of several kinds.
	ErrAmbiguous = errors.New("engine id is ambiguous")
	// ErrBinaryMissing means a record exists but its binary is gone.
	ErrBinaryMissing = errors.New("engine binary missing")
)

type Entry struct {
	Identity engine.Identity
	Path     string
	Record   *InstallRecord
	// Missing is set for records whose binary no longer exists.
	Missing bool
}

type Registry struct {
	binDir  string
	records *Records
}

func New(binDir string, records *Records) *Registry {
	return &Registry{binDir: binDir, records: records}
}

func (r *Registry) BinDir() string {
	return r.binDir
}

// List scans the bin directory without starting any engine. Records without
// a binary are listed as missing so drift stays visible.
func (r *Registry) List() ([]Entry, error) {
	byKey := map[string]*Entry{}

	dirEntries, err := os.ReadDir(r.binDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("scan %s: %w", r.binDir, err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") || de.IsDir() {
			continue
		}
		ident, ok := engine.ParseBinaryName(name)
		if !ok {
			continue
		}
		byKey[ident.Key()] = &Entry{Identity: ident, Path: filepath.Join(r.binDir, name)}
	}

	if r.records != nil {
		recs, err := r.records.List()
		if err != nil {
			return nil, err
		}
		for i := range recs {
			rec := recs[i]
			key := rec.Identity.Key()
			e, ok := byKey[key]
			if !ok {
				byKey[key] = &Entry{Identity: rec.Identity, Path: rec.Path, Record: &rec, Missing: true}
				continue
			}
			e.Record = &rec
			e.Identity.Version = rec.Identity.Version
			e.Identity.Platform = rec.Identity.Platform
		}
	}

	out := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Key() < out[j].Identity.Key() })
	return out, nil
}

// Find looks an engine up by id, or by kind_id when the id alone matches
// several kinds.
func (r *Registry) Find(id string) (Entry, error) {
	entries, err := r.List()
	if err != nil {
		return Entry{}, err
	}
	var matches []Entry
	for _, e := range entries {
		if e.Identity.Key() == id {
			return e, nil
		}
		if e.Identity.ID == id {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		keys := make([]string, 0, len(matches))
		for _, m := range matches {
			keys = append(keys, m.Identity.Key())
		}
		return Entry{}, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, id, strings.Join(keys, ", "))
	}
}

// Remove deletes the binary and then its record. A missing binary is an
// error and leaves the record in place.
func (r *Registry) Remove(id string) (Entry, error) {
	e, err := r.Find(id)
	if err != nil {
		return Entry{}, err
	}
	if e.Missing {
		return e, fmt.Errorf("%w: %s (record points at %s)", ErrBinaryMissing, e.Identity.Key(), e.Path)
	}
	if err := os.Remove(e.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return e, fmt.Errorf("%w: %s", ErrBinaryMissing, e.Path)
		}
		return e, fmt.Errorf("remove %s: %w", e.Path, err)
	}
	if e.Record != nil && r.records != nil {
		if err := r.records.Delete(e.Identity.Key()); err != nil {
			return e, fmt.Errorf("delete install record: %w", err)
		}
	}
	return e, nil
}
