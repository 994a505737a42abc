package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ipsix/forseti/internal/config"
	"github.com/ipsix/forseti/internal/protocol"
)

// collectFiles turns the lint target into the candidate file list. A file
// target is taken as is. Directory entries are matched against [files]
// globs relative to the target; without recursive only the top level is
// read.
func collectFiles(target string, recursive bool, filter config.Files) ([]protocol.File, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("lint target: %w", err)
	}
	if !info.IsDir() {
		return []protocol.File{fileFor(target)}, nil
	}

	var out []protocol.File
	err = filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) && p != target {
				return skipEntry(d)
			}
			return err
		}
		if p == target {
			return nil
		}
		rel, err := filepath.Rel(target, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if !recursive || excluded(filter.Exclude, rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if excluded(filter.Exclude, rel, false) || !included(filter.Include, rel) {
			return nil
		}
		out = append(out, fileFor(p))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return fs.SkipDir
	}
	return nil
}

func excluded(patterns []string, rel string, dir bool) bool {
	for _, p := range patterns {
		p = filepath.ToSlash(p)
		if match(p, rel) {
			return true
		}
		// "vendor/**" also prunes the vendor directory itself.
		if dir && match(p, rel+"/") {
			return true
		}
	}
	return false
}

func included(patterns []string, rel string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if match(filepath.ToSlash(p), rel) {
			return true
		}
	}
	return false
}

func match(pattern, rel string) bool {
	ok, err := doublestar.Match(pattern, rel)
	if err != nil {
		return false
	}
	if ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ = doublestar.Match(pattern, pathBase(rel))
	}
	return ok
}

func pathBase(rel string) string {
	rel = strings.TrimSuffix(rel, "/")
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

func fileFor(p string) protocol.File {
	return protocol.File{
		Path:        filepath.Clean(p),
		ContentHint: strings.TrimPrefix(strings.ToLower(filepath.Ext(p)), "."),
	}
}
