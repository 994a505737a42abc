package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// resolveLocal accepts an executable file, a directory holding a binary
// named by the convention, or a directory with a Cargo.toml to build.
func (r *Resolver) resolveLocal(ctx context.Context, req Request, staging string) (string, string, error) {
	src := req.Source
	path, err := filepath.Abs(src.Path)
	if err != nil {
		return "", "", resolutionErr(ErrNotFound, src, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", resolutionErr(ErrNotFound, src, fmt.Errorf("%s does not exist", path))
		}
		return "", "", resolutionErr(ErrNotFound, src, err)
	}

	if !info.IsDir() {
		if err := checkExecutable(path); err != nil {
			return "", "", resolutionErr(ErrNotFound, src, err)
		}
		return path, methodCopy, nil
	}

	candidate := filepath.Join(path, req.Identity.LocalBinaryName())
	if checkExecutable(candidate) == nil {
		return candidate, methodCopy, nil
	}
	if _, err := os.Stat(filepath.Join(path, "Cargo.toml")); err != nil {
		return "", "", resolutionErr(ErrNotFound, src, fmt.Errorf("%s holds neither %s nor Cargo.toml", path, req.Identity.LocalBinaryName()))
	}
	bin, err := r.buildDir(ctx, req, path, staging)
	if err != nil {
		return "", "", err
	}
	return bin, methodBuild, nil
}

func (r *Resolver) buildDir(ctx context.Context, req Request, dir, staging string) (string, error) {
	if r.builder == nil {
		return "", resolutionErr(ErrBuild, req.Source, ErrBuilderUnavailable)
	}
	root := filepath.Join(staging, "build")
	if err := r.builder.InstallPath(ctx, dir, root); err != nil {
		return "", resolutionErr(ErrBuild, req.Source, err)
	}
	bin, err := findBinary(root, req.Identity.LocalBinaryName())
	if err != nil {
		return "", resolutionErr(ErrBuild, req.Source, err)
	}
	return bin, nil
}
