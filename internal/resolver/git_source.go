package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"

	"github.com/ipsix/forseti/internal/logging"
)

func (r *Resolver) cloneDir(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(r.cacheDir, "git", hex.EncodeToString(sum[:])[:16])
}

// resolveGit syncs the cached clone, checks out the ref and builds it. The
// clone is locked on its own key since several engines may share a repo.
func (r *Resolver) resolveGit(ctx context.Context, req Request, staging string) (string, string, error) {
	src := req.Source
	if r.git == nil {
		return "", "", resolutionErr(ErrNetwork, src, errors.New("git client unavailable"))
	}
	dir := r.cloneDir(src.URL)
	lock, err := r.locks.Acquire(ctx, "git-"+filepath.Base(dir))
	if err != nil {
		return "", "", resolutionErr(ErrNetwork, src, err)
	}
	defer lock.Release()

	if err := r.git.Sync(ctx, src.URL, dir); err != nil {
		return "", "", resolutionErr(ErrNetwork, src, err)
	}
	commit, err := r.git.ResolveRef(ctx, dir, src.Ref)
	if err != nil {
		if errors.Is(err, ErrRefNotFound) {
			return "", "", resolutionErr(ErrNotFound, src, err)
		}
		return "", "", resolutionErr(ErrNetwork, src, err)
	}
	if err := r.git.Checkout(ctx, dir, commit); err != nil {
		return "", "", resolutionErr(ErrBuild, src, err)
	}
	r.logger.Debug("git ref resolved",
		logging.F("url", src.URL),
		logging.F("ref", src.Ref),
		logging.F("commit", commit),
	)
	bin, err := r.buildDir(ctx, req, dir, staging)
	if err != nil {
		return "", "", err
	}
	return bin, commit, nil
}
