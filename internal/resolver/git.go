package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrRefNotFound is returned by GitClient.ResolveRef.
var ErrRefNotFound = errors.New("git ref not found")

// GitClient manages cached clones.
type GitClient interface {
	// Sync clones url into dir, or fetches all branches and tags when dir
	// already holds a clone.
	Sync(ctx context.Context, url, dir string) error
	// ResolveRef turns a branch, tag or commit into a commit hash. An empty
	// ref means the remote default branch.
	ResolveRef(ctx context.Context, dir, ref string) (string, error)
	Checkout(ctx context.Context, dir, commit string) error
}

// ExecGit implements GitClient with the git command line.
type ExecGit struct {
	Command string
	Timeout time.Duration
}

func NewExecGit() *ExecGit {
	return &ExecGit{Command: "git", Timeout: 5 * time.Minute}
}

func (g *ExecGit) Sync(ctx context.Context, url, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return err
		}
		_ = os.RemoveAll(dir)
		if _, err := g.run(ctx, "", "clone", "--no-checkout", "--quiet", url, dir); err != nil {
			return err
		}
	}
	_, err := g.run(ctx, dir, "fetch", "--quiet", "--prune", "--tags", "--force", "--update-head-ok",
		"origin", "+refs/heads/*:refs/heads/*")
	return err
}

func (g *ExecGit) ResolveRef(ctx context.Context, dir, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	candidates := []string{ref, "refs/heads/" + ref, "refs/tags/" + ref}
	for _, c := range candidates {
		out, err := g.run(ctx, dir, "rev-parse", "--verify", "--quiet", c+"^{commit}")
		if err == nil && out != "" {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
}

func (g *ExecGit) Checkout(ctx context.Context, dir, commit string) error {
	_, err := g.run(ctx, dir, "-c", "advice.detachedHead=false", "checkout", "--quiet", "--force", "--detach", commit)
	return err
}

func (g *ExecGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	command := g.Command
	if command == "" {
		command = "git"
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s timed out: %w", args[0], ctx.Err())
		}
		return "", fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
