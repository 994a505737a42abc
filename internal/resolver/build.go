package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrBuilderUnavailable means no toolchain exists to build from source.
var ErrBuilderUnavailable = errors.New("source builder unavailable")

// Builder compiles engines from source into root. Binaries end up under
// root/bin.
type Builder interface {
	InstallCrate(ctx context.Context, name, version, root string) error
	InstallPath(ctx context.Context, dir, root string) error
}

// CargoBuilder shells out to cargo install.
type CargoBuilder struct {
	Command string
	Timeout time.Duration
}

func NewCargoBuilder() *CargoBuilder {
	return &CargoBuilder{Command: "cargo", Timeout: 20 * time.Minute}
}

func (b *CargoBuilder) InstallCrate(ctx context.Context, name, version, root string) error {
	args := []string{"install", name, "--root", root, "--locked", "--force"}
	if version != "" {
		args = append(args, "--version", strings.TrimPrefix(version, "v"))
	}
	return b.run(ctx, "", args...)
}

func (b *CargoBuilder) InstallPath(ctx context.Context, dir, root string) error {
	return b.run(ctx, dir, "install", "--path", dir, "--root", root, "--locked", "--force")
}

func (b *CargoBuilder) run(ctx context.Context, dir string, args ...string) error {
	command := b.Command
	if command == "" {
		command = "cargo"
	}
	bin, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuilderUnavailable, err)
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CARGO_TERM_COLOR=never")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("cargo %s: %w: %s", args[0], err, lastLines(stderr.String(), 20))
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
