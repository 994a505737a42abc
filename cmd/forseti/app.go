package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipsix/forseti/internal/config"
	"github.com/ipsix/forseti/internal/filelock"
	"github.com/ipsix/forseti/internal/installer"
	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/orchestrator"
	"github.com/ipsix/forseti/internal/registry"
	"github.com/ipsix/forseti/internal/resolver"
	"github.com/ipsix/forseti/internal/storage"
)

const (
	exitOK        = 0
	exitLint      = 1
	exitFatal     = 2
	exitCancelled = 130

	indexOpenTimeout = 30 * time.Second
)

// exitError carries a specific exit status. A nil err means the command
// already reported everything it had to say.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, context.Canceled) {
		return exitCancelled
	}
	return exitFatal
}

// app holds global flags and the pieces shared by commands.
type app struct {
	configPath string
	envFile    string
	verbose    bool
	noColor    bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// logger is replaced once the config is read; the signal goroutine
	// reads it concurrently.
	logger atomic.Pointer[logging.Logger]
}

func (a *app) log() *logging.Logger {
	return a.logger.Load()
}

func (a *app) configFile(base string) string {
	if a.configPath != "" {
		return a.configPath
	}
	if info, err := os.Stat(base); err == nil && !info.IsDir() {
		base = filepath.Dir(base)
	}
	return filepath.Join(base, config.DefaultConfigPath)
}

// projectRoot is the directory holding the project config for base.
// Engine patterns are matched relative to it.
func (a *app) projectRoot(base string) string {
	return filepath.Dir(a.configFile(base))
}

// loadConfig reads the project config for base. With required unset a
// missing file falls back to the defaults.
func (a *app) loadConfig(base string, required bool) (config.Config, string, error) {
	path := a.configFile(base)
	var (
		cfg config.Config
		err error
	)
	if required {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return config.Config{}, path, err
	}
	a.configureLogger(cfg)
	return cfg, path, nil
}

func (a *app) configureLogger(cfg config.Config) {
	level := cfg.Forseti.LogLevel
	if a.verbose {
		level = "debug"
	}
	a.logger.Store(logging.NewWithWriter(a.stderr, cfg.Forseti.LogFormat, level))
}

// workspace is the opened cache: index, records and the components built
// on them. Close releases the index.
type workspace struct {
	cacheDir  string
	store     *storage.BadgerStore
	records   *registry.Records
	registry  *registry.Registry
	resolver  *resolver.Resolver
	installer *installer.Installer
	runs      *storage.RunStore
}

func (a *app) openWorkspace(ctx context.Context, cfg config.Config) (*workspace, error) {
	cacheDir, err := cfg.Forseti.CacheRoot()
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(ctx, indexOpenTimeout)
	defer cancel()
	store, err := storage.OpenBadger(openCtx, resolver.IndexDir(cacheDir), a.log())
	if err != nil {
		return nil, fmt.Errorf("open install index: %w", err)
	}

	records := registry.NewRecords(store)
	res, err := resolver.New(resolver.Options{
		CacheDir:    cacheDir,
		RegistryURL: cfg.Forseti.RegistryURL,
		Platform:    cfg.Forseti.Platform,
		UserAgent:   "forseti/" + version,
		Git:         resolver.NewExecGit(),
		Builder:     resolver.NewCargoBuilder(),
		Installed:   installer.Lookup(records),
		Locks:       filelock.New(resolver.LockDir(cacheDir)),
	}, a.log())
	if err != nil {
		store.Close()
		return nil, err
	}
	reg := registry.New(res.BinDir(), records)
	return &workspace{
		cacheDir:  cacheDir,
		store:     store,
		records:   records,
		registry:  reg,
		resolver:  res,
		installer: installer.New(res, records, reg, a.log()),
		runs:      storage.NewRunStore(store),
	}, nil
}

func (w *workspace) Close() error {
	return w.store.Close()
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "forseti",
		Short:         "A pluggable, multi-language linter",
		Long:          "forseti installs independently versioned lint engines and runs them as one linter with a single merged report.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(a.envFile); err != nil {
				return err
			}
			a.configureLogger(config.Default())
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default <path>/.forseti.toml)")
	flags.StringVar(&a.envFile, "env-file", "", "load FORSETI_* variables from a dotenv file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging on stderr")
	flags.BoolVarP(&a.noColor, "no-color", "n", false, "disable colored output")

	root.AddCommand(
		newInitCmd(a),
		newInstallCmd(a),
		newUninstallCmd(a),
		newListCmd(a),
		newLintCmd(a),
		newHistoryCmd(a),
		newValidateCmd(a),
	)
	return root
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	a.logger.Store(logging.Nop())
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx, stop := notifyContext(context.Background(), a)
	defer stop()

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			fmt.Fprintf(stderr, "forseti: %v\n", describe(err))
		}
	}
	return code
}

// describe adds the error kind to failures users act on differently.
func describe(err error) string {
	var cerr *config.ConfigurationError
	switch {
	case errors.As(err, &cerr):
		return err.Error()
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, resolver.ErrNetwork),
		errors.Is(err, resolver.ErrBuild), errors.Is(err, resolver.ErrVerification):
		return fmt.Sprintf("%s (%s)", err, resolver.KindName(err))
	case errors.Is(err, orchestrator.ErrNoEngines):
		return err.Error() + "; run forseti install or check [engine.<id>] enabled flags"
	default:
		return err.Error()
	}
}
