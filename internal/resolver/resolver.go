// Package resolver turns an engine source declaration into an executable
// placed in the managed bin directory.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/ipsix/forseti/internal/engine"
	"github.com/ipsix/forseti/internal/filelock"
	"github.com/ipsix/forseti/internal/logging"
)

const (
	methodPrebuilt = "prebuilt"
	methodBuild    = "build"
	methodCopy     = "copy"
	methodCached   = "cached"
)

var tracer = otel.Tracer("forseti.resolver")

// Installed describes what is currently recorded for an identity.
type Installed struct {
	Source   Source
	Version  string
	Checksum string
	Path     string
}

// InstalledLookup reads the current install record. It is called with the
// identity lock held.
type InstalledLookup interface {
	Lookup(ident engine.Identity) (Installed, bool, error)
}

type Request struct {
	Identity engine.Identity
	Source   Source
	Force    bool
	// Commit runs under the identity lock after the binary is in place. A
	// failing commit removes the binary again.
	Commit func(Result) error
}

type Result struct {
	Identity engine.Identity
	Source   Source
	Path     string
	Checksum string
	// Version is the resolved registry version or git commit.
	Version string
	Method  string
	Cached  bool
}

type Options struct {
	CacheDir    string
	RegistryURL string
	// Platform overrides the host target triple for prebuilt artifacts.
	Platform   string
	UserAgent  string
	HTTPClient *http.Client
	Git        GitClient
	Builder    Builder
	Installed  InstalledLookup
	Locks      *filelock.Manager
}

type Resolver struct {
	cacheDir    string
	binDir      string
	registryURL string
	platform    string
	userAgent   string
	client      *http.Client
	git         GitClient
	builder     Builder
	installed   InstalledLookup
	locks       *filelock.Manager
	logger      *logging.Logger
	group       singleflight.Group
}

func BinDir(cacheDir string) string   { return filepath.Join(cacheDir, "bin") }
func LockDir(cacheDir string) string  { return filepath.Join(cacheDir, "locks") }
func IndexDir(cacheDir string) string { return filepath.Join(cacheDir, "index") }

func New(opts Options, logger *logging.Logger) (*Resolver, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("resolver requires a cache dir")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Resolver{
		cacheDir:    opts.CacheDir,
		binDir:      BinDir(opts.CacheDir),
		registryURL: opts.RegistryURL,
		platform:    opts.Platform,
		userAgent:   opts.UserAgent,
		client:      opts.HTTPClient,
		git:         opts.Git,
		builder:     opts.Builder,
		installed:   opts.Installed,
		locks:       opts.Locks,
		logger:      logger,
	}
	if r.platform == "" {
		r.platform = HostPlatform()
	}
	if r.userAgent == "" {
		r.userAgent = "forseti"
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 2 * time.Minute}
	}
	if r.locks == nil {
		r.locks = filelock.New(LockDir(opts.CacheDir))
	}
	for _, dir := range []string{r.binDir, r.stagingRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return r, nil
}

func (r *Resolver) BinDir() string {
	return r.binDir
}

func (r *Resolver) Platform() string {
	return r.platform
}

func (r *Resolver) stagingRoot() string {
	return filepath.Join(r.cacheDir, "staging")
}

// Install resolves req.Source and places the binary under its conventional
// name. Concurrent calls for the same identity and source in this process
// share one resolution; across processes they serialize on the identity
// lock.
func (r *Resolver) Install(ctx context.Context, req Request) (Result, error) {
	if err := req.Identity.Validate(); err != nil {
		return Result{}, resolutionErr(ErrNotFound, req.Source, err)
	}
	if err := req.Source.Validate(); err != nil {
		return Result{}, resolutionErr(ErrNotFound, req.Source, err)
	}
	key := fmt.Sprintf("%s|%s|%s|%t", req.Identity.Key(), req.Source, strings.ToLower(req.Source.Checksum), req.Force)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.install(ctx, req)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Resolver) install(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "resolver.install")
	span.SetAttributes(
		attribute.String("forseti.engine", req.Identity.Key()),
		attribute.String("forseti.source", req.Source.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, KindName(err))
		} else {
			span.SetAttributes(attribute.String("forseti.method", res.Method))
		}
		span.End()
	}()

	lock, err := r.locks.Acquire(ctx, req.Identity.Key())
	if err != nil {
		return Result{}, fmt.Errorf("lock %s: %w", req.Identity.Key(), err)
	}
	defer lock.Release()

	if !req.Force {
		cached, ok, err := r.cached(req)
		if err != nil {
			return Result{}, err
		}
		if ok {
			r.logger.Info("engine already installed",
				logging.F("engine", req.Identity.Key()),
				logging.F("version", cached.Version),
			)
			return cached, nil
		}
	}

	staging, err := os.MkdirTemp(r.stagingRoot(), req.Identity.Key()+"-")
	if err != nil {
		return Result{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	var bin, version, method string
	switch req.Source.Kind {
	case SourceRegistry:
		bin, version, method, err = r.resolveRegistry(ctx, req, staging)
	case SourceGit:
		bin, version, err = r.resolveGit(ctx, req, staging)
		method = methodBuild
	case SourceLocal:
		bin, method, err = r.resolveLocal(ctx, req, staging)
	}
	if err != nil {
		return Result{}, err
	}

	if err := checkExecutable(bin); err != nil {
		return Result{}, resolutionErr(ErrVerification, req.Source, err)
	}
	checksum, err := verifyChecksum(bin, req.Source.Checksum)
	if err != nil {
		return Result{}, resolutionErr(ErrVerification, req.Source, err)
	}
	name := req.Identity.LocalBinaryName()
	backup, err := preserve(r.binDir, name)
	if err != nil {
		return Result{}, fmt.Errorf("keep previous %s: %w", req.Identity.Key(), err)
	}
	if backup != "" {
		defer os.Remove(backup)
	}
	dest, err := place(bin, r.binDir, name)
	if err != nil {
		return Result{}, fmt.Errorf("place %s: %w", req.Identity.Key(), err)
	}

	ident := req.Identity
	ident.Version = displayVersion(req.Source, version)
	ident.Platform = r.platform
	res = Result{
		Identity: ident,
		Source:   req.Source,
		Path:     dest,
		Checksum: checksum,
		Version:  version,
		Method:   method,
	}
	if req.Commit != nil {
		if err := req.Commit(res); err != nil {
			if rbErr := restore(backup, r.binDir, name); rbErr != nil {
				r.logger.Warn("could not roll back binary after failed commit",
					logging.F("path", dest),
					logging.F("error", rbErr.Error()),
				)
			}
			return Result{}, fmt.Errorf("record install of %s: %w", ident.Key(), err)
		}
	}
	r.logger.Info("engine installed",
		logging.F("engine", ident.Key()),
		logging.F("version", ident.Version),
		logging.F("method", method),
		logging.F("path", dest),
	)
	return res, nil
}

// cached reports whether the recorded install already satisfies req: same
// source and pin, and the binary on disk still hashes to the recorded
// checksum. Local executables are also rehashed at the source.
func (r *Resolver) cached(req Request) (Result, bool, error) {
	if r.installed == nil {
		return Result{}, false, nil
	}
	prev, ok, err := r.installed.Lookup(req.Identity)
	if err != nil || !ok {
		return Result{}, false, err
	}
	if !sameSource(prev.Source, req.Source) {
		return Result{}, false, nil
	}
	if req.Source.Checksum != "" && !strings.EqualFold(req.Source.Checksum, prev.Checksum) {
		return Result{}, false, nil
	}
	path := filepath.Join(r.binDir, req.Identity.LocalBinaryName())
	sum, err := sha256File(path)
	if err != nil || !strings.EqualFold(sum, prev.Checksum) {
		return Result{}, false, nil
	}
	if req.Source.Kind == SourceLocal {
		if info, err := os.Stat(req.Source.Path); err == nil && !info.IsDir() {
			if localSum, err := sha256File(req.Source.Path); err != nil || localSum != sum {
				return Result{}, false, nil
			}
		}
	}

	ident := req.Identity
	ident.Version = displayVersion(req.Source, prev.Version)
	ident.Platform = r.platform
	return Result{
		Identity: ident,
		Source:   req.Source,
		Path:     path,
		Checksum: sum,
		Version:  prev.Version,
		Method:   methodCached,
		Cached:   true,
	}, true, nil
}

func sameSource(a, b Source) bool {
	if a.Kind != b.Kind || a.Locator() != b.Locator() {
		return false
	}
	if a.Kind == SourceRegistry && a.Version != "" && b.Version != "" {
		ca, cb := canonicalVersion(a.Version), canonicalVersion(b.Version)
		if ca != "" && cb != "" {
			return ca == cb
		}
	}
	return a.Pin() == b.Pin()
}

// displayVersion is what the identity carries: the resolved version, with
// git commits shortened and prefixed by the requested ref.
func displayVersion(src Source, resolved string) string {
	if src.Kind != SourceGit {
		return resolved
	}
	short := resolved
	if len(short) > 12 {
		short = short[:12]
	}
	if src.Ref == "" || src.Ref == resolved {
		return short
	}
	return src.Ref + "@" + short
}
