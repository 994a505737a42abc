// Package installer resolves declared engines and keeps the install index in
// step with the bin directory.
package installer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ipsix/forseti/internal/engine"
	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/registry"
	"github.com/ipsix/forseti/internal/resolver"
)

const defaultParallel = 4

// Declaration is one engine a project depends on.
type Declaration struct {
	Identity engine.Identity
	Source   resolver.Source
}

type Outcome struct {
	Declaration Declaration
	Result      resolver.Result
	Err         error
}

type Installer struct {
	resolver *resolver.Resolver
	records  *registry.Records
	registry *registry.Registry
	logger   *logging.Logger
	now      func() time.Time
	parallel int
}

func New(res *resolver.Resolver, records *registry.Records, reg *registry.Registry, logger *logging.Logger) *Installer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Installer{
		resolver: res,
		records:  records,
		registry: reg,
		logger:   logger,
		now:      time.Now,
		parallel: defaultParallel,
	}
}

// Install resolves one declaration and records it while the identity lock
// is still held.
func (i *Installer) Install(ctx context.Context, decl Declaration, force bool) (resolver.Result, error) {
	return i.resolver.Install(ctx, resolver.Request{
		Identity: decl.Identity,
		Source:   decl.Source,
		Force:    force,
		Commit:   i.commit,
	})
}

// InstallAll installs every declaration. Distinct identities run in
// parallel; one failure does not stop the others. The returned error joins
// all failures.
func (i *Installer) InstallAll(ctx context.Context, decls []Declaration, force bool) ([]Outcome, error) {
	outcomes := make([]Outcome, len(decls))
	var g errgroup.Group
	g.SetLimit(i.parallel)
	for idx, decl := range decls {
		idx, decl := idx, decl
		outcomes[idx].Declaration = decl
		g.Go(func() error {
			res, err := i.Install(ctx, decl, force)
			outcomes[idx].Result = res
			outcomes[idx].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Declaration.Identity.Key(), o.Err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// Uninstall deletes the binary and its record.
func (i *Installer) Uninstall(id string) (registry.Entry, error) {
	entry, err := i.registry.Remove(id)
	if err != nil {
		return entry, err
	}
	i.logger.Info("engine removed",
		logging.F("engine", entry.Identity.Key()),
		logging.F("path", entry.Path),
	)
	return entry, nil
}

func (i *Installer) List() ([]registry.Entry, error) {
	return i.registry.List()
}

func (i *Installer) commit(res resolver.Result) error {
	return i.records.Save(registry.InstallRecord{
		Identity:    res.Identity,
		SourceKind:  string(res.Source.Kind),
		Locator:     res.Source.Locator(),
		Pin:         res.Source.Pin(),
		Version:     res.Version,
		Method:      res.Method,
		Checksum:    res.Checksum,
		Path:        res.Path,
		InstalledAt: i.now().UTC(),
	})
}

// Lookup adapts the install index to resolver.InstalledLookup.
func Lookup(records *registry.Records) resolver.InstalledLookup {
	return recordLookup{records: records}
}

type recordLookup struct {
	records *registry.Records
}

func (l recordLookup) Lookup(ident engine.Identity) (resolver.Installed, bool, error) {
	rec, err := l.records.Get(ident.Key())
	if errors.Is(err, registry.ErrNotFound) {
		return resolver.Installed{}, false, nil
	}
	if err != nil {
		return resolver.Installed{}, false, err
	}
	return resolver.Installed{
		Source:   resolver.SourceFrom(resolver.SourceKind(rec.SourceKind), rec.Locator, rec.Pin),
		Version:  rec.Version,
		Checksum: rec.Checksum,
		Path:     rec.Path,
	}, true, nil
}

// Missing returns the declarations whose binary is not installed, sorted by
// identity. Lint uses it to fail before starting any engine.
func (i *Installer) Missing(decls []Declaration) ([]Declaration, error) {
	entries, err := i.registry.List()
	if err != nil {
		return nil, err
	}
	present := map[string]bool{}
	for _, e := range entries {
		if !e.Missing {
			present[e.Identity.Key()] = true
		}
	}
	var out []Declaration
	for _, d := range decls {
		if !present[d.Identity.Key()] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Identity.Key() < out[b].Identity.Key() })
	return out, nil
}
