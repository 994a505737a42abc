package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ipsix/forseti/internal/config"
	"github.com/ipsix/forseti/internal/engine"
	"github.com/ipsix/forseti/internal/engines/base"
	"github.com/ipsix/forseti/internal/installer"
	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/orchestrator"
)

// selectEngines builds the run's engine set: every enabled declared engine
// plus the bundled text engine when it can be found. A declared engine
// that is not installed is a setup error.
func (a *app) selectEngines(cfg config.Config, ws *workspace) ([]orchestrator.EngineSpec, error) {
	timeouts := engine.Timeouts{
		Handshake: cfg.Forseti.HandshakeTimeout(),
		Request:   cfg.Forseti.Timeout(),
		Drain:     cfg.Forseti.DrainGrace(),
	}
	launcher := func(id, path string) orchestrator.EngineSpec {
		return orchestrator.EngineSpec{
			ID: id,
			Launcher: engine.ProcessLauncher{
				EngineID: id,
				Command:  engine.Command{Path: path},
				Timeouts: timeouts,
				Logger:   a.log(),
			},
		}
	}

	var decls []installer.Declaration
	declared := map[string]bool{}
	for _, dep := range cfg.Dependencies() {
		declared[dep.Identity.ID] = true
		if !cfg.EngineEnabled(dep.Identity.ID) {
			continue
		}
		decls = append(decls, installer.Declaration{Identity: dep.Identity, Source: dep.Source})
	}
	missing, err := ws.installer.Missing(decls)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for _, m := range missing {
			keys = append(keys, m.Identity.Key())
		}
		return nil, fmt.Errorf("engines not installed: %s (run forseti install)", strings.Join(keys, ", "))
	}

	specs := make([]orchestrator.EngineSpec, 0, len(decls)+1)
	for _, d := range decls {
		specs = append(specs, launcher(d.Identity.ID, filepath.Join(ws.registry.BinDir(), d.Identity.LocalBinaryName())))
	}

	if !declared[base.TextEngineID] && cfg.EngineEnabled(base.TextEngineID) {
		if path, ok := findBundled(ws.registry.BinDir()); ok {
			specs = append(specs, launcher(base.TextEngineID, path))
		} else {
			a.log().Debug("bundled text engine not found")
		}
	}
	a.log().Debug("engines selected", logging.F("count", len(specs)))
	return specs, nil
}

// findBundled looks for forseti_base_text in the bin directory, next to
// the forseti executable and on PATH, in that order.
func findBundled(binDir string) (string, bool) {
	name := engine.Identity{Kind: engine.KindBase, ID: base.TextEngineID}.LocalBinaryName()
	candidates := []string{filepath.Join(binDir, name)}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), name))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, true
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, true
	}
	return "", false
}
