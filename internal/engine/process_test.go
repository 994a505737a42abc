package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/protocol"
)

func spawnReady(t *testing.T, mode string, timeouts Timeouts) *Process {
	t.Helper()
	p, err := Spawn("fake", fakeCommand(mode), timeouts, logging.Nop())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	if err := p.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return p
}

func batch(paths ...string) []protocol.File {
	files := make([]protocol.File, 0, len(paths))
	for _, p := range paths {
		files = append(files, protocol.File{Path: p})
	}
	return files
}

func TestProcessLifecycle(t *testing.T) {
	p := spawnReady(t, "ok", Timeouts{})
	if p.State() != StateReady {
		t.Fatalf("expected ready, got %s", p.State())
	}
	capability := p.Capability()
	if capability.EngineID != "fake" || len(capability.Patterns) != 1 || !capability.HasRule("fake-rule") {
		t.Fatalf("unexpected capability: %+v", capability)
	}

	res, err := p.Lint(context.Background(), batch("a.txt", "b.txt"), nil)
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(res.Diagnostics) != 2 || len(res.Checked) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Diagnostics[0].EngineID != "fake" {
		t.Fatalf("expected engine id to be stamped, got %q", res.Diagnostics[0].EngineID)
	}
	if p.State() != StateReady {
		t.Fatalf("expected ready after lint, got %s", p.State())
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

func TestProcessCrashKeepsPartialResults(t *testing.T) {
	p := spawnReady(t, "crash", Timeouts{})
	res, err := p.Lint(context.Background(), batch("a.txt", "b.txt", "c.txt"), nil)
	if !errors.Is(err, ErrCrash) {
		t.Fatalf("expected crash, got %v", err)
	}
	if len(res.Checked) != 1 || res.Checked[0] != "a.txt" {
		t.Fatalf("expected only a.txt checked, got %v", res.Checked)
	}
	if len(res.Diagnostics) != 1 {
		t.Fatalf("expected partial diagnostics, got %d", len(res.Diagnostics))
	}
	if p.State() != StateCrashed {
		t.Fatalf("expected crashed, got %s", p.State())
	}
	if _, err := p.Lint(context.Background(), batch("a.txt"), nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready after crash, got %v", err)
	}
}

func TestProcessRequestTimeout(t *testing.T) {
	p := spawnReady(t, "hang", Timeouts{Request: 200 * time.Millisecond})
	started := time.Now()
	_, err := p.Lint(context.Background(), batch("a.txt"), nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected request timeout, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(started))
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

// largeBatch is well past the pipe buffer once encoded.
func largeBatch(n int) []protocol.File {
	files := make([]protocol.File, n)
	for i := range files {
		files[i] = protocol.File{Path: fmt.Sprintf("src/module_%05d/some/nested/source_file.txt", i)}
	}
	return files
}

func TestRequestTimeoutWhenEngineStopsReading(t *testing.T) {
	p := spawnReady(t, "deaf", Timeouts{Request: 300 * time.Millisecond, Drain: 100 * time.Millisecond})
	errc := make(chan error, 1)
	go func() {
		_, err := p.Lint(context.Background(), largeBatch(5000), nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("expected request timeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("lint blocked writing to an engine that stopped reading")
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

func TestCancelWhenEngineStopsReading(t *testing.T) {
	p := spawnReady(t, "deaf", Timeouts{Request: time.Minute, Drain: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := p.Lint(ctx, largeBatch(5000), nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancellation did not interrupt the pending write")
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

func TestShutdownWhenEngineStopsReading(t *testing.T) {
	p := spawnReady(t, "deaf", Timeouts{Drain: 100 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		_ = p.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown blocked on an engine that stopped reading")
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

func TestProcessHandshakeTimeout(t *testing.T) {
	p, err := Spawn("fake", fakeCommand("silent"), Timeouts{Handshake: 200 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	err = p.Handshake(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.EngineID != "fake" {
		t.Fatalf("expected protocol error for fake, got %v", err)
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

func TestProcessRejectsWrongEngineID(t *testing.T) {
	p, err := Spawn("fake", fakeCommand("wrongid"), Timeouts{}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := p.Handshake(context.Background()); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestProcessGarbageIsMalformed(t *testing.T) {
	p := spawnReady(t, "garbage", Timeouts{})
	_, err := p.Lint(context.Background(), batch("a.txt"), nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if !p.State().Terminal() {
		t.Fatalf("expected terminal state, got %s", p.State())
	}
}

func TestProcessEngineFailureStaysReady(t *testing.T) {
	p := spawnReady(t, "fail", Timeouts{})
	_, err := p.Lint(context.Background(), batch("a.txt"), nil)
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("expected engine failure, got %v", err)
	}
	if p.State() != StateReady {
		t.Fatalf("expected ready, got %s", p.State())
	}
}

func TestProcessCancelDrains(t *testing.T) {
	p := spawnReady(t, "hang", Timeouts{Drain: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := p.Lint(ctx, batch("a.txt"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

func TestProcessLintBeforeHandshake(t *testing.T) {
	p, err := Spawn("fake", fakeCommand("ok"), Timeouts{}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Shutdown(context.Background())
	if _, err := p.Lint(context.Background(), batch("a.txt"), nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
}

func TestShutdownKillsAfterGrace(t *testing.T) {
	p := spawnReady(t, "stubborn", Timeouts{Drain: 100 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		_ = p.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not force-kill the engine")
	}
	if p.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", p.State())
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn("ghost", Command{Path: "/nonexistent/forseti_base_ghost"}, Timeouts{}, nil)
	if !errors.Is(err, ErrCrash) {
		t.Fatalf("expected spawn failure, got %v", err)
	}
}
