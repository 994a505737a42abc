package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/protocol"
)

type State int

const (
	StateSpawned State = iota
	StateHandshaking
	StateReady
	StateBusy
	StateDraining
	StateTerminated
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateTerminated || s == StateCrashed
}

type Timeouts struct {
	Handshake time.Duration
	Request   time.Duration
	Drain     time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Request <= 0 {
		t.Request = 30 * time.Second
	}
	if t.Handshake <= 0 {
		t.Handshake = t.Request
		if t.Handshake > 10*time.Second {
			t.Handshake = 10 * time.Second
		}
	}
	if t.Drain <= 0 {
		t.Drain = 2 * time.Second
	}
	return t
}

// Command describes how to start an engine executable.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// BatchResult holds what an engine reported for one lint request. Checked
// lists the files the engine finished; on failure it may be a strict subset
// of the request.
type BatchResult struct {
	Diagnostics []lint.Diagnostic
	Checked     []string
}

// Worker is one engine process able to serve one lint request at a time.
type Worker interface {
	Capability() Capability
	State() State
	Lint(ctx context.Context, files []protocol.File, rules lint.Ruleset) (BatchResult, error)
	Shutdown(ctx context.Context) error
}

// Launcher starts a new, handshaken worker.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}

const waitDelay = time.Second

var (
	errTimedOut   = errors.New("timed out")
	errWriterBusy = errors.New("previous write still pending")
)

// Process owns one spawned engine subprocess and drives it through
// Spawned -> Handshaking -> Ready <-> Busy -> Draining -> Terminated, with
// Crashed reachable from any non-terminal state.
type Process struct {
	engineID string
	timeouts Timeouts
	logger   *logging.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	enc     *protocol.Encoder
	writeMu sync.Mutex
	stderr  *tailBuffer

	msgs        chan protocol.Message
	done        chan struct{}
	abandon     chan struct{}
	abandonOnce sync.Once
	readErr     error
	exitErr     error

	mu         sync.Mutex
	state      State
	capability Capability
	nextID     atomic.Uint64
}

// Spawn starts the engine executable. engineID is the id the engine is
// expected to declare; empty accepts any id.
func Spawn(engineID string, c Command, timeouts Timeouts, logger *logging.Logger) (*Process, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	// Children of the engine may keep stderr open after it is killed.
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, protocolErr(engineID, ErrCrash, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocolErr(engineID, ErrCrash, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr := newTailBuffer(8 << 10)
	cmd.Stderr = io.MultiWriter(stderr, stderrLogger{logger.With(logging.F("engine", engineID))})

	if err := cmd.Start(); err != nil {
		return nil, protocolErr(engineID, ErrCrash, fmt.Errorf("start %s: %w", c.Path, err))
	}

	p := &Process{
		engineID: engineID,
		timeouts: timeouts.withDefaults(),
		logger:   logger.With(logging.F("engine", engineID), logging.F("pid", cmd.Process.Pid)),
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		enc:      protocol.NewEncoder(stdin),
		stderr:   stderr,
		msgs:     make(chan protocol.Message, 64),
		done:     make(chan struct{}),
		abandon:  make(chan struct{}),
		state:    StateSpawned,
	}
	go p.readLoop(stdout)
	p.logger.Debug("engine spawned", logging.F("path", c.Path))
	return p, nil
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) Capability() Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capability
}

// Handshake requests the capability declaration. On any failure the process
// is killed and the error is a *ProtocolError.
func (p *Process) Handshake(ctx context.Context) error {
	if !p.transition(StateSpawned, StateHandshaking) {
		return protocolErr(p.engineID, ErrNotReady, fmt.Errorf("handshake in state %s", p.State()))
	}
	ctx, span := startSpan(ctx, "engine.handshake", p.engineID)
	defer span.End()

	timer := time.NewTimer(p.timeouts.Handshake)
	defer timer.Stop()

	id := p.nextID.Add(1)
	if err := p.send(ctx, protocol.HandshakeRequest(id), timer.C); err != nil {
		if isWaitError(ctx, err) {
			return p.handleWaitError(ctx, err, ErrHandshakeTimeout)
		}
		return p.fail(ErrCrash, fmt.Errorf("send handshake: %w", err))
	}

	msg, err := p.next(ctx, timer.C)
	if err != nil {
		return p.handleWaitError(ctx, err, ErrHandshakeTimeout)
	}
	if msg.Type == protocol.TypeError {
		p.kill(StateTerminated)
		return protocolErr(p.engineID, ErrEngineFailure, errors.New(msg.Message))
	}
	if msg.Type != protocol.TypeHandshake {
		p.kill(StateTerminated)
		return protocolErr(p.engineID, ErrMalformedResponse, fmt.Errorf("expected handshake, got %q", msg.Type))
	}

	capability := CapabilityFromHandshake(msg)
	if capability.EngineID == "" {
		p.kill(StateTerminated)
		return protocolErr(p.engineID, ErrMalformedResponse, errors.New("handshake without engine_id"))
	}
	if p.engineID != "" && capability.EngineID != p.engineID {
		p.kill(StateTerminated)
		return protocolErr(p.engineID, ErrMalformedResponse,
			fmt.Errorf("engine declared id %q", capability.EngineID))
	}

	p.mu.Lock()
	p.capability = capability
	if p.engineID == "" {
		p.engineID = capability.EngineID
	}
	p.state = StateReady
	p.mu.Unlock()

	p.logger.Debug("engine ready",
		logging.F("version", capability.Version),
		logging.F("patterns", capability.Patterns),
		logging.F("rules", len(capability.RuleIDs)),
	)
	return nil
}

// Lint sends one batch and collects the response. On timeout or crash the
// diagnostics and checked files received so far are returned together with
// the error.
func (p *Process) Lint(ctx context.Context, files []protocol.File, rules lint.Ruleset) (BatchResult, error) {
	var res BatchResult
	if !p.transition(StateReady, StateBusy) {
		return res, protocolErr(p.engineID, ErrNotReady, fmt.Errorf("lint in state %s", p.State()))
	}
	ctx, span := startSpan(ctx, "engine.lint", p.engineID)
	defer span.End()
	started := time.Now()

	inBatch := make(map[string]bool, len(files))
	for _, f := range files {
		inBatch[f.Path] = false
	}
	markChecked := func(path string) {
		if checked, ok := inBatch[path]; ok && !checked {
			inBatch[path] = true
			res.Checked = append(res.Checked, path)
		}
	}
	collect := func(fallbackPath string, diags []lint.Diagnostic) {
		for _, d := range diags {
			if d.File == "" {
				d.File = fallbackPath
			}
			if _, ok := inBatch[d.File]; !ok {
				p.logger.Debug("dropping diagnostic outside batch", logging.F("file", d.File))
				continue
			}
			d.EngineID = p.engineID
			res.Diagnostics = append(res.Diagnostics, d)
		}
	}

	timer := time.NewTimer(p.timeouts.Request)
	defer timer.Stop()

	id := p.nextID.Add(1)
	if err := p.send(ctx, protocol.LintRequest(id, files, rules), timer.C); err != nil {
		if isWaitError(ctx, err) {
			err = p.handleWaitError(ctx, err, ErrRequestTimeout)
		} else {
			err = p.fail(ErrCrash, fmt.Errorf("send lint request: %w", err))
		}
		recordRequest(ctx, p.engineID, time.Since(started), len(files), err)
		return res, err
	}

	for {
		msg, err := p.next(ctx, timer.C)
		if err != nil {
			err = p.handleWaitError(ctx, err, ErrRequestTimeout)
			recordRequest(ctx, p.engineID, time.Since(started), len(files), err)
			return res, err
		}
		if msg.ID != id {
			continue
		}
		switch msg.Type {
		case protocol.TypeFile:
			collect(msg.Path, msg.Diagnostics)
			markChecked(msg.Path)
		case protocol.TypeLint:
			fallback := ""
			if len(files) == 1 {
				fallback = files[0].Path
			}
			collect(fallback, msg.Diagnostics)
			for _, f := range files {
				markChecked(f.Path)
			}
			p.setState(StateReady)
			recordRequest(ctx, p.engineID, time.Since(started), len(files), nil)
			return res, nil
		case protocol.TypeError:
			p.setState(StateReady)
			err := protocolErr(p.engineID, ErrEngineFailure, errors.New(msg.Message))
			recordRequest(ctx, p.engineID, time.Since(started), len(files), err)
			return res, err
		default:
			p.kill(StateTerminated)
			err := protocolErr(p.engineID, ErrMalformedResponse, fmt.Errorf("unexpected %q message during lint", msg.Type))
			recordRequest(ctx, p.engineID, time.Since(started), len(files), err)
			return res, err
		}
	}
}

// Shutdown moves the process to Draining, asks it to exit and force-kills
// it once the drain grace period (or ctx) expires.
func (p *Process) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDraining
	p.mu.Unlock()
	p.drain(ctx)
	return nil
}

func (p *Process) drain(ctx context.Context) {
	p.stopListening()
	grace := time.NewTimer(p.timeouts.Drain)
	defer grace.Stop()

	err := p.send(ctx, protocol.ShutdownRequest(p.nextID.Add(1)), grace.C)
	_ = p.stdin.Close()

	if !isWaitError(ctx, err) {
		select {
		case <-p.done:
			p.setState(StateTerminated)
			return
		case <-grace.C:
			err = errTimedOut
		case <-ctx.Done():
		}
	}
	if errors.Is(err, errTimedOut) {
		p.logger.Warn("engine did not exit within drain grace, killing", logging.F("grace", p.timeouts.Drain.String()))
	}
	p.kill(StateTerminated)
}

// send writes msg without letting an engine that stopped reading block the
// caller past deadline or ctx. The write goroutine ends once the process is
// killed and the pipe breaks. Only one write is in flight at a time.
func (p *Process) send(ctx context.Context, msg protocol.Message, deadline <-chan time.Time) error {
	if !p.writeMu.TryLock() {
		return errWriterBusy
	}
	written := make(chan error, 1)
	go func() {
		defer p.writeMu.Unlock()
		written <- p.enc.Encode(msg)
	}()
	select {
	case err := <-written:
		return err
	case <-deadline:
		return errTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isWaitError(ctx context.Context, err error) bool {
	return errors.Is(err, errTimedOut) || (err != nil && ctx.Err() != nil)
}

func (p *Process) readLoop(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.readErr = err
				p.stopListening()
				_ = p.cmd.Process.Kill()
			}
			break
		}
		select {
		case p.msgs <- msg:
		case <-p.abandon:
		}
	}
	p.exitErr = p.cmd.Wait()
	close(p.msgs)
	close(p.done)
}

func (p *Process) next(ctx context.Context, timeout <-chan time.Time) (protocol.Message, error) {
	select {
	case msg, ok := <-p.msgs:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return msg, nil
	case <-timeout:
		return protocol.Message{}, errTimedOut
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// handleWaitError maps a failed wait into the right terminal state.
func (p *Process) handleWaitError(ctx context.Context, err error, timeoutKind error) error {
	switch {
	case errors.Is(err, errTimedOut):
		p.kill(StateTerminated)
		return protocolErr(p.engineID, timeoutKind, nil)
	case ctx.Err() != nil:
		p.setState(StateDraining)
		p.drain(context.Background())
		return ctx.Err()
	default:
		<-p.done
		p.setState(StateCrashed)
		return p.exitError()
	}
}

func (p *Process) exitError() error {
	var decodeErr *protocol.DecodeError
	if errors.As(p.readErr, &decodeErr) || errors.Is(p.readErr, protocol.ErrMessageTooLarge) {
		return protocolErr(p.engineID, ErrMalformedResponse, p.readErr)
	}
	detail := "exited unexpectedly"
	if p.exitErr != nil {
		detail = p.exitErr.Error()
	}
	if tail := p.stderr.String(); tail != "" {
		detail += ": " + tail
	}
	return protocolErr(p.engineID, ErrCrash, errors.New(detail))
}

func (p *Process) fail(kind error, err error) error {
	p.kill(StateCrashed)
	return protocolErr(p.engineID, kind, err)
}

// kill releases the process unconditionally and waits for the reader to
// observe the exit.
func (p *Process) kill(final State) {
	p.stopListening()
	_ = p.cmd.Process.Kill()
	_ = p.stdout.Close()
	<-p.done
	_ = p.stdin.Close()
	p.setState(final)
}

func (p *Process) stopListening() {
	p.abandonOnce.Do(func() { close(p.abandon) })
}

func (p *Process) transition(from, to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	return true
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return
	}
	p.state = s
}

// ProcessLauncher spawns and handshakes a fresh Process per Launch call.
type ProcessLauncher struct {
	EngineID string
	Command  Command
	Timeouts Timeouts
	Logger   *logging.Logger
}

func (l ProcessLauncher) Launch(ctx context.Context) (Worker, error) {
	p, err := Spawn(l.EngineID, l.Command, l.Timeouts, l.Logger)
	if err != nil {
		return nil, err
	}
	if err := p.Handshake(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// stderrLogger forwards engine stderr to debug logs.
type stderrLogger struct {
	logger *logging.Logger
}

func (s stderrLogger) Write(b []byte) (int, error) {
	if line := string(trimRight(b)); line != "" {
		s.logger.Debug("engine stderr", logging.F("output", line))
	}
	return len(b), nil
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(trimRight(t.buf))
}

func trimRight(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
