package engine

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/logging"
	"github.com/ipsix/forseti/internal/protocol"
)

var ErrPoolClosed = errors.New("engine pool closed")

// Pool keeps up to max live workers of one engine. Workers are launched on
// demand and reused while they stay Ready; crashed or timed-out workers are
// dropped and replaced by the next request.
type Pool struct {
	id       string
	launcher Launcher
	logger   *logging.Logger

	tokens chan struct{}
	idle   chan Worker

	mu         sync.Mutex
	live       map[Worker]struct{}
	capability Capability
	closed     bool
}

func NewPool(id string, launcher Launcher, max int, logger *logging.Logger) *Pool {
	if max < 1 {
		max = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		id:       id,
		launcher: launcher,
		logger:   logger.With(logging.F("engine", id)),
		tokens:   make(chan struct{}, max),
		idle:     make(chan Worker, max),
		live:     make(map[Worker]struct{}),
	}
}

func (p *Pool) ID() string {
	return p.id
}

// Start launches the first worker so handshake failures and the declared
// capability are known before any file is dispatched.
func (p *Pool) Start(ctx context.Context) (Capability, error) {
	p.tokens <- struct{}{}
	w, err := p.launch(ctx)
	if err != nil {
		<-p.tokens
		return Capability{}, err
	}
	p.mu.Lock()
	p.capability = w.Capability()
	p.mu.Unlock()
	p.idle <- w
	return w.Capability(), nil
}

func (p *Pool) Capability() Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capability
}

// Lint runs one batch on an idle or freshly launched worker.
func (p *Pool) Lint(ctx context.Context, files []protocol.File, rules lint.Ruleset) (BatchResult, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	res, err := w.Lint(ctx, files, rules)
	p.release(w)
	return res, err
}

func (p *Pool) acquire(ctx context.Context) (Worker, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case w := <-p.idle:
		return w, nil
	default:
	}
	select {
	case w := <-p.idle:
		return w, nil
	case p.tokens <- struct{}{}:
		w, err := p.launch(ctx)
		if err != nil {
			<-p.tokens
			return nil, err
		}
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(w Worker) {
	if w.State() == StateReady && !p.isClosed() {
		p.idle <- w
		return
	}
	p.logger.Debug("discarding engine worker", logging.F("state", w.State().String()))
	_ = w.Shutdown(context.Background())
	p.mu.Lock()
	delete(p.live, w)
	p.mu.Unlock()
	<-p.tokens
}

func (p *Pool) launch(ctx context.Context) (Worker, error) {
	w, err := p.launcher.Launch(ctx)
	if err != nil {
		p.logger.Warn("engine failed to start", logging.Err(err))
		return nil, err
	}
	recordWorkerStart(ctx, p.id)
	p.mu.Lock()
	p.live[w] = struct{}{}
	p.mu.Unlock()
	return w, nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown drains every live worker concurrently. It is safe to call more
// than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	workers := make([]Worker, 0, len(p.live))
	for w := range p.live {
		workers = append(workers, w)
	}
	p.live = make(map[Worker]struct{})
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			return w.Shutdown(ctx)
		})
	}
	return g.Wait()
}
