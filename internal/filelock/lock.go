// Package filelock serializes work on one engine identity across goroutines
// and processes with advisory lock files.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var ErrLocked = errors.New("lock held by another process")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

const defaultPoll = 50 * time.Millisecond

// Manager hands out exclusive locks stored as <dir>/<key>.lock.
type Manager struct {
	dir  string
	poll time.Duration

	mu    sync.Mutex
	local map[string]chan struct{}
}

func New(dir string) *Manager {
	return &Manager{dir: dir, poll: defaultPoll, local: make(map[string]chan struct{})}
}

type Lock struct {
	key     string
	f       *os.File
	release func()
	once    sync.Once
}

func (l *Lock) Key() string {
	return l.key
}

// Release drops the lock. The lock file itself stays on disk.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		err = unlockFile(l.f)
		if cerr := l.f.Close(); err == nil {
			err = cerr
		}
		l.release()
	})
	return err
}

// Acquire blocks until the lock for key is held or ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, error) {
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("invalid lock key %q", key)
	}
	sem := m.semaphore(key)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-sem }

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		release()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(m.dir, key+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		release()
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		err := tryLockFile(f)
		if err == nil {
			return &Lock{key: key, f: f, release: release}, nil
		}
		if !errors.Is(err, ErrLocked) {
			_ = f.Close()
			release()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			release()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) semaphore(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.local[key]
	if !ok {
		sem = make(chan struct{}, 1)
		m.local[key] = sem
	}
	return sem
}
