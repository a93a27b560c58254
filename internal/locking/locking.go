// Package locking serializes mutation of state files. Each path gets a
// process-local mutex plus an OS file lock on a `.lock` sibling, so handlers
// in one process and separate processes on the same host are both ordered.
package locking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"clawd/internal/logging"
)

// ErrLockTimeout marks a bounded acquisition that ran out of time. Callers
// may retry.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// IsRetryable reports whether err is a transient lock failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
)

type pathLock struct {
	mu sync.Mutex
	fl *flock.Flock
}

// Manager hands out per-path exclusive locks.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*pathLock
	timeout time.Duration
	retry   time.Duration
	logger  logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds how long WithLock waits for acquisition.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRetryDelay sets the polling interval while waiting on the OS lock.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retry = d
		}
	}
}

// NewManager returns a lock manager. logger may be nil.
func NewManager(logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		locks:   make(map[string]*pathLock),
		timeout: defaultTimeout,
		retry:   defaultRetryDelay,
		logger:  logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockFor(path string) *pathLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl, ok := m.locks[path]; ok {
		return pl
	}
	pl := &pathLock{fl: flock.New(path + ".lock")}
	m.locks[path] = pl
	return pl
}

// WithLock runs fn while holding the exclusive lock for path. Release is
// deferred, so fn panicking still releases before the panic propagates.
func (m *Manager) WithLock(ctx context.Context, path string, fn func() error) error {
	if fn == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare lock dir for %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	pl := m.lockFor(path)
	if !acquireMutex(ctx, &pl.mu, m.retry) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, path)
	}
	defer pl.mu.Unlock()

	locked, err := pl.fl.TryLockContext(ctx, m.retry)
	if !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		return fmt.Errorf("acquire file lock for %s: %w", path, err)
	}
	defer func() {
		if uerr := pl.fl.Unlock(); uerr != nil {
			m.logger.Warn("release file lock for %s: %v", path, uerr)
		}
	}()

	return fn()
}

func acquireMutex(ctx context.Context, mu *sync.Mutex, retry time.Duration) bool {
	if mu.TryLock() {
		return true
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if mu.TryLock() {
				return true
			}
		}
	}
}
