package gateway

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Shared picks the right backend at call time: the process that acquires the
// leader lock binds the gateway, everyone else joins it as a peer. A peer
// promotes itself to leader when the lock frees.
type Shared struct {
	logger   *slog.Logger
	opts     Options
	lockPath string

	mu       sync.Mutex
	lock     *flock.Flock
	client   Client
	isLeader bool
	started  bool
}

// DefaultLockPath is the well-known leader lock location under the user's
// home data dir.
func DefaultLockPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".browser-mcp", "gateway-leader.lock")
}

// NewShared creates the facade. lockPath may be empty for the default.
func NewShared(opts Options, lockPath string) *Shared {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if lockPath == "" {
		lockPath = DefaultLockPath()
	}
	return &Shared{logger: opts.Logger, opts: opts, lockPath: lockPath}
}

// Start elects a role and starts the underlying backend.
func (s *Shared) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.tryAcquireLockLocked() {
		return s.startLeaderLocked(ctx)
	}
	return s.startPeerLocked(ctx)
}

// tryAcquireLockLocked best-effort grabs the leader lock. When advisory
// locking is unavailable the process behaves as a leader; that relaxation is
// intentional.
func (s *Shared) tryAcquireLockLocked() bool {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		s.logger.Warn("leader lock dir unavailable, assuming leader", "err", err)
		return true
	}
	lock := flock.New(s.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		s.logger.Warn("leader lock unavailable, assuming leader", "err", err)
		return true
	}
	if !ok {
		return false
	}
	s.lock = lock
	return true
}

func (s *Shared) startLeaderLocked(ctx context.Context) error {
	g := New(s.opts)
	if err := g.Start(ctx); err != nil {
		return err
	}
	s.client = g
	s.isLeader = true
	s.started = true
	s.logger.Info("gateway role: leader", "lock", filepath.Base(s.lockPath))
	return nil
}

func (s *Shared) startPeerLocked(ctx context.Context) error {
	p := NewPeer(PeerOptions{
		Host:       s.opts.Host,
		Port:       s.opts.Port,
		PortSpan:   s.opts.PortSpan,
		PortRange:  s.opts.PortRange,
		RPCTimeout: s.opts.RPCTimeout,
		Logger:     s.opts.Logger,
	})
	// A failed initial connect is fine; the peer keeps trying and the next
	// WaitForConnection may promote us instead.
	if err := p.Connect(ctx); err != nil {
		s.logger.Debug("peer initial connect failed", "err", err)
	}
	s.client = p
	s.isLeader = false
	s.started = true
	s.logger.Info("gateway role: peer")
	return nil
}

// Client returns the active backend.
func (s *Shared) Client() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// IsLeader reports the current role.
func (s *Shared) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}

// WaitForConnection waits for an extension, promoting a peer to leader when
// the lock becomes free in the meantime.
func (s *Shared) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.started && !s.isLeader && s.tryAcquireLockLocked() {
		old := s.client
		s.started = false
		if err := s.startLeaderLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
		s.logger.Info("promoted peer to leader")
		if old != nil {
			old.Stop()
		}
	}
	client := s.client
	s.mu.Unlock()
	if client == nil {
		if err := s.Start(ctx); err != nil {
			return err
		}
		client = s.Client()
	}
	return client.WaitForConnection(ctx, timeout)
}

// Stop stops the backend and releases the leader lock.
func (s *Shared) Stop() {
	s.mu.Lock()
	client := s.client
	lock := s.lock
	s.client = nil
	s.lock = nil
	s.started = false
	s.mu.Unlock()
	if client != nil {
		client.Stop()
	}
	if lock != nil {
		_ = lock.Unlock()
	}
}
