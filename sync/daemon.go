package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/marusama/semaphore/v2"
	"github.com/spf13/afero"
)

// Config holds the protocol timings and limits.
type Config struct {
	// Root is the directory holding one subdirectory per workspace id.
	Root string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SyncInterval      time.Duration

	FeedBacklog  int
	MaxFrameSize int64
	// MaxSessions caps concurrent sessions; 0 means no cap.
	MaxSessions int
}

// DefaultConfig returns the timings existing clients expect.
func DefaultConfig() Config {
	return Config{
		Root:              "comp",
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		SyncInterval:      500 * time.Millisecond,
		FeedBacklog:       DefaultFeedBacklog,
		MaxFrameSize:      DefaultMaxFrameSize,
	}
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithFs replaces the filesystem sessions read and write through.
func WithFs(fsys afero.Fs) Option {
	return func(d *Daemon) { d.fs = fsys }
}

// WithClock replaces the clock driving heartbeats and propagation.
func WithClock(c clockwork.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithWatchController replaces the fsnotify watcher, e.g. with a fake in
// tests. Events must then be published on Feed() by the caller.
func WithWatchController(wc WatchController) Option {
	return func(d *Daemon) { d.watcher = wc }
}

// Daemon owns the state shared by all sessions: the change feed, the
// watcher feeding it, and the session registry.
type Daemon struct {
	cfg     Config
	feed    *ChangeFeed
	watcher WatchController
	codec   *Codec
	fs      afero.Fs
	clock   clockwork.Clock
	slots   semaphore.Semaphore

	mu       gosync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewDaemon builds the shared services. Unless WithWatchController is
// given, an fsnotify watcher is created and Run must be called to start it.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		feed:     NewChangeFeed(cfg.FeedBacklog),
		codec:    NewCodec(cfg.MaxFrameSize),
		fs:       afero.NewOsFs(),
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]*Session),
	}
	if cfg.MaxSessions > 0 {
		d.slots = semaphore.New(cfg.MaxSessions)
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.watcher == nil {
		w, err := NewWatcher(d.feed)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Feed returns the change feed sessions subscribe to.
func (d *Daemon) Feed() *ChangeFeed {
	return d.feed
}

// Codec returns the packet codec shared by all sessions.
func (d *Daemon) Codec() *Codec {
	return d.codec
}

// Run delivers filesystem events until ctx is cancelled, then stops every
// session and releases the watcher.
func (d *Daemon) Run(ctx context.Context) {
	l := sub("daemon")
	l.Info("sync daemon starting", "root", d.cfg.Root,
		"heartbeat", d.cfg.HeartbeatInterval, "timeout", d.cfg.HeartbeatTimeout)

	if w, ok := d.watcher.(*Watcher); ok {
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				l.Warn("watcher stopped unexpectedly", "err", err)
			}
		}()
	}

	<-ctx.Done()

	d.mu.Lock()
	d.closed = true
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	if w, ok := d.watcher.(*Watcher); ok {
		w.Close() //nolint:errcheck
		l.Debug("watcher closed")
	}
	l.Info("sync daemon stopped", "sessions", len(sessions))
}

// Admit reserves a session slot. The returned func releases it.
func (d *Daemon) Admit() (release func(), err error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: daemon shutting down", ErrSessionLimit)
	}

	if d.slots == nil {
		return func() {}, nil
	}
	if !d.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w: limit %d reached", ErrSessionLimit, d.cfg.MaxSessions)
	}
	var once gosync.Once
	return func() { once.Do(func() { d.slots.Release(1) }) }, nil
}

// Serve runs a session over conn until it closes.
func (d *Daemon) Serve(ctx context.Context, conn Conn, remote string) error {
	s := newSession(d, conn, remote)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close() //nolint:errcheck
		return fmt.Errorf("%w: daemon shutting down", ErrSessionLimit)
	}
	d.sessions[s.ID()] = s
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.sessions, s.ID())
		d.mu.Unlock()
	}()

	return s.Run(ctx)
}

// Status is a point-in-time summary for the status endpoint.
type Status struct {
	Sessions     int        `json:"sessions"`
	Subscribers  int        `json:"subscribers"`
	WatchedRoots []string   `json:"watchedRoots"`
	RecentErrors []LogEntry `json:"recentErrors"`
}

// Status reports the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	n := len(d.sessions)
	d.mu.Unlock()

	st := Status{
		Sessions:     n,
		Subscribers:  d.feed.Len(),
		WatchedRoots: []string{},
		RecentErrors: RecentErrors(),
	}
	if r, ok := d.watcher.(interface{ Roots() []string }); ok {
		st.WatchedRoots = r.Roots()
	}
	return st
}
