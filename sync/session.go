package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// Conn is the transport a session runs over: ordered, reliable, binary
// frames. ReadFrame returns io.EOF when the peer closes normally.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

var errHeartbeatTimeout = errors.New("client heartbeat timed out")

// Session is the per-connection protocol actor. Inbound frames, heartbeat
// checks and change propagation all run on the goroutine calling Run, so
// the fields below need no locking.
type Session struct {
	id     string
	remote string
	conn   Conn
	cfg    Config

	codec   *Codec
	feed    *ChangeFeed
	watcher WatchController
	fs      afero.Fs
	clock   clockwork.Clock
	log     *slog.Logger

	state atomic.Int32

	lastHeartbeat time.Time
	workspaceID   uint32
	ws            *Workspace
	ignore        *SyncIgnore
	watchActive   bool
	sub           *Subscription

	stop     chan struct{}
	stopOnce gosync.Once
}

func newSession(d *Daemon, conn Conn, remote string) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		remote:  remote,
		conn:    conn,
		cfg:     d.cfg,
		codec:   d.codec,
		feed:    d.feed,
		watcher: d.watcher,
		fs:      d.fs,
		clock:   d.clock,
		log:     sub("session").With("session", id, "remote", remote),
		stop:    make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage. Safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// WorkspaceID returns the bound workspace. Only valid on the Run goroutine
// or after Run returned.
func (s *Session) WorkspaceID() uint32 { return s.workspaceID }

// Run drives the session until the connection ends, the client stops
// sending heartbeats, the client violates the protocol, or ctx is done.
// On return the connection is closed, any watch is released and no
// further frames are sent. A normal client disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	reason := s.start()

	var (
		frames  = make(chan []byte)
		readErr = make(chan error, 1)
	)
	if reason == nil {
		go s.readLoop(frames, readErr)
	}

	heartbeat := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	propagate := s.clock.NewTicker(s.cfg.SyncInterval)
	defer propagate.Stop()

	for reason == nil {
		select {
		case <-ctx.Done():
			reason = ctx.Err()
		case <-s.stop:
			reason = context.Canceled
		case err := <-readErr:
			reason = err
		case frame := <-frames:
			reason = s.handleFrame(frame)
		case <-heartbeat.Chan():
			reason = s.checkHeartbeat()
		case <-propagate.Chan():
			reason = s.propagate()
		}
	}

	s.close(reason)
	if errors.Is(reason, io.EOF) {
		return nil
	}
	return reason
}

func (s *Session) start() error {
	s.lastHeartbeat = s.clock.Now()
	s.sub = s.feed.Subscribe()

	root, err := WorkspaceRoot(s.cfg.Root, 0)
	if err != nil {
		return err
	}
	s.ws = NewWorkspace(s.fs, root)
	s.state.Store(int32(StateActive))
	s.log.Info("session started")

	return s.send(SyncStart{})
}

func (s *Session) readLoop(frames chan<- []byte, readErr chan<- error) {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- frame:
		case <-s.stop:
			return
		}
	}
}

func (s *Session) send(p Packet) error {
	frame, err := s.codec.Encode(p)
	if err != nil {
		return err
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("send %s: %w", p.Kind(), err)
	}
	return nil
}

func (s *Session) handleFrame(frame []byte) error {
	p, err := s.codec.Decode(frame)
	if err != nil {
		return err
	}
	if !p.FromClient() {
		return fmt.Errorf("%w: client sent %s", ErrProtocol, p.Kind())
	}

	switch v := p.(type) {
	case ClientHeartbeat:
		s.lastHeartbeat = s.clock.Now()
		s.log.Debug("client heartbeat")
		return nil
	case BindWorkspace:
		return s.bind(v.ID)
	case ReadyToWatch:
		return s.activateWatch()
	case ClientSyncFile:
		return s.receive(v.Transfer)
	}
	return fmt.Errorf("%w: unhandled packet %s", ErrProtocol, p.Kind())
}

// bind switches the session to workspace id and creates its directory.
func (s *Session) bind(id uint32) error {
	root, err := WorkspaceRoot(s.cfg.Root, id)
	if err != nil {
		return err
	}

	if root != s.ws.Root() {
		if s.watchActive {
			s.deactivateWatch()
		}
		if err := s.ws.CloseParts(); err != nil {
			s.log.Warn("closing uploads on rebind failed", "err", err)
		}
		s.ws = NewWorkspace(s.fs, root)
	}
	s.workspaceID = id

	if err := s.ws.Ensure(); err != nil {
		return err
	}
	s.ignore = s.ws.Ignore()
	s.log.Info("workspace bound", "workspace", id, "root", root)
	return nil
}

func (s *Session) activateWatch() error {
	if s.watchActive {
		return nil
	}
	if err := s.ws.Ensure(); err != nil {
		return err
	}
	if err := s.watcher.Watch(s.ws.Root()); err != nil {
		// The session stays usable for uploads; the client can retry.
		s.log.Warn("watch activation failed", "root", s.ws.Root(), "err", err)
		return nil
	}
	s.watchActive = true
	s.ignore = s.ws.Ignore()
	s.log.Info("client ready, watching", "workspace", s.workspaceID)
	return nil
}

func (s *Session) deactivateWatch() {
	if err := s.watcher.Unwatch(s.ws.Root()); err != nil {
		s.log.Warn("unwatch failed", "root", s.ws.Root(), "err", err)
	}
	s.watchActive = false
}

func (s *Session) receive(t FileTransfer) error {
	if t.Partial {
		return s.ws.WritePartial(t.File, t.Done)
	}
	s.log.Debug("full upload", "name", t.File.Name, "bytes", len(t.File.Data))
	return s.ws.WriteFull(t.File)
}

func (s *Session) checkHeartbeat() error {
	if since := s.clock.Since(s.lastHeartbeat); since > s.cfg.HeartbeatTimeout {
		return fmt.Errorf("%w after %s", errHeartbeatTimeout, since)
	}
	return s.send(ServerHeartbeat{})
}

// propagate drains the feed and sends one SyncFile per qualifying event.
// Events are drained even before ReadyToWatch so a stale backlog is never
// replayed.
func (s *Session) propagate() error {
	events, dropped := s.sub.Drain()
	if dropped > 0 {
		s.log.Warn("change feed overflow, events lost", "dropped", dropped)
	}
	if !s.watchActive {
		return nil
	}

	for _, ev := range events {
		file, ok, err := s.toSyncFile(ev)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.send(ServerSyncFile{File: file}); err != nil {
			return err
		}
		if file.Name == syncIgnoreFile {
			s.ignore = s.ws.Ignore()
		}
	}
	return nil
}

func (s *Session) toSyncFile(ev ChangeEvent) (SyncFile, bool, error) {
	name, ok := ToWire(ev.Path, s.ws.Root())
	if !ok || s.ignore.IsIgnored(name, ev.IsDir) {
		return SyncFile{}, false, nil
	}

	switch ev.Kind {
	case EventCreated, EventModified:
		if ev.IsDir {
			return DirFile(name), true, nil
		}
		data, err := s.ws.ReadFile(ev.Path)
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("changed file vanished before read", "name", name)
			return SyncFile{}, false, nil
		}
		if err != nil {
			return SyncFile{}, false, fmt.Errorf("read %s: %w", name, err)
		}
		return SyncFile{Name: name, Data: data}, true, nil
	case EventRemoved:
		return RemovedFile(name), true, nil
	}
	return SyncFile{}, false, nil
}

// Stop asks Run to end. Safe from any goroutine and more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) close(reason error) {
	s.state.Store(int32(StateClosed))
	s.Stop()

	s.feed.Unsubscribe(s.sub)
	if n := s.sub.Len(); n > 0 {
		s.log.Debug("discarding unsent changes", "events", n)
	}
	if s.watchActive {
		s.deactivateWatch()
	}
	if s.ws != nil {
		if err := s.ws.CloseParts(); err != nil {
			s.log.Warn("closing uploads failed", "err", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		s.log.Debug("close connection", "err", err)
	}

	switch {
	case reason == nil, errors.Is(reason, io.EOF), errors.Is(reason, context.Canceled):
		s.log.Info("session closed", "workspace", s.workspaceID)
	case errors.Is(reason, errHeartbeatTimeout):
		s.log.Info("client heartbeat failed, disconnecting", "workspace", s.workspaceID)
	case errors.Is(reason, ErrDecode), errors.Is(reason, ErrProtocol), errors.Is(reason, ErrPathTraversal):
		s.log.Warn("client sent invalid packet, disconnecting", "err", reason)
	default:
		s.log.Error("session failed", "workspace", s.workspaceID, "err", reason)
	}
}
