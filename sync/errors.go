package sync

import "errors"

var (
	// ErrDecode is returned for frames that are truncated, oversized or not
	// a known packet.
	ErrDecode = errors.New("malformed frame")

	// ErrProtocol is returned when a client sends a packet only the server
	// may send.
	ErrProtocol = errors.New("protocol violation")

	// ErrPathTraversal is returned when a client-supplied name would resolve
	// outside its workspace.
	ErrPathTraversal = errors.New("path escapes workspace")

	// ErrWatch wraps failures of the underlying filesystem watcher.
	ErrWatch = errors.New("watch failed")

	// ErrSessionLimit is returned when the server is at max-sessions.
	ErrSessionLimit = errors.New("too many sessions")
)
