package sync

import "fmt"

// EventKind classifies a filesystem change.
type EventKind uint8

const (
	EventOther EventKind = iota
	EventCreated
	EventModified
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	default:
		return "other"
	}
}

// ChangeEvent is one filesystem change observed by the Watcher.
// Path is always absolute.
type ChangeEvent struct {
	Kind  EventKind
	Path  string
	IsDir bool
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s (dir=%t)", e.Kind, e.Path, e.IsDir)
}

// dirMarker is the payload sent for directories.
const dirMarker = "dir"

// SyncFile is a file as it travels on the wire. Name is workspace-relative
// and uses "/" as separator.
type SyncFile struct {
	Name     string `json:"name"`
	Data     string `json:"data"`
	ReadOnly bool   `json:"read_only"`
}

// DirFile returns the marker sent when a directory appears or changes.
func DirFile(name string) SyncFile {
	return SyncFile{Name: name, Data: dirMarker, ReadOnly: true}
}

// RemovedFile returns the marker sent when a path is deleted.
func RemovedFile(name string) SyncFile {
	return SyncFile{Name: name, ReadOnly: true}
}

// FileTransfer is an upload from the client: either the whole file at once
// or one chunk of a streamed upload. Done is only meaningful when Partial.
type FileTransfer struct {
	File    SyncFile
	Partial bool
	Done    bool
}

// FullTransfer builds a one-shot transfer.
func FullTransfer(f SyncFile) FileTransfer {
	return FileTransfer{File: f}
}

// PartialTransfer builds one chunk of a streamed transfer.
func PartialTransfer(f SyncFile, done bool) FileTransfer {
	return FileTransfer{File: f, Partial: true, Done: done}
}
