package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Wire names of the packet variants. They match the tags existing clients
// already speak, so they must not change.
const (
	kindServerHeartbeat = "S2cHb"
	kindSyncStart       = "S2cSync"
	kindServerSyncFile  = "S2cSyncF"
	kindClientHeartbeat = "C2sHb"
	kindClientSyncFile  = "C2sSync"
	kindBindWorkspace   = "C2sComp"
	kindReadyToWatch    = "C2sReady"
)

// DefaultMaxFrameSize bounds both the compressed and the inflated frame.
const DefaultMaxFrameSize = 32 << 20

// Packet is one protocol message. The concrete types below are the only
// implementations.
type Packet interface {
	Kind() string
	// FromClient reports whether the variant travels client→server.
	FromClient() bool
}

type (
	// ServerHeartbeat is the periodic liveness ping sent to the client.
	ServerHeartbeat struct{}
	// SyncStart tells the client that the session is fresh and a full
	// resync should be expected.
	SyncStart struct{}
	// ServerSyncFile carries one changed path to the client.
	ServerSyncFile struct{ File SyncFile }

	ClientHeartbeat struct{}
	// ClientSyncFile carries an upload from the client.
	ClientSyncFile struct{ Transfer FileTransfer }
	// BindWorkspace selects the workspace directory for the session.
	BindWorkspace struct{ ID uint32 }
	// ReadyToWatch asks the server to start streaming changes.
	ReadyToWatch struct{}
)

func (ServerHeartbeat) Kind() string { return kindServerHeartbeat }
func (SyncStart) Kind() string       { return kindSyncStart }
func (ServerSyncFile) Kind() string  { return kindServerSyncFile }
func (ClientHeartbeat) Kind() string { return kindClientHeartbeat }
func (ClientSyncFile) Kind() string  { return kindClientSyncFile }
func (BindWorkspace) Kind() string   { return kindBindWorkspace }
func (ReadyToWatch) Kind() string    { return kindReadyToWatch }

func (ServerHeartbeat) FromClient() bool { return false }
func (SyncStart) FromClient() bool       { return false }
func (ServerSyncFile) FromClient() bool  { return false }
func (ClientHeartbeat) FromClient() bool { return true }
func (ClientSyncFile) FromClient() bool  { return true }
func (BindWorkspace) FromClient() bool   { return true }
func (ReadyToWatch) FromClient() bool    { return true }

// MarshalJSON encodes the transfer as {"Full":{...}} or {"Partial":[{...},done]}.
func (t FileTransfer) MarshalJSON() ([]byte, error) {
	if !t.Partial {
		return json.Marshal(map[string]SyncFile{"Full": t.File})
	}
	return json.Marshal(map[string][]any{"Partial": {t.File, t.Done}})
}

func (t *FileTransfer) UnmarshalJSON(b []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(b, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("file transfer: expected one variant, got %d", len(tagged))
	}

	if raw, ok := tagged["Full"]; ok {
		*t = FileTransfer{}
		return json.Unmarshal(raw, &t.File)
	}

	raw, ok := tagged["Partial"]
	if !ok {
		return fmt.Errorf("file transfer: unknown variant")
	}
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("partial transfer: %w", err)
	}
	if len(fields) != 2 {
		return fmt.Errorf("partial transfer: expected 2 fields, got %d", len(fields))
	}
	*t = FileTransfer{Partial: true}
	if err := json.Unmarshal(fields[0], &t.File); err != nil {
		return fmt.Errorf("partial transfer file: %w", err)
	}
	if err := json.Unmarshal(fields[1], &t.Done); err != nil {
		return fmt.Errorf("partial transfer done flag: %w", err)
	}
	return nil
}

type envelope struct {
	P json.RawMessage `json:"p"`
}

// Codec turns packets into gzip-compressed JSON frames and back.
// It holds no state beyond its limits and is safe for concurrent use.
type Codec struct {
	maxFrameSize int64
}

// NewCodec returns a codec rejecting frames over maxFrameSize bytes.
// A non-positive size selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize int64) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// Encode serializes p into one self-contained compressed frame.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	payload, err := marshalPacket(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	doc, err := json.Marshal(envelope{P: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(doc); err != nil {
		return nil, fmt.Errorf("compress %s: %w", p.Kind(), err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress %s: %w", p.Kind(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses one frame. Gzip frames are inflated first; anything else is
// read as plain JSON, which is what older clients send. Every failure is
// reported as ErrDecode.
func (c *Codec) Decode(frame []byte) (Packet, error) {
	doc, err := c.inflate(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(env.P) == 0 || string(env.P) == "null" {
		return nil, fmt.Errorf("%w: missing packet", ErrDecode)
	}

	p, err := unmarshalPacket(env.P)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return p, nil
}

func (c *Codec) inflate(frame []byte) ([]byte, error) {
	if int64(len(frame)) > c.maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", len(frame), c.maxFrameSize)
	}
	if len(frame) < 2 || frame[0] != 0x1f || frame[1] != 0x8b {
		return frame, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	doc, err := io.ReadAll(io.LimitReader(zr, c.maxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(doc)) > c.maxFrameSize {
		return nil, fmt.Errorf("inflated frame exceeds limit %d", c.maxFrameSize)
	}
	return doc, nil
}

func marshalPacket(p Packet) (json.RawMessage, error) {
	var payload any
	switch v := p.(type) {
	case ServerHeartbeat, SyncStart, ClientHeartbeat, ReadyToWatch:
		return json.Marshal(p.Kind())
	case ServerSyncFile:
		payload = v.File
	case ClientSyncFile:
		payload = v.Transfer
	case BindWorkspace:
		payload = v.ID
	default:
		return nil, fmt.Errorf("unknown packet type %T", p)
	}
	return json.Marshal(map[string]any{p.Kind(): payload})
}

func unmarshalPacket(raw json.RawMessage) (Packet, error) {
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var kind string
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, err
		}
		switch kind {
		case kindServerHeartbeat:
			return ServerHeartbeat{}, nil
		case kindSyncStart:
			return SyncStart{}, nil
		case kindClientHeartbeat:
			return ClientHeartbeat{}, nil
		case kindReadyToWatch:
			return ReadyToWatch{}, nil
		case kindServerSyncFile, kindClientSyncFile, kindBindWorkspace:
			return nil, fmt.Errorf("packet %q requires a payload", kind)
		}
		return nil, fmt.Errorf("unknown packet %q", kind)
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, err
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("expected one packet variant, got %d", len(tagged))
	}
	for kind, body := range tagged {
		switch kind {
		case kindServerSyncFile:
			var p ServerSyncFile
			if err := json.Unmarshal(body, &p.File); err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
			return p, nil
		case kindClientSyncFile:
			var p ClientSyncFile
			if err := json.Unmarshal(body, &p.Transfer); err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
			return p, nil
		case kindBindWorkspace:
			var p BindWorkspace
			if err := json.Unmarshal(body, &p.ID); err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
			return p, nil
		case kindServerHeartbeat, kindSyncStart, kindClientHeartbeat, kindReadyToWatch:
			return nil, fmt.Errorf("packet %q takes no payload", kind)
		default:
			return nil, fmt.Errorf("unknown packet %q", kind)
		}
	}
	return nil, fmt.Errorf("empty packet")
}
