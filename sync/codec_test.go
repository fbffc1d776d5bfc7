package sync

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inflateForTest(t *testing.T, frame []byte) string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	require.NoError(t, err)
	doc, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(doc)
}

func TestCodec_RoundTripEveryVariant(t *testing.T) {
	c := NewCodec(0)
	file := SyncFile{Name: "a/b.lua", Data: "print(1)\n", ReadOnly: false}

	packets := []Packet{
		ServerHeartbeat{},
		SyncStart{},
		ServerSyncFile{File: DirFile("lib")},
		ClientHeartbeat{},
		ClientSyncFile{Transfer: FullTransfer(file)},
		ClientSyncFile{Transfer: PartialTransfer(file, false)},
		ClientSyncFile{Transfer: PartialTransfer(file, true)},
		BindWorkspace{ID: 4294967295},
		ReadyToWatch{},
	}

	for _, p := range packets {
		t.Run(p.Kind(), func(t *testing.T) {
			frame, err := c.Encode(p)
			require.NoError(t, err)
			got, err := c.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestCodec_EncodeWireLayout(t *testing.T) {
	c := NewCodec(0)

	frame, err := c.Encode(ServerHeartbeat{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"S2cHb"}`, inflateForTest(t, frame))

	frame, err = c.Encode(ServerSyncFile{File: RemovedFile("x.lua")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":{"S2cSyncF":{"name":"x.lua","data":"","read_only":true}}}`, inflateForTest(t, frame))

	frame, err = c.Encode(ClientSyncFile{Transfer: PartialTransfer(SyncFile{Name: "big.txt", Data: "abc"}, true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":{"C2sSync":{"Partial":[{"name":"big.txt","data":"abc","read_only":false},true]}}}`,
		inflateForTest(t, frame))
}

func TestCodec_DecodePlainJSON(t *testing.T) {
	c := NewCodec(0)

	p, err := c.Decode([]byte(`{"p":{"C2sComp":7}}`))
	require.NoError(t, err)
	assert.Equal(t, BindWorkspace{ID: 7}, p)

	p, err = c.Decode([]byte(`{"p":"C2sReady"}`))
	require.NoError(t, err)
	assert.Equal(t, ReadyToWatch{}, p)

	p, err = c.Decode([]byte(`{"p":{"C2sSync":{"Full":{"name":"x.lua","data":"print(1)","read_only":false}}}}`))
	require.NoError(t, err)
	assert.Equal(t, ClientSyncFile{Transfer: FullTransfer(SyncFile{Name: "x.lua", Data: "print(1)"})}, p)
}

func TestCodec_DecodeRejectsMalformed(t *testing.T) {
	c := NewCodec(0)
	valid, err := c.Encode(SyncStart{})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":              {},
		"garbage":            []byte("\x00\x01not json"),
		"truncated gzip":     valid[:len(valid)/2],
		"missing p":          []byte(`{"q":"C2sHb"}`),
		"null p":             []byte(`{"p":null}`),
		"unknown unit":       []byte(`{"p":"C2sNope"}`),
		"unknown tagged":     []byte(`{"p":{"C2sNope":1}}`),
		"two variants":       []byte(`{"p":{"C2sComp":1,"C2sReady":null}}`),
		"unit with payload":  []byte(`{"p":{"C2sHb":1}}`),
		"payload missing":    []byte(`{"p":"C2sComp"}`),
		"negative id":        []byte(`{"p":{"C2sComp":-1}}`),
		"id overflow":        []byte(`{"p":{"C2sComp":4294967296}}`),
		"partial wrong size": []byte(`{"p":{"C2sSync":{"Partial":[{"name":"a","data":"b","read_only":false}]}}}`),
		"partial bad flag":   []byte(`{"p":{"C2sSync":{"Partial":[{"name":"a","data":"b","read_only":false},"yes"]}}}`),
		"transfer unknown":   []byte(`{"p":{"C2sSync":{"Diff":{}}}}`),
	}

	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(frame)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestCodec_FrameSizeLimit(t *testing.T) {
	small := NewCodec(256)

	// Highly compressible payload: small on the wire, large once inflated.
	big := ClientSyncFile{Transfer: FullTransfer(SyncFile{Name: "a", Data: strings.Repeat("a", 4096)})}
	frame, err := NewCodec(0).Encode(big)
	require.NoError(t, err)
	require.Less(t, len(frame), 256)

	_, err = small.Decode(frame)
	assert.ErrorIs(t, err, ErrDecode)

	raw, err := json.Marshal(map[string]string{"p": strings.Repeat("x", 300)})
	require.NoError(t, err)
	_, err = small.Decode(raw)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFileTransfer_UnmarshalResetsState(t *testing.T) {
	tr := PartialTransfer(SyncFile{Name: "old"}, true)
	require.NoError(t, json.Unmarshal([]byte(`{"Full":{"name":"new","data":"x","read_only":false}}`), &tr))
	assert.Equal(t, FullTransfer(SyncFile{Name: "new", Data: "x"}), tr)
}
