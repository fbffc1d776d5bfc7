package sync

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tomasen/realip"
)

const writeWait = 10 * time.Second

// Handlers exposes the daemon over HTTP: the WebSocket endpoint sessions
// run on, plus the bootstrap script and client assets.
type Handlers struct {
	daemon    *Daemon
	assetsDir string
	upgrader  websocket.Upgrader
}

// NewHandlers creates the HTTP handlers. assetsDir holds init.lua and the
// deps/ directory served to clients.
func NewHandlers(daemon *Daemon, assetsDir string) *Handlers {
	return &Handlers{
		daemon:    daemon,
		assetsDir: assetsDir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router wires every endpoint.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.HandleWS).Methods(http.MethodGet)
	r.HandleFunc("/init.lua", h.HandleInitLua).Methods(http.MethodGet)
	r.HandleFunc("/start", h.HandleStart).Methods(http.MethodGet)
	r.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	r.PathPrefix("/deps/").Handler(
		http.StripPrefix("/deps/", http.FileServer(http.Dir(filepath.Join(h.assetsDir, "deps")))))
	return r
}

// HandleWS handles GET /ws: upgrades the connection and runs a session on
// it until the session ends.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	remote := realip.FromRequest(r)

	release, err := h.daemon.Admit()
	if err != nil {
		l.Warn("session refused", "remote", remote, "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer release()

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn("websocket upgrade failed", "remote", remote, "err", err)
		return
	}
	c.SetReadLimit(h.daemon.cfg.MaxFrameSize)

	conn := newWSConn(c, l.With("remote", remote))
	if err := h.daemon.Serve(r.Context(), conn, remote); err != nil {
		l.Debug("session ended", "remote", remote, "err", err)
	}
}

// HandleInitLua handles GET /init.lua
func (h *Handlers) HandleInitLua(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(h.assetsDir, "init.lua"))
}

// HandleStart handles GET /start: returns the one-liner a client runs to
// bootstrap itself from this server.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		http.Error(w, "missing host header", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "shell.run('wget run http://%[1]s/init.lua %[1]s')", host) //nolint:errcheck
}

// HandleStatus handles GET /status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.daemon.Status()) //nolint:errcheck
}

// wsConn adapts a WebSocket connection to Conn.
type wsConn struct {
	c   *websocket.Conn
	log *slog.Logger

	closeOnce gosync.Once
	closeErr  error
}

func newWSConn(c *websocket.Conn, l *slog.Logger) *wsConn {
	return &wsConn{c: c, log: l}
}

// ReadFrame returns the next binary message. Text messages are not part of
// the protocol and are skipped.
func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if mt != websocket.BinaryMessage {
			w.log.Warn("ignoring non-binary message", "type", mt, "bytes", len(data))
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteFrame(frame []byte) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close frame, best effort, and drops the connection.
func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		w.closeErr = w.c.Close()
	})
	return w.closeErr
}
