// Package network carries the ipc protocol over websockets, so a controller
// can drive scanners attached to another machine running scanbridge serve.
package network

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// Path is where the scan endpoint is mounted.
const Path = "/v1/scan"

// codec is an ipc.Codec over a websocket, one message per frame.
type codec struct {
	conn *websocket.Conn
	wmx  sync.Mutex
}

func newCodec(conn *websocket.Conn) *codec {
	conn.SetReadLimit(4 * ipc.MaxChunk)
	return &codec{conn: conn}
}

func (c *codec) Read() (ipc.Message, error) {
	var msg ipc.Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return ipc.Message{}, net.ErrClosed
		}
		return ipc.Message{}, err
	}
	return msg, nil
}

func (c *codec) Write(msg ipc.Message) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *codec) Close() error {
	c.wmx.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmx.Unlock()
	return c.conn.Close()
}

// URL turns a network address into the websocket URL of the scan endpoint.
// host:port and ws(s):// or http(s):// URLs are accepted.
func URL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("address %q has no host", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	return u.String(), nil
}

// Dial connects to a scan server and returns a client speaking the same
// calls as a worker connection.
func Dial(ctx context.Context, addr, token string) (*ipc.Client, error) {
	target, err := URL(addr)
	if err != nil {
		return nil, model.Errorf(model.KindInvalidOptions, "network address %q: %w", addr, err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, model.Errorf(model.KindChannelBroken, "scan server %s rejected the token", target)
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			return nil, model.Errorf(model.KindHandshakeTimeout, "dialing %s: %w", target, err)
		}
		return nil, model.Errorf(model.KindChannelBroken, "dialing %s: %w", target, err)
	}
	return ipc.NewClient(newCodec(conn)), nil
}

// Server serves an ipc.Handler to websocket clients.
type Server struct {
	srv      *ipc.Server
	token    string
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// NewServer returns a server for h. A non empty token must be presented as
// a bearer token by every client.
func NewServer(h ipc.Handler, token string) *Server {
	return &Server{
		srv:   ipc.NewServer(h, nil),
		token: token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
		},
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx := context.WithoutCancel(r.Context())
	slog.InfoContext(ctx, "scan client connected", "remote", r.RemoteAddr)
	if err := s.srv.ServeCodec(ctx, newCodec(conn)); err != nil {
		slog.WarnContext(ctx, "scan client connection failed", "remote", r.RemoteAddr, "error", err)
	}
	slog.InfoContext(ctx, "scan client disconnected", "remote", r.RemoteAddr)
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then closes open scan connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	hs := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.Serve(ln)
	}()
	slog.InfoContext(ctx, "scan server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// hijacked websocket connections are not tracked by http.Server
	s.srv.Stop()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := hs.Shutdown(sctx)
	s.wg.Wait()
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return err
}
