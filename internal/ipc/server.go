package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// Handler executes the calls a Server receives.
type Handler interface {
	Init(ctx context.Context, req InitRequest) error
	GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error)
	// Scan streams into sink. The server keeps the output ordered and drops
	// anything delivered after the scan was cancelled.
	Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error
}

// Server serves a Handler to authenticated clients.
type Server struct {
	handler Handler
	key     []byte
	pid     int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer returns a server requiring clients to prove knowledge of key. A
// nil key disables the handshake, which is only meant for transports that
// authenticate on their own.
func NewServer(handler Handler, key []byte) *Server {
	return &Server{
		handler: handler,
		key:     key,
		pid:     os.Getpid(),
		stop:    make(chan struct{}),
	}
}

// Stopped is closed once a client called Stop or Stop was called locally.
func (s *Server) Stopped() <-chan struct{} {
	return s.stop
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve accepts connections until ctx ends or the server is stopped. It
// returns nil in both cases, after all connections are done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		_ = ln.Close()
	}()

	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				cancel()
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting ipc connection: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	codec := NewStreamCodec(conn)
	if s.key != nil {
		_ = conn.SetDeadline(time.Now().Add(HandshakeTimeout))
		if err := serverHandshake(codec, s.key, s.pid); err != nil {
			slog.WarnContext(ctx, "ipc handshake failed: closing connection", "error", err)
			_ = conn.Close()
			return
		}
		_ = conn.SetDeadline(time.Time{})
	}
	if err := s.ServeCodec(ctx, codec); err != nil {
		slog.ErrorContext(ctx, "ipc connection failed", "error", err)
	}
}

// ServeCodec serves one established connection until the peer hangs up, ctx
// ends or the server is stopped. In-flight scans are cancelled on return.
func (s *Server) ServeCodec(ctx context.Context, codec Codec) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		_ = codec.Close()
	}()

	sess := &session{
		srv:   s,
		codec: codec,
		scans: make(map[uint64]context.CancelFunc),
	}
	for {
		msg, err := codec.Read()
		if err != nil {
			if closedErr(err) || ctx.Err() != nil {
				return nil
			}
			select {
			case <-s.stop:
				return nil
			default:
			}
			return fmt.Errorf("reading ipc message: %w", err)
		}

		switch msg.Type {
		case TypeInit, TypeDevices, TypePing:
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.unary(ctx, msg)
			}()
		case TypeStop:
			if s.key == nil {
				// only the owner of the key may end the process
				sess.writeError(ctx, msg.ID, errors.New("stop requires an authenticated connection"))
				continue
			}
			slog.InfoContext(ctx, "stop requested by client")
			sess.write(ctx, msg.ID, TypeResult, nil)
			s.Stop()
		case TypeScan:
			scanCtx, cancelScan := context.WithCancel(ctx)
			sess.mx.Lock()
			sess.scans[msg.ID] = cancelScan
			sess.mx.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.scan(scanCtx, msg)
			}()
		case TypeCancel:
			sess.cancel(ctx, msg.ID)
		default:
			sess.writeError(ctx, msg.ID, fmt.Errorf("unsupported message type %q", msg.Type))
		}
	}
}

type session struct {
	srv   *Server
	codec Codec

	mx    sync.Mutex
	scans map[uint64]context.CancelFunc
}

func (s *session) write(ctx context.Context, id uint64, typ Type, body any) error {
	msg, err := newMessage(id, typ, body)
	if err == nil {
		err = s.codec.Write(msg)
	}
	if err != nil {
		slog.DebugContext(ctx, "ipc write failed", "id", id, "type", typ, "error", err)
	}
	return err
}

func (s *session) writeError(ctx context.Context, id uint64, err error) {
	_ = s.write(ctx, id, TypeError, Envelope(err))
}

func (s *session) cancel(ctx context.Context, id uint64) {
	s.mx.Lock()
	cancel, ok := s.scans[id]
	s.mx.Unlock()
	if !ok {
		slog.DebugContext(ctx, "cancel for a finished scan: ignoring", "id", id)
		return
	}
	cancel()
}

func (s *session) unary(ctx context.Context, msg Message) {
	var (
		resp any
		err  error
	)
	switch msg.Type {
	case TypeInit:
		var req InitRequest
		if err = msg.decode(&req); err == nil {
			err = s.srv.handler.Init(ctx, req)
		}
	case TypeDevices:
		var req DeviceListRequest
		if err = msg.decode(&req); err == nil {
			var devices []model.ScanDevice
			devices, err = s.srv.handler.GetDeviceList(ctx, req.Options)
			if devices == nil {
				devices = []model.ScanDevice{}
			}
			resp = DeviceListResponse{Devices: devices}
		}
	case TypePing:
	}
	if err != nil {
		s.writeError(ctx, msg.ID, err)
		return
	}
	_ = s.write(ctx, msg.ID, TypeResult, resp)
}

func (s *session) scan(ctx context.Context, msg Message) {
	defer func() {
		s.mx.Lock()
		cancel := s.scans[msg.ID]
		delete(s.scans, msg.ID)
		s.mx.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	var req ScanRequest
	if err := msg.decode(&req); err != nil {
		s.writeError(ctx, msg.ID, err)
		return
	}

	sink := &streamSink{sess: s, ctx: ctx, id: msg.ID}
	err := s.runScan(ctx, req.Options, sink)
	switch {
	case ctx.Err() != nil:
		// whatever the driver did after the cancel is discarded
		err = model.Cancelled(ctx.Err())
	case err == nil && sink.err != nil:
		err = sink.err
	}
	if err != nil {
		slog.DebugContext(ctx, "scan ended with error", "id", msg.ID, "error", err)
		s.writeError(ctx, msg.ID, err)
		return
	}
	_ = s.write(ctx, msg.ID, TypeComplete, ScanComplete{Pages: sink.pages})
}

func (s *session) runScan(ctx context.Context, opts model.ScanOptions, sink model.Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.Errorf(model.KindDriverFailure, "driver panic: %v", r)
		}
	}()
	return s.srv.handler.Scan(ctx, opts, sink)
}

// streamSink writes driver output into the stream of one scan call.
type streamSink struct {
	sess     *session
	ctx      context.Context
	id       uint64
	lastPage int
	pages    int
	err      error
}

func (s *streamSink) dead() bool {
	return s.err != nil || s.ctx.Err() != nil
}

func (s *streamSink) Progress(p model.Progress) {
	if s.dead() {
		return
	}
	s.err = s.sess.write(s.ctx, s.id, TypeProgress, p)
}

func (s *streamSink) Image(img model.Image) {
	if s.dead() {
		return
	}
	if img.Page < s.lastPage {
		s.err = model.Errorf(model.KindDriverFailure, "driver delivered page %d after page %d", img.Page, s.lastPage)
		return
	}
	if len(img.Data) > MaxPage {
		s.err = model.Errorf(model.KindDriverFailure, "page %d has %d bytes, limit %d", img.Page, len(img.Data), MaxPage)
		return
	}
	for _, chunk := range chunks(img) {
		if err := s.sess.write(s.ctx, s.id, TypeImage, chunk); err != nil {
			s.err = errors.Join(model.ErrChannelBroken, err)
			return
		}
	}
	s.lastPage = img.Page
	s.pages++
}
