package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

var ErrClientClosed = errors.New("ipc: client closed")

// Client issues calls over a Codec. It is safe for concurrent use, although
// the pool never lets two scans share one client.
type Client struct {
	codec  Codec
	pid    int
	nextID atomic.Uint64

	mx    sync.Mutex
	calls map[uint64]*call

	done      chan struct{}
	err       error // valid once done is closed
	closeOnce sync.Once
}

type call struct {
	ch       chan Message
	gone     chan struct{}
	goneOnce sync.Once
}

func (c *call) forget() {
	c.goneOnce.Do(func() { close(c.gone) })
}

// NewClient starts reading from codec. No handshake is performed.
func NewClient(codec Codec) *Client {
	c := &Client{
		codec: codec,
		calls: make(map[uint64]*call),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a worker endpoint and authenticates with key.
func Dial(ctx context.Context, endpoint string, key []byte) (*Client, error) {
	conn, err := dialEndpoint(ctx, endpoint)
	if err != nil {
		return nil, model.Errorf(model.KindChannelBroken, "dialing %s: %w", endpoint, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(HandshakeTimeout)
	}
	_ = conn.SetDeadline(deadline)

	codec := NewStreamCodec(conn)
	pid, err := clientHandshake(codec, key)
	if err != nil {
		_ = conn.Close()
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, model.Errorf(model.KindHandshakeTimeout, "handshake with %s: %w", endpoint, err)
		}
		return nil, model.Errorf(model.KindChannelBroken, "handshake with %s: %w", endpoint, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c := NewClient(codec)
	c.pid = pid
	return c, nil
}

// PID returns the process id the server announced, 0 for unauthenticated
// clients.
func (c *Client) PID() int {
	return c.pid
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection is gone, nil while it is up.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if errors.Is(cause, ErrClientClosed) {
			c.err = model.Wrap(model.KindChannelBroken, cause)
		} else {
			c.err = model.Errorf(model.KindChannelBroken, "ipc connection lost: %w", cause)
		}
		close(c.done)
		_ = c.codec.Close()
	})
}

func (c *Client) readLoop() {
	for {
		msg, err := c.codec.Read()
		if err != nil {
			c.shutdown(err)
			return
		}

		c.mx.Lock()
		cl, ok := c.calls[msg.ID]
		if ok && msg.terminal() {
			delete(c.calls, msg.ID)
		}
		c.mx.Unlock()
		if !ok {
			slog.Debug("ipc: dropping message of a forgotten call", "id", msg.ID, "type", msg.Type)
			continue
		}

		select {
		case cl.ch <- msg:
		case <-cl.gone:
		case <-c.done:
			return
		}
	}
}

func (c *Client) register(buffer int) (uint64, *call, error) {
	id := c.nextID.Add(1)
	cl := &call{
		ch:   make(chan Message, buffer),
		gone: make(chan struct{}),
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	select {
	case <-c.done:
		return 0, nil, c.err
	default:
	}
	c.calls[id] = cl
	return id, cl, nil
}

func (c *Client) forget(id uint64, cl *call) {
	c.mx.Lock()
	delete(c.calls, id)
	c.mx.Unlock()
	cl.forget()
}

func (c *Client) send(id uint64, typ Type, body any) error {
	msg, err := newMessage(id, typ, body)
	if err != nil {
		return err
	}
	if err := c.codec.Write(msg); err != nil {
		return model.Errorf(model.KindChannelBroken, "sending %s: %w", typ, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, typ Type, req, resp any) error {
	id, cl, err := c.register(1)
	if err != nil {
		return err
	}
	defer c.forget(id, cl)

	if err := c.send(id, typ, req); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	case reply := <-cl.ch:
		switch reply.Type {
		case TypeResult:
			if resp == nil {
				return nil
			}
			return reply.decode(resp)
		case TypeError:
			return remoteErr(ctx, reply)
		default:
			return model.Errorf(model.KindRemoteError, "unexpected reply %s to %s", reply.Type, typ)
		}
	}
}

func remoteErr(ctx context.Context, msg Message) error {
	var env ErrorEnvelope
	if err := msg.decode(&env); err != nil {
		return model.Errorf(model.KindRemoteError, "undecodable error envelope: %w", err)
	}
	slog.DebugContext(ctx, "remote error", "kind", env.Kind, "message", env.Message, "diagnostic", env.Diagnostic)
	return env.Err()
}

// Init hands collaborator configuration to the worker.
func (c *Client) Init(ctx context.Context, req InitRequest) error {
	return c.call(ctx, TypeInit, req, nil)
}

func (c *Client) GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error) {
	var resp DeviceListResponse
	if err := c.call(ctx, TypeDevices, DeviceListRequest{Options: opts}, &resp); err != nil {
		return nil, err
	}
	if resp.Devices == nil {
		resp.Devices = []model.ScanDevice{}
	}
	return resp.Devices, nil
}

// Ping checks the server answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, TypePing, nil, nil)
}

// Stop asks the server process to exit.
func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, TypeStop, nil, nil)
}

// Scan starts a streamed scan. The caller must Close the stream.
func (c *Client) Scan(_ context.Context, opts model.ScanOptions) (*ScanStream, error) {
	id, cl, err := c.register(16)
	if err != nil {
		return nil, err
	}
	if err := c.send(id, TypeScan, ScanRequest{Options: opts}); err != nil {
		c.forget(id, cl)
		return nil, err
	}
	return &ScanStream{c: c, id: id, call: cl}, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("ipc.Client{pid: %d}", c.pid)
}
