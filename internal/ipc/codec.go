package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
)

// Codec moves Messages over a connection. Read is called from a single
// goroutine, Write may be called concurrently.
type Codec interface {
	Read() (Message, error)
	Write(Message) error
	Close() error
}

type streamCodec struct {
	conn io.ReadWriteCloser
	dec  *json.Decoder
	wmx  sync.Mutex
	enc  *json.Encoder
}

// NewStreamCodec returns a Codec writing newline separated JSON messages to
// conn.
func NewStreamCodec(conn io.ReadWriteCloser) Codec {
	return &streamCodec{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}
}

func (c *streamCodec) Read() (Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (c *streamCodec) Write(msg Message) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	return c.enc.Encode(msg)
}

func (c *streamCodec) Close() error {
	return c.conn.Close()
}

// closedErr reports errors meaning the peer went away.
func closedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
