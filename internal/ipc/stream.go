package ipc

import (
	"context"
	"io"
	"sync"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// StreamEvent is one demultiplexed item of a scan stream. Exactly one of
// Progress, Image or Done is set. Err is the terminal scan error of a Done
// event, nil for a completed scan.
type StreamEvent struct {
	Progress *model.Progress
	Image    *model.Image
	Done     bool
	Err      error
}

// ScanStream is the client end of one scan call.
type ScanStream struct {
	c    *Client
	id   uint64
	call *call

	partial  *model.Image
	size     int
	finished bool

	cancelOnce sync.Once
	cancelErr  error
}

// ID is the call id, which doubles as the scan id on the wire.
func (s *ScanStream) ID() uint64 {
	return s.id
}

// Recv returns the next event. After the terminal event it returns io.EOF.
// Other errors mean the transport failed or ctx ended.
func (s *ScanStream) Recv(ctx context.Context) (StreamEvent, error) {
	for {
		if s.finished {
			return StreamEvent{}, io.EOF
		}

		var msg Message
		select {
		case msg = <-s.call.ch:
		default:
			select {
			case <-ctx.Done():
				return StreamEvent{}, ctx.Err()
			case <-s.c.done:
				// messages queued before the connection died still count
				select {
				case msg = <-s.call.ch:
				default:
					return StreamEvent{}, s.c.err
				}
			case msg = <-s.call.ch:
			}
		}

		ev, ok, err := s.handle(ctx, msg)
		if err != nil {
			s.finished = true
			return StreamEvent{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (s *ScanStream) handle(ctx context.Context, msg Message) (StreamEvent, bool, error) {
	switch msg.Type {
	case TypeProgress:
		var p model.Progress
		if err := msg.decode(&p); err != nil {
			return StreamEvent{}, false, model.Wrap(model.KindRemoteError, err)
		}
		return StreamEvent{Progress: &p}, true, nil

	case TypeImage:
		var chunk ImageChunk
		if err := msg.decode(&chunk); err != nil {
			return StreamEvent{}, false, model.Wrap(model.KindRemoteError, err)
		}
		img, err := s.assemble(chunk)
		if err != nil || img == nil {
			return StreamEvent{}, false, err
		}
		return StreamEvent{Image: img}, true, nil

	case TypeComplete:
		s.finished = true
		if s.partial != nil {
			return StreamEvent{}, false, model.Errorf(model.KindRemoteError, "scan completed inside page %d", s.partial.Page)
		}
		return StreamEvent{Done: true}, true, nil

	case TypeError:
		s.finished = true
		return StreamEvent{Done: true, Err: remoteErr(ctx, msg)}, true, nil

	default:
		return StreamEvent{}, false, model.Errorf(model.KindRemoteError, "unexpected %s message in scan stream", msg.Type)
	}
}

// assemble collects chunks and returns the image once the last one arrived.
// The peer's Size is only trusted within MaxPage and the buffer grows with the
// data actually received.
func (s *ScanStream) assemble(chunk ImageChunk) (*model.Image, error) {
	if chunk.Size < 0 || chunk.Size > MaxPage {
		return nil, model.Errorf(model.KindRemoteError, "page %d announces %d bytes, limit %d", chunk.Page, chunk.Size, MaxPage)
	}
	if len(chunk.Data) > MaxChunk {
		return nil, model.Errorf(model.KindRemoteError, "page %d: chunk of %d bytes, limit %d", chunk.Page, len(chunk.Data), MaxChunk)
	}
	if s.partial == nil {
		if chunk.Offset != 0 {
			return nil, model.Errorf(model.KindRemoteError, "page %d starts at offset %d", chunk.Page, chunk.Offset)
		}
		s.partial = &model.Image{
			Page:        chunk.Page,
			PixelFormat: chunk.PixelFormat,
			Width:       chunk.Width,
			Height:      chunk.Height,
			Transforms:  chunk.Transforms,
			Data:        make([]byte, 0, min(chunk.Size, MaxChunk)),
		}
		s.size = chunk.Size
	}
	img := s.partial
	if chunk.Page != img.Page || chunk.Offset != len(img.Data) {
		return nil, model.Errorf(model.KindRemoteError, "out of order chunk: page %d offset %d, expected page %d offset %d",
			chunk.Page, chunk.Offset, img.Page, len(img.Data))
	}
	if chunk.Size != s.size || len(img.Data)+len(chunk.Data) > s.size {
		return nil, model.Errorf(model.KindRemoteError, "page %d: data exceeds announced %d bytes", img.Page, s.size)
	}
	img.Data = append(img.Data, chunk.Data...)
	if !chunk.Last {
		return nil, nil
	}
	s.partial = nil
	if len(img.Data) != chunk.Size {
		return nil, model.Errorf(model.KindRemoteError, "page %d: got %d bytes, announced %d", img.Page, len(img.Data), chunk.Size)
	}
	return img, nil
}

// Cancel asks the server to stop the scan. It sends at most one message and
// is a no-op once the stream finished.
func (s *ScanStream) Cancel() error {
	if s.finished {
		return nil
	}
	s.cancelOnce.Do(func() {
		s.cancelErr = s.c.send(s.id, TypeCancel, nil)
	})
	return s.cancelErr
}

// Close releases the stream. Messages still in flight are dropped.
func (s *ScanStream) Close() {
	s.c.forget(s.id, s.call)
}
