// Package ipc is the channel between a scan controller and a worker process.
//
// Every frame is a Message. Calls are correlated by Message.ID which the
// caller picks:
//
//	client                          server
//	  | hello <-------------------------| nonce
//	  | auth  ------------------------->| blake3 keyed MAC of nonce
//	  | welcome <-----------------------| worker pid
//	  |                                 |
//	  | init/devices/ping/stop {id} --->|
//	  | <--------------- result|error {id}
//	  |                                 |
//	  | scan {id} --------------------->|
//	  | <----------- progress {id} ...  |
//	  | <-------------- image {id} ...  | chunked, page order
//	  | cancel {id} ------------------->| out of band, late cancel is a no-op
//	  | <---------- complete|error {id} | exactly one terminal message
//
// Bodies are JSON, so the same envelopes travel over unix sockets, Windows
// named pipes and websockets.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

type Type string

const (
	TypeHello   Type = "hello"
	TypeAuth    Type = "auth"
	TypeWelcome Type = "welcome"

	TypeInit    Type = "init"
	TypeDevices Type = "devices"
	TypePing    Type = "ping"
	TypeStop    Type = "stop"
	TypeResult  Type = "result"

	TypeScan     Type = "scan"
	TypeProgress Type = "progress"
	TypeImage    Type = "image"
	TypeComplete Type = "complete"
	TypeCancel   Type = "cancel"

	// TypeError ends a unary call or a scan stream.
	TypeError Type = "error"
)

// Message is the only thing crossing the process boundary.
type Message struct {
	ID   uint64          `json:"id"`
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func newMessage(id uint64, typ Type, body any) (Message, error) {
	msg := Message{ID: id, Type: typ}
	if body == nil {
		return msg, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s body: %w", typ, err)
	}
	msg.Body = raw
	return msg, nil
}

func (m Message) decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%s message %d has no body", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", m.Type, err)
	}
	return nil
}

// terminal reports whether m ends a call.
func (m Message) terminal() bool {
	switch m.Type {
	case TypeResult, TypeComplete, TypeError:
		return true
	}
	return false
}

type Hello struct {
	Nonce []byte `json:"nonce"`
	PID   int    `json:"pid"`
}

type Auth struct {
	MAC []byte `json:"mac"`
}

type Welcome struct {
	PID int `json:"pid"`
}

// InitRequest carries collaborator configuration a worker needs before the
// first scan.
type InitRequest struct {
	TempDir     string    `json:"temp_dir,omitempty"`
	RecoveryDir string    `json:"recovery_dir,omitempty"`
	OCR         model.OCR `json:"ocr"`
}

type DeviceListRequest struct {
	Options model.ScanOptions `json:"options"`
}

type DeviceListResponse struct {
	Devices []model.ScanDevice `json:"devices"`
}

type ScanRequest struct {
	Options model.ScanOptions `json:"options"`
}

// ImageChunk is one slice of a page image. Metadata is repeated in every
// chunk; Offset and Last drive reassembly.
type ImageChunk struct {
	Page        int               `json:"page"`
	PixelFormat model.PixelFormat `json:"pixel_format"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Transforms  []string          `json:"transforms,omitempty"`
	Size        int               `json:"size"`
	Offset      int               `json:"offset"`
	Last        bool              `json:"last"`
	Data        []byte            `json:"data"`
}

type ScanComplete struct {
	Pages int `json:"pages"`
}

// MaxChunk bounds the payload of one ImageChunk.
const MaxChunk = 256 << 10

// MaxPage bounds the announced size of one page image.
const MaxPage = 1 << 30

// chunks splits img into ImageChunks of at most MaxChunk bytes.
func chunks(img model.Image) []ImageChunk {
	n := max((len(img.Data)+MaxChunk-1)/MaxChunk, 1)
	ret := make([]ImageChunk, 0, n)
	for i := range n {
		lo := i * MaxChunk
		hi := min(lo+MaxChunk, len(img.Data))
		ret = append(ret, ImageChunk{
			Page:        img.Page,
			PixelFormat: img.PixelFormat,
			Width:       img.Width,
			Height:      img.Height,
			Transforms:  img.Transforms,
			Size:        len(img.Data),
			Offset:      lo,
			Last:        i == n-1,
			Data:        img.Data[lo:hi],
		})
	}
	return ret
}
