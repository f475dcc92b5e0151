package ipc

import (
	"errors"
	"fmt"
	"os"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// ErrorEnvelope is the serialized form of an error. Diagnostic is opaque and
// only meant for logs on the receiving side.
type ErrorEnvelope struct {
	Kind       model.Kind `json:"kind"`
	Message    string     `json:"message"`
	Diagnostic string     `json:"diagnostic,omitempty"`
}

// Envelope classifies err against the taxonomy.
func Envelope(err error) ErrorEnvelope {
	kind := model.KindOf(err)
	msg := err.Error()
	var e *model.Error
	if errors.As(err, &e) && e.Kind == kind {
		switch {
		case e.Message != "":
			msg = e.Message
		case e.Err != nil:
			msg = e.Err.Error()
		default:
			msg = string(kind)
		}
	}
	return ErrorEnvelope{
		Kind:       kind,
		Message:    msg,
		Diagnostic: fmt.Sprintf("pid=%d type=%T error=%+v", os.Getpid(), err, err),
	}
}

// Err rebuilds a local error. Kinds outside the taxonomy become
// model.KindRemoteError; the remote stack is never trusted.
func (e ErrorEnvelope) Err() error {
	kind := e.Kind
	if !kind.Known() {
		kind = model.KindRemoteError
		if e.Kind != model.KindUnclassified && e.Kind != "" {
			return &model.Error{Kind: kind, Message: fmt.Sprintf("%s (remote kind %q)", e.Message, e.Kind)}
		}
	}
	return &model.Error{Kind: kind, Message: e.Message}
}
