package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// KeySize is the length of the key shared between pool and worker.
	KeySize = 32
	// EnvKey passes the hex encoded key to a worker process.
	EnvKey = "SCANBRIDGE_WORKER_KEY"

	HandshakeTimeout = 5 * time.Second
)

var ErrAuth = errors.New("ipc: authentication failed")

func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating ipc key: %w", err)
	}
	return key, nil
}

func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding ipc key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("ipc key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

func mac(key, nonce []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, err
	}
	_, _ = h.Write(nonce)
	return h.Sum(nil), nil
}

func serverHandshake(codec Codec, key []byte, pid int) error {
	nonce := make([]byte, KeySize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	hello, err := newMessage(0, TypeHello, Hello{Nonce: nonce, PID: pid})
	if err != nil {
		return err
	}
	if err := codec.Write(hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	msg, err := codec.Read()
	if err != nil {
		return fmt.Errorf("reading auth: %w", err)
	}
	if msg.Type != TypeAuth {
		return fmt.Errorf("%w: expected %s, got %s", ErrAuth, TypeAuth, msg.Type)
	}
	var auth Auth
	if err := msg.decode(&auth); err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	expected, err := mac(key, nonce)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, auth.MAC) {
		return ErrAuth
	}

	welcome, err := newMessage(0, TypeWelcome, Welcome{PID: pid})
	if err != nil {
		return err
	}
	return codec.Write(welcome)
}

// clientHandshake authenticates against a server and returns its pid.
func clientHandshake(codec Codec, key []byte) (int, error) {
	msg, err := codec.Read()
	if err != nil {
		return 0, fmt.Errorf("reading hello: %w", err)
	}
	if msg.Type != TypeHello {
		return 0, fmt.Errorf("%w: expected %s, got %s", ErrAuth, TypeHello, msg.Type)
	}
	var hello Hello
	if err := msg.decode(&hello); err != nil {
		return 0, err
	}
	sum, err := mac(key, hello.Nonce)
	if err != nil {
		return 0, err
	}
	auth, err := newMessage(0, TypeAuth, Auth{MAC: sum})
	if err != nil {
		return 0, err
	}
	if err := codec.Write(auth); err != nil {
		return 0, fmt.Errorf("sending auth: %w", err)
	}

	msg, err = codec.Read()
	if err != nil {
		// the server hangs up on a bad MAC
		return 0, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if msg.Type != TypeWelcome {
		return 0, fmt.Errorf("%w: expected %s, got %s", ErrAuth, TypeWelcome, msg.Type)
	}
	var welcome Welcome
	if err := msg.decode(&welcome); err != nil {
		return 0, err
	}
	return welcome.PID, nil
}
