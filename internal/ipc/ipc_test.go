package ipc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHandler scans `pages` pages, optionally blocking on each page until
// ctx ends.
type fakeHandler struct {
	mx       sync.Mutex
	init     *ipc.InitRequest
	devices  []model.ScanDevice
	pages    int
	pageSize int
	block    bool
	started  chan struct{}
	err      error
}

func (h *fakeHandler) Init(_ context.Context, req ipc.InitRequest) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.init = &req
	return nil
}

func (h *fakeHandler) GetDeviceList(context.Context, model.ScanOptions) ([]model.ScanDevice, error) {
	return h.devices, h.err
}

func (h *fakeHandler) Scan(ctx context.Context, _ model.ScanOptions, sink model.Sink) error {
	if h.err != nil {
		return h.err
	}
	for page := 1; page <= h.pages; page++ {
		sink.Progress(model.Progress{Page: page, Fraction: 0})
		sink.Progress(model.Progress{Page: page, Fraction: 1})
		sink.Image(model.Image{
			Page:        page,
			PixelFormat: model.PixelGray8,
			Width:       1,
			Height:      1,
			Data:        bytes.Repeat([]byte{byte(page)}, max(h.pageSize, 1)),
		})
		if h.block {
			if h.started != nil && page == 1 {
				close(h.started)
			}
			<-ctx.Done()
			return ctx.Err()
		}
	}
	return nil
}

func pipe(t *testing.T, h ipc.Handler) *ipc.Client {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	srv := ipc.NewServer(h, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.ServeCodec(ctx, ipc.NewStreamCodec(srvConn))
	}()
	client := ipc.NewClient(ipc.NewStreamCodec(cliConn))
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		wg.Wait()
	})
	return client
}

func collect(t *testing.T, stream *ipc.ScanStream) (events []ipc.StreamEvent) {
	t.Helper()
	for {
		ev, err := stream.Recv(t.Context())
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDeviceList(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		client := pipe(t, &fakeHandler{})
		devices, err := client.GetDeviceList(t.Context(), model.ScanOptions{Driver: model.DriverSim})
		require.NoError(t, err)
		require.NotNil(t, devices)
		require.Empty(t, devices)
	})
	t.Run("devices", func(t *testing.T) {
		want := []model.ScanDevice{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}
		client := pipe(t, &fakeHandler{devices: want})
		devices, err := client.GetDeviceList(t.Context(), model.ScanOptions{Driver: model.DriverSim})
		require.NoError(t, err)
		require.Equal(t, want, devices)
	})
	t.Run("error", func(t *testing.T) {
		client := pipe(t, &fakeHandler{err: model.Errorf(model.KindDriverUnsupported, "nope")})
		_, err := client.GetDeviceList(t.Context(), model.ScanOptions{Driver: model.DriverSim})
		require.ErrorIs(t, err, model.ErrDriverUnsupported)
	})
}

func TestInitAndPing(t *testing.T) {
	h := &fakeHandler{}
	client := pipe(t, h)
	require.NoError(t, client.Ping(t.Context()))
	req := ipc.InitRequest{TempDir: "/tmp/x", OCR: model.OCR{Enabled: true, Language: "ces"}}
	require.NoError(t, client.Init(t.Context(), req))
	h.mx.Lock()
	defer h.mx.Unlock()
	require.Equal(t, &req, h.init)
}

func TestScanOrdering(t *testing.T) {
	client := pipe(t, &fakeHandler{pages: 5})
	stream, err := client.Scan(t.Context(), model.ScanOptions{Driver: model.DriverSim})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	events := collect(t, stream)
	require.Len(t, events, 5*3+1)

	var pages []int
	lastProgress := 0
	for _, ev := range events[:len(events)-1] {
		switch {
		case ev.Progress != nil:
			lastProgress = ev.Progress.Page
		case ev.Image != nil:
			require.Equal(t, lastProgress, ev.Image.Page, "progress must precede its image")
			pages = append(pages, ev.Image.Page)
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, pages)
	last := events[len(events)-1]
	require.True(t, last.Done)
	require.NoError(t, last.Err)

	// cancel after completion is a no-op
	require.NoError(t, stream.Cancel())
}

func TestScanChunking(t *testing.T) {
	size := 2*ipc.MaxChunk + 17
	client := pipe(t, &fakeHandler{pages: 2, pageSize: size})
	stream, err := client.Scan(t.Context(), model.ScanOptions{Driver: model.DriverSim})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	var images []model.Image
	for _, ev := range collect(t, stream) {
		if ev.Image != nil {
			images = append(images, *ev.Image)
		}
	}
	require.Len(t, images, 2)
	for i, img := range images {
		require.Len(t, img.Data, size)
		require.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, size), img.Data)
	}
}

func TestScanErrorRoundTrip(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want error
	}{
		{"offline", model.Errorf(model.KindDeviceOffline, "printer is asleep"), model.ErrDeviceOffline},
		{"not found", model.ErrDeviceNotFound, model.ErrDeviceNotFound},
		{"duplex", model.Wrap(model.KindDuplexUnsupported, errors.New("simplex only")), model.ErrDuplexUnsupported},
		{"unclassified", errors.New("E_FAIL 0x80004005"), model.ErrRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := pipe(t, &fakeHandler{err: tt.err})
			stream, err := client.Scan(t.Context(), model.ScanOptions{Driver: model.DriverSim})
			require.NoError(t, err)
			t.Cleanup(stream.Close)

			events := collect(t, stream)
			require.Len(t, events, 1)
			require.True(t, events[0].Done)
			require.ErrorIs(t, events[0].Err, tt.want)
		})
	}
}

func TestScanCancel(t *testing.T) {
	h := &fakeHandler{pages: 3, block: true, started: make(chan struct{})}
	client := pipe(t, h)
	stream, err := client.Scan(t.Context(), model.ScanOptions{Driver: model.DriverSim})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	<-h.started
	require.NoError(t, stream.Cancel())
	require.NoError(t, stream.Cancel())

	var images, terminals int
	var terminal error
	for _, ev := range collect(t, stream) {
		switch {
		case ev.Image != nil:
			images++
		case ev.Done:
			terminals++
			terminal = ev.Err
		}
	}
	require.Equal(t, 1, images)
	require.Equal(t, 1, terminals)
	require.ErrorIs(t, terminal, model.ErrCancelled)

	// the connection survives a cancelled scan
	require.NoError(t, client.Ping(t.Context()))
}

// rawPeer answers the first scan call with the given image chunks.
func rawPeer(t *testing.T, chunks ...ipc.ImageChunk) *ipc.Client {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	srv := ipc.NewStreamCodec(srvConn)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		msg, err := srv.Read()
		if err != nil {
			return
		}
		for _, chunk := range chunks {
			body, err := json.Marshal(chunk)
			if err != nil {
				return
			}
			if err := srv.Write(ipc.Message{ID: msg.ID, Type: ipc.TypeImage, Body: body}); err != nil {
				return
			}
		}
		// drain until the client hangs up
		for {
			if _, err := srv.Read(); err != nil {
				return
			}
		}
	}()
	client := ipc.NewClient(ipc.NewStreamCodec(cliConn))
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
		wg.Wait()
	})
	return client
}

func TestScanMalformedChunk(t *testing.T) {
	var testCases = []struct {
		scenario string
		chunks   []ipc.ImageChunk
	}{
		{
			scenario: "negative size",
			chunks:   []ipc.ImageChunk{{Page: 1, Size: -1, Last: true}},
		},
		{
			scenario: "size over limit",
			chunks:   []ipc.ImageChunk{{Page: 1, Size: ipc.MaxPage + 1, Data: []byte{1}}},
		},
		{
			scenario: "negative offset",
			chunks: []ipc.ImageChunk{
				{Page: 1, Size: 4, Data: []byte{1, 2}},
				{Page: 1, Size: 4, Offset: -1, Data: []byte{3, 4}, Last: true},
			},
		},
		{
			scenario: "more data than announced",
			chunks:   []ipc.ImageChunk{{Page: 1, Size: 2, Data: []byte{1, 2, 3, 4}, Last: true}},
		},
		{
			scenario: "size changes mid page",
			chunks: []ipc.ImageChunk{
				{Page: 1, Size: 2, Data: []byte{1}},
				{Page: 1, Size: 8, Offset: 1, Data: []byte{2, 3, 4}},
			},
		},
		{
			scenario: "oversized chunk",
			chunks:   []ipc.ImageChunk{{Page: 1, Size: ipc.MaxChunk + 1, Data: make([]byte, ipc.MaxChunk+1), Last: true}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			client := rawPeer(t, tc.chunks...)
			stream, err := client.Scan(t.Context(), model.ScanOptions{Driver: model.DriverSim})
			require.NoError(t, err)
			t.Cleanup(stream.Close)

			var recvErr error
			require.NotPanics(t, func() {
				_, recvErr = stream.Recv(t.Context())
			})
			require.Error(t, recvErr)
			require.Equal(t, model.KindRemoteError, model.KindOf(recvErr))

			_, err = stream.Recv(t.Context())
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestConnectionLost(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	client := ipc.NewClient(ipc.NewStreamCodec(cliConn))
	t.Cleanup(func() { _ = client.Close() })

	_ = srvConn.Close()
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not notice the closed connection")
	}
	require.ErrorIs(t, client.Err(), model.ErrChannelBroken)
	require.True(t, model.IsTransport(client.Err()))

	_, err := client.Scan(t.Context(), model.ScanOptions{Driver: model.DriverSim})
	require.ErrorIs(t, err, model.ErrChannelBroken)
	require.ErrorIs(t, client.Ping(t.Context()), model.ErrChannelBroken)
}

func TestHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("uses a unix socket")
	}
	dir, err := os.MkdirTemp("", "sbipc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	endpoint := filepath.Join(dir, "w.sock")

	key, err := ipc.NewKey()
	require.NoError(t, err)
	ln, err := ipc.Listen(endpoint)
	require.NoError(t, err)

	srv := ipc.NewServer(&fakeHandler{pages: 1}, key)
	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	t.Run("valid key", func(t *testing.T) {
		client, err := ipc.Dial(t.Context(), endpoint, key)
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		require.Equal(t, os.Getpid(), client.PID())
		require.NoError(t, client.Ping(t.Context()))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := ipc.NewKey()
		require.NoError(t, err)
		_, err = ipc.Dial(t.Context(), endpoint, other)
		require.Error(t, err)
		require.ErrorIs(t, err, ipc.ErrAuth)
		require.True(t, model.IsTransport(err))
	})

	t.Run("stop", func(t *testing.T) {
		client, err := ipc.Dial(t.Context(), endpoint, key)
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		require.NoError(t, client.Stop(t.Context()))
		select {
		case <-srv.Stopped():
		case <-time.After(time.Second):
			t.Fatal("server not stopped")
		}
	})
}

func TestKeyEncoding(t *testing.T) {
	key, err := ipc.NewKey()
	require.NoError(t, err)
	decoded, err := ipc.DecodeKey(ipc.EncodeKey(key))
	require.NoError(t, err)
	require.Equal(t, key, decoded)

	_, err = ipc.DecodeKey("abcd")
	require.Error(t, err)
	_, err = ipc.DecodeKey("zz")
	require.Error(t, err)
}
