package controller

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/scanbridge/internal/bridge"
	"github.com/CZERTAINLY/scanbridge/internal/log"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

type EventType string

const (
	PageStarted  EventType = "page_started"
	PageProgress EventType = "page_progress"
	PageDone     EventType = "page_done"
	ScanFailed   EventType = "scan_failed"
	// ScanEnded is always the last event of a scan.
	ScanEnded EventType = "scan_ended"
)

// Event reports scan progress to observers.
type Event struct {
	Type     EventType
	ScanID   string
	Page     int
	Fraction float64
	Image    *model.Image // PageDone
	Err      error        // ScanFailed, ScanEnded
}

// Recorder stores delivered pages. A failing recorder ends the scan.
type Recorder interface {
	Record(ctx context.Context, scanID string, img model.Image) error
}

type ScanOption func(*scanConfig)

type scanConfig struct {
	events   func(Event)
	recorder Recorder
}

// WithEvents registers fn for scan events. It is called from the scan
// goroutine and must not block for long.
func WithEvents(fn func(Event)) ScanOption {
	return func(c *scanConfig) { c.events = fn }
}

func WithRecorder(r Recorder) ScanOption {
	return func(c *scanConfig) { c.recorder = r }
}

// Scan is one running scan request.
type Scan struct {
	id     string
	ctx    context.Context
	images chan model.Image
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error // valid once done is closed
}

// Scan validates and routes opts and starts the scan. Routing and option
// errors are returned here, everything later ends the image sequence.
func (c *Controller) Scan(ctx context.Context, opts model.ScanOptions, sopts ...ScanOption) (*Scan, error) {
	var cfg scanConfig
	for _, o := range sopts {
		o(&cfg)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()
	b, err := c.Route(opts)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(log.Scan(ctx, id))
	s := &Scan{
		id:     id,
		ctx:    ctx,
		images: make(chan model.Image),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	slog.InfoContext(ctx, "scan started", "driver", opts.Driver, "device", opts.DeviceID, "bridge", fmt.Sprintf("%T", b))
	go s.run(ctx, b, opts, cfg)
	return s, nil
}

func (s *Scan) ID() string {
	return s.id
}

// Cancel asks the scan to stop. It may be called any number of times, also
// after the scan ended.
func (s *Scan) Cancel() {
	s.cancel(model.ErrCancelled)
}

// Done is closed once the scan ended and no more images will be delivered.
func (s *Scan) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the scan ended and returns its terminal error. Images
// not consumed by then are dropped.
func (s *Scan) Wait() error {
	for range s.images {
	}
	<-s.done
	return s.err
}

// Images yields the pages in order. A failed scan ends with one pair holding
// the error; breaking out of the loop cancels the scan.
func (s *Scan) Images() iter.Seq2[model.Image, error] {
	return func(yield func(model.Image, error) bool) {
		for img := range s.images {
			if s.ctx.Err() != nil {
				// raced with Cancel
				continue
			}
			if !yield(img, nil) {
				s.Cancel()
				_ = s.Wait()
				return
			}
		}
		<-s.done
		if s.err != nil {
			yield(model.Image{}, s.err)
		}
	}
}

func (s *Scan) run(ctx context.Context, b bridge.Bridge, opts model.ScanOptions, cfg scanConfig) {
	sink := &scanSink{scan: s, ctx: ctx, cfg: cfg}
	err := b.Scan(ctx, opts, sink)
	if sink.recordErr != nil {
		err = sink.recordErr
	}

	if err != nil {
		sink.emit(Event{Type: ScanFailed, Err: err})
		slog.InfoContext(ctx, "scan ended", "pages", sink.pages, "error", err)
	} else {
		slog.InfoContext(ctx, "scan completed", "pages", sink.pages)
	}
	s.err = err
	close(s.images)
	sink.emit(Event{Type: ScanEnded, Err: err})
	close(s.done)
	s.cancel(context.Canceled)
}

// scanSink turns bridge output into events and the image channel.
type scanSink struct {
	scan *Scan
	ctx  context.Context
	cfg  scanConfig

	mx        sync.Mutex
	page      int
	pages     int
	recordErr error
}

func (k *scanSink) emit(ev Event) {
	if k.cfg.events == nil {
		return
	}
	ev.ScanID = k.scan.id
	k.cfg.events(ev)
}

func (k *scanSink) startPage(page int) {
	if page != k.page {
		k.page = page
		k.emit(Event{Type: PageStarted, Page: page})
	}
}

func (k *scanSink) Progress(p model.Progress) {
	k.mx.Lock()
	defer k.mx.Unlock()
	if k.ctx.Err() != nil {
		return
	}
	k.startPage(p.Page)
	k.emit(Event{Type: PageProgress, Page: p.Page, Fraction: p.Fraction})
}

func (k *scanSink) Image(img model.Image) {
	k.mx.Lock()
	defer k.mx.Unlock()
	if k.ctx.Err() != nil {
		return
	}
	if k.cfg.recorder != nil {
		if err := k.cfg.recorder.Record(k.ctx, k.scan.id, img); err != nil {
			k.recordErr = fmt.Errorf("recording page %d: %w", img.Page, err)
			k.scan.cancel(k.recordErr)
			return
		}
	}
	select {
	case <-k.ctx.Done():
		return
	case k.scan.images <- img:
	}
	if k.ctx.Err() != nil {
		return
	}
	k.startPage(img.Page)
	k.pages++
	k.emit(Event{Type: PageDone, Page: img.Page, Image: &img})
}
