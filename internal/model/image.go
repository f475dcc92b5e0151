package model

type PixelFormat string

const (
	PixelRGB24 PixelFormat = "rgb24"
	PixelGray8 PixelFormat = "gray8"
	PixelBW1   PixelFormat = "bw1"
)

// PixelFormatFor maps a requested bit depth onto the format drivers deliver.
func PixelFormatFor(d BitDepth) PixelFormat {
	switch d {
	case BitDepthGrayscale:
		return PixelGray8
	case BitDepthBW:
		return PixelBW1
	default:
		return PixelRGB24
	}
}

// Image is one scanned page. Data holds the PNG encoded page, Transforms the
// post-processing steps the driver asks for (e.g. "rotate:180").
type Image struct {
	Page        int         `json:"page"`
	PixelFormat PixelFormat `json:"pixel_format"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Transforms  []string    `json:"transforms,omitempty"`
	Data        []byte      `json:"-"`
}

// Progress reports how far along page Page is, Fraction in [0, 1].
type Progress struct {
	Page     int     `json:"page"`
	Fraction float64 `json:"fraction"`
}

// Sink receives scan output in order. Progress for page n precedes Image for
// page n. Implementations are called from a single goroutine.
type Sink interface {
	Progress(p Progress)
	Image(img Image)
}

// SinkFuncs adapts functions to a Sink. Nil fields are ignored.
type SinkFuncs struct {
	OnProgress func(Progress)
	OnImage    func(Image)
}

func (s SinkFuncs) Progress(p Progress) {
	if s.OnProgress != nil {
		s.OnProgress(p)
	}
}

func (s SinkFuncs) Image(img Image) {
	if s.OnImage != nil {
		s.OnImage(img)
	}
}
