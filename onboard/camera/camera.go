// Package camera defines the streaming camera contract and a Streamer that implements it on top of
// a frame Source.
package camera

import (
	"image"
	"time"
)

const (
	DEFAULT_WIDTH  = 2048
	DEFAULT_HEIGHT = 1088
	DEFAULT_FPS    = 10
)

type Camera interface {
	Name() string
	Resolution() (width, height int)
	SetExposure(exposure float64) error
	Exposure() float64
	SetGain(gain float64) error
	Gain() float64

	// StartStream acquires frames continuously, one every delay (0 selects the configured fps).
	StartStream(delay time.Duration) error
	StopStream()
	IsStreaming() bool
	// GetFrame waits for the next frame while streaming and triggers an acquisition otherwise.
	GetFrame(timeout time.Duration) (*image.Gray, error)

	ConnectToStream(h Handler)
	DisconnectFromStream(h Handler)

	StartVideoRecord(path string, fps float64, startStream bool) error
	StopVideoRecord() error
}

// Handler receives every streamed frame. Each call gets its own copy. Implementations must be
// comparable (usually pointers) since handlers are kept in a set, and must return within one frame period
// or frames are dropped.
type Handler interface {
	HandleFrame(frame *image.Gray)
}

// FrameQueue is a Handler buffering the latest frames on a channel. When full, new frames are dropped.
type FrameQueue struct {
	C chan *image.Gray
}

func NewFrameQueue(size int) *FrameQueue {
	return &FrameQueue{C: make(chan *image.Gray, size)}
}

func (q *FrameQueue) HandleFrame(frame *image.Gray) {
	select {
	case q.C <- frame:
	default:
	}
}

func cloneFrame(frame *image.Gray) *image.Gray {
	out := &image.Gray{
		Pix:    make([]uint8, len(frame.Pix)),
		Stride: frame.Stride,
		Rect:   frame.Rect,
	}
	copy(out.Pix, frame.Pix)
	return out
}
