package camera

import (
	"bytes"
	"image"
	"image/jpeg"
	"math"
	"sync"

	"github.com/icza/mjpeg"
	"github.com/sirupsen/logrus"
)

const (
	RECORDER_QUEUE = 16
	JPEG_QUALITY   = 90
)

// Recorder is a stream Handler writing frames into a Motion-JPEG AVI file on its own goroutine.
type Recorder struct {
	path   string
	writer mjpeg.AviWriter
	log    *logrus.Entry

	lock   sync.Mutex
	closed bool
	frames chan *image.Gray
	done   chan error
}

func NewRecorder(path string, width, height int, fps float64, log *logrus.Entry) (*Recorder, error) {
	writer, err := mjpeg.New(path, int32(width), int32(height), int32(math.Max(1, math.Round(fps))))
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		path:   path,
		writer: writer,
		log:    log.WithField("video", path),
		frames: make(chan *image.Gray, RECORDER_QUEUE),
		done:   make(chan error, 1),
	}
	go r.run()
	r.log.Info("recording started")
	return r, nil
}

func (r *Recorder) run() {
	var buf bytes.Buffer
	var err error
	for frame := range r.frames {
		if err != nil {
			continue
		}
		buf.Reset()
		if err = jpeg.Encode(&buf, frame, &jpeg.Options{Quality: JPEG_QUALITY}); err != nil {
			r.log.WithField("error", err).Error("frame encoding failed")
			continue
		}
		if err = r.writer.AddFrame(buf.Bytes()); err != nil {
			r.log.WithField("error", err).Error("frame write failed")
		}
	}
	if closeErr := r.writer.Close(); err == nil {
		err = closeErr
	}
	r.done <- err
}

// HandleFrame queues a frame; frames arriving while the queue is full are dropped.
func (r *Recorder) HandleFrame(frame *image.Gray) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return
	}
	select {
	case r.frames <- frame:
	default:
		r.log.Debug("frame dropped")
	}
}

// Close flushes the queue and finalizes the file.
func (r *Recorder) Close() error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.closed = true
	close(r.frames)
	r.lock.Unlock()

	err := <-r.done
	r.log.Info("recording stopped")
	return err
}
