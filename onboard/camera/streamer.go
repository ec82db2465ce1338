package camera

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// Source acquires single frames from camera hardware or a simulation.
type Source interface {
	Resolution() (width, height int)
	Capture(exposure, gain float64) (*image.Gray, error)
}

// Streamer implements Camera for any Source. It owns the stream goroutine and the handler set.
type Streamer struct {
	name   string
	source Source
	fps    float64
	log    *logrus.Entry

	lock     sync.Mutex
	exposure float64
	gain     float64
	handlers map[Handler]struct{}
	stop     chan struct{}
	done     chan struct{}
	recorder *Recorder
}

func NewStreamer(name string, source Source, fps float64, log *logrus.Entry) *Streamer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if fps <= 0 {
		fps = DEFAULT_FPS
	}
	return &Streamer{
		name:     name,
		source:   source,
		fps:      fps,
		log:      log.WithFields(logrus.Fields{"component": "camera", "camera": name}),
		exposure: 1,
		gain:     1,
		handlers: make(map[Handler]struct{}),
	}
}

func (s *Streamer) Name() string {
	return s.name
}

func (s *Streamer) Resolution() (int, int) {
	return s.source.Resolution()
}

func (s *Streamer) SetExposure(exposure float64) error {
	if exposure <= 0 {
		return merrors.CameraError{Camera: s.name, Reason: fmt.Sprintf("exposure must be positive, got %g", exposure)}
	}
	s.lock.Lock()
	s.exposure = exposure
	s.lock.Unlock()
	return nil
}

func (s *Streamer) Exposure() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.exposure
}

func (s *Streamer) SetGain(gain float64) error {
	if gain <= 0 {
		return merrors.CameraError{Camera: s.name, Reason: fmt.Sprintf("gain must be positive, got %g", gain)}
	}
	s.lock.Lock()
	s.gain = gain
	s.lock.Unlock()
	return nil
}

func (s *Streamer) Gain() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.gain
}

func (s *Streamer) capture() (*image.Gray, error) {
	s.lock.Lock()
	exposure, gain := s.exposure, s.gain
	s.lock.Unlock()
	return s.source.Capture(exposure, gain)
}

func (s *Streamer) StartStream(delay time.Duration) error {
	if delay <= 0 {
		delay = time.Duration(float64(time.Second) / s.fps)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.streamLoop(delay, s.stop, s.done)
	s.log.WithField("period", delay).Info("stream started")
	return nil
}

func (s *Streamer) streamLoop(delay time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frame, err := s.capture()
		if err != nil {
			s.log.WithField("error", err).Warn("frame acquisition failed")
			continue
		}
		s.newFrameEvent(frame)
	}
}

// newFrameEvent fans a frame out to a snapshot of the handler set, outside the lock.
func (s *Streamer) newFrameEvent(frame *image.Gray) {
	s.lock.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.lock.Unlock()

	for _, h := range handlers {
		h.HandleFrame(cloneFrame(frame))
	}
}

func (s *Streamer) StopStream() {
	s.lock.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.lock.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.log.Info("stream stopped")
}

func (s *Streamer) IsStreaming() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stop != nil
}

func (s *Streamer) GetFrame(timeout time.Duration) (*image.Gray, error) {
	if !s.IsStreaming() {
		return s.capture()
	}

	q := NewFrameQueue(1)
	s.ConnectToStream(q)
	defer s.DisconnectFromStream(q)

	select {
	case frame := <-q.C:
		return frame, nil
	case <-time.After(timeout):
		return nil, merrors.CameraError{Camera: s.name, Reason: fmt.Sprintf("no frame within %v", timeout)}
	}
}

func (s *Streamer) ConnectToStream(h Handler) {
	s.lock.Lock()
	s.handlers[h] = struct{}{}
	s.lock.Unlock()
}

func (s *Streamer) DisconnectFromStream(h Handler) {
	s.lock.Lock()
	delete(s.handlers, h)
	s.lock.Unlock()
}

func (s *Streamer) StartVideoRecord(path string, fps float64, startStream bool) error {
	if fps <= 0 {
		fps = s.fps
	}
	width, height := s.Resolution()

	s.lock.Lock()
	if s.recorder != nil {
		s.lock.Unlock()
		return merrors.CameraError{Camera: s.name, Reason: "already recording"}
	}
	s.lock.Unlock()

	recorder, err := NewRecorder(path, width, height, fps, s.log)
	if err != nil {
		return err
	}

	s.lock.Lock()
	if s.recorder != nil {
		s.lock.Unlock()
		recorder.Close()
		return merrors.CameraError{Camera: s.name, Reason: "already recording"}
	}
	s.recorder = recorder
	s.lock.Unlock()
	s.ConnectToStream(recorder)

	if startStream {
		return s.StartStream(0)
	}
	return nil
}

func (s *Streamer) StopVideoRecord() error {
	s.lock.Lock()
	recorder := s.recorder
	s.recorder = nil
	s.lock.Unlock()

	if recorder == nil {
		return nil
	}
	s.DisconnectFromStream(recorder)
	return recorder.Close()
}
