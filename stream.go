package main

import (
	"bytes"
	"image/jpeg"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/camera"
)

const (
	STREAM_QUEUE        = 2
	STREAM_WRITE_WAIT   = time.Second
	STREAM_JPEG_QUALITY = 80
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// viewers counts the websocket clients of every camera, the stream stops with the last one.
var viewers = struct {
	sync.Mutex
	count map[string]int
}{count: make(map[string]int)}

func joinStream(cam camera.Camera) error {
	viewers.Lock()
	defer viewers.Unlock()
	if viewers.count[cam.Name()] == 0 && !cam.IsStreaming() {
		if err := cam.StartStream(0); err != nil {
			return err
		}
	}
	viewers.count[cam.Name()]++
	return nil
}

func leaveStream(cam camera.Camera) {
	viewers.Lock()
	defer viewers.Unlock()
	viewers.count[cam.Name()]--
	if viewers.count[cam.Name()] <= 0 {
		delete(viewers.count, cam.Name())
		cam.StopStream()
	}
}

// CameraStreamHandler sends the frames of a camera as JPEG binary messages. The optional query
// parameter quality sets the JPEG quality.
func CameraStreamHandler(w http.ResponseWriter, r *http.Request) {
	cam, err := ENV.Device.Camera(chi.URLParam(r, "name"))
	if err != nil {
		render.Render(w, r, ErrNotFound)
		return
	}
	quality := STREAM_JPEG_QUALITY
	if q, err := strconv.Atoi(r.URL.Query().Get("quality")); err == nil && q > 0 && q <= 100 {
		quality = q
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("upgrade failed")
		return
	}
	defer conn.Close()
	clog := log.WithFields(logrus.Fields{"camera": cam.Name(), "remote": r.RemoteAddr})

	if err := joinStream(cam); err != nil {
		clog.WithError(err).Error("unable to start stream")
		return
	}
	defer leaveStream(cam)

	queue := camera.NewFrameQueue(STREAM_QUEUE)
	cam.ConnectToStream(queue)
	defer cam.DisconnectFromStream(queue)

	// the client only talks to close the connection
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	clog.Info("stream client connected")
	var buf bytes.Buffer
	for {
		select {
		case <-closed:
			clog.Info("stream client disconnected")
			return
		case frame := <-queue.C:
			buf.Reset()
			if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
				clog.WithError(err).Warn("encoding frame failed")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(STREAM_WRITE_WAIT))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
				clog.WithError(err).Info("write failed")
				return
			}
		}
	}
}
