package jetsim

import (
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/camera"
)

// CameraEmulator is a camera.Source taking its frames from a JetEmulator.
type CameraEmulator struct {
	jet    *JetEmulator
	camera int
}

func NewCameraEmulator(jet *JetEmulator, camera int) (*CameraEmulator, error) {
	if camera != 1 && camera != 2 {
		return nil, fmt.Errorf("camera index must be 1 or 2, got %d", camera)
	}
	return &CameraEmulator{jet: jet, camera: camera}, nil
}

func (c *CameraEmulator) Resolution() (int, int) {
	return c.jet.cfg.Width, c.jet.cfg.Height
}

func (c *CameraEmulator) Capture(exposure, gain float64) (*image.Gray, error) {
	return c.jet.Render(c.camera, exposure*gain)
}

// NewCamera wraps camera index of jet into a streaming camera.
func NewCamera(name string, jet *JetEmulator, index int, fps float64, log *logrus.Entry) (*camera.Streamer, error) {
	source, err := NewCameraEmulator(jet, index)
	if err != nil {
		return nil, err
	}
	return camera.NewStreamer(name, source, fps, log), nil
}
