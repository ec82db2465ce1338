// Package geometry relates motor coordinates in the sample plane to what the two cameras see.
package geometry

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

var ErrParallelCameras = errors.New("camera sight lines are parallel")

// CameraCoordinates rotates the motor X/Z plane into a camera frame. The camera images the frame's Z axis.
type CameraCoordinates struct {
	Angle    float64 // radians
	toCamera mgl64.Mat2
	toMotors mgl64.Mat2
}

func NewCameraCoordinates(angle float64) CameraCoordinates {
	return CameraCoordinates{
		Angle:    angle,
		toCamera: mgl64.Rotate2D(angle),
		toMotors: mgl64.Rotate2D(-angle),
	}
}

// MotorsToCamera maps motor (x, z) into the camera frame.
func (c CameraCoordinates) MotorsToCamera(x, z float64) (float64, float64) {
	v := c.toCamera.Mul2x1(mgl64.Vec2{x, z})
	return v[0], v[1]
}

// CameraToMotors maps camera frame (x', z') back to motor coordinates.
func (c CameraCoordinates) CameraToMotors(x, z float64) (float64, float64) {
	v := c.toMotors.Mul2x1(mgl64.Vec2{x, z})
	return v[0], v[1]
}

// Visible is the coordinate the camera can measure for a point at motor (x, z).
func (c CameraCoordinates) Visible(x, z float64) float64 {
	_, v := c.MotorsToCamera(x, z)
	return v
}

// Stereo holds the two camera frames: camera 1 at psi to the X motor axis, camera 2 at phi further.
type Stereo struct {
	Phi, Psi float64 // radians
	Camera1  CameraCoordinates
	Camera2  CameraCoordinates
}

// NewStereo takes the angles in degrees.
func NewStereo(phiDeg, psiDeg float64) Stereo {
	phi, psi := mgl64.DegToRad(phiDeg), mgl64.DegToRad(psiDeg)
	return Stereo{
		Phi:     phi,
		Psi:     psi,
		Camera1: NewCameraCoordinates(psi),
		Camera2: NewCameraCoordinates(phi + psi),
	}
}

// Project returns what each camera measures for motor coordinates (x, z).
func (s Stereo) Project(x, z float64) (v1, v2 float64) {
	return s.Camera1.Visible(x, z), s.Camera2.Visible(x, z)
}

// Reconstruct recovers motor (x, z) from the coordinates measured by both cameras.
func (s Stereo) Reconstruct(v1, v2 float64) (x, z float64, err error) {
	sin, cos := math.Sincos(s.Phi)
	if math.Abs(sin) < 1e-9 {
		return 0, 0, ErrParallelCameras
	}
	xc := (v2 - v1*cos) / sin
	x, z = s.Camera1.CameraToMotors(xc, v1)
	return x, z, nil
}

// Projection converts between display units in a camera frame and pixels.
type Projection struct {
	G      float64 // display units per pixel
	Offset float64 // display coordinate imaged on the frame center
	Width  int
	Height int
}

// ToPixel is the column showing camera coordinate v.
func (p Projection) ToPixel(v float64) float64 {
	return float64(p.Width)/2 + (v-p.Offset)/p.G
}

func (p Projection) FromPixel(px float64) float64 {
	return p.G*(px-float64(p.Width)/2) + p.Offset
}

// RowToPixel is the row showing height y. Rows grow downward.
func (p Projection) RowToPixel(y float64) float64 {
	return float64(p.Height)/2 - y/p.G
}

func (p Projection) RowFromPixel(py float64) float64 {
	return -p.G * (py - float64(p.Height)/2)
}
