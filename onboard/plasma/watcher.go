// Package plasma fuses the two camera views of the jet into motor coordinates, calibrates the optics and the
// laser focus, and keeps the plasma in place.
package plasma

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/camera"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/geometry"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/vision"
)

// Names of the motors the watcher drives.
const (
	JET_X   = "jet_x"
	JET_Z   = "jet_z"
	LASER_Z = "laser_z"
	LASER_Y = "laser_y"

	FRAME_TIMEOUT = 2 * time.Second
)

// Config describes the camera arrangement. Angles are in degrees, lengths and magnifications in display units.
type Config struct {
	Phi  float64 `yaml:"phi" json:"phi"`
	Psi  float64 `yaml:"psi" json:"psi"`
	JetD float64 `yaml:"jet_d" json:"jet_d"`
	G1   float64 `yaml:"g1" json:"g1"`
	G2   float64 `yaml:"g2" json:"g2"`
}

// Calibration is the state the calibration routines produce.
type Calibration struct {
	G1          float64 `json:"g1"`
	G2          float64 `json:"g2"`
	Offset1     float64 `json:"offset1"`
	Offset2     float64 `json:"offset2"`
	JettLaserDz float64 `json:"jett_laser_dz"`
	PlRMax      float64 `json:"pl_r_max"`
}

// Position is a point in motor display coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// Watcher observes the jet and the plasma with two cameras and moves them through the motors cluster.
type Watcher struct {
	cluster    *motors.Cluster
	cam1, cam2 camera.Camera
	jetX       *motors.Motor
	jetZ       *motors.Motor
	laserZ     *motors.Motor
	laserY     *motors.Motor
	stereo     geometry.Stereo
	jetD       float64
	width      int
	height     int
	log        *logrus.Entry

	lock  sync.RWMutex
	calib Calibration

	// dontMove is held by whichever routine is measuring and moving.
	dontMove sync.Mutex
}

func NewWatcher(cluster *motors.Cluster, cam1, cam2 camera.Camera, cfg Config, log *logrus.Entry) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w1, h1 := cam1.Resolution()
	w2, h2 := cam2.Resolution()
	if w1 != w2 || h1 != h2 {
		return nil, merrors.EquipmentError{Reason: fmt.Sprintf("camera resolutions differ: %dx%d and %dx%d", w1, h1, w2, h2)}
	}
	if cfg.JetD <= 0 {
		return nil, fmt.Errorf("jet diameter must be positive, got %g", cfg.JetD)
	}

	w := &Watcher{
		cluster: cluster,
		cam1:    cam1,
		cam2:    cam2,
		stereo:  geometry.NewStereo(cfg.Phi, cfg.Psi),
		jetD:    cfg.JetD,
		width:   w1,
		height:  h1,
		log:     log.WithField("component", "watcher"),
		calib:   Calibration{G1: cfg.G1, G2: cfg.G2},
	}
	for name, m := range map[string]**motors.Motor{JET_X: &w.jetX, JET_Z: &w.jetZ, LASER_Z: &w.laserZ, LASER_Y: &w.laserY} {
		motor, err := cluster.Motor(name)
		if err != nil {
			return nil, err
		}
		*m = motor
	}
	return w, nil
}

func (w *Watcher) Calibration() Calibration {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.calib
}

// Restore takes over a calibration stored earlier.
func (w *Watcher) Restore(c Calibration) error {
	if c.G1 <= 0 || c.G2 <= 0 {
		return fmt.Errorf("calibration needs positive magnifications, got %g and %g", c.G1, c.G2)
	}
	w.lock.Lock()
	w.calib = c
	w.lock.Unlock()
	w.log.WithFields(logrus.Fields{"g1": c.G1, "g2": c.G2, "jett_laser_dz": c.JettLaserDz, "pl_r_max": c.PlRMax}).Info("calibration restored")
	return nil
}

func (w *Watcher) update(f func(c *Calibration)) {
	w.lock.Lock()
	f(&w.calib)
	w.lock.Unlock()
}

func (w *Watcher) Stereo() geometry.Stereo {
	return w.stereo
}

func (w *Watcher) Cluster() *motors.Cluster {
	return w.cluster
}

// Projection of camera 1 or 2 under the current calibration.
func (w *Watcher) Projection(cam int) geometry.Projection {
	c := w.Calibration()
	if cam == 2 {
		return geometry.Projection{G: c.G2, Offset: c.Offset2, Width: w.width, Height: w.height}
	}
	return geometry.Projection{G: c.G1, Offset: c.Offset1, Width: w.width, Height: w.height}
}

func (w *Watcher) camera(cam int) camera.Camera {
	if cam == 2 {
		return w.cam2
	}
	return w.cam1
}

func (w *Watcher) coordinates(cam int) geometry.CameraCoordinates {
	if cam == 2 {
		return w.stereo.Camera2
	}
	return w.stereo.Camera1
}

func (w *Watcher) frame(cam int) (*image.Gray, error) {
	return w.camera(cam).GetFrame(FRAME_TIMEOUT)
}

// jetPixel finds the jet column on one camera.
func (w *Watcher) jetPixel(cam int) (float64, error) {
	frame, err := w.frame(cam)
	if err != nil {
		return 0, err
	}
	x, ok, err := vision.FindRay(frame, true)
	var noJet merrors.NoJetError
	if errors.As(err, &noJet) {
		return 0, merrors.NoJetError{Camera: w.camera(cam).Name()}
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, merrors.NoJetError{Camera: w.camera(cam).Name()}
	}
	return x, nil
}

// plasmaCircle finds the plasma on one camera. ok is false when none is visible.
func (w *Watcher) plasmaCircle(cam int) (c vision.Circle, ok bool, err error) {
	frame, err := w.frame(cam)
	if err != nil {
		return c, false, err
	}
	return vision.FindPlasma(frame, vision.PLASMA_THRESHOLD, false)
}

// JetPosition measures the jet axis in motor display coordinates from both cameras.
func (w *Watcher) JetPosition() (x, z float64, err error) {
	x1, err := w.jetPixel(1)
	if err != nil {
		return 0, 0, err
	}
	x2, err := w.jetPixel(2)
	if err != nil {
		return 0, 0, err
	}
	return w.stereo.Reconstruct(w.Projection(1).FromPixel(x1), w.Projection(2).FromPixel(x2))
}

// PlasmaPosition measures the plasma center and its radius in pixels of camera 1.
func (w *Watcher) PlasmaPosition() (p Position, r float64, err error) {
	c1, ok1, err := w.plasmaCircle(1)
	if err != nil {
		return p, 0, err
	}
	if !ok1 {
		return p, 0, merrors.NoPlasmaError{Camera: w.cam1.Name()}
	}
	c2, ok2, err := w.plasmaCircle(2)
	if err != nil {
		return p, 0, err
	}
	if !ok2 {
		return p, 0, merrors.NoPlasmaError{Camera: w.cam2.Name()}
	}

	p1 := w.Projection(1)
	p.X, p.Z, err = w.stereo.Reconstruct(p1.FromPixel(c1.X), w.Projection(2).FromPixel(c2.X))
	if err != nil {
		return p, 0, err
	}
	p.Y = p1.RowFromPixel(c1.Y)
	return p, c1.R, nil
}

// plasmaRadius is the plasma radius on camera 1, zero when no plasma is visible.
func (w *Watcher) plasmaRadius() (float64, error) {
	c, ok, err := w.plasmaCircle(1)
	if err != nil || !ok {
		return 0, err
	}
	return c.R, nil
}

// MoveJet shifts the jet by (dx, dz) in display units and waits for the motors.
func (w *Watcher) MoveJet(dx, dz float64) error {
	return w.cluster.Go(map[string]float64{JET_X: dx, JET_Z: dz}, motors.DISPL, true, nil)
}

// MoveJetTo brings the measured jet position to (x, z).
func (w *Watcher) MoveJetTo(x, z float64) error {
	cx, cz, err := w.JetPosition()
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"from_x": cx, "from_z": cz, "to_x": x, "to_z": z}).Debug("moving jet")
	return w.MoveJet(x-cx, z-cz)
}

// MovePlasma shifts the ignition point. The laser follows the jet along Z so that the focus offset is kept.
func (w *Watcher) MovePlasma(dx, dy, dz float64) error {
	return w.movePlasma(dx, dy, dz, nil)
}

func (w *Watcher) movePlasma(dx, dy, dz float64, stop motors.StopIndicator) error {
	return w.cluster.Go(map[string]float64{JET_X: dx, JET_Z: dz, LASER_Z: dz, LASER_Y: dy}, motors.DISPL, true, stop)
}

// MovePlasmaTo brings the measured plasma position to p.
func (w *Watcher) MovePlasmaTo(p Position) error {
	return w.movePlasmaTo(p, nil)
}

func (w *Watcher) movePlasmaTo(p Position, stop motors.StopIndicator) error {
	current, _, err := w.PlasmaPosition()
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"from": current.String(), "to": p.String()}).Debug("moving plasma")
	return w.movePlasma(p.X-current.X, p.Y-current.Y, p.Z-current.Z, stop)
}

// CompensateMotorError restores the calibrated jet to laser offset when the motors drifted apart,
// keeping the plasma where it is.
func (w *Watcher) CompensateMotorError() error {
	w.dontMove.Lock()
	defer w.dontMove.Unlock()
	return w.compensateMotorError()
}

func (w *Watcher) compensateMotorError() error {
	jetZ, err := w.jetZ.Position(motors.DISPL)
	if err != nil {
		return err
	}
	laserZ, err := w.laserZ.Position(motors.DISPL)
	if err != nil {
		return err
	}
	dz := w.Calibration().JettLaserDz
	if abs(jetZ-laserZ-dz) <= w.laserZ.Tol() {
		return nil
	}

	target, _, err := w.PlasmaPosition()
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"jett_laser_dz": jetZ - laserZ, "calibrated": dz}).Info("compensating motor error")
	if err := w.jetZ.GoTo(laserZ+dz, motors.DISPL, true); err != nil {
		return err
	}
	return w.MovePlasmaTo(target)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
