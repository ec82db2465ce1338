// Package jetsim renders synthetic camera frames of the jet, nozzle and plasma from motor positions.
package jetsim

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/geometry"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
)

const (
	JET_X   = "jet_x"
	JET_Z   = "jet_z"
	LASER_Z = "laser_z"
	LASER_Y = "laser_y"

	JET_CONTRAST    = 0.7
	NOZZLE_CONTRAST = 0.75
	DRIFT_PERIOD    = 10 * time.Millisecond
)

// Config describes the simulated optics. Angles are in degrees, lengths in display units.
type Config struct {
	Width          int     `yaml:"width"`
	Height         int     `yaml:"height"`
	Phi            float64 `yaml:"phi"`
	Psi            float64 `yaml:"psi"`
	G1             float64 `yaml:"g1"`
	G2             float64 `yaml:"g2"`
	JetD           float64 `yaml:"jet_d"`
	Background     float64 `yaml:"background"`
	NormalExposure float64 `yaml:"normal_exposure"`
	PlasmaSize     float64 `yaml:"plasma_size"`
	FlickerSigma   float64 `yaml:"flicker_sigma"`
	LaserJetShift  float64 `yaml:"laser_jet_shift"`
	LaserOn        bool    `yaml:"laser_on"`
	NozzleHeight   float64 `yaml:"nozzle_height"` // pixels
	NozzleWidth    float64 `yaml:"nozzle_width"`  // pixels
	Seed           int64   `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Width:          2048,
		Height:         1088,
		Phi:            90,
		Psi:            45,
		G1:             10,
		G2:             10,
		JetD:           70,
		Background:     140,
		NormalExposure: 1,
		PlasmaSize:     8,
		NozzleHeight:   150,
		NozzleWidth:    160,
		Seed:           1,
	}
}

// State is the motor state the frames are rendered from, in display units.
type State struct {
	JetX, JetZ, LaserZ, LaserY float64
}

// JetEmulator reads the jet and laser motors and renders what both cameras would see.
type JetEmulator struct {
	cfg     Config
	stereo  geometry.Stereo
	cluster *motors.Cluster
	log     *logrus.Entry

	lock    sync.Mutex
	laserOn bool
	shift   float64
	rng     *rand.Rand

	driftStop chan struct{}
	driftDone chan struct{}
}

func NewJetEmulator(cluster *motors.Cluster, cfg Config, log *logrus.Entry) (*JetEmulator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, name := range []string{JET_X, JET_Z, LASER_Z, LASER_Y} {
		if _, err := cluster.Motor(name); err != nil {
			return nil, err
		}
	}
	if cfg.G1 <= 0 || cfg.G2 <= 0 || cfg.JetD <= 0 {
		return nil, fmt.Errorf("jet emulator needs positive g1, g2 and jet_d")
	}
	if cfg.NormalExposure <= 0 {
		cfg.NormalExposure = 1
	}
	return &JetEmulator{
		cfg:     cfg,
		stereo:  geometry.NewStereo(cfg.Phi, cfg.Psi),
		cluster: cluster,
		log:     log.WithField("component", "jetsim"),
		laserOn: cfg.LaserOn,
		shift:   cfg.LaserJetShift,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (j *JetEmulator) Config() Config {
	return j.cfg
}

func (j *JetEmulator) Stereo() geometry.Stereo {
	return j.stereo
}

// Projection of camera 1 or 2.
func (j *JetEmulator) Projection(camera int) geometry.Projection {
	g := j.cfg.G1
	if camera == 2 {
		g = j.cfg.G2
	}
	return geometry.Projection{G: g, Width: j.cfg.Width, Height: j.cfg.Height}
}

func (j *JetEmulator) coordinates(camera int) geometry.CameraCoordinates {
	if camera == 2 {
		return j.stereo.Camera2
	}
	return j.stereo.Camera1
}

func (j *JetEmulator) State() (s State, err error) {
	values := make([]float64, 4)
	for i, name := range []string{JET_X, JET_Z, LASER_Z, LASER_Y} {
		m, err := j.cluster.Motor(name)
		if err != nil {
			return s, err
		}
		if values[i], err = m.Position(motors.DISPL); err != nil {
			return s, err
		}
	}
	return State{JetX: values[0], JetZ: values[1], LaserZ: values[2], LaserY: values[3]}, nil
}

func (j *JetEmulator) SetLaser(on bool) {
	j.lock.Lock()
	j.laserOn = on
	j.lock.Unlock()
}

func (j *JetEmulator) LaserOn() bool {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.laserOn
}

// LaserJetShift is the laser Z at which the plasma is brightest, relative to the jet.
func (j *JetEmulator) LaserJetShift() float64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.shift
}

func (j *JetEmulator) SetLaserJetShift(shift float64) {
	j.lock.Lock()
	j.shift = shift
	j.lock.Unlock()
}

// Intensity of the plasma for a state, without flicker. Zero further than two jet diameters off focus.
func (j *JetEmulator) Intensity(s State) float64 {
	if !j.LaserOn() {
		return 0
	}
	d := s.JetZ - s.LaserZ - j.LaserJetShift()
	if math.Abs(d) > 2*j.cfg.JetD {
		return 0
	}
	return math.Exp(-d * d / (0.375 * j.cfg.JetD * j.cfg.JetD))
}

func (j *JetEmulator) flicker(intensity float64) float64 {
	if j.cfg.FlickerSigma <= 0 || intensity == 0 {
		return intensity
	}
	j.lock.Lock()
	intensity += j.rng.NormFloat64() * j.cfg.FlickerSigma
	j.lock.Unlock()
	return math.Max(intensity, 0)
}

// PlasmaRadius in pixels of camera for an intensity at the given exposure.
func (j *JetEmulator) PlasmaRadius(intensity, exposure float64, camera int) float64 {
	g := j.Projection(camera).G
	return intensity * exposure / j.cfg.NormalExposure * j.cfg.PlasmaSize * j.cfg.JetD / (2 * g)
}

// JetColumn is the continuous column of the jet axis on camera for a state.
func (j *JetEmulator) JetColumn(s State, camera int) float64 {
	return j.Projection(camera).ToPixel(j.coordinates(camera).Visible(s.JetX, s.JetZ))
}

// Render draws the frame camera (1 or 2) would take at exposure.
func (j *JetEmulator) Render(camera int, exposure float64) (*image.Gray, error) {
	s, err := j.State()
	if err != nil {
		return nil, err
	}
	return j.RenderState(s, camera, exposure), nil
}

func (j *JetEmulator) RenderState(s State, camera int, exposure float64) *image.Gray {
	p := j.Projection(camera)
	frame := image.NewGray(image.Rect(0, 0, p.Width, p.Height))

	bg := clampByte(j.cfg.Background * exposure / j.cfg.NormalExposure)
	for i := range frame.Pix {
		frame.Pix[i] = bg
	}

	col := j.JetColumn(s, camera)
	half := j.cfg.JetD / p.G / 2
	top := j.cfg.NozzleHeight

	jet := polygon([]point{
		{col - half, top - 1},
		{col + half, top - 1},
		{col + half, float64(p.Height) + 2},
		{col - half, float64(p.Height) + 2},
	})
	jet.apply(frame, func(old, cov float64) float64 {
		return old * (1 - JET_CONTRAST*cov)
	})

	nozzle := polygon(nozzleOutline(col, half, j.cfg.NozzleWidth, top))
	nozzle.apply(frame, func(old, cov float64) float64 {
		return old * (1 - NOZZLE_CONTRAST*cov)
	})

	if intensity := j.flicker(j.Intensity(s)); intensity > 0 {
		r := j.PlasmaRadius(intensity, exposure, camera)
		if r > 0.5 {
			plasma := disk(col, p.RowToPixel(s.LaserY), r)
			plasma.apply(frame, func(old, cov float64) float64 {
				return old + (255-old)*cov
			})
		}
	}
	return frame
}

// nozzleOutline is a funnel narrowing from width at the frame top to the jet at row top.
func nozzleOutline(col, half, width, top float64) []point {
	tip := half + 3
	return []point{
		{col - width/2, -2},
		{col + width/2, -2},
		{col + width/2, top * 0.4},
		{col + tip, top},
		{col - tip, top},
		{col - width/2, top * 0.4},
	}
}

// NozzleTemplate renders the nozzle alone on background. tip is the position of the jet axis
// at the nozzle exit within the template.
func (j *JetEmulator) NozzleTemplate(camera int) (template *image.Gray, tip image.Point) {
	p := j.Projection(camera)
	half := j.cfg.JetD / p.G / 2
	w := int(j.cfg.NozzleWidth) + 8
	h := int(j.cfg.NozzleHeight) + 8
	col := float64(w / 2)

	template = image.NewGray(image.Rect(0, 0, w, h))
	bg := clampByte(j.cfg.Background)
	for i := range template.Pix {
		template.Pix[i] = bg
	}
	jet := polygon([]point{{col - half, j.cfg.NozzleHeight - 1}, {col + half, j.cfg.NozzleHeight - 1}, {col + half, float64(h) + 2}, {col - half, float64(h) + 2}})
	jet.apply(template, func(old, cov float64) float64 { return old * (1 - JET_CONTRAST*cov) })
	nozzle := polygon(nozzleOutline(col, half, j.cfg.NozzleWidth, j.cfg.NozzleHeight))
	nozzle.apply(template, func(old, cov float64) float64 { return old * (1 - NOZZLE_CONTRAST*cov) })
	return template, image.Pt(w/2, int(j.cfg.NozzleHeight))
}

// StartDrift moves the focus offset back and forth at speed (display units per second) within ±maxShift
// around its current value.
func (j *JetEmulator) StartDrift(speed, maxShift float64) {
	j.StopDrift()

	stop, done := make(chan struct{}), make(chan struct{})
	j.lock.Lock()
	j.driftStop, j.driftDone = stop, done
	center := j.shift
	j.lock.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(DRIFT_PERIOD)
		defer ticker.Stop()
		direction := 1.0
		last := time.Now()

		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				j.lock.Lock()
				j.shift += direction * speed * now.Sub(last).Seconds()
				if j.shift > center+maxShift {
					j.shift, direction = center+maxShift, -1
				} else if j.shift < center-maxShift {
					j.shift, direction = center-maxShift, 1
				}
				j.lock.Unlock()
				last = now
			}
		}
	}()
	j.log.WithFields(logrus.Fields{"speed": speed, "max_shift": maxShift}).Info("drift started")
}

func (j *JetEmulator) StopDrift() {
	j.lock.Lock()
	stop, done := j.driftStop, j.driftDone
	j.driftStop, j.driftDone = nil, nil
	j.lock.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
