package main

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/plasma"
)

//---
// Payloads
//---

type MotorState struct {
	Name     string   `json:"name"`
	Position float64  `json:"position"`
	Units    string   `json:"units"`
	Lower    *float64 `json:"lower,omitempty"`
	Upper    *float64 `json:"upper,omitempty"`
}

// MovePayload moves a motor either to Target or by Shift, in the given units (norm when empty).
type MovePayload struct {
	Target *float64 `json:"target,omitempty"`
	Shift  *float64 `json:"shift,omitempty"`
	Units  string   `json:"units"`
	Wait   bool     `json:"wait"`

	units motors.Units
}

func (p *MovePayload) Bind(r *http.Request) (err error) {
	p.units, err = motors.ParseUnits(p.Units)
	return
}

type CalibratePayload struct {
	Motors []string `json:"motors"`
}

func (p *CalibratePayload) Bind(r *http.Request) error {
	if len(p.Motors) == 0 {
		return errors.New("no motors given")
	}
	return nil
}

type PlasmaState struct {
	Position    plasma.Position    `json:"position"`
	Radius      float64            `json:"radius"`
	Calibration plasma.Calibration `json:"calibration"`
	Holding     bool               `json:"holding"`
}

type PlasmaMovePayload struct {
	plasma.Position
	Relative bool `json:"relative"`
}

func (p *PlasmaMovePayload) Bind(r *http.Request) error {
	return nil
}

// WatcherCalibratePayload selects the calibration to run: "enl" for the camera scales or "plasma" for
// the laser focus.
type WatcherCalibratePayload struct {
	Kind     string                `json:"kind"`
	Points   int                   `json:"points"`
	Settings plasma.PlasmaSettings `json:"settings"`
}

func (p *WatcherCalibratePayload) Bind(r *http.Request) error {
	if p.Kind != "enl" && p.Kind != "plasma" {
		return errors.New("kind must be enl or plasma")
	}
	return nil
}

//---
// Helpers
//---

func motorState(m *motors.Motor) (MotorState, error) {
	pos, err := m.Position(motors.DISPL)
	if err != nil {
		return MotorState{}, err
	}
	lower, upper := m.SoftLimits(motors.DISPL)
	return MotorState{
		Name:     m.Name(),
		Position: pos,
		Units:    m.Config().DisplayUnits,
		Lower:    lower,
		Upper:    upper,
	}, nil
}

// watcher renders a conflict and returns nil when the device has no plasma watcher.
func watcher(w http.ResponseWriter, r *http.Request) *plasma.Watcher {
	if ENV.Device.Watcher == nil {
		render.Render(w, r, ErrConflict(errors.New("device has no plasma watcher")))
	}
	return ENV.Device.Watcher
}

//---
// Views
//---

func ListMotors(w http.ResponseWriter, r *http.Request) {
	cluster := ENV.Device.Cluster
	names := cluster.Names()
	sort.Strings(names)
	states := make([]MotorState, 0, len(names))
	for _, name := range names {
		m, err := cluster.Motor(name)
		if err != nil {
			render.Render(w, r, ErrDevice(err))
			return
		}
		state, err := motorState(m)
		if err != nil {
			render.Render(w, r, ErrDevice(err))
			return
		}
		states = append(states, state)
	}
	render.JSON(w, r, states)
}

func moveMotor(w http.ResponseWriter, r *http.Request, relative bool) {
	name := chi.URLParam(r, "name")
	m, err := ENV.Device.Cluster.Motor(name)
	if err != nil {
		render.Render(w, r, ErrNotFound)
		return
	}

	data := &MovePayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	switch {
	case relative && data.Shift != nil:
		err = m.Go(*data.Shift, data.units, data.Wait)
	case !relative && data.Target != nil:
		err = m.GoTo(*data.Target, data.units, data.Wait)
	default:
		render.Render(w, r, ErrInvalidRequest(errors.New("missing target or shift")))
		return
	}
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}

	state, err := motorState(m)
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.JSON(w, r, state)
}

func MotorGoTo(w http.ResponseWriter, r *http.Request) {
	moveMotor(w, r, false)
}

func MotorGo(w http.ResponseWriter, r *http.Request) {
	moveMotor(w, r, true)
}

// StopAll raises the stop flag for running operations and stops every motor.
func StopAll(w http.ResponseWriter, r *http.Request) {
	ENV.Stop.Request()
	if ENV.Device.Holder != nil {
		ENV.Device.Holder.Stop()
	}
	if err := ENV.Device.Cluster.Stop(); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func CalibrateMotors(w http.ResponseWriter, r *http.Request) {
	data := &CalibratePayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	ENV.Stop.Reset()
	if err := ENV.Device.Cluster.CalibrateMotors(data.Motors, ENV.Stop, nil); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	if err := ENV.Device.SaveSession(); err != nil {
		log.WithError(err).Warn("saving session failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func GetPlasma(w http.ResponseWriter, r *http.Request) {
	pw := watcher(w, r)
	if pw == nil {
		return
	}
	p, radius, err := pw.PlasmaPosition()
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	render.JSON(w, r, PlasmaState{
		Position:    p,
		Radius:      radius,
		Calibration: pw.Calibration(),
		Holding:     ENV.Device.Holder != nil && ENV.Device.Holder.Running(),
	})
}

func PlasmaMoveTo(w http.ResponseWriter, r *http.Request) {
	pw := watcher(w, r)
	if pw == nil {
		return
	}
	data := &PlasmaMovePayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var err error
	if data.Relative {
		err = pw.MovePlasma(data.X, data.Y, data.Z)
	} else {
		err = pw.MovePlasmaTo(data.Position)
	}
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	GetPlasma(w, r)
}

// CalibrateWatcher runs a watcher calibration and stores the result for the setup.
func CalibrateWatcher(w http.ResponseWriter, r *http.Request) {
	pw := watcher(w, r)
	if pw == nil {
		return
	}
	data := &WatcherCalibratePayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	ENV.Stop.Reset()
	var err error
	switch data.Kind {
	case "enl":
		err = pw.CalibrateEnl(data.Points, 0, ENV.Stop)
	case "plasma":
		err = pw.CalibratePlasma(data.Settings, ENV.Stop)
	}
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}

	calibration := pw.Calibration()
	if _, err := ENV.Store.SaveCalibration(ENV.Device.Name, calibration); err != nil {
		log.WithError(err).Warn("storing calibration failed")
	}
	render.JSON(w, r, calibration)
}

func HolderStart(w http.ResponseWriter, r *http.Request) {
	holder := ENV.Device.Holder
	if holder == nil {
		render.Render(w, r, ErrConflict(errors.New("device has no plasma holder")))
		return
	}
	if err := holder.HoldHere(); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}
	holder.Start()
	render.JSON(w, r, holder.Target())
}

func HolderStop(w http.ResponseWriter, r *http.Request) {
	if ENV.Device.Holder != nil {
		ENV.Device.Holder.Stop()
	}
	w.WriteHeader(http.StatusNoContent)
}
