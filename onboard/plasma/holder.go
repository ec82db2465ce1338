package plasma

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
)

const (
	DEFAULT_FREQ           = 2.0
	DEFAULT_BRIGHTNESS_TOL = 0.3
	// COARSE_SHIFT_TOL_PX suits cameras whose noise hides shifts below a pixel.
	COARSE_SHIFT_TOL_PX = 1.5
)

// ShiftObserver is told the held target and where the plasma was found.
type ShiftObserver func(target, measured Position)

// DimmingObserver is told the measured radius, zero when the plasma is gone.
type DimmingObserver func(radius, expected float64)

// HolderSettings select what the holder checks on each tick.
type HolderSettings struct {
	Freq            float64 // ticks per second
	BrightnessTol   float64 // allowed relative loss of radius
	ShiftTolPx      float64 // pixel floor of the shift tolerance, 0 for the motor tolerance alone
	CheckPosition   bool
	CheckBrightness bool
	MoveByShift     bool // move the plasma back when it shifted
	Recalibrate     bool // recalibrate the focus when the plasma dims
}

func DefaultHolderSettings() HolderSettings {
	return HolderSettings{
		Freq:            DEFAULT_FREQ,
		BrightnessTol:   DEFAULT_BRIGHTNESS_TOL,
		CheckPosition:   true,
		CheckBrightness: true,
		MoveByShift:     true,
		Recalibrate:     true,
	}
}

// Holder keeps the plasma at a target position and its brightness at the calibrated level.
type Holder struct {
	watcher *Watcher
	log     *logrus.Entry

	lock      sync.Mutex
	settings  HolderSettings
	target    Position
	onShift   []ShiftObserver
	onDimming []DimmingObserver
	stop      chan struct{}
	done      chan struct{}
	// halt interrupts a correction in progress when the holder is stopped.
	halt motors.StopFlag
}

func NewHolder(w *Watcher, settings HolderSettings) *Holder {
	if settings.Freq <= 0 {
		settings.Freq = DEFAULT_FREQ
	}
	return &Holder{
		watcher:  w,
		log:      w.log.WithField("component", "holder"),
		settings: settings,
	}
}

func (h *Holder) Settings() HolderSettings {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.settings
}

func (h *Holder) SetSettings(settings HolderSettings) {
	h.lock.Lock()
	h.settings = settings
	h.lock.Unlock()
}

func (h *Holder) Target() Position {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.target
}

func (h *Holder) SetTarget(p Position) {
	h.lock.Lock()
	h.target = p
	h.lock.Unlock()
}

// HoldHere takes the current plasma position as target.
func (h *Holder) HoldHere() error {
	p, _, err := h.watcher.PlasmaPosition()
	if err != nil {
		return err
	}
	h.SetTarget(p)
	return nil
}

func (h *Holder) OnShift(o ShiftObserver) {
	h.lock.Lock()
	h.onShift = append(h.onShift, o)
	h.lock.Unlock()
}

func (h *Holder) OnDimming(o DimmingObserver) {
	h.lock.Lock()
	h.onDimming = append(h.onDimming, o)
	h.lock.Unlock()
}

// Tolerance per axis is the tolerance of the motor moving along it, raised to ShiftTolPx pixels when set.
func (h *Holder) Tolerance() Position {
	w := h.watcher
	px := math.Max(0, h.Settings().ShiftTolPx) * math.Max(w.Projection(1).G, w.Projection(2).G)
	return Position{
		X: math.Max(w.jetX.Tol(), px),
		Y: math.Max(w.laserY.Tol(), px),
		Z: math.Max(w.jetZ.Tol(), px),
	}
}

func (h *Holder) Start() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.stop != nil {
		return
	}
	h.halt.Reset()
	h.stop, h.done = make(chan struct{}), make(chan struct{})
	go h.loop(h.stop, h.done, time.Duration(float64(time.Second)/h.settings.Freq))
	h.log.WithField("target", h.target.String()).Info("holder started")
}

func (h *Holder) Stop() {
	h.lock.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.lock.Unlock()

	if stop != nil {
		h.halt.Request()
		close(stop)
		<-done
		h.log.Info("holder stopped")
	}
}

func (h *Holder) Running() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.stop != nil
}

func (h *Holder) loop(stop, done chan struct{}, period time.Duration) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.Tick(); err != nil {
				h.log.WithError(err).Warn("holder check failed")
			}
		}
	}
}

// Tick runs the enabled checks once. It does nothing while another routine holds the watcher.
func (h *Holder) Tick() error {
	if !h.watcher.dontMove.TryLock() {
		return nil
	}
	defer h.watcher.dontMove.Unlock()

	settings := h.Settings()
	if settings.CheckBrightness {
		if err := h.checkBrightness(settings); err != nil {
			return err
		}
	}
	if settings.CheckPosition {
		return h.checkPosition(settings)
	}
	return nil
}

func (h *Holder) checkBrightness(settings HolderSettings) error {
	expected := h.watcher.Calibration().PlRMax
	r, err := h.watcher.plasmaRadius()
	if err != nil {
		return err
	}
	if r > 0 && r >= expected*(1-settings.BrightnessTol) {
		return nil
	}

	h.lock.Lock()
	observers := append([]DimmingObserver(nil), h.onDimming...)
	h.lock.Unlock()
	for _, o := range observers {
		o(r, expected)
	}

	h.log.WithFields(logrus.Fields{"radius": r, "expected": expected}).Info("plasma dimmed")
	if settings.Recalibrate {
		return h.watcher.calibratePlasma(PlasmaSettings{KeepPosition: true}, &h.halt)
	}
	return nil
}

func (h *Holder) checkPosition(settings HolderSettings) error {
	p, _, err := h.watcher.PlasmaPosition()
	var noPlasma merrors.NoPlasmaError
	if errors.As(err, &noPlasma) {
		return nil
	}
	if err != nil {
		return err
	}

	target, tol := h.Target(), h.Tolerance()
	if math.Abs(p.X-target.X) <= tol.X && math.Abs(p.Y-target.Y) <= tol.Y && math.Abs(p.Z-target.Z) <= tol.Z {
		return nil
	}

	h.lock.Lock()
	observers := append([]ShiftObserver(nil), h.onShift...)
	h.lock.Unlock()
	for _, o := range observers {
		o(target, p)
	}

	h.log.WithFields(logrus.Fields{"target": target.String(), "measured": p.String()}).Info("plasma shifted")
	if settings.MoveByShift {
		return h.watcher.movePlasma(target.X-p.X, target.Y-p.Y, target.Z-p.Z, &h.halt)
	}
	return nil
}
