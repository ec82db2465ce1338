package plasma

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

const (
	ENL_POINTS       = 10
	ENL_REL_ERR      = 0.01
	COARSE_GROWTH    = 1.5
	MAX_COARSE_STEPS = 20
)

func stopped(stop motors.StopIndicator) bool {
	return stop != nil && stop.HasStopRequested()
}

func (w *Watcher) abort() error {
	if err := w.cluster.Stop(); err != nil {
		w.log.WithError(err).Warn("stopping motors failed")
	}
	return merrors.ErrStopped
}

func (w *Watcher) jetTo(x, z float64, stop motors.StopIndicator) error {
	return w.cluster.GoTo(map[string]float64{JET_X: x, JET_Z: z}, motors.DISPL, true, stop)
}

func (w *Watcher) jetMotors() (x, z float64, err error) {
	if x, err = w.jetX.Position(motors.DISPL); err != nil {
		return
	}
	z, err = w.jetZ.Position(motors.DISPL)
	return
}

// CalibrateEnl measures the magnification and the center offset of both cameras by sweeping the jet
// across each field of view. nPoints below 3 selects ENL_POINTS, relErr 0 selects ENL_REL_ERR.
func (w *Watcher) CalibrateEnl(nPoints int, relErr float64, stop motors.StopIndicator) error {
	w.dontMove.Lock()
	defer w.dontMove.Unlock()

	if nPoints < 3 {
		nPoints = ENL_POINTS
	}
	if relErr <= 0 {
		relErr = ENL_REL_ERR
	}

	center := map[string]float64{JET_X: motors.NORM_RANGE / 2, JET_Z: motors.NORM_RANGE / 2}
	if err := w.cluster.GoTo(center, motors.NORM, true, stop); err != nil {
		return err
	}
	cx, cz, err := w.jetMotors()
	if err != nil {
		return err
	}

	var g, offset [2]float64
	for i, cam := range []int{1, 2} {
		if g[i], offset[i], err = w.calibrateCamera(cam, cx, cz, nPoints, relErr, stop); err != nil {
			return err
		}
	}
	if err := w.jetTo(cx, cz, stop); err != nil {
		return err
	}

	w.update(func(c *Calibration) {
		c.G1, c.G2 = g[0], g[1]
		c.Offset1, c.Offset2 = offset[0], offset[1]
	})
	w.log.WithFields(logrus.Fields{"g1": g[0], "g2": g[1], "offset1": offset[0], "offset2": offset[1]}).Info("magnification calibrated")
	return nil
}

// calibrateCamera moves the jet from (cx, cz) along the axis cam measures and fits pixel against position.
func (w *Watcher) calibrateCamera(cam int, cx, cz float64, nPoints int, relErr float64, stop motors.StopIndicator) (g, offset float64, err error) {
	coords := w.coordinates(cam)
	ex, ez := coords.CameraToMotors(0, 1)
	along := func(d float64) error {
		if stopped(stop) {
			return w.abort()
		}
		return w.jetTo(cx+d*ex, cz+d*ez, stop)
	}

	p0, err := w.jetPixel(cam)
	if err != nil {
		return 0, 0, err
	}

	var estimate float64
	d, step := 0.0, w.jetD
	for i := 0; estimate == 0; i++ {
		if i == MAX_COARSE_STEPS {
			return 0, 0, merrors.RecognitionError{Feature: "jet", Reason: fmt.Sprintf("jet does not cross a quarter of camera %d", cam)}
		}
		d += step
		step *= COARSE_GROWTH
		if err := along(d); err != nil {
			return 0, 0, err
		}
		p, err := w.jetPixel(cam)
		if err != nil {
			return 0, 0, err
		}
		if math.Abs(p-p0) >= float64(w.width)/4 {
			estimate = d / (p - p0)
		}
	}
	w.log.WithFields(logrus.Fields{"camera": cam, "g": estimate}).Debug("coarse magnification")

	span := 3.0 / 8 * float64(w.width) * math.Abs(estimate)
	pixels := make([]float64, nPoints)
	visible := make([]float64, nPoints)
	for k := range pixels {
		if err := along(-span + 2*span*float64(k)/float64(nPoints-1)); err != nil {
			return 0, 0, err
		}
		if pixels[k], err = w.jetPixel(cam); err != nil {
			return 0, 0, err
		}
		x, z, err := w.jetMotors()
		if err != nil {
			return 0, 0, err
		}
		visible[k] = coords.Visible(x, z)
	}

	alpha, beta := stat.LinearRegression(pixels, visible, nil, false)
	rel := slopeError(pixels, visible, alpha, beta) / math.Abs(beta)
	if beta <= 0 || rel > relErr {
		return 0, 0, merrors.FitError{Quantity: fmt.Sprintf("g%d", cam), RelErr: rel, Limit: relErr}
	}
	return beta, alpha + beta*float64(w.width)/2, nil
}

// slopeError is the standard error of the fitted slope.
func slopeError(x, y []float64, alpha, beta float64) float64 {
	n := float64(len(x))
	mean := stat.Mean(x, nil)
	var ssr, sxx float64
	for i := range x {
		r := y[i] - alpha - beta*x[i]
		ssr += r * r
		sxx += (x[i] - mean) * (x[i] - mean)
	}
	if sxx == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(ssr / (n - 2) / sxx)
}

// PlasmaSettings tune CalibratePlasma. Zero values select the defaults.
type PlasmaSettings struct {
	// OnTheSpot starts from the current motor positions instead of zero.
	OnTheSpot bool `json:"on_the_spot"`
	// KeepPosition implies OnTheSpot and moves the plasma back to where it was found.
	KeepPosition   bool    `json:"keep_position"`
	MessPerPoint   int     `json:"mess_per_point"`
	MaxSRange      float64 `json:"max_s_range"` // display units
	FineStep       float64 `json:"fine_step"`   // display units
	BrightnessDecr float64 `json:"brightness_decr"`
}

func (s PlasmaSettings) withDefaults(jetD, tol float64) PlasmaSettings {
	if s.MessPerPoint <= 0 {
		s.MessPerPoint = 3
	}
	if s.MaxSRange <= 0 {
		s.MaxSRange = 10 * jetD
	}
	if s.FineStep <= 0 {
		s.FineStep = jetD / 20
	}
	s.FineStep = math.Max(s.FineStep, tol)
	if s.BrightnessDecr <= 0 || s.BrightnessDecr >= 1 {
		s.BrightnessDecr = 0.5
	}
	if s.KeepPosition {
		s.OnTheSpot = true
	}
	return s
}

type radiusPoint struct {
	z, mean, std float64
}

// CalibratePlasma scans the laser focus along Z across the jet and settles where the plasma is largest.
// It records pl_r_max and the jet to laser offset.
func (w *Watcher) CalibratePlasma(settings PlasmaSettings, stop motors.StopIndicator) error {
	w.dontMove.Lock()
	defer w.dontMove.Unlock()
	return w.calibratePlasma(settings, stop)
}

func (w *Watcher) calibratePlasma(settings PlasmaSettings, stop motors.StopIndicator) error {
	if stopped(stop) {
		return merrors.ErrStopped
	}
	s := settings.withDefaults(w.jetD, w.laserZ.Tol())

	var keep *Position
	if s.KeepPosition {
		if p, _, err := w.PlasmaPosition(); err == nil {
			keep = &p
		}
	}
	if !s.OnTheSpot {
		zero := map[string]float64{JET_X: 0, JET_Z: 0, LASER_Z: 0, LASER_Y: 0}
		if err := w.cluster.GoTo(zero, motors.DISPL, true, stop); err != nil {
			return err
		}
	}

	seed, err := w.laserZ.Position(motors.DISPL)
	if err != nil {
		return err
	}
	hit, err := w.coarsePlasmaSearch(seed, s, stop)
	if err != nil {
		return err
	}

	first, err := w.measureRadius(hit, s.MessPerPoint, stop)
	if err != nil {
		return err
	}
	points := []radiusPoint{first}
	for _, dir := range []float64{1, -1} {
		scan, err := w.fineScan(hit, dir, first, s, stop)
		if err != nil {
			return err
		}
		points = append(points, scan...)
	}

	best, err := fitGaussian(points)
	if err != nil {
		return err
	}
	if err := w.cluster.GoTo(map[string]float64{LASER_Z: best}, motors.DISPL, true, stop); err != nil {
		return err
	}
	final, err := w.measureRadius(best, s.MessPerPoint, stop)
	if err != nil {
		return err
	}
	jetZ, err := w.jetZ.Position(motors.DISPL)
	if err != nil {
		return err
	}

	w.update(func(c *Calibration) {
		c.PlRMax = final.mean
		c.JettLaserDz = jetZ - final.z
	})
	w.log.WithFields(logrus.Fields{"laser_z": final.z, "pl_r_max": final.mean, "jett_laser_dz": jetZ - final.z, "points": len(points)}).Info("plasma calibrated")

	if keep != nil {
		return w.movePlasmaTo(*keep, stop)
	}
	return nil
}

// coarsePlasmaSearch steps the laser outward from seed, alternating sides, until a plasma shows up.
func (w *Watcher) coarsePlasmaSearch(seed float64, s PlasmaSettings, stop motors.StopIndicator) (float64, error) {
	step := w.jetD / 2
	for k := 0; float64(k)*step <= s.MaxSRange; k++ {
		for _, sign := range []float64{1, -1} {
			if k == 0 && sign < 0 {
				continue
			}
			z := seed + sign*float64(k)*step
			if stopped(stop) {
				return 0, w.abort()
			}
			if err := w.laserZ.GoTo(z, motors.DISPL, true); err != nil {
				return 0, err
			}
			for i := 0; i < s.MessPerPoint; i++ {
				r, err := w.plasmaRadius()
				if err != nil {
					return 0, err
				}
				if r > 0 {
					w.log.WithField("laser_z", z).Debug("plasma found")
					return z, nil
				}
			}
		}
	}
	return 0, merrors.NoPlasmaError{Camera: w.cam1.Name()}
}

// measureRadius moves the laser to z and takes n radius samples. Missing plasma counts as zero.
func (w *Watcher) measureRadius(z float64, n int, stop motors.StopIndicator) (p radiusPoint, err error) {
	if stopped(stop) {
		return p, w.abort()
	}
	if err = w.laserZ.GoTo(z, motors.DISPL, true); err != nil {
		return p, err
	}
	if p.z, err = w.laserZ.Position(motors.DISPL); err != nil {
		return p, err
	}
	radii := make([]float64, n)
	for i := range radii {
		if radii[i], err = w.plasmaRadius(); err != nil {
			return p, err
		}
	}
	p.mean, p.std = stat.MeanStdDev(radii, nil)
	if n < 2 {
		p.std = 0
	}
	return p, nil
}

// fineScan walks from the seed in one direction until the radius has dropped for two points in a row.
func (w *Watcher) fineScan(seed, dir float64, first radiusPoint, s PlasmaSettings, stop motors.StopIndicator) ([]radiusPoint, error) {
	var points []radiusPoint
	rMax, sMax := first.mean, first.std
	below := 0

	for i := 1; float64(i)*s.FineStep <= s.MaxSRange; i++ {
		p, err := w.measureRadius(seed+dir*float64(i)*s.FineStep, s.MessPerPoint, stop)
		if err != nil {
			return nil, err
		}
		points = append(points, p)

		if p.mean > rMax {
			rMax, sMax = p.mean, p.std
			below = 0
			continue
		}
		if p.mean < fineScanFloor(rMax, sMax, s.BrightnessDecr) {
			below++
		} else {
			below = 0
		}
		if below == 2 {
			break
		}
	}
	return points, nil
}

// fineScanFloor is the radius a fine scan point must fall below to count as past the focus. Both conditions
// must hold: the point lost the fraction decr of the maximum and left three standard deviations of it.
// With a steady plasma sigma is near zero and decr alone decides.
func fineScanFloor(rMax, sigma, decr float64) float64 {
	return math.Min(rMax*(1-decr), rMax-3*sigma)
}

// fitGaussian fits a*exp(-(z-mu)^2/(2s^2)) + c to the radii and returns mu.
func fitGaussian(points []radiusPoint) (float64, error) {
	var zs, rs []float64
	for _, p := range points {
		if p.mean > 0 {
			zs = append(zs, p.z)
			rs = append(rs, p.mean)
		}
	}
	if len(zs) < 4 {
		return 0, merrors.FitError{Quantity: "plasma radius", RelErr: math.Inf(1), Limit: 0}
	}

	top := floats.MaxIdx(rs)
	width := (floats.Max(zs) - floats.Min(zs)) / 4
	if width == 0 {
		width = 1
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			a, mu, sigma, c := x[0], x[1], x[2], x[3]
			sum := 0.0
			for i, z := range zs {
				d := (z - mu) / sigma
				r := rs[i] - a*math.Exp(-d*d/2) - c
				sum += r * r
			}
			return sum
		},
	}
	result, err := optimize.Minimize(problem, []float64{rs[top], zs[top], width, 0}, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, err
	}
	mu := result.X[1]
	if mu < floats.Min(zs) || mu > floats.Max(zs) {
		return 0, merrors.FitError{Quantity: "plasma focus", RelErr: math.Abs(mu - zs[top]), Limit: floats.Max(zs) - floats.Min(zs)}
	}
	return mu, nil
}
