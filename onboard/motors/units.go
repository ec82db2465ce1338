package motors

import (
	"fmt"
	"strings"
)

// Units selects the coordinate system of a position value.
type Units int

const (
	CONTR Units = iota // raw controller counts
	NORM               // 0..1000 over the calibrated travel
	DISPL              // user display units
)

const (
	NORM_RANGE    = 1000.0
	DEFAULT_UNITS = "Schritte"
)

func (u Units) String() string {
	switch u {
	case CONTR:
		return "contr"
	case NORM:
		return "norm"
	case DISPL:
		return "displ"
	}
	return fmt.Sprintf("Units(%d)", int(u))
}

func ParseUnits(s string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contr":
		return CONTR, nil
	case "", "norm":
		return NORM, nil
	case "displ":
		return DISPL, nil
	}
	return NORM, fmt.Errorf("unknown units %q", s)
}

// MotorConfig holds the per motor behaviour and the linear unit relations:
//
//	norm  = (contr - NullPosition) * NormPerContr
//	displ = (norm - DisplNull) * DisplPerContr / NormPerContr
type MotorConfig struct {
	Name           string  `json:"name" yaml:"name"`
	WithInitiators bool    `json:"with_initiators" yaml:"with_initiators"`
	DisplayUnits   string  `json:"display_units" yaml:"display_units"`
	NormPerContr   float64 `json:"norm_per_contr" yaml:"norm_per_contr"`
	DisplPerContr  float64 `json:"displ_per_contr" yaml:"displ_per_contr"`
	DisplNull      float64 `json:"displ_null" yaml:"displ_null"`
	NullPosition   float64 `json:"null_position" yaml:"null_position"`
}

func DefaultMotorConfig(name string) MotorConfig {
	return MotorConfig{
		Name:           name,
		WithInitiators: true,
		DisplayUnits:   DEFAULT_UNITS,
		NormPerContr:   1,
		DisplPerContr:  1,
	}
}

func (c MotorConfig) Validate() error {
	if c.NormPerContr <= 0 {
		return fmt.Errorf("norm_per_contr must be positive, got %g", c.NormPerContr)
	}
	if c.DisplPerContr == 0 {
		return fmt.Errorf("displ_per_contr must not be zero")
	}
	return nil
}

func (c MotorConfig) toNorm(v float64, from Units, rel bool) float64 {
	switch from {
	case CONTR:
		if rel {
			return v * c.NormPerContr
		}
		return (v - c.NullPosition) * c.NormPerContr
	case DISPL:
		if rel {
			return v * c.NormPerContr / c.DisplPerContr
		}
		return v*c.NormPerContr/c.DisplPerContr + c.DisplNull
	}
	return v
}

func (c MotorConfig) fromNorm(v float64, to Units, rel bool) float64 {
	switch to {
	case CONTR:
		if rel {
			return v / c.NormPerContr
		}
		return v/c.NormPerContr + c.NullPosition
	case DISPL:
		if rel {
			return v * c.DisplPerContr / c.NormPerContr
		}
		return (v - c.DisplNull) * c.DisplPerContr / c.NormPerContr
	}
	return v
}

// Transform converts v between unit systems. With rel set v is a distance and offsets are left out.
func (c MotorConfig) Transform(v float64, from, to Units, rel bool) float64 {
	if from == to {
		return v
	}
	return c.fromNorm(c.toNorm(v, from, rel), to, rel)
}
