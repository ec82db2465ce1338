package mcc2

import (
	"sort"
	"strconv"
)

const (
	ACK = 0x06
	NAK = 0x15

	MAX_BUS  = 15
	MAX_AXIS = 9

	PARAM_MOVEMENT_TYPE     = 1
	PARAM_MEASURING_UNIT    = 2
	PARAM_CONVERSION_FACTOR = 3
	PARAM_RUN_FREQUENCY     = 14
	PARAM_POSITION          = 20
	PARAM_POSITION_COUNTER  = 21
)

type parameter struct {
	number      int
	value       float64
	description string
	inputFile   bool // may appear as a column in the motor input file
}

// PARAMETERS lists the MCC2 parameters addressable by name, with their factory defaults.
var PARAMETERS = map[string]parameter{
	"Bewegungsart":         {PARAM_MOVEMENT_TYPE, 0, "type of movement, 1 disables ramps", false},
	"Messeinheit":          {PARAM_MEASURING_UNIT, 1, "measuring unit, 1 is steps", false},
	"Umrechungsfaktor":     {PARAM_CONVERSION_FACTOR, 1, "conversion factor between steps and position units", false},
	"Start/Stopp-Frequenz": {4, 400, "start/stop frequency in Hz", false},
	"Lauffrequenz":         {PARAM_RUN_FREQUENCY, 4000, "run frequency in Hz", true},
	"Rampe":                {15, 4000, "ramp in Hz/s", false},
	"Initiatortyp":         {27, 0, "initiator type, 0 = PNP opener, 1 = PNP closer", true},
	"Stoppstrom":           {40, 2, "stop current, 0.1 A steps", true},
	"Laufstrom":            {41, 5, "run current, 0.1 A steps", true},
	"Booststrom":           {42, 5, "boost current, 0.1 A steps", true},
}

// defaultParameterTable returns the parameter table of a freshly powered motor, keyed by number.
func defaultParameterTable() map[int]float64 {
	table := make(map[int]float64, len(PARAMETERS))
	for _, p := range PARAMETERS {
		table[p.number] = p.value
	}
	return table
}

// parameterNumber resolves a parameter name or a plain number.
func parameterNumber(name string) (n int, ok bool) {
	if p, found := PARAMETERS[name]; found {
		return p.number, true
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	if n == PARAM_POSITION || n == PARAM_POSITION_COUNTER {
		return n, true
	}
	for _, p := range PARAMETERS {
		if p.number == n {
			return n, true
		}
	}
	return 0, false
}

// inputFileParameters are the names allowed as input file columns, ordered by parameter number.
func inputFileParameters() []string {
	var names []string
	for name, p := range PARAMETERS {
		if p.inputFile {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return PARAMETERS[names[i]].number < PARAMETERS[names[j]].number })
	return names
}
