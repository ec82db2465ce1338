package onboard

import (
	"github.com/sirupsen/logrus"
)

// SimulatorConfig is the setup -sim runs when no setup file is given: one emulated box carrying the jet
// and laser motors, two emulated cameras and a watcher.
func SimulatorConfig() SetupConfig {
	c := SetupConfig{
		Version: SETUP_VERSION,
		Name:    "simulator",
		Cameras: []CameraConfig{
			{Name: "cam1", Index: 1},
			{Name: "cam2", Index: 2},
		},
		Watcher:  &WatcherConfig{Camera1: "cam1", Camera2: "cam2"},
		Emulator: &EmulatorConfig{LaserOn: true},
	}
	c.applyDefaults()
	return c
}

// NewSimulator builds the simulator setup. A non-nil emulator block overrides the default one.
func NewSimulator(emulator *EmulatorConfig, log *logrus.Entry) (*Microscope, error) {
	config := SimulatorConfig()
	if emulator != nil {
		config.Emulator = emulator
		config.applyDefaults()
	}
	return NewMicroscope(config, log)
}
