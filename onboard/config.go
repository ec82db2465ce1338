package onboard

import (
	"fmt"
	"os"

	"github.com/v-usatikov/microscope-controller-sub000/onboard/camera"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/jetsim"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/plasma"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/transport"
	"gopkg.in/yaml.v2"
)

const SETUP_VERSION = 1

// Connection kinds of a box.
const (
	CONN_SERIAL   = "serial"
	CONN_ETHERNET = "ethernet"
	CONN_EMULATOR = "emulator"
)

type SetupConfig struct {
	Version  int
	Name     string
	Boxes    []BoxConfig
	Cameras  []CameraConfig
	Watcher  *WatcherConfig
	Emulator *EmulatorConfig
}

type BoxConfig struct {
	Name         string
	Communicator string
	Connection   string
	Address      string
	Baudrate     int
	TimeoutMs    int    `yaml:"timeout_ms"`
	InputFile    string `yaml:"input_file"`
	SessionFile  string `yaml:"session_file"`
}

type CameraConfig struct {
	Name     string
	Kind     string
	Index    int // emulated camera 1 or 2
	FPS      float64
	Exposure float64
	Gain     float64
}

type WatcherConfig struct {
	plasma.Config `yaml:",inline"`
	Camera1       string
	Camera2       string
}

// EmulatorConfig switches the setup to a simulated jet with emulated motors and cameras.
type EmulatorConfig struct {
	Realtime      bool
	Width         int
	Height        int
	G1            float64
	G2            float64
	LaserOn       bool    `yaml:"laser_on"`
	FlickerSigma  float64 `yaml:"flicker_sigma"`
	LaserJetShift float64 `yaml:"laser_jet_shift"`
	DriftSpeed    float64 `yaml:"drift_speed"`
	MaxShift      float64 `yaml:"max_shift"`
}

// jetConfig is the jet emulator configuration for this setup.
func (c SetupConfig) jetConfig() jetsim.Config {
	jc := jetsim.DefaultConfig()
	if w := c.Watcher; w != nil {
		jc.Phi, jc.Psi, jc.JetD = w.Phi, w.Psi, w.JetD
	}
	if e := c.Emulator; e != nil {
		jc.Width, jc.Height = e.Width, e.Height
		jc.G1, jc.G2 = e.G1, e.G2
		jc.LaserOn = e.LaserOn
		jc.FlickerSigma = e.FlickerSigma
		jc.LaserJetShift = e.LaserJetShift
	}
	return jc
}

func (c *SetupConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "microscope"
	}
	for i := range c.Boxes {
		b := &c.Boxes[i]
		if b.Name == "" {
			b.Name = fmt.Sprintf("box%d", i+1)
		}
		if b.Communicator == "" {
			b.Communicator = "mcc2"
		}
		if b.Connection == "" {
			b.Connection = CONN_SERIAL
		}
		if b.Baudrate == 0 {
			b.Baudrate = transport.DEFAULT_BAUDRATE
		}
		if b.TimeoutMs == 0 {
			b.TimeoutMs = int(transport.DEFAULT_TIMEOUT.Milliseconds())
		}
	}
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Kind == "" {
			cam.Kind = "emulator"
		}
		if cam.FPS == 0 {
			cam.FPS = camera.DEFAULT_FPS
		}
		if cam.Exposure == 0 {
			cam.Exposure = 1
		}
		if cam.Gain == 0 {
			cam.Gain = 1
		}
	}
	if w := c.Watcher; w != nil {
		if w.Phi == 0 && w.Psi == 0 {
			w.Phi, w.Psi = 90, 45
		}
		if w.JetD == 0 {
			w.JetD = 70
		}
	}
	if e := c.Emulator; e != nil {
		if e.Width == 0 || e.Height == 0 {
			e.Width, e.Height = camera.DEFAULT_WIDTH, camera.DEFAULT_HEIGHT
		}
		if e.G1 == 0 {
			e.G1 = 10
		}
		if e.G2 == 0 {
			e.G2 = e.G1
		}
		if e.MaxShift == 0 {
			e.MaxShift = 30
		}
	}
}

func (c SetupConfig) validate() error {
	switch c.Version {
	case SETUP_VERSION:
	default:
		return fmt.Errorf("unable to work with version %d", c.Version)
	}

	names := make(map[string]bool)
	for _, b := range c.Boxes {
		if names[b.Name] {
			return fmt.Errorf("box name %q used twice", b.Name)
		}
		names[b.Name] = true
		if b.Communicator != "mcc2" {
			return fmt.Errorf("box %s: unknown communicator %q", b.Name, b.Communicator)
		}
		switch b.Connection {
		case CONN_SERIAL, CONN_ETHERNET, CONN_EMULATOR:
		default:
			return fmt.Errorf("box %s: unknown connection %q", b.Name, b.Connection)
		}
	}

	cameras := make(map[string]bool)
	for _, cam := range c.Cameras {
		if cam.Kind != "emulator" {
			return fmt.Errorf("camera %s: unsupported kind %q", cam.Name, cam.Kind)
		}
		if cam.Index != 1 && cam.Index != 2 {
			return fmt.Errorf("camera %s: emulated camera index must be 1 or 2", cam.Name)
		}
		cameras[cam.Name] = true
	}
	if len(c.Cameras) > 0 && c.Emulator == nil {
		return fmt.Errorf("emulated cameras need an emulator block")
	}
	if w := c.Watcher; w != nil {
		for _, name := range []string{w.Camera1, w.Camera2} {
			if !cameras[name] {
				return fmt.Errorf("watcher camera %q is not configured", name)
			}
		}
	}
	return nil
}

// ParseSetupConfig reads a YAML setup and fills in defaults.
func ParseSetupConfig(data []byte) (config SetupConfig, err error) {
	if err = yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("unable to unmarshal yaml: %w", err)
	}
	config.applyDefaults()
	return config, config.validate()
}

func ReadSetupConfig(path string) (SetupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SetupConfig{}, fmt.Errorf("unable to read yaml file: %w", err)
	}
	return ParseSetupConfig(data)
}
