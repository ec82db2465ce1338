// Package onboard assembles motor boxes, cameras and the plasma watcher of one setup into a Microscope.
package onboard

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/camera"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/jetsim"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/mcc2"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/motors"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/plasma"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/transport"
)

// EMULATED_AXES is the number of axes per bus of a box with an emulator connection.
const EMULATED_AXES = 3

// JET_BOX is the name of the emulated box carrying the jet and laser motors.
const JET_BOX = "jet"

type Microscope struct {
	Name    string
	Boxes   []*motors.Box
	Cluster *motors.Cluster
	Cameras map[string]camera.Camera
	Watcher *plasma.Watcher
	Holder  *plasma.Holder
	// Jet is set when the setup runs on emulated hardware.
	Jet *jetsim.JetEmulator

	config SetupConfig
	report []string
	log    *logrus.Entry
}

func NewMicroscope(config SetupConfig, log *logrus.Entry) (m *Microscope, err error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err = config.validate(); err != nil {
		return nil, err
	}
	m = &Microscope{
		Name:    config.Name,
		Cameras: make(map[string]camera.Camera),
		config:  config,
		log:     log.WithField("component", "microscope"),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	for _, bc := range config.Boxes {
		box, err := m.openBox(bc, log)
		if err != nil {
			return m, fmt.Errorf("box %s: %w", bc.Name, err)
		}
		m.Boxes = append(m.Boxes, box)
	}
	if config.Emulator != nil {
		box, _, err := jetsim.NewMotorsBox(JET_BOX, config.Emulator.Realtime, log)
		if err != nil {
			return m, err
		}
		m.Boxes = append(m.Boxes, box)
	}

	if m.Cluster, err = motors.NewCluster(log, m.Boxes...); err != nil {
		return m, err
	}

	if e := config.Emulator; e != nil {
		if m.Jet, err = jetsim.NewJetEmulator(m.Cluster, config.jetConfig(), log); err != nil {
			return m, err
		}
		if e.DriftSpeed > 0 {
			m.Jet.StartDrift(e.DriftSpeed, e.MaxShift)
		}
	}

	for _, cc := range config.Cameras {
		cam, err := jetsim.NewCamera(cc.Name, m.Jet, cc.Index, cc.FPS, log)
		if err != nil {
			return m, err
		}
		if err = cam.SetExposure(cc.Exposure); err != nil {
			return m, err
		}
		if err = cam.SetGain(cc.Gain); err != nil {
			return m, err
		}
		m.Cameras[cc.Name] = cam
	}

	if wc := config.Watcher; wc != nil {
		cfg := wc.Config
		if e := config.Emulator; e != nil && cfg.G1 == 0 {
			cfg.G1, cfg.G2 = e.G1, e.G2
		}
		if m.Watcher, err = plasma.NewWatcher(m.Cluster, m.Cameras[wc.Camera1], m.Cameras[wc.Camera2], cfg, log); err != nil {
			return m, err
		}
		m.Holder = plasma.NewHolder(m.Watcher, plasma.DefaultHolderSettings())
	}

	m.log.WithFields(logrus.Fields{"boxes": len(m.Boxes), "motors": len(m.Cluster.Motors()), "cameras": len(m.Cameras)}).Info("microscope ready")
	return m, nil
}

func openTransport(bc BoxConfig) (transport.Transport, error) {
	timeout := time.Duration(bc.TimeoutMs) * time.Millisecond
	switch bc.Connection {
	case CONN_SERIAL:
		t, err := transport.OpenSerial(bc.Address, bc.Baudrate)
		if err != nil {
			return nil, err
		}
		t.SetTimeout(timeout)
		return t, nil
	case CONN_ETHERNET:
		return transport.DialEthernet(bc.Address, timeout)
	case CONN_EMULATOR:
		e := mcc2.NewEmulator(1, EMULATED_AXES, false)
		e.SetTimeout(time.Millisecond)
		return e, nil
	}
	return nil, fmt.Errorf("unknown connection %q", bc.Connection)
}

func (m *Microscope) openBox(bc BoxConfig, log *logrus.Entry) (*motors.Box, error) {
	t, err := openTransport(bc)
	if err != nil {
		return nil, err
	}
	box := motors.NewBox(bc.Name, mcc2.NewCommunicator(t, log), log)

	report, err := box.InitializeWithInputFile(bc.InputFile)
	if err != nil {
		t.Close()
		return nil, err
	}
	m.report = append(m.report, fmt.Sprintf("[%s]", bc.Name), report)

	if bc.SessionFile != "" {
		if _, statErr := os.Stat(bc.SessionFile); statErr == nil {
			missing, err := box.ReadSavedSessionData(bc.SessionFile)
			if err != nil {
				t.Close()
				return nil, err
			}
			for _, addr := range missing {
				m.report = append(m.report, fmt.Sprintf("motor %s has no saved session and needs calibration", addr))
			}
		}
	}
	return box, nil
}

// Report is the initialization report of all boxes.
func (m *Microscope) Report() string {
	return strings.Join(m.report, "\n")
}

func (m *Microscope) Config() SetupConfig {
	return m.config
}

func (m *Microscope) Camera(name string) (camera.Camera, error) {
	cam, ok := m.Cameras[name]
	if !ok {
		return nil, fmt.Errorf("unable to find camera '%s'", name)
	}
	return cam, nil
}

func (m *Microscope) CameraNames() []string {
	names := make([]string, 0, len(m.Cameras))
	for name := range m.Cameras {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveSession writes the session file of every box that has one configured.
func (m *Microscope) SaveSession() error {
	for i, bc := range m.config.Boxes {
		if bc.SessionFile == "" {
			continue
		}
		if err := m.Boxes[i].SaveSessionData(bc.SessionFile); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every background worker and releases the controller connections.
func (m *Microscope) Close() error {
	if m.Holder != nil {
		m.Holder.Stop()
	}
	for _, cam := range m.Cameras {
		cam.StopVideoRecord()
		cam.StopStream()
	}
	if m.Jet != nil {
		m.Jet.StopDrift()
	}

	var err error
	for _, box := range m.Boxes {
		if c, ok := box.Communicator().(io.Closer); ok {
			if closeErr := c.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	}
	return err
}
