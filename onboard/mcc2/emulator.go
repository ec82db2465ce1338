package mcc2

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/v-usatikov/microscope-controller-sub000/onboard/transport"
)

const (
	EMULATOR_VERSION = "MCC2 v1.4.0"

	DEFAULT_BEGINNING = -10000
	DEFAULT_END       = 10000

	STEP_INTERVAL = time.Millisecond
)

// Emulator simulates a chain of MCC2 controllers byte for byte. It implements transport.Transport,
// so a Communicator cannot tell it apart from a serial port.
type Emulator struct {
	// Realtime makes moves take 1/Lauffrequenz seconds per step; otherwise moves finish before the ACK.
	Realtime bool

	lock    sync.Mutex
	buffer  []byte
	timeout time.Duration
	busses  map[int]map[int]*EmulatedMotor
	log     *logrus.Entry
}

// EmulatedMotor is the state of one simulated axis.
type EmulatedMotor struct {
	lock        sync.Mutex
	steps       int
	destination int
	params      map[int]float64
	standing    bool
	stop        bool
	Beginning   int
	End         int
}

// NewEmulator creates controllers on busses 0..nBusses-1 with nAxes motors each.
func NewEmulator(nBusses, nAxes int, realtime bool) *Emulator {
	e := &Emulator{
		Realtime: realtime,
		timeout:  10 * time.Millisecond,
		busses:   make(map[int]map[int]*EmulatedMotor, nBusses),
		log:      logrus.WithField("component", "emulator"),
	}
	for bus := 0; bus < nBusses; bus++ {
		axes := make(map[int]*EmulatedMotor, nAxes)
		for axis := 1; axis <= nAxes; axis++ {
			axes[axis] = newEmulatedMotor()
		}
		e.busses[bus] = axes
	}
	return e
}

func newEmulatedMotor() *EmulatedMotor {
	return &EmulatedMotor{
		params:    defaultParameterTable(),
		standing:  true,
		Beginning: DEFAULT_BEGINNING,
		End:       DEFAULT_END,
	}
}

// Motor gives direct access to an emulated axis, e.g. to place its initiators.
func (e *Emulator) Motor(bus, axis int) *EmulatedMotor {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.busses[bus][axis]
}

func (e *Emulator) Write(data []byte) error {
	var replies [][]byte
	for _, frame := range splitFrames(data) {
		reply, answer := e.execute(frame)
		if !answer {
			e.log.WithField("cmd", string(frame)).Debug("no controller on bus")
			continue
		}
		replies = append(replies, reply)
	}

	e.lock.Lock()
	for _, reply := range replies {
		e.buffer = append(e.buffer, transport.STX)
		e.buffer = append(e.buffer, reply...)
		e.buffer = append(e.buffer, transport.ETX)
	}
	e.lock.Unlock()
	return nil
}

// ReadUntil pops the first complete reply; without an end symbol it waits the timeout
// and hands out whatever is left.
func (e *Emulator) ReadUntil(end byte, maxBytes int) ([]byte, error) {
	e.lock.Lock()
	i := bytes.IndexByte(e.buffer, end)
	if i >= 0 && (maxBytes <= 0 || i < maxBytes) {
		out := append([]byte(nil), e.buffer[:i+1]...)
		e.buffer = e.buffer[i+1:]
		e.lock.Unlock()
		return out, nil
	}
	timeout := e.timeout
	e.lock.Unlock()

	time.Sleep(timeout)

	e.lock.Lock()
	defer e.lock.Unlock()
	n := len(e.buffer)
	if maxBytes > 0 && n > maxBytes {
		n = maxBytes
	}
	out := append([]byte(nil), e.buffer[:n]...)
	e.buffer = e.buffer[n:]
	return out, nil
}

func (e *Emulator) ClearBuffer() error {
	e.lock.Lock()
	e.buffer = nil
	e.lock.Unlock()
	return nil
}

func (e *Emulator) SetTimeout(timeout time.Duration) {
	e.lock.Lock()
	e.timeout = timeout
	e.lock.Unlock()
}

func (e *Emulator) Close() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, axes := range e.busses {
		for _, m := range axes {
			m.Stop()
		}
	}
	return nil
}

// splitFrames cuts STX...ETX frames out of data. Bytes outside frames yield an empty frame,
// which is answered with NAK.
func splitFrames(data []byte) (frames [][]byte) {
	for len(data) > 0 {
		beg := bytes.IndexByte(data, transport.STX)
		end := bytes.IndexByte(data, transport.ETX)
		if beg != 0 || end < 0 {
			return append(frames, nil)
		}
		frames = append(frames, data[1:end])
		data = data[end+1:]
	}
	return
}

var nak = []byte{NAK}

func ack(payload string) []byte {
	return append([]byte{ACK}, payload...)
}

// execute runs one unframed command. answer is false when no controller listens on the bus.
func (e *Emulator) execute(frame []byte) (reply []byte, answer bool) {
	cmd := string(frame)
	if len(cmd) < 2 {
		return nak, true
	}

	bus, err := strconv.ParseUint(cmd[:1], 16, 8)
	if err != nil {
		return nak, true
	}

	e.lock.Lock()
	axes, ok := e.busses[int(bus)]
	e.lock.Unlock()
	if !ok {
		return nil, false
	}

	rest := cmd[1:]
	if rest[0] < '1' || rest[0] > '9' {
		return e.controllerCommand(axes, rest), true
	}

	motor, ok := axes[int(rest[0]-'0')]
	if !ok {
		return nak, true
	}
	return e.axisCommand(motor, rest[1:]), true
}

func (e *Emulator) controllerCommand(axes map[int]*EmulatedMotor, cmd string) []byte {
	switch cmd {
	case "IVR":
		return ack(EMULATOR_VERSION)
	case "IAR":
		return ack(strconv.Itoa(len(axes)))
	case "SA":
		return ack("")
	}
	return nak
}

func (e *Emulator) axisCommand(m *EmulatedMotor, cmd string) []byte {
	switch {
	case cmd == "":
		return nak
	case cmd == "S":
		m.Stop()
		return ack("")
	case cmd == "=H":
		return flag(m.Stand())
	case cmd == "=I-":
		return flag(m.AtTheBeginning())
	case cmd == "=I+":
		return flag(m.AtTheEnd())
	case cmd[0] == 'A':
		v, err := strconv.ParseFloat(cmd[1:], 64)
		if err != nil || !finite(v) {
			return nak
		}
		e.move(m, v, false)
		return ack("")
	case cmd[0] == '+' || cmd[0] == '-' || (cmd[0] >= '0' && cmd[0] <= '9') || cmd[0] == '.':
		// an unsigned number is a move in positive direction
		v, err := strconv.ParseFloat(cmd, 64)
		if err != nil || !finite(v) {
			return nak
		}
		e.move(m, v, true)
		return ack("")
	case cmd[0] == 'P':
		return parameterCommand(m, cmd[1:])
	}
	return nak
}

func parameterCommand(m *EmulatedMotor, cmd string) []byte {
	numStr, valueStr, write := strings.Cut(cmd, "S")
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return nak
	}

	if !write {
		v, ok := m.Parameter(n)
		if !ok {
			return nak
		}
		return ack(formatNumber(v))
	}

	v, err := strconv.ParseFloat(valueStr, 64)
	if err != nil || !finite(v) {
		return nak
	}
	if !m.SetParameter(n, v) {
		return nak
	}
	return ack("")
}

func flag(b bool) []byte {
	if b {
		return ack("E")
	}
	return ack("N")
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// move sets a new destination in position units. A move in flight is retargeted, never doubled.
func (e *Emulator) move(m *EmulatedMotor, value float64, relative bool) {
	m.lock.Lock()
	factor := m.params[PARAM_CONVERSION_FACTOR]
	if factor == 0 {
		factor = 1
	}
	steps := int(math.Round(value / factor))
	if relative {
		if m.standing {
			m.destination = m.steps + steps
		} else {
			m.destination += steps
		}
	} else {
		m.destination = steps
	}
	m.stop = false

	if !e.Realtime {
		m.runInstantly()
		m.lock.Unlock()
		return
	}

	start := m.standing
	m.standing = false
	m.lock.Unlock()

	if start {
		go m.run()
	}
}

// runInstantly jumps to the destination or the initiator in the way. Caller holds m.lock.
func (m *EmulatedMotor) runInstantly() {
	target := m.destination
	if target > m.steps && target > m.End {
		target = max(m.End, m.steps)
	}
	if target < m.steps && target < m.Beginning {
		target = min(m.Beginning, m.steps)
	}
	m.steps = target
	m.standing = true
}

// step moves one count toward the destination. Caller holds m.lock. Returns false when the move is over.
func (m *EmulatedMotor) step() bool {
	switch {
	case m.stop || m.steps == m.destination:
		return false
	case m.destination > m.steps:
		if m.steps >= m.End {
			return false
		}
		m.steps++
	default:
		if m.steps <= m.Beginning {
			return false
		}
		m.steps--
	}
	return true
}

func (m *EmulatedMotor) run() {
	last := time.Now()
	due := 0.0

	for {
		time.Sleep(STEP_INTERVAL)

		m.lock.Lock()
		now := time.Now()
		due += now.Sub(last).Seconds() * m.params[PARAM_RUN_FREQUENCY]
		last = now

		for due >= 1 {
			due--
			if !m.step() {
				m.standing = true
				m.lock.Unlock()
				return
			}
		}
		if m.stop || m.steps == m.destination {
			m.standing = true
			m.lock.Unlock()
			return
		}
		m.lock.Unlock()
	}
}

func (m *EmulatedMotor) Stop() {
	m.lock.Lock()
	m.stop = true
	m.lock.Unlock()
}

func (m *EmulatedMotor) Stand() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.standing
}

func (m *EmulatedMotor) AtTheBeginning() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.steps <= m.Beginning
}

func (m *EmulatedMotor) AtTheEnd() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.steps >= m.End
}

// Position returns the position in controller units (steps times conversion factor).
func (m *EmulatedMotor) Position() float64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return float64(m.steps) * m.params[PARAM_CONVERSION_FACTOR]
}

// SetLimits places the lower and upper initiators, in steps.
func (m *EmulatedMotor) SetLimits(beginning, end int) {
	m.lock.Lock()
	m.Beginning = beginning
	m.End = end
	m.lock.Unlock()
}

func (m *EmulatedMotor) Parameter(n int) (float64, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if n == PARAM_POSITION || n == PARAM_POSITION_COUNTER {
		return float64(m.steps) * m.params[PARAM_CONVERSION_FACTOR], true
	}
	v, ok := m.params[n]
	return v, ok
}

func (m *EmulatedMotor) SetParameter(n int, v float64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if n == PARAM_POSITION || n == PARAM_POSITION_COUNTER {
		factor := m.params[PARAM_CONVERSION_FACTOR]
		if factor == 0 {
			factor = 1
		}
		m.steps = int(math.Round(v / factor))
		if m.standing {
			m.destination = m.steps
		}
		return true
	}
	if _, ok := m.params[n]; !ok {
		return false
	}
	if n == PARAM_CONVERSION_FACTOR && v <= 0 {
		return false
	}
	m.params[n] = v
	return true
}

func (m *EmulatedMotor) String() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return fmt.Sprintf("steps=%d dest=%d standing=%v [%d, %d]", m.steps, m.destination, m.standing, m.Beginning, m.End)
}
