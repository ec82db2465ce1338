package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// single reads use a short port timeout, the overall deadline is enforced by ReadUntil
const serialPollTimeout = 20 * time.Millisecond

type SerialConnection struct {
	port    io.ReadWriteCloser
	lock    sync.Mutex
	timeout time.Duration
}

// OpenSerial opens a COM/tty device with 8N1 framing.
func OpenSerial(address string, baudrate int) (c *SerialConnection, err error) {
	if baudrate == 0 {
		baudrate = DEFAULT_BAUDRATE
	}

	port, err := serial.Open(&serial.Config{
		Address:  address,
		BaudRate: baudrate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  serialPollTimeout,
	})
	if err != nil {
		return nil, merrors.TransportError{Op: fmt.Sprintf("open %s", address), Err: err}
	}

	return newSerialConnection(port), nil
}

func newSerialConnection(port io.ReadWriteCloser) *SerialConnection {
	return &SerialConnection{
		port:    port,
		timeout: DEFAULT_TIMEOUT,
	}
}

func (c *SerialConnection) Write(data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, err := c.port.Write(data); err != nil {
		return merrors.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *SerialConnection) ReadUntil(end byte, maxBytes int) (data []byte, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return readUntil(c.port, end, maxBytes, c.timeout)
}

func (c *SerialConnection) ClearBuffer() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if n == 0 || err != nil {
			return nil
		}
	}
}

func (c *SerialConnection) SetTimeout(timeout time.Duration) {
	c.lock.Lock()
	c.timeout = timeout
	c.lock.Unlock()
}

func (c *SerialConnection) Close() error {
	return c.port.Close()
}

// readUntil collects bytes one at a time until end, maxBytes or the deadline.
// Timeouts of single reads are not errors, they only mean no byte arrived yet.
func readUntil(r io.Reader, end byte, maxBytes int, timeout time.Duration) (data []byte, err error) {
	if maxBytes <= 0 {
		maxBytes = MAX_REPLY_BYTES
	}

	deadline := time.Now().Add(timeout)
	b := make([]byte, 1)

	for len(data) < maxBytes && time.Now().Before(deadline) {
		n, rerr := r.Read(b)
		if n == 1 {
			data = append(data, b[0])
			if b[0] == end {
				return data, nil
			}
			continue
		}
		if rerr != nil && rerr != serial.ErrTimeout && rerr != io.EOF {
			if isTimeout(rerr) {
				continue
			}
			return data, merrors.TransportError{Op: "read", Err: rerr}
		}
		if rerr == io.EOF {
			time.Sleep(time.Millisecond)
		}
	}

	return data, nil
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}
