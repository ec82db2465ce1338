package transport

import (
	"net"
	"sync"
	"time"

	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// EthernetConnection talks to a controller through a TCP stream socket.
type EthernetConnection struct {
	conn    net.Conn
	lock    sync.Mutex
	timeout time.Duration
}

func DialEthernet(address string, timeout time.Duration) (c *EthernetConnection, err error) {
	if timeout == 0 {
		timeout = DEFAULT_TIMEOUT
	}

	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, merrors.TransportError{Op: "dial " + address, Err: err}
	}

	return &EthernetConnection{conn: conn, timeout: timeout}, nil
}

func (c *EthernetConnection) Write(data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(data); err != nil {
		return merrors.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *EthernetConnection) ReadUntil(end byte, maxBytes int) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	return readUntil(c.conn, end, maxBytes, c.timeout)
}

func (c *EthernetConnection) ClearBuffer() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	buf := make([]byte, 256)
	for {
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, err := c.conn.Read(buf)
		if n == 0 || err != nil {
			return nil
		}
	}
}

func (c *EthernetConnection) SetTimeout(timeout time.Duration) {
	c.lock.Lock()
	c.timeout = timeout
	c.lock.Unlock()
}

func (c *EthernetConnection) Close() error {
	return c.conn.Close()
}
