package transport

import (
	"bytes"
	"sync"
	"time"

	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

const (
	STX = 0x02
	ETX = 0x03
)

// FramedConnection wraps every outbound message in Beg/End symbols and validates inbound frames.
// Request and reply are exchanged under one lock, so a Query is atomic per connection.
type FramedConnection struct {
	Transport Transport
	Beg, End  byte

	lock sync.Mutex
}

func NewFramedConnection(t Transport, beg, end byte) *FramedConnection {
	return &FramedConnection{Transport: t, Beg: beg, End: end}
}

// Send writes one framed message.
func (c *FramedConnection) Send(msg []byte) error {
	frame := make([]byte, 0, len(msg)+2)
	frame = append(frame, c.Beg)
	frame = append(frame, msg...)
	frame = append(frame, c.End)
	return c.Transport.Write(frame)
}

// Receive reads one frame and returns its payload.
// An empty read yields merrors.ErrNoReply, a broken frame a ReplyError.
func (c *FramedConnection) Receive(maxBytes int) (payload []byte, err error) {
	raw, err := c.Transport.ReadUntil(c.End, maxBytes)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, merrors.ErrNoReply
	}

	start := bytes.IndexByte(raw, c.Beg)
	if start < 0 || raw[len(raw)-1] != c.End {
		return nil, merrors.ReplyError{Reason: "framing error", Reply: raw}
	}

	return raw[start+1 : len(raw)-1], nil
}

// Query sends msg and waits for the reply while holding the connection.
func (c *FramedConnection) Query(msg []byte) (reply []byte, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err = c.Send(msg); err != nil {
		return nil, err
	}
	return c.Receive(MAX_REPLY_BYTES)
}

// Execute is like Query but does not take the lock; for callers that serialise themselves.
func (c *FramedConnection) Execute(msg []byte) (reply []byte, err error) {
	if err = c.Send(msg); err != nil {
		return nil, err
	}
	return c.Receive(MAX_REPLY_BYTES)
}

func (c *FramedConnection) ClearBuffer() error {
	return c.Transport.ClearBuffer()
}

func (c *FramedConnection) SetTimeout(timeout time.Duration) {
	c.Transport.SetTimeout(timeout)
}

func (c *FramedConnection) Close() error {
	return c.Transport.Close()
}
