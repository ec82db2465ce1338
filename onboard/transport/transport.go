// Package transport provides byte pipes to motor controllers: serial ports, TCP sockets and a framing
// wrapper that adds begin/end symbols around every message.
package transport

import (
	"time"
)

const (
	DEFAULT_BAUDRATE = 115200
	DEFAULT_TIMEOUT  = 200 * time.Millisecond
	MAX_REPLY_BYTES  = 1024
)

// Transport is a raw byte pipe to a controller.
type Transport interface {
	// Write sends the bytes unchanged.
	Write(data []byte) error
	// ReadUntil reads until end is seen, maxBytes were read or the timeout expired.
	// Whatever was read is returned; an empty slice means nothing arrived in time.
	ReadUntil(end byte, maxBytes int) ([]byte, error)
	// ClearBuffer drops everything pending on the input side.
	ClearBuffer() error
	SetTimeout(timeout time.Duration)
	Close() error
}
