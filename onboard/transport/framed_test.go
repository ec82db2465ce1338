package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// mockPort is an in-memory serial port: reads drain readBuf, writes land in writeBuf.
type mockPort struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	readErr  error
	closed   bool
}

func newMockPort() *mockPort {
	return &mockPort{
		readBuf:  bytes.NewBuffer(nil),
		writeBuf: bytes.NewBuffer(nil),
	}
}

func (m *mockPort) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.readBuf.Read(b)
}

func (m *mockPort) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.Write(b)
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPort) setResponse(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Reset()
	m.readBuf.Write(data)
}

func newTestConnection() (*mockPort, *FramedConnection) {
	port := newMockPort()
	conn := newSerialConnection(port)
	conn.SetTimeout(30 * time.Millisecond)
	return port, NewFramedConnection(conn, STX, ETX)
}

func TestFramedSend(t *testing.T) {
	port, conn := newTestConnection()

	require.NoError(t, conn.Send([]byte("0A200")))
	require.Equal(t, []byte{STX, '0', 'A', '2', '0', '0', ETX}, port.writeBuf.Bytes())
}

func TestFramedReceive(t *testing.T) {
	cases := []struct {
		name    string
		raw     []byte
		payload []byte
		noReply bool
		framing bool
	}{
		{name: "ack", raw: []byte{STX, 0x06, ETX}, payload: []byte{0x06}},
		{name: "ack with payload", raw: []byte{STX, 0x06, '2', '0', '0', ETX}, payload: []byte{0x06, '2', '0', '0'}},
		{name: "first of two frames", raw: []byte{STX, 0x15, ETX, STX, 0x06, ETX}, payload: []byte{0x15}},
		{name: "empty", raw: nil, noReply: true},
		{name: "missing end", raw: []byte{STX, 0x06}, framing: true},
		{name: "missing begin", raw: []byte{0x06, ETX}, framing: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port, conn := newTestConnection()
			port.setResponse(tc.raw)

			payload, err := conn.Receive(MAX_REPLY_BYTES)
			switch {
			case tc.noReply:
				require.True(t, errors.Is(err, merrors.ErrNoReply))
			case tc.framing:
				var replyErr merrors.ReplyError
				require.True(t, errors.As(err, &replyErr))
				require.Equal(t, "framing error", replyErr.Reason)
			default:
				require.NoError(t, err)
				require.Equal(t, tc.payload, payload)
			}
		})
	}
}

func TestReadUntilRespectsMaxBytes(t *testing.T) {
	port, conn := newTestConnection()
	port.setResponse([]byte("abcdefgh"))

	data, err := conn.Transport.ReadUntil(ETX, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), data)
}

func TestReadErrorIsSurfaced(t *testing.T) {
	port, conn := newTestConnection()
	port.readErr = errors.New("unplugged")

	_, err := conn.Query([]byte("0IVR"))
	var tErr merrors.TransportError
	require.True(t, errors.As(err, &tErr))
	require.Equal(t, "read", tErr.Op)
}

func TestClearBuffer(t *testing.T) {
	port, conn := newTestConnection()
	port.setResponse([]byte{STX, 0x06, ETX})

	require.NoError(t, conn.ClearBuffer())
	_, err := conn.Receive(MAX_REPLY_BYTES)
	require.True(t, errors.Is(err, merrors.ErrNoReply))
}
