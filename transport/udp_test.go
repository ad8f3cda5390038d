package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindLoopback(t *testing.T, maxDatagram int) (*UDPSocket, *net.UDPAddr) {
	t.Helper()
	sock, addr, err := Bind("127.0.0.1:0", maxDatagram)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	require.NotZero(t, addr.Port)
	return sock, addr
}

func TestUDPSocketSendRecv(t *testing.T) {
	a, _ := bindLoopback(t, 1232)
	b, bAddr := bindLoopback(t, 1232)

	buf := make([]byte, 1233)
	_, _, err := b.Recv(buf)
	assert.True(t, errors.Is(err, ErrWouldBlock), "empty socket should report would-block, got %v", err)

	require.NoError(t, a.Send([]byte("ping"), bAddr))

	ready, err := b.PollReadable(time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	n, src, err := b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, src.(*net.UDPAddr).Port)
}

func TestUDPSocketPollTimeout(t *testing.T) {
	s, _ := bindLoopback(t, 1232)

	start := time.Now()
	ready, err := s.PollReadable(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	ready, err = s.PollReadable(0)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestUDPSocketRejectsOversize(t *testing.T) {
	a, _ := bindLoopback(t, 64)
	_, bAddr := bindLoopback(t, 64)

	err := a.Send(make([]byte, 65), bAddr)
	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, SendSizeMismatch, sendErr.Kind)
	assert.False(t, errors.Is(err, ErrWouldBlock))
}

func TestUDPSocketReportsTruncation(t *testing.T) {
	a, _ := bindLoopback(t, 1232)
	b, bAddr := bindLoopback(t, 64)

	require.NoError(t, a.Send(make([]byte, 100), bAddr))
	ready, err := b.PollReadable(time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	buf := make([]byte, 64)
	n, src, err := b.Recv(buf)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.False(t, errors.Is(err, ErrWouldBlock))
	assert.Equal(t, 64, n)
	require.NotNil(t, src)
	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, src.(*net.UDPAddr).Port)

	// The oversize datagram is consumed; the next one reads normally.
	require.NoError(t, a.Send([]byte("ok"), bAddr))
	ready, err = b.PollReadable(time.Second)
	require.NoError(t, err)
	require.True(t, ready)
	n, _, err = b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}

func TestSendErrorMatchesWouldBlock(t *testing.T) {
	err := error(newSendError(SendWouldBlock, "127.0.0.1:1", ErrWouldBlock))
	assert.True(t, errors.Is(err, ErrWouldBlock))
	assert.Contains(t, err.Error(), "would block")

	err = newRecvError(RecvOther, errors.New("boom"))
	assert.False(t, errors.Is(err, ErrWouldBlock))
}
