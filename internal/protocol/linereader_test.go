package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLineReaderSurvivesRepeatedTimeouts is the regression case for the
// bufio.Scanner poisoning bug: a read-deadline timeout must not prevent a
// later line from being read on the same reader.
func TestLineReaderSurvivesRepeatedTimeouts(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	lr := NewLineReader(serverConn)

	serverConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := lr.ReadLine()
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())

	// A second timeout on the same reader must behave identically, not
	// short-circuit the way a poisoned bufio.Scanner would.
	serverConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = lr.ReadLine()
	require.Error(t, err)
	netErr, ok = err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())

	done := make(chan struct{})
	go func() {
		clientConn.Write([]byte("hello\n"))
		close(done)
	}()

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
	<-done
}

// TestLineReaderRetainsPartialLineAcrossTimeout verifies that bytes read
// toward an in-progress line before a timeout are not discarded.
func TestLineReaderRetainsPartialLineAcrossTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	lr := NewLineReader(serverConn)

	go clientConn.Write([]byte("par"))

	serverConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := lr.ReadLine()
	require.Error(t, err)

	go clientConn.Write([]byte("tial\n"))

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "partial", line)
}
