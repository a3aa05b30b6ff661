package push

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush_DeliversOnePacket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan *protocol.Packet, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		pkt, err := protocol.ReadPacket(conn)
		if err == nil {
			received <- pkt
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := NewPusher(logging.NewFileLogger(io.Discard, false))
	pkt := &protocol.Packet{Type: protocol.MessageNotification, Payload: []byte("envelope")}
	require.NoError(t, p.Push(context.Background(), "127.0.0.1", int32(port), pkt))

	got := <-received
	assert.Equal(t, protocol.MessageNotification, got.Type)
	assert.Equal(t, []byte("envelope"), got.Payload)
}

func TestPush_UnreachableEndpoint(t *testing.T) {
	// Grab a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := NewPusher(logging.NewFileLogger(io.Discard, false))
	err = p.Push(context.Background(), "127.0.0.1", int32(port), &protocol.Packet{Type: protocol.MessageNotification})
	assert.Error(t, err, "failure is reported to the caller's log line only")
}
