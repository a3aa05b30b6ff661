package client

import (
	"context"
	"net"
	"strconv"

	"github.com/iplchat/iplchat/internal/cryptox"
	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
)

// listener is the client's notification endpoint: a TCP listener the
// broker pushes out-of-band packets to, one packet per connection.
type listener struct {
	c   *Client
	ln  net.Listener
	log logging.Logger
}

func newListener(c *Client, log logging.Logger) (*listener, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, err
	}
	l := &listener{c: c, ln: ln, log: log.With("module", "listener")}
	go l.acceptLoop()
	return l, nil
}

func (l *listener) port() int32 {
	_, portStr, err := net.SplitHostPort(l.ln.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return int32(port)
}

func (l *listener) close() {
	l.ln.Close()
}

func (l *listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handlePush(conn)
	}
}

// handlePush reconstructs one pushed packet and invokes the matching
// callback.
func (l *listener) handlePush(conn net.Conn) {
	defer conn.Close()
	ctx := context.Background()

	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		l.log.Warn(ctx, "bad push", "error", err)
		return
	}

	switch pkt.Type {
	case protocol.HandshakeNotification:
		l.onPeerHandshake(ctx, pkt)
	case protocol.MessageNotification:
		l.onMessage(ctx, pkt)
	default:
		l.log.Warn(ctx, "unexpected push type", "type", pkt.Type.String())
	}
}

// onPeerHandshake completes the receiving side of the key exchange: the
// sealed peer key is opened with our private key and stored under the
// originator's uuid.
func (l *listener) onPeerHandshake(ctx context.Context, pkt *protocol.Packet) {
	kx, err := protocol.DecodeKeyExchange(pkt.Payload)
	if err != nil {
		l.log.Warn(ctx, "bad handshake notification", "error", err)
		return
	}
	peerKey, err := cryptox.DecryptAsym(l.c.priv, kx.SealedKey)
	if err != nil {
		l.log.Warn(ctx, "peer key does not open", "peer", kx.UUID, "error", err)
		return
	}

	l.c.keys.Add(kx.UUID, peerKey)
	if err := l.c.keys.Save(l.c.userUUID); err != nil {
		l.log.Warn(ctx, "saving keychain", "error", err)
	}
	l.c.events.peerJoined(kx.UUID)
}

// onMessage decrypts a pushed envelope with the peer key shared with
// its sender and hands the plaintext to the front-end.
func (l *listener) onMessage(ctx context.Context, pkt *protocol.Packet) {
	msg, err := protocol.DecodeMessage(pkt.Payload)
	if err != nil {
		l.log.Warn(ctx, "bad message notification", "error", err)
		return
	}

	key := l.c.keys.Get(msg.SenderUUID)
	if key == nil {
		l.log.Warn(ctx, "message from peer without a key", "peer", msg.SenderUUID)
		return
	}
	plaintext, err := cryptox.Decrypt(key, msg.Ciphertext)
	if err != nil {
		l.log.Warn(ctx, "message does not open", "peer", msg.SenderUUID, "error", err)
		return
	}
	l.c.events.message(msg.SenderUUID, plaintext, msg.Kind)
}
