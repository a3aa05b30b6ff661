package client

import "github.com/iplchat/iplchat/internal/protocol"

// ConnectionState describes the client's link to the broker.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateAuthenticated
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Events is the callback surface a front-end subscribes to. Any field
// may be left nil. Callbacks run on the notification listener's
// goroutine (or the caller's, for OnConnectionState transitions driven
// by requests) and should return quickly.
type Events struct {
	// OnMessage fires when a pushed message envelope has been decrypted
	// with the peer key shared with its sender.
	OnMessage func(peerUUID string, plaintext []byte, kind protocol.MessageKind)

	// OnPeerJoined fires when a peer completes a key exchange with us
	// and the new peer key has been stored.
	OnPeerJoined func(peerUUID string)

	// OnConnectionState fires on every state transition.
	OnConnectionState func(state ConnectionState)
}

func (e Events) message(peer string, plaintext []byte, kind protocol.MessageKind) {
	if e.OnMessage != nil {
		e.OnMessage(peer, plaintext, kind)
	}
}

func (e Events) peerJoined(peer string) {
	if e.OnPeerJoined != nil {
		e.OnPeerJoined(peer)
	}
}

func (e Events) state(s ConnectionState) {
	if e.OnConnectionState != nil {
		e.OnConnectionState(s)
	}
}
