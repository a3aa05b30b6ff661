// Package client is the chat client core: one broker connection, one
// keychain and one notification listener, composed at login time and
// surfaced to front-ends through the Events callbacks.
package client

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"

	"github.com/iplchat/iplchat/internal/common"
	"github.com/iplchat/iplchat/internal/cryptox"
	"github.com/iplchat/iplchat/internal/keychain"
	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
)

// Client drives the wire protocol against one broker.
type Client struct {
	log    logging.Logger
	events Events

	priv *rsa.PrivateKey

	// mu serializes request/response exchanges on the main stream.
	mu   sync.Mutex
	conn net.Conn

	sessionKey []byte
	userUUID   string
	username   string

	keys     *keychain.Keychain
	listener *listener
}

// New creates a client with a fresh asymmetric key pair. keyDir is the
// directory holding per-owner keychain files.
func New(keyDir string, events Events, log logging.Logger) (*Client, error) {
	priv, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &Client{
		log:    log.With("module", "client"),
		events: events,
		priv:   priv,
		keys:   keychain.New(keyDir),
	}, nil
}

// UserUUID returns the authenticated user's uuid, or "".
func (c *Client) UserUUID() string { return c.userUUID }

// Username returns the authenticated username, or "".
func (c *Client) Username() string { return c.username }

// Connect dials the broker and performs the handshake that establishes
// the session key.
func (c *Client) Connect(ctx context.Context, addr string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	c.conn = conn

	der, err := cryptox.MarshalPublicKey(&c.priv.PublicKey)
	if err != nil {
		conn.Close()
		return err
	}
	resp, err := c.roundTrip(protocol.HandshakeRequest, der)
	if err != nil {
		conn.Close()
		return err
	}
	if resp.Type != protocol.HandshakeResponse {
		conn.Close()
		return fmt.Errorf("handshake: unexpected %s", resp.Type)
	}
	key, err := cryptox.DecryptAsym(c.priv, resp.Payload)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	c.sessionKey = key
	c.events.state(StateConnected)
	return nil
}

// Close tears down the connection and the notification listener, saving
// the keychain first when it has an owner.
func (c *Client) Close() error {
	if c.userUUID != "" {
		if err := c.keys.Save(c.userUUID); err != nil {
			c.log.Warn(context.Background(), "saving keychain", "error", err)
		}
	}
	if c.listener != nil {
		c.listener.close()
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.events.state(StateDisconnected)
	return err
}

// roundTrip performs one synchronous request/response exchange.
func (c *Client) roundTrip(t protocol.PacketType, payload []byte) (*protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	if err := protocol.WritePacket(c.conn, &protocol.Packet{Type: t, Payload: payload}); err != nil {
		return nil, err
	}
	return protocol.ReadPacket(c.conn)
}

func (c *Client) sealedCredentials(username string, password []byte) ([]byte, error) {
	plain, err := protocol.EncodeCredentials(protocol.Credentials{
		Username: username,
		Password: string(password),
	})
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plain)
	return cryptox.Encrypt(c.sessionKey, plain)
}

// finishAuth records identity, opens the keychain and starts the
// notification listener, registering its port with the broker.
func (c *Client) finishAuth(ctx context.Context, username string, password []byte, userUUID string) error {
	c.userUUID = userUUID
	c.username = username

	ok, err := c.keys.Load(userUUID, password)
	if err != nil {
		return fmt.Errorf("open keychain: %w", err)
	}
	if !ok {
		return fmt.Errorf("open keychain: %w", common.ErrInvalidPassword)
	}

	ln, err := newListener(c, c.log)
	if err != nil {
		return err
	}
	c.listener = ln

	resp, err := c.roundTrip(protocol.NotificationPort, protocol.EncodePort(ln.port()))
	if err != nil {
		return err
	}
	if resp.Type != protocol.NotificationPortResponse {
		return fmt.Errorf("notification port: unexpected %s", resp.Type)
	}

	c.events.state(StateAuthenticated)
	return nil
}

// Register creates an account and authenticates the session.
func (c *Client) Register(ctx context.Context, username string, password []byte) error {
	sealed, err := c.sealedCredentials(username, password)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(protocol.RegisterRequest, sealed)
	if err != nil {
		return err
	}
	if resp.Type != protocol.RegisterResponse {
		return common.ErrUnauthorized
	}
	raw, err := cryptox.Decrypt(c.sessionKey, resp.Payload)
	if err != nil {
		return err
	}
	return c.finishAuth(ctx, username, password, string(raw))
}

// Login authenticates the session. Unknown user and wrong password are
// indistinguishable by design.
func (c *Client) Login(ctx context.Context, username string, password []byte) error {
	sealed, err := c.sealedCredentials(username, password)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(protocol.LoginRequest, sealed)
	if err != nil {
		return err
	}
	if resp.Type != protocol.LoginResponse {
		return common.ErrUnauthorized
	}
	raw, err := cryptox.Decrypt(c.sessionKey, resp.Payload)
	if err != nil {
		return err
	}
	return c.finishAuth(ctx, username, password, string(raw))
}

// Logout ends the broker session. The connection stays open so the
// caller may handshake again.
func (c *Client) Logout(ctx context.Context) error {
	if c.userUUID != "" {
		if err := c.keys.Save(c.userUUID); err != nil {
			c.log.Warn(ctx, "saving keychain", "error", err)
		}
	}
	resp, err := c.roundTrip(protocol.LogoutRequest, nil)
	if err != nil {
		return err
	}
	if resp.Type != protocol.LogoutResponse {
		return fmt.Errorf("logout: unexpected %s", resp.Type)
	}
	c.userUUID = ""
	c.username = ""
	c.sessionKey = nil
	c.events.state(StateConnected)
	return nil
}

// Channels fetches the user's subscription list.
func (c *Client) Channels(ctx context.Context) ([]protocol.DirectoryEntry, error) {
	resp, err := c.roundTrip(protocol.ChannelFetchRequest, nil)
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.ChannelFetchResponse {
		return nil, fmt.Errorf("channel fetch: unexpected %s", resp.Type)
	}
	plain, err := cryptox.Decrypt(c.sessionKey, resp.Payload)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeDirectory(plain)
}

// JoinChannel subscribes the user to a channel.
func (c *Client) JoinChannel(ctx context.Context, channelUUID string) error {
	sealed, err := cryptox.Encrypt(c.sessionKey, []byte(channelUUID))
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(protocol.JoinChannelRequest, sealed)
	if err != nil {
		return err
	}
	if resp.Type != protocol.JoinChannelSuccess {
		return fmt.Errorf("join channel: %w", common.ErrNotFound)
	}
	return nil
}

// SearchUsers looks up users by username substring.
func (c *Client) SearchUsers(ctx context.Context, pattern string) ([]protocol.DirectoryEntry, error) {
	sealed, err := cryptox.Encrypt(c.sessionKey, []byte(pattern))
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(protocol.UserSearchRequest, sealed)
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.UserSearchResponse {
		return nil, fmt.Errorf("user search: unexpected %s", resp.Type)
	}
	plain, err := cryptox.Decrypt(c.sessionKey, resp.Payload)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeDirectory(plain)
}

// ResolveUsername maps a user uuid to its username.
func (c *Client) ResolveUsername(ctx context.Context, userUUID string) (string, error) {
	sealed, err := cryptox.Encrypt(c.sessionKey, []byte(userUUID))
	if err != nil {
		return "", err
	}
	resp, err := c.roundTrip(protocol.UsernameRequest, sealed)
	if err != nil {
		return "", err
	}
	if resp.Type != protocol.UsernameResponse {
		return "", fmt.Errorf("username: unexpected %s", resp.Type)
	}
	plain, err := cryptox.Decrypt(c.sessionKey, resp.Payload)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ExchangeKeys runs the two-phase peer key exchange with the target
// user: fetch the target's public key, generate a fresh peer key, seal
// it to the target and record it in our keychain. The broker relays the
// sealed key to the target's notification endpoint.
func (c *Client) ExchangeKeys(ctx context.Context, targetUUID string) error {
	resp, err := c.roundTrip(protocol.ClientToClientHandshake, []byte(targetUUID))
	if err != nil {
		return err
	}
	if resp.Type != protocol.ClientPublicKey {
		return fmt.Errorf("peer handshake: %w", common.ErrTargetOffline)
	}
	targetPub, err := cryptox.ParsePublicKey(resp.Payload)
	if err != nil {
		return err
	}

	peerKey := cryptox.GenerateKey()
	sealedKey, err := cryptox.EncryptAsym(targetPub, peerKey)
	if err != nil {
		return err
	}

	payload := protocol.EncodeKeyExchange(protocol.KeyExchange{
		UUID:      targetUUID,
		SealedKey: sealedKey,
	})
	echo, err := c.roundTrip(protocol.ClientToClientHandshake2, payload)
	if err != nil {
		return err
	}
	if echo.Type != protocol.HandshakeNotification {
		return fmt.Errorf("peer handshake: %w", common.ErrTargetOffline)
	}

	c.keys.Add(targetUUID, peerKey)
	if err := c.keys.Save(c.userUUID); err != nil {
		c.log.Warn(ctx, "saving keychain", "error", err)
	}
	return nil
}

// PeerKey returns the stored key shared with a peer, or nil.
func (c *Client) PeerKey(peerUUID string) []byte {
	return c.keys.Get(peerUUID)
}

// Send encrypts plaintext under the peer key shared with the recipient,
// signs the envelope and submits it for relay.
func (c *Client) Send(ctx context.Context, peerUUID string, plaintext []byte, kind protocol.MessageKind) error {
	key := c.keys.Get(peerUUID)
	if key == nil {
		return fmt.Errorf("send: no peer key for %s", peerUUID)
	}

	body, err := cryptox.Encrypt(key, plaintext)
	if err != nil {
		return err
	}
	msg, err := protocol.NewMessage(c.userUUID, peerUUID, body, kind)
	if err != nil {
		return err
	}
	if err := msg.Sign(c.priv); err != nil {
		return err
	}

	resp, err := c.roundTrip(protocol.MessageRequest, msg.Encode())
	if err != nil {
		return err
	}
	if resp.Type != protocol.MessageSuccess {
		return fmt.Errorf("send: %w", common.ErrTargetOffline)
	}
	return nil
}
