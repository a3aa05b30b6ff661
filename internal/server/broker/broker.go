// Package broker is the request dispatcher at the heart of the server:
// it owns the accept loop, drives each connection's packet stream through
// the precondition table, mutates session and durable state, and forwards
// envelopes to recipients through the notification pusher.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iplchat/iplchat/internal/common"
	"github.com/iplchat/iplchat/internal/cryptox"
	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
	"github.com/iplchat/iplchat/internal/server/push"
	"github.com/iplchat/iplchat/internal/server/session"
	"github.com/iplchat/iplchat/internal/server/storage"
)

// Broker accepts client streams and dispatches their packets.
type Broker struct {
	addr     string
	registry *session.Registry
	engine   *storage.Engine
	pusher   *push.Pusher
	limits   RateLimitPolicy
	log      logging.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(addr string, registry *session.Registry, engine *storage.Engine, pusher *push.Pusher, limits RateLimitPolicy, log logging.Logger) *Broker {
	return &Broker{
		addr:     addr,
		registry: registry,
		engine:   engine,
		pusher:   pusher,
		limits:   limits,
		log:      log.With("module", "broker"),
	}
}

// Run listens on the broker address and serves connections until ctx is
// cancelled. It returns once every connection handler has finished.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.addr, err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b.log.Info(ctx, "broker listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.log.Warn(ctx, "accept failed", "error", err)
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConn(ctx, conn)
		}()
	}

	b.wg.Wait()
	return nil
}

// Addr returns the bound listener address, for tests binding port 0.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// handleConn drives one client stream. A panic in a handler tears down
// this connection only.
func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	streamID := uuid.NewString()
	log := b.log.With("stream", streamID)

	// Unblock the read loop when the server shuts down.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "connection handler panicked", "panic", r)
		}
		conn.Close()
		b.dropSession(ctx, streamID)
	}()

	for {
		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug(ctx, "stream closed", "reason", err)
			}
			return
		}
		if err := b.dispatch(ctx, streamID, conn, pkt); err != nil {
			log.Warn(ctx, "request failed", "type", pkt.Type.String(), "error", err)
		}
	}
}

// dropSession removes the stream's session and deauthenticates its user.
func (b *Broker) dropSession(ctx context.Context, streamID string) {
	s := b.registry.Remove(streamID)
	if s == nil {
		return
	}
	if s.Authenticated() {
		if err := b.engine.Deauthenticate(ctx, s.UserUUID); err != nil {
			b.log.Warn(ctx, "deauthenticate on disconnect", "user", s.UserUUID, "error", err)
		}
	}
}

// respond frames a packet back onto the main stream.
func (b *Broker) respond(conn net.Conn, t protocol.PacketType, payload []byte) error {
	return protocol.WritePacket(conn, &protocol.Packet{Type: t, Payload: payload})
}

// dispatch routes one packet through the precondition table. Failures
// with a paired error type answer it; the rest are returned for a WARN
// line and otherwise dropped.
func (b *Broker) dispatch(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	switch pkt.Type {
	case protocol.HandshakeRequest:
		return b.handleHandshake(streamID, conn, pkt)
	case protocol.LoginRequest:
		return b.handleLogin(ctx, streamID, conn, pkt)
	case protocol.RegisterRequest:
		return b.handleRegister(ctx, streamID, conn, pkt)
	case protocol.LogoutRequest:
		return b.handleLogout(ctx, streamID, conn)
	case protocol.NotificationPort:
		return b.handleNotificationPort(streamID, conn, pkt)
	case protocol.ChannelFetchRequest:
		return b.handleChannelFetch(ctx, streamID, conn)
	case protocol.JoinChannelRequest:
		return b.handleJoinChannel(ctx, streamID, conn, pkt)
	case protocol.UserSearchRequest:
		return b.handleUserSearch(ctx, streamID, conn, pkt)
	case protocol.UsernameRequest:
		return b.handleUsername(ctx, streamID, conn, pkt)
	case protocol.ClientToClientHandshake:
		return b.handlePeerHandshake(streamID, conn, pkt)
	case protocol.ClientToClientHandshake2:
		return b.handlePeerHandshake2(ctx, streamID, conn, pkt)
	case protocol.MessageRequest:
		return b.handleMessage(ctx, streamID, conn, pkt)
	case protocol.MsgSyncRequest, protocol.MsgSyncResponse, protocol.MsgSync:
		return fmt.Errorf("reserved packet type %s", pkt.Type)
	default:
		return fmt.Errorf("unexpected packet type %d", pkt.Type)
	}
}

// sealed returns the stream's session if its key is established.
func (b *Broker) sealed(streamID string) (*session.Session, error) {
	s := b.registry.Get(streamID)
	if s == nil {
		return nil, common.ErrNoSession
	}
	if s.Key == nil {
		return nil, common.ErrNoSessionKey
	}
	return s, nil
}

// authenticated returns the stream's session if login completed.
func (b *Broker) authenticated(streamID string) (*session.Session, error) {
	s, err := b.sealed(streamID)
	if err != nil {
		return nil, err
	}
	if !s.Authenticated() {
		return nil, common.ErrNotAuthenticated
	}
	return s, nil
}

func (b *Broker) handleHandshake(streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s := b.registry.Create(streamID, conn)
	if s == nil {
		return fmt.Errorf("handshake: session already exists")
	}

	pub, err := cryptox.ParsePublicKey(pkt.Payload)
	if err != nil {
		b.registry.Remove(streamID)
		return fmt.Errorf("handshake: %w", err)
	}

	key := cryptox.GenerateKey()
	sealedKey, err := cryptox.EncryptAsym(pub, key)
	if err != nil {
		b.registry.Remove(streamID)
		return fmt.Errorf("handshake: %w", err)
	}

	s.PeerPublicKey = pub
	s.Key = key
	return b.respond(conn, protocol.HandshakeResponse, sealedKey)
}

// openCredentials decrypts and parses a LOGIN/REGISTER payload.
func (b *Broker) openCredentials(s *session.Session, payload []byte) (protocol.Credentials, error) {
	plain, err := cryptox.Decrypt(s.Key, payload)
	if err != nil {
		return protocol.Credentials{}, err
	}
	defer common.WipeByteArray(plain)
	return protocol.DecodeCredentials(plain)
}

func (b *Broker) handleLogin(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.sealed(streamID)
	if err != nil {
		return err
	}
	if s.Authenticated() {
		b.respond(conn, protocol.LoginError, nil)
		return fmt.Errorf("login: already authenticated")
	}

	now := time.Now()
	if !b.limits.allowed(s.LoginAttempts, s.LastLoginTime, now) {
		b.respond(conn, protocol.LoginError, nil)
		return fmt.Errorf("login: %w", common.ErrRateLimited)
	}
	s.LastLoginTime = now

	creds, err := b.openCredentials(s, pkt.Payload)
	if err != nil {
		s.LoginAttempts++
		b.respond(conn, protocol.LoginError, nil)
		return fmt.Errorf("login: %w", err)
	}

	userUUID, err := b.engine.Login(ctx, creds.Username, []byte(creds.Password))
	if err != nil {
		s.LoginAttempts++
		b.respond(conn, protocol.LoginError, nil)
		// Unknown user and wrong password surface identically.
		return fmt.Errorf("login %q: %w", creds.Username, err)
	}

	s.LoginAttempts = 0
	s.UserUUID = userUUID
	s.Username = creds.Username

	subs, err := b.engine.SubscribedChannels(ctx, userUUID)
	if err != nil {
		b.log.Warn(ctx, "loading subscriptions", "user", userUUID, "error", err)
	}
	for _, ch := range subs {
		s.Subscriptions[ch.UUID] = struct{}{}
	}

	sealedUUID, err := cryptox.Encrypt(s.Key, []byte(userUUID))
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return b.respond(conn, protocol.LoginResponse, sealedUUID)
}

func (b *Broker) handleRegister(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.sealed(streamID)
	if err != nil {
		return err
	}
	if s.Authenticated() {
		b.respond(conn, protocol.RegisterError, nil)
		return fmt.Errorf("register: already authenticated")
	}

	now := time.Now()
	if !b.limits.allowed(s.RegisterAttempts, s.LastRegisterTime, now) {
		b.respond(conn, protocol.RegisterError, nil)
		return fmt.Errorf("register: %w", common.ErrRateLimited)
	}
	s.LastRegisterTime = now

	creds, err := b.openCredentials(s, pkt.Payload)
	if err != nil {
		s.RegisterAttempts++
		b.respond(conn, protocol.RegisterError, nil)
		return fmt.Errorf("register: %w", err)
	}

	userUUID := uuid.NewString()
	if err := b.engine.RegisterClient(ctx, userUUID, creds.Username, []byte(creds.Password)); err != nil {
		s.RegisterAttempts++
		b.respond(conn, protocol.RegisterError, nil)
		return fmt.Errorf("register %q: %w", creds.Username, err)
	}

	// Every user doubles as a direct-message channel: uuid and name are
	// shared, and the owner starts subscribed to it.
	if err := b.engine.CreateChannelIfAbsent(ctx, creds.Username, userUUID); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := b.engine.JoinChannel(ctx, userUUID, userUUID); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	s.RegisterAttempts = 0
	s.UserUUID = userUUID
	s.Username = creds.Username
	s.Subscriptions[userUUID] = struct{}{}

	sealedUUID, err := cryptox.Encrypt(s.Key, []byte(userUUID))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return b.respond(conn, protocol.RegisterResponse, sealedUUID)
}

func (b *Broker) handleLogout(ctx context.Context, streamID string, conn net.Conn) error {
	if _, err := b.sealed(streamID); err != nil {
		return err
	}
	b.dropSession(ctx, streamID)
	return b.respond(conn, protocol.LogoutResponse, nil)
}

func (b *Broker) handleNotificationPort(streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.authenticated(streamID)
	if err != nil {
		return err
	}
	port, err := protocol.DecodePort(pkt.Payload)
	if err != nil {
		return fmt.Errorf("notification port: %w", err)
	}
	s.NotificationPort = port
	return b.respond(conn, protocol.NotificationPortResponse, nil)
}

func (b *Broker) handleChannelFetch(ctx context.Context, streamID string, conn net.Conn) error {
	s, err := b.authenticated(streamID)
	if err != nil {
		return err
	}

	subs, err := b.engine.SubscribedChannels(ctx, s.UserUUID)
	if err != nil {
		return fmt.Errorf("channel fetch: %w", err)
	}

	entries := make([]protocol.DirectoryEntry, 0, len(subs))
	for _, ch := range subs {
		entries = append(entries, protocol.DirectoryEntry{Name: ch.Name, UUID: ch.UUID})
	}

	sealed, err := cryptox.Encrypt(s.Key, protocol.EncodeDirectory(entries))
	if err != nil {
		return fmt.Errorf("channel fetch: %w", err)
	}
	return b.respond(conn, protocol.ChannelFetchResponse, sealed)
}

func (b *Broker) handleJoinChannel(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.authenticated(streamID)
	if err != nil {
		return err
	}

	channelUUID, err := cryptox.Decrypt(s.Key, pkt.Payload)
	if err != nil {
		b.respond(conn, protocol.JoinChannelError, nil)
		return fmt.Errorf("join channel: %w", err)
	}

	if err := b.engine.JoinChannel(ctx, s.UserUUID, string(channelUUID)); err != nil {
		b.respond(conn, protocol.JoinChannelError, nil)
		return fmt.Errorf("join channel: %w", err)
	}

	s.Subscriptions[string(channelUUID)] = struct{}{}
	return b.respond(conn, protocol.JoinChannelSuccess, nil)
}

func (b *Broker) handleUserSearch(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.authenticated(streamID)
	if err != nil {
		return err
	}

	pattern, err := cryptox.Decrypt(s.Key, pkt.Payload)
	if err != nil {
		return fmt.Errorf("user search: %w", err)
	}

	users, err := b.engine.SearchUsers(ctx, s.Username, string(pattern), storage.SearchDepth)
	if err != nil {
		return fmt.Errorf("user search: %w", err)
	}

	sealed, err := cryptox.Encrypt(s.Key, protocol.EncodeDirectory(users))
	if err != nil {
		return fmt.Errorf("user search: %w", err)
	}
	return b.respond(conn, protocol.UserSearchResponse, sealed)
}

func (b *Broker) handleUsername(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.authenticated(streamID)
	if err != nil {
		return err
	}

	userUUID, err := cryptox.Decrypt(s.Key, pkt.Payload)
	if err != nil {
		return fmt.Errorf("username: %w", err)
	}

	name, err := b.engine.GetUsername(ctx, string(userUUID))
	if err != nil {
		return fmt.Errorf("username: %w", err)
	}

	sealed, err := cryptox.Encrypt(s.Key, []byte(name))
	if err != nil {
		return fmt.Errorf("username: %w", err)
	}
	return b.respond(conn, protocol.UsernameResponse, sealed)
}

// handlePeerHandshake serves phase one of the peer key exchange: the
// initiator names a target uuid and receives the target's public key
// from its live session.
func (b *Broker) handlePeerHandshake(streamID string, conn net.Conn, pkt *protocol.Packet) error {
	if _, err := b.authenticated(streamID); err != nil {
		return err
	}

	target := b.registry.FindByUUID(string(pkt.Payload))
	if target == nil || target.PeerPublicKey == nil {
		return fmt.Errorf("peer handshake: %w", common.ErrTargetOffline)
	}

	der, err := cryptox.MarshalPublicKey(target.PeerPublicKey)
	if err != nil {
		return fmt.Errorf("peer handshake: %w", err)
	}
	return b.respond(conn, protocol.ClientPublicKey, der)
}

// handlePeerHandshake2 serves phase two: the sealed peer key travels to
// the target's notification endpoint with the initiator's uuid swapped
// in, and the same substituted packet is echoed to the initiator.
func (b *Broker) handlePeerHandshake2(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.authenticated(streamID)
	if err != nil {
		return err
	}

	kx, err := protocol.DecodeKeyExchange(pkt.Payload)
	if err != nil {
		return fmt.Errorf("peer handshake2: %w", err)
	}

	target := b.registry.FindByUUID(kx.UUID)
	if target == nil || target.NotificationPort == 0 {
		return fmt.Errorf("peer handshake2: %w", common.ErrTargetOffline)
	}

	// The recipient learns the originator from the substituted uuid.
	forward := protocol.EncodeKeyExchange(protocol.KeyExchange{
		UUID:      s.UserUUID,
		SealedKey: kx.SealedKey,
	})
	notification := &protocol.Packet{Type: protocol.HandshakeNotification, Payload: forward}
	b.pusher.Push(ctx, target.RemoteHost(), target.NotificationPort, notification)

	return b.respond(conn, protocol.HandshakeNotification, forward)
}

func (b *Broker) handleMessage(ctx context.Context, streamID string, conn net.Conn, pkt *protocol.Packet) error {
	s, err := b.authenticated(streamID)
	if err != nil {
		return err
	}

	reject := func(reason error) error {
		b.respond(conn, protocol.MessageError, nil)
		return fmt.Errorf("message: %w", reason)
	}

	msg, err := protocol.DecodeMessage(pkt.Payload)
	if err != nil {
		return reject(err)
	}
	if msg.SenderUUID != s.UserUUID {
		return reject(fmt.Errorf("sender %s is not session user", msg.SenderUUID))
	}

	ch, err := b.engine.GetChannel(ctx, msg.ChannelUUID)
	if err != nil {
		return reject(err)
	}
	if !ch.Subscribed(s.UserUUID) {
		return reject(common.ErrNotSubscribed)
	}
	if err := msg.Verify(s.PeerPublicKey); err != nil {
		return reject(err)
	}

	// Direct-message convention: the recipient is the session whose
	// user uuid equals the channel uuid.
	target := b.registry.FindByUUID(msg.ChannelUUID)
	if target == nil || target.NotificationPort == 0 {
		return reject(common.ErrTargetOffline)
	}

	notification := &protocol.Packet{Type: protocol.MessageNotification, Payload: pkt.Payload}
	b.pusher.Push(ctx, target.RemoteHost(), target.NotificationPort, notification)

	b.engine.EnqueueMessage(ctx, msg)
	return b.respond(conn, protocol.MessageSuccess, nil)
}
