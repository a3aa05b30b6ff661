package broker

import (
	"context"
	"crypto/rsa"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/iplchat/iplchat/internal/cryptox"
	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
	"github.com/iplchat/iplchat/internal/server/push"
	"github.com/iplchat/iplchat/internal/server/session"
	"github.com/iplchat/iplchat/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) (*Broker, *storage.Engine) {
	t.Helper()
	dir := t.TempDir()

	log := logging.NewFileLogger(io.Discard, false)
	engine, err := storage.Open(storage.Options{
		DatabasePath:    filepath.Join(dir, "db"),
		DatabaseName:    "iplchat.db",
		BufferedAccess:  true,
		QueueSize:       100,
		SnapshotPath:    filepath.Join(dir, "snapshots"),
		SnapshotBacklog: 3,
	}, log)
	require.NoError(t, err)

	b := New("127.0.0.1:0", session.NewRegistry(), engine, push.NewPusher(log), RateLimitPolicy{}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		engine.Close(context.Background())
	})

	require.Eventually(t, func() bool { return b.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return b, engine
}

// testClient drives the wire protocol the way a real client would.
type testClient struct {
	t    *testing.T
	conn net.Conn
	priv *rsa.PrivateKey
	key  []byte // session key
	uuid string

	notifications chan *protocol.Packet
	notifyPort    int32
}

func newTestClient(t *testing.T, b *Broker) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	priv, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)

	return &testClient{t: t, conn: conn, priv: priv}
}

func (c *testClient) roundTrip(t protocol.PacketType, payload []byte) *protocol.Packet {
	c.t.Helper()
	require.NoError(c.t, protocol.WritePacket(c.conn, &protocol.Packet{Type: t, Payload: payload}))
	resp, err := protocol.ReadPacket(c.conn)
	require.NoError(c.t, err)
	return resp
}

func (c *testClient) handshake() {
	c.t.Helper()
	der, err := cryptox.MarshalPublicKey(&c.priv.PublicKey)
	require.NoError(c.t, err)

	resp := c.roundTrip(protocol.HandshakeRequest, der)
	require.Equal(c.t, protocol.HandshakeResponse, resp.Type)

	key, err := cryptox.DecryptAsym(c.priv, resp.Payload)
	require.NoError(c.t, err)
	require.Len(c.t, key, cryptox.KeySize)
	c.key = key
}

func (c *testClient) sealedCreds(username, password string) []byte {
	c.t.Helper()
	plain, err := protocol.EncodeCredentials(protocol.Credentials{Username: username, Password: password})
	require.NoError(c.t, err)
	sealed, err := cryptox.Encrypt(c.key, plain)
	require.NoError(c.t, err)
	return sealed
}

func (c *testClient) register(username, password string) *protocol.Packet {
	c.t.Helper()
	resp := c.roundTrip(protocol.RegisterRequest, c.sealedCreds(username, password))
	if resp.Type == protocol.RegisterResponse {
		raw, err := cryptox.Decrypt(c.key, resp.Payload)
		require.NoError(c.t, err)
		c.uuid = string(raw)
	}
	return resp
}

func (c *testClient) login(username, password string) *protocol.Packet {
	c.t.Helper()
	resp := c.roundTrip(protocol.LoginRequest, c.sealedCreds(username, password))
	if resp.Type == protocol.LoginResponse {
		raw, err := cryptox.Decrypt(c.key, resp.Payload)
		require.NoError(c.t, err)
		c.uuid = string(raw)
	}
	return resp
}

// listenNotifications starts the client's push endpoint and registers it.
func (c *testClient) listenNotifications() {
	c.t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(c.t, err)
	c.t.Cleanup(func() { ln.Close() })

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(c.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(c.t, err)
	c.notifyPort = int32(port)
	c.notifications = make(chan *protocol.Packet, 16)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			pkt, err := protocol.ReadPacket(conn)
			conn.Close()
			if err == nil {
				c.notifications <- pkt
			}
		}
	}()

	resp := c.roundTrip(protocol.NotificationPort, protocol.EncodePort(c.notifyPort))
	require.Equal(c.t, protocol.NotificationPortResponse, resp.Type)
}

func (c *testClient) waitNotification() *protocol.Packet {
	c.t.Helper()
	select {
	case pkt := <-c.notifications:
		return pkt
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for notification")
		return nil
	}
}

func (c *testClient) fetchChannels() []protocol.DirectoryEntry {
	c.t.Helper()
	resp := c.roundTrip(protocol.ChannelFetchRequest, nil)
	require.Equal(c.t, protocol.ChannelFetchResponse, resp.Type)

	plain, err := cryptox.Decrypt(c.key, resp.Payload)
	require.NoError(c.t, err)
	entries, err := protocol.DecodeDirectory(plain)
	require.NoError(c.t, err)
	return entries
}

func (c *testClient) joinChannel(channelUUID string) *protocol.Packet {
	c.t.Helper()
	sealed, err := cryptox.Encrypt(c.key, []byte(channelUUID))
	require.NoError(c.t, err)
	return c.roundTrip(protocol.JoinChannelRequest, sealed)
}

func TestRegisterThenLogin(t *testing.T) {
	b, _ := startBroker(t)

	c := newTestClient(t, b)
	c.handshake()
	resp := c.register("alice", "p1")
	require.Equal(t, protocol.RegisterResponse, resp.Type)
	require.NotEmpty(t, c.uuid)

	// Fresh connection: good then bad password.
	c2 := newTestClient(t, b)
	c2.handshake()
	resp = c2.login("alice", "p1")
	assert.Equal(t, protocol.LoginResponse, resp.Type)
	assert.Equal(t, c.uuid, c2.uuid, "login returns the registered uuid")

	c3 := newTestClient(t, b)
	c3.handshake()
	resp = c3.login("alice", "p2")
	assert.Equal(t, protocol.LoginError, resp.Type)
}

func TestHandshakeEstablishesSessionKey(t *testing.T) {
	b, _ := startBroker(t)

	c := newTestClient(t, b)
	c.handshake()

	// AEAD round-trips on both sides: the sealed register response
	// decrypts under the key the server sent us.
	sealed, err := cryptox.Encrypt(c.key, []byte("ping"))
	require.NoError(t, err)
	plain, err := cryptox.Decrypt(c.key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(plain))

	resp := c.register("alice", "p1")
	assert.Equal(t, protocol.RegisterResponse, resp.Type)
}

func TestSubscriptionListAfterRegister(t *testing.T) {
	b, _ := startBroker(t)

	c := newTestClient(t, b)
	c.handshake()
	require.Equal(t, protocol.RegisterResponse, c.register("alice", "p1").Type)

	entries := c.fetchChannels()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Name)
	assert.Equal(t, c.uuid, entries[0].UUID)
}

func TestPeerKeyExchange(t *testing.T) {
	b, _ := startBroker(t)

	alice := newTestClient(t, b)
	alice.handshake()
	require.Equal(t, protocol.RegisterResponse, alice.register("alice", "p1").Type)
	alice.listenNotifications()

	bob := newTestClient(t, b)
	bob.handshake()
	require.Equal(t, protocol.RegisterResponse, bob.register("bob", "p2").Type)
	bob.listenNotifications()

	// Phase 1: alice asks for bob's public key.
	resp := alice.roundTrip(protocol.ClientToClientHandshake, []byte(bob.uuid))
	require.Equal(t, protocol.ClientPublicKey, resp.Type)
	bobPub, err := cryptox.ParsePublicKey(resp.Payload)
	require.NoError(t, err)
	require.True(t, bob.priv.PublicKey.Equal(bobPub))

	// Phase 2: alice seals a fresh peer key to bob.
	peerKey := cryptox.GenerateKey()
	sealedKey, err := cryptox.EncryptAsym(bobPub, peerKey)
	require.NoError(t, err)
	payload := protocol.EncodeKeyExchange(protocol.KeyExchange{UUID: bob.uuid, SealedKey: sealedKey})

	echo := alice.roundTrip(protocol.ClientToClientHandshake2, payload)
	require.Equal(t, protocol.HandshakeNotification, echo.Type)

	// Bob's endpoint receives the notification with alice's uuid leading.
	pkt := bob.waitNotification()
	require.Equal(t, protocol.HandshakeNotification, pkt.Type)
	kx, err := protocol.DecodeKeyExchange(pkt.Payload)
	require.NoError(t, err)
	assert.Equal(t, alice.uuid, kx.UUID)

	// Bob decrypts and both ends hold the same K_AB.
	got, err := cryptox.DecryptAsym(bob.priv, kx.SealedKey)
	require.NoError(t, err)
	assert.Equal(t, peerKey, got)
}

func TestMessageRelay(t *testing.T) {
	b, engine := startBroker(t)

	alice := newTestClient(t, b)
	alice.handshake()
	require.Equal(t, protocol.RegisterResponse, alice.register("alice", "p1").Type)
	alice.listenNotifications()

	bob := newTestClient(t, b)
	bob.handshake()
	require.Equal(t, protocol.RegisterResponse, bob.register("bob", "p2").Type)
	bob.listenNotifications()

	require.Equal(t, protocol.JoinChannelSuccess, alice.joinChannel(bob.uuid).Type)

	peerKey := cryptox.GenerateKey()
	body, err := cryptox.Encrypt(peerKey, []byte("hi"))
	require.NoError(t, err)

	msg, err := protocol.NewMessage(alice.uuid, bob.uuid, body, protocol.KindText)
	require.NoError(t, err)
	require.NoError(t, msg.Sign(alice.priv))

	resp := alice.roundTrip(protocol.MessageRequest, msg.Encode())
	assert.Equal(t, protocol.MessageSuccess, resp.Type)

	pkt := bob.waitNotification()
	require.Equal(t, protocol.MessageNotification, pkt.Type)
	got, err := protocol.DecodeMessage(pkt.Payload)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	plain, err := cryptox.Decrypt(peerKey, got.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(plain))

	// The envelope was enqueued for persistence.
	require.NoError(t, engine.Flush(context.Background()))
	n, err := engine.MessageCount(context.Background(), bob.uuid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessageRelay_TamperedSignature(t *testing.T) {
	b, _ := startBroker(t)

	alice := newTestClient(t, b)
	alice.handshake()
	require.Equal(t, protocol.RegisterResponse, alice.register("alice", "p1").Type)

	bob := newTestClient(t, b)
	bob.handshake()
	require.Equal(t, protocol.RegisterResponse, bob.register("bob", "p2").Type)
	bob.listenNotifications()

	require.Equal(t, protocol.JoinChannelSuccess, alice.joinChannel(bob.uuid).Type)

	msg, err := protocol.NewMessage(alice.uuid, bob.uuid, []byte("hi"), protocol.KindText)
	require.NoError(t, err)
	require.NoError(t, msg.Sign(alice.priv))
	msg.Signature[0] ^= 0xFF

	resp := alice.roundTrip(protocol.MessageRequest, msg.Encode())
	assert.Equal(t, protocol.MessageError, resp.Type)

	select {
	case <-bob.notifications:
		t.Fatal("bob must receive nothing for a tampered message")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestMessageRelay_TargetOffline(t *testing.T) {
	b, _ := startBroker(t)

	alice := newTestClient(t, b)
	alice.handshake()
	require.Equal(t, protocol.RegisterResponse, alice.register("alice", "p1").Type)

	bob := newTestClient(t, b)
	bob.handshake()
	require.Equal(t, protocol.RegisterResponse, bob.register("bob", "p2").Type)
	bobUUID := bob.uuid
	bob.conn.Close() // bob disconnects

	require.Equal(t, protocol.JoinChannelSuccess, alice.joinChannel(bobUUID).Type)

	msg, err := protocol.NewMessage(alice.uuid, bobUUID, []byte("hi"), protocol.KindText)
	require.NoError(t, err)
	require.NoError(t, msg.Sign(alice.priv))

	require.Eventually(t, func() bool {
		resp := alice.roundTrip(protocol.MessageRequest, msg.Encode())
		return resp.Type == protocol.MessageError
	}, 2*time.Second, 50*time.Millisecond, "relay to a disconnected user must fail")
}

func TestMessageRelay_NotSubscribed(t *testing.T) {
	b, _ := startBroker(t)

	alice := newTestClient(t, b)
	alice.handshake()
	require.Equal(t, protocol.RegisterResponse, alice.register("alice", "p1").Type)

	bob := newTestClient(t, b)
	bob.handshake()
	require.Equal(t, protocol.RegisterResponse, bob.register("bob", "p2").Type)
	bob.listenNotifications()

	// No join: alice is not in bob's channel.
	msg, err := protocol.NewMessage(alice.uuid, bob.uuid, []byte("hi"), protocol.KindText)
	require.NoError(t, err)
	require.NoError(t, msg.Sign(alice.priv))

	resp := alice.roundTrip(protocol.MessageRequest, msg.Encode())
	assert.Equal(t, protocol.MessageError, resp.Type)
}

func TestUnauthenticatedRequestsAreDropped(t *testing.T) {
	b, _ := startBroker(t)

	c := newTestClient(t, b)
	c.handshake()

	// CHANNEL_FETCH before login: no pairing exists, so the packet is
	// dropped; the next valid request still works on the same stream.
	require.NoError(t, protocol.WritePacket(c.conn, &protocol.Packet{Type: protocol.ChannelFetchRequest}))

	resp := c.register("alice", "p1")
	assert.Equal(t, protocol.RegisterResponse, resp.Type)
}

func TestUserSearchAndUsername(t *testing.T) {
	b, _ := startBroker(t)

	for _, name := range []string{"anna", "annabel", "bob"} {
		c := newTestClient(t, b)
		c.handshake()
		require.Equal(t, protocol.RegisterResponse, c.register(name, "pw").Type)
	}

	c := newTestClient(t, b)
	c.handshake()
	require.Equal(t, protocol.RegisterResponse, c.register("carol", "pw").Type)

	sealed, err := cryptox.Encrypt(c.key, []byte("ann"))
	require.NoError(t, err)
	resp := c.roundTrip(protocol.UserSearchRequest, sealed)
	require.Equal(t, protocol.UserSearchResponse, resp.Type)

	plain, err := cryptox.Decrypt(c.key, resp.Payload)
	require.NoError(t, err)
	entries, err := protocol.DecodeDirectory(plain)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "anna", entries[0].Name)
	assert.Equal(t, "annabel", entries[1].Name)

	// Resolve a uuid back to its username.
	sealedUUID, err := cryptox.Encrypt(c.key, []byte(entries[0].UUID))
	require.NoError(t, err)
	resp = c.roundTrip(protocol.UsernameRequest, sealedUUID)
	require.Equal(t, protocol.UsernameResponse, resp.Type)

	name, err := cryptox.Decrypt(c.key, resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, "anna", string(name))
}

func TestLogout(t *testing.T) {
	b, _ := startBroker(t)

	c := newTestClient(t, b)
	c.handshake()
	require.Equal(t, protocol.RegisterResponse, c.register("alice", "p1").Type)

	resp := c.roundTrip(protocol.LogoutRequest, nil)
	assert.Equal(t, protocol.LogoutResponse, resp.Type)
}

func TestRateLimit_CooldownBlocksRetry(t *testing.T) {
	p := RateLimitPolicy{Base: time.Minute, Multiplier: 2}
	now := time.Now()

	assert.True(t, p.allowed(0, time.Time{}, now))
	assert.False(t, p.allowed(1, now.Add(-30*time.Second), now))
	assert.True(t, p.allowed(1, now.Add(-2*time.Minute), now))

	// Backoff grows with consecutive failures.
	assert.True(t, p.allowed(2, now.Add(-3*time.Minute), now))
	assert.False(t, p.allowed(3, now.Add(-3*time.Minute), now))
}

func TestRateLimit_DisabledPolicy(t *testing.T) {
	p := RateLimitPolicy{}
	assert.True(t, p.allowed(10, time.Now(), time.Now()))
}
