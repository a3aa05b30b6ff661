// Package storage is the durable catalogue of users, channels,
// subscriptions and messages, fronted by a relevance-retained channel
// cache, a batched message write queue and a ring of database snapshots.
package storage

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iplchat/iplchat/internal/common"
	"github.com/iplchat/iplchat/internal/cryptox"
	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
	"github.com/iplchat/iplchat/internal/server/channel"
)

const (
	passwordSaltSize = 16

	// SearchDepth caps user search results.
	SearchDepth = 3

	timeLayout = time.RFC3339Nano
)

// Options configure the engine from the server's key=value config.
type Options struct {
	DatabasePath    string
	DatabaseName    string
	BufferedAccess  bool
	QueueSize       int
	SnapshotPath    string
	SnapshotBacklog int
}

// Engine mediates every access to durable state. All writes run under
// mu; reads may run concurrently.
type Engine struct {
	mu sync.RWMutex

	db       *sql.DB
	livePath string
	buffered bool

	cache *Cache
	queue *Queue
	ring  *SnapshotRing

	log logging.Logger
}

// Open creates the database file (and schema) if needed and assembles
// the engine.
func Open(opts Options, log logging.Logger) (*Engine, error) {
	if err := os.MkdirAll(opts.DatabasePath, 0o750); err != nil {
		return nil, fmt.Errorf("db dir: %w", err)
	}
	livePath := filepath.Join(opts.DatabasePath, opts.DatabaseName)

	db, err := openDatabase(livePath)
	if err != nil {
		return nil, err
	}

	ring, err := NewSnapshotRing(opts.SnapshotPath, opts.SnapshotBacklog)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{
		db:       db,
		livePath: livePath,
		buffered: opts.BufferedAccess,
		cache:    NewCache(CacheCapacity),
		queue:    NewQueue(opts.QueueSize),
		ring:     ring,
		log:      log.With("module", "storage"),
	}, nil
}

// Close flushes pending messages and releases the database.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		e.log.Error(ctx, "flush on close", "error", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Close()
}

// RegisterClient creates a user row under the given uuid, hashing the
// password with a fresh 16-byte salt. A taken username is reported as
// common.ErrAlreadyExists.
func (e *Engine) RegisterClient(ctx context.Context, uuid, name string, password []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var existing string
	err := e.db.QueryRowContext(ctx, `SELECT uuid FROM users WHERE username = ?`, name).Scan(&existing)
	if err == nil {
		return common.ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("register: %w", err)
	}

	salt := common.GenerateRandByteArray(passwordSaltSize)
	hash := cryptox.SaltedHash(password, salt)

	_, err = e.db.ExecContext(ctx,
		`INSERT INTO users (uuid, username, password, salt, created) VALUES (?, ?, ?, ?, ?)`,
		uuid, name, hash, salt, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Login verifies credentials with a constant-time comparison over the
// salted hash. On success the user is marked authenticated and the uuid
// is returned. Unknown users map to common.ErrNotFound, bad passwords to
// common.ErrInvalidPassword.
func (e *Engine) Login(ctx context.Context, name string, password []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		uuid string
		hash []byte
		salt []byte
	)
	err := e.db.QueryRowContext(ctx,
		`SELECT uuid, password, salt FROM users WHERE username = ?`, name).Scan(&uuid, &hash, &salt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}

	candidate := cryptox.SaltedHash(password, salt)
	if subtle.ConstantTimeCompare(hash, candidate) != 1 {
		return "", common.ErrInvalidPassword
	}

	_, err = e.db.ExecContext(ctx,
		`UPDATE users SET is_authenticated = 1, last_auth = ? WHERE uuid = ?`,
		time.Now().UTC().Format(timeLayout), uuid)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	return uuid, nil
}

// Deauthenticate clears the user's authenticated flag.
func (e *Engine) Deauthenticate(ctx context.Context, uuid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `UPDATE users SET is_authenticated = 0 WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("deauthenticate: %w", err)
	}
	return nil
}

// GetUserUUID resolves a username.
func (e *Engine) GetUserUUID(ctx context.Context, name string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var uuid string
	err := e.db.QueryRowContext(ctx, `SELECT uuid FROM users WHERE username = ?`, name).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user uuid: %w", err)
	}
	return uuid, nil
}

// GetUsername resolves a user uuid.
func (e *Engine) GetUsername(ctx context.Context, uuid string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var name string
	err := e.db.QueryRowContext(ctx, `SELECT username FROM users WHERE uuid = ?`, uuid).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get username: %w", err)
	}
	return name, nil
}

// CreateChannelIfAbsent inserts a channel row unless the uuid is taken.
func (e *Engine) CreateChannelIfAbsent(ctx context.Context, name, uuid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO channels (uuid, name, created) VALUES (?, ?, ?)
		 ON CONFLICT(uuid) DO NOTHING`,
		uuid, name, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// JoinChannel subscribes a user to a channel. Exactly one row direction
// (channel, user) is stored; duplicate joins insert nothing. The cached
// copy's subscriber set is kept in step.
func (e *Engine) JoinChannel(ctx context.Context, userUUID, channelUUID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var chName string
	err := e.db.QueryRowContext(ctx, `SELECT name FROM channels WHERE uuid = ?`, channelUUID).Scan(&chName)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("join channel: %w", err)
	}

	var id int64
	err = e.db.QueryRowContext(ctx,
		`SELECT id FROM channels_users WHERE channel = ? AND user = ?`,
		channelUUID, userUUID).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("join channel: %w", err)
	}

	_, err = e.db.ExecContext(ctx,
		`INSERT INTO channels_users (channel, user) VALUES (?, ?)`, channelUUID, userUUID)
	if err != nil {
		return fmt.Errorf("join channel: %w", err)
	}

	if cached := e.cache.Get(channelUUID); cached != nil {
		cached.Subscribe(userUUID)
	}
	return nil
}

// SubscribedChannels lists the channels the user is subscribed to.
func (e *Engine) SubscribedChannels(ctx context.Context, userUUID string) ([]*channel.Channel, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rows, err := e.db.QueryContext(ctx,
		`SELECT c.uuid, c.name FROM channels c
		 JOIN channels_users cu ON cu.channel = c.uuid
		 WHERE cu.user = ?
		 ORDER BY c.name ASC`, userUUID)
	if err != nil {
		return nil, fmt.Errorf("subscribed channels: %w", err)
	}
	defer rows.Close()

	var out []*channel.Channel
	for rows.Next() {
		var uuid, name string
		if err := rows.Scan(&uuid, &name); err != nil {
			return nil, fmt.Errorf("subscribed channels: %w", err)
		}
		out = append(out, channel.New(uuid, name))
	}
	return out, rows.Err()
}

// SearchUsers returns up to depth users whose username contains pattern
// as a substring, excluding the requester, ascending by username.
func (e *Engine) SearchUsers(ctx context.Context, requesterName, pattern string, depth int) ([]protocol.DirectoryEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if depth <= 0 {
		depth = SearchDepth
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT username, uuid FROM users
		 WHERE instr(username, ?) > 0 AND username <> ?
		 ORDER BY username ASC LIMIT ?`,
		pattern, requesterName, depth)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var out []protocol.DirectoryEntry
	for rows.Next() {
		var ent protocol.DirectoryEntry
		if err := rows.Scan(&ent.Name, &ent.UUID); err != nil {
			return nil, fmt.Errorf("search users: %w", err)
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// GetChannel returns the channel with its subscriber set, recording the
// access. With buffered access enabled the cache is consulted first and
// the loaded copy is offered for residency under the eviction rule;
// otherwise the row is read through.
func (e *Engine) GetChannel(ctx context.Context, uuid string) (*channel.Channel, error) {
	now := time.Now()

	// Channel records are mutated on access, so the whole lookup runs
	// under the write lock.
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.buffered {
		if ch := e.cache.Get(uuid); ch != nil {
			ch.Touch(now)
			e.writeThroughAccess(ctx, ch)
			return ch, nil
		}
	}

	ch, err := e.loadChannel(ctx, uuid)
	if err != nil {
		return nil, err
	}
	ch.Touch(now)
	e.writeThroughAccess(ctx, ch)

	if e.buffered {
		e.cache.Put(ch, now)
	}
	return ch, nil
}

// loadChannel reads a channel row with its subscriber set. Caller holds mu.
func (e *Engine) loadChannel(ctx context.Context, uuid string) (*channel.Channel, error) {
	var (
		name        string
		description sql.NullString
		created     string
		reqCount    int64
		lastReq     sql.NullString
	)
	err := e.db.QueryRowContext(ctx,
		`SELECT name, description, created, request_count, last_request
		 FROM channels WHERE uuid = ?`, uuid).
		Scan(&name, &description, &created, &reqCount, &lastReq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}

	ch := channel.New(uuid, name)
	ch.Description = description.String
	ch.RequestCount = reqCount
	if t, err := time.Parse(timeLayout, created); err == nil {
		ch.CreatedAt = t
	}
	if lastReq.Valid {
		if t, err := time.Parse(timeLayout, lastReq.String); err == nil {
			ch.LastRequestTime = t
		}
	}

	rows, err := e.db.QueryContext(ctx, `SELECT user FROM channels_users WHERE channel = ?`, uuid)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("get channel: %w", err)
		}
		ch.Subscribe(user)
	}
	return ch, rows.Err()
}

// writeThroughAccess persists the access counters so the cached and
// durable copies only ever diverge on derived relevance. Caller holds mu.
func (e *Engine) writeThroughAccess(ctx context.Context, ch *channel.Channel) {
	_, err := e.db.ExecContext(ctx,
		`UPDATE channels SET request_count = ?, last_request = ? WHERE uuid = ?`,
		ch.RequestCount, ch.LastRequestTime.UTC().Format(timeLayout), ch.UUID)
	if err != nil {
		e.log.Warn(ctx, "write-through of channel access failed", "channel", ch.UUID, "error", err)
	}
}

// EnqueueMessage appends msg to the batched write queue.
func (e *Engine) EnqueueMessage(ctx context.Context, msg *protocol.Message) {
	if !e.queue.Enqueue(msg, time.Now()) {
		e.log.Warn(ctx, "write queue full, oldest message dropped")
	}
}

// PendingMessages reports the queue depth.
func (e *Engine) PendingMessages() int {
	return e.queue.Len()
}

// Flush drains the write queue into the messages table in enqueue order,
// inside one transaction under the write lock.
func (e *Engine) Flush(ctx context.Context) error {
	items := e.queue.Drain()
	if len(items) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (kind, sender, channel, content, timestamp) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		kind := "text"
		if item.Msg.Kind == protocol.KindFile {
			kind = "file"
		}
		content := base64.StdEncoding.EncodeToString(item.Msg.Ciphertext)
		if _, err := stmt.ExecContext(ctx,
			kind, item.Msg.SenderUUID, item.Msg.ChannelUUID, content,
			item.Received.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	e.log.Debug(ctx, "flushed message queue", "count", len(items))
	return nil
}

// SaveSnapshot flushes pending writes and copies the database file into
// the snapshot ring. Returns the snapshot name.
func (e *Engine) SaveSnapshot(ctx context.Context) (string, error) {
	if err := e.Flush(ctx); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ring.Save(e.livePath, time.Now())
}

// LoadSnapshot makes the named snapshot the live database. The previous
// live file is retained as temp.db for RevertSnapshotLoad.
func (e *Engine) LoadSnapshot(ctx context.Context, name string) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := e.ring.Load(e.livePath, name); err != nil {
		// The ring restores the live file on failure; reopen regardless.
		if db, oerr := openDatabase(e.livePath); oerr == nil {
			e.db = db
		}
		return err
	}

	db, err := openDatabase(e.livePath)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	e.db = db
	e.cache.Clear()
	return nil
}

// RevertSnapshotLoad swaps the live database back with temp.db.
func (e *Engine) RevertSnapshotLoad(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	if err := e.ring.Revert(e.livePath); err != nil {
		if db, oerr := openDatabase(e.livePath); oerr == nil {
			e.db = db
		}
		return err
	}

	db, err := openDatabase(e.livePath)
	if err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	e.db = db
	e.cache.Clear()
	return nil
}

// ListSnapshots returns snapshot names in chronological order.
func (e *Engine) ListSnapshots() []string {
	return e.ring.List()
}

// CachedChannels reports cache occupancy for the console.
func (e *Engine) CachedChannels() int {
	return e.cache.Len()
}

// MessageCount counts persisted message rows for a channel.
func (e *Engine) MessageCount(ctx context.Context, channelUUID string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var n int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel = ?`, channelUUID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}
