// Package channel models a message destination and its cache-retention
// score. Direct messages use a channel whose uuid equals the recipient
// user's uuid.
package channel

import (
	"math"
	"time"
)

// Relevance weights. A channel's score combines subscriber count,
// historical access and a time decay since the last request.
const (
	decayDelta = 0.0001
	decayRho   = 0.1

	subscriberWeight = 0.5
	requestWeight    = 0.3
	decayWeight      = 0.2
)

// Channel is one catalogue entry. The persisted copy and a cached copy
// agree on identity and subscriber set; the cached copy may carry a
// fresher relevance.
type Channel struct {
	UUID        string
	Name        string
	Description string
	CreatedAt   time.Time

	RequestCount    int64
	LastRequestTime time.Time

	Subscribers map[string]struct{}
}

// New returns an empty channel record.
func New(uuid, name string) *Channel {
	return &Channel{
		UUID:        uuid,
		Name:        name,
		CreatedAt:   time.Now(),
		Subscribers: map[string]struct{}{},
	}
}

// Touch records one access.
func (c *Channel) Touch(now time.Time) {
	c.RequestCount++
	c.LastRequestTime = now
}

// Subscribe adds a user to the subscriber set. Idempotent.
func (c *Channel) Subscribe(userUUID string) {
	c.Subscribers[userUUID] = struct{}{}
}

// Subscribed reports membership.
func (c *Channel) Subscribed(userUUID string) bool {
	_, ok := c.Subscribers[userUUID]
	return ok
}

// Relevance computes the retention score at the given instant:
//
//	decay     = (1 − Δ) ^ (Δt / ρ)
//	relevance = 0.5·|subscribers| + 0.3·request_count + 0.2·decay
//
// It decreases with time in the absence of requests and increases with
// each access.
func (c *Channel) Relevance(now time.Time) float64 {
	dt := now.Sub(c.LastRequestTime).Seconds()
	if dt < 0 {
		dt = 0
	}
	decay := math.Pow(1-decayDelta, dt/decayRho)
	return subscriberWeight*float64(len(c.Subscribers)) +
		requestWeight*float64(c.RequestCount) +
		decayWeight*decay
}
