// Package push delivers out-of-band packets to a client's notification
// endpoint. A push is a one-shot TCP connection carrying one framed
// packet; delivery is best-effort and never fails the triggering request.
package push

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
)

const dialTimeout = 5 * time.Second

// Pusher dials notification endpoints. It holds no broker state and no
// locks during network I/O.
type Pusher struct {
	log logging.Logger
}

func NewPusher(log logging.Logger) *Pusher {
	return &Pusher{log: log.With("module", "push")}
}

// Push writes one packet to (host, port) and closes the connection
// without waiting for acknowledgement. The error is returned for the
// caller's log line only; relay decisions never depend on it.
func (p *Pusher) Push(ctx context.Context, host string, port int32, pkt *protocol.Packet) error {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.log.Warn(ctx, "push failed", "addr", addr, "type", pkt.Type.String(), "error", err)
		return fmt.Errorf("push dial: %w", err)
	}
	defer conn.Close()

	if err := protocol.WritePacket(conn, pkt); err != nil {
		p.log.Warn(ctx, "push write failed", "addr", addr, "type", pkt.Type.String(), "error", err)
		return fmt.Errorf("push write: %w", err)
	}
	return nil
}
