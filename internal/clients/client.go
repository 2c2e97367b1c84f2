package clients

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"bichannel/server/internal/pool"
	"bichannel/server/internal/session"
)

// Client is the extension-visible identity bound to a Connection
// (spec.md §3 "Client"): a unique 16-bit ID, its Connection, and whatever
// per-client state the extension layer attaches.
type Client struct {
	ID uint16

	conn   *session.Connection
	logger zerolog.Logger
	state  atomic.Value // any, extension-attached
}

// SendReliable forwards to the bound Connection (spec.md §6).
func (c *Client) SendReliable(buf *pool.MessageBuffer) bool {
	return c.conn.SendReliable(buf)
}

// SendUnreliable forwards to the bound Connection (spec.md §6).
func (c *Client) SendUnreliable(buf *pool.MessageBuffer) bool {
	return c.conn.SendUnreliable(buf)
}

// Disconnect tears down the bound Connection (spec.md §6).
func (c *Client) Disconnect() bool {
	return c.conn.Disconnect(session.ReasonLocal)
}

// Strike adds weight to the Connection's strike ledger (spec.md §6). reason
// is carried only for logging; the ledger itself is an undifferentiated
// additive counter.
func (c *Client) Strike(reason string, weight uint32) {
	disconnected := c.conn.Strike(weight)
	c.logger.Info().Uint16("client_id", c.ID).Str("reason", reason).Uint32("weight", weight).Bool("strike_limit_hit", disconnected).Msg("client strike")
}

// Channel selects which endpoint GetRemoteEndpoint reports.
type Channel int

const (
	ChannelReliable Channel = iota
	ChannelUnreliable
)

// RemoteEndpoint implements GetRemoteEndpoint (spec.md §6). ok is false for
// ChannelUnreliable before the handshake completes.
func (c *Client) RemoteEndpoint(ch Channel) (string, bool) {
	if ch == ChannelUnreliable {
		ep, ok := c.conn.RemoteUnreliableEndpoint()
		if !ok {
			return "", false
		}
		return ep.String(), true
	}
	addr := c.conn.RemoteReliableEndpoint()
	if addr == nil {
		return "", false
	}
	return addr.String(), true
}

// State returns the extension-attached per-client state, or nil if none was
// ever set.
func (c *Client) State() any { return c.state.Load() }

// SetState attaches extension-owned per-client state.
func (c *Client) SetState(v any) { c.state.Store(v) }
