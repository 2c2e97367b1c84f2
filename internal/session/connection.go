// Package session implements the per-connection state machine (component
// D): the handshaking/listening/disconnecting/closed lifecycle, the
// reliable-channel receive loop with its ordering policy, and the send
// paths for both channels.
//
// Grounded on rustyguts-bken/server/client.go's Client type (the
// session/socket/cancel/closer bundle, the ctrlMu-guarded write path) and
// its handleClient goroutine shape, generalized from a WebTransport session
// to a plain TCP connection paired with a UDP endpoint per spec.md §4.3.
package session

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"bichannel/server/internal/framing"
	"bichannel/server/internal/pool"
)

// Mode distinguishes which channel a payload arrived on or is destined for.
type Mode int

const (
	ModeReliable Mode = iota
	ModeUnreliable
)

func (m Mode) String() string {
	if m == ModeUnreliable {
		return "unreliable"
	}
	return "reliable"
}

// State is the connection's position in the handshaking -> listening ->
// disconnecting -> closed lifecycle (spec.md §4.3). Transitions are
// one-way.
type State int32

const (
	StateHandshaking State = iota
	StateListening
	StateDisconnecting
	StateClosed
)

// DisconnectReason classifies why a Connection was torn down, mirrored into
// the ClientDisconnected event (spec.md §4.4 step 4).
type DisconnectReason string

const (
	ReasonLocal       DisconnectReason = "local_disconnect"
	ReasonPeerClosed  DisconnectReason = "peer_closed"
	ReasonTransport   DisconnectReason = "transport_error"
	ReasonStrikeLimit DisconnectReason = "strike_limit"
)

// Handler receives the events a Connection produces: delivered payloads and
// the terminal disconnect notification. internal/clients.Manager implements
// this to bridge component D into component E.
type Handler interface {
	// Deliver hands buf (already sized to its payload via Count()) to the
	// upper layer. The callee takes ownership and must release it via the
	// Pool exactly once.
	Deliver(conn *Connection, buf *pool.MessageBuffer, mode Mode)
	// Disconnected fires exactly once per Connection, after the reliable
	// socket has already been closed.
	Disconnected(conn *Connection, localDisconnect bool, err error)
}

// DatagramSender hands a pre-addressed unreliable payload to the listener
// that owns the shared UDP socket. Implemented by internal/bichannel.Listener.
type DatagramSender interface {
	SendDatagram(endpoint netip.AddrPort, body []byte) error
}

// RouteRemover removes a Connection's entry from the listener's
// endpoint-to-connection route table on disconnect.
type RouteRemover interface {
	RemoveRoute(endpoint netip.AddrPort)
}

// BytesMeter receives byte counts for the metrics sink's bytes_sent /
// bytes_received counters (spec.md §6), kept as a narrow interface so this
// package does not import internal/metrics directly.
type BytesMeter interface {
	IncBytesSent(protocol string, n int)
	IncBytesReceived(protocol string, n int)
}

// Options configures a Connection at construction.
type Options struct {
	NoDelay               bool
	PreserveOrdering      bool
	MaxReliableBodyLength uint32
	MaxStrikes            uint32
}

// Connection is a session with one remote peer (spec.md §3 "Connection").
type Connection struct {
	AuthToken uint64

	tcp    net.Conn
	sender DatagramSender
	router RouteRemover
	pool   *pool.Pool
	meter  BytesMeter
	logger zerolog.Logger

	opts Options

	state   atomic.Int32
	canSend atomic.Bool
	isListening atomic.Bool
	strikes atomic.Uint32

	remoteUnreliable    atomic.Value // netip.AddrPort
	remoteUnreliableSet atomic.Bool

	handlerMu sync.RWMutex
	handler   Handler

	owner atomic.Value // any; set by internal/clients.Manager to *clients.Client
}

// New constructs a Connection bound to an already-accepted TCP socket.
// authToken is the 64-bit nonce already written to the peer by the caller.
func New(tcp net.Conn, authToken uint64, p *pool.Pool, meter BytesMeter, sender DatagramSender, router RouteRemover, logger zerolog.Logger, opts Options) *Connection {
	if tc, ok := tcp.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(opts.NoDelay)
	}
	if opts.MaxReliableBodyLength == 0 {
		opts.MaxReliableBodyLength = framing.DefaultMaxBodyLength
	}
	c := &Connection{
		AuthToken: authToken,
		tcp:       tcp,
		sender:    sender,
		router:    router,
		pool:      p,
		meter:     meter,
		logger:    logger.With().Uint64("auth_token", authToken).Logger(),
		opts:      opts,
	}
	c.state.Store(int32(StateHandshaking))
	c.canSend.Store(true)
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// CanSend reports whether sends are still accepted. Once false it never
// returns true again.
func (c *Connection) CanSend() bool { return c.canSend.Load() }

// SetHandler attaches the event receiver. Must be called before
// StartListening.
func (c *Connection) SetHandler(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *Connection) getHandler() Handler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

// SetOwner stashes the extension-visible Client bound to this Connection.
// internal/clients.Manager is the only writer; session never interprets v.
func (c *Connection) SetOwner(v any) { c.owner.Store(&v) }

// Owner returns whatever SetOwner last stored, or nil.
func (c *Connection) Owner() any {
	v, _ := c.owner.Load().(*any)
	if v == nil {
		return nil
	}
	return *v
}

// TrySetRemoteUnreliableEndpoint records ep as the confirmed unreliable peer
// endpoint, once. Returns false if an endpoint was already recorded (the
// endpoint is immutable after the handshake per spec.md §3).
func (c *Connection) TrySetRemoteUnreliableEndpoint(ep netip.AddrPort) bool {
	if !c.remoteUnreliableSet.CompareAndSwap(false, true) {
		return false
	}
	c.remoteUnreliable.Store(ep)
	return true
}

// RemoteUnreliableEndpoint returns the confirmed unreliable endpoint, if the
// handshake has completed.
func (c *Connection) RemoteUnreliableEndpoint() (netip.AddrPort, bool) {
	if !c.remoteUnreliableSet.Load() {
		return netip.AddrPort{}, false
	}
	return c.remoteUnreliable.Load().(netip.AddrPort), true
}

// RemoteReliableEndpoint returns the TCP peer address.
func (c *Connection) RemoteReliableEndpoint() net.Addr { return c.tcp.RemoteAddr() }

// StartListening begins the reliable-channel receive loop in its own
// goroutine. Idempotent: calling it more than once, or after the
// connection has been disconnected, is a no-op.
func (c *Connection) StartListening() {
	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateListening)) {
		return
	}
	c.isListening.Store(true)
	go c.receiveLoop()
}

// receiveLoop drives the header-then-body cursor described in spec.md §4.3.
// It runs on its own goroutine for the lifetime of the connection.
func (c *Connection) receiveLoop() {
	for {
		hdr := c.pool.AcquireBuffer(framing.HeaderLen)
		ok, err := c.readFull(hdr.Data())
		if !ok {
			c.pool.ReleaseBuffer(hdr)
			c.endFromTransport(err)
			return
		}
		length := framing.Header(hdr.Data())
		c.pool.ReleaseBuffer(hdr)
		c.meter.IncBytesReceived("tcp", framing.HeaderLen)

		if length >= c.opts.MaxReliableBodyLength {
			c.logger.Warn().Uint32("declared_length", length).Msg("malformed reliable frame length")
			if c.Strike(10) {
				return
			}
			continue
		}

		body := c.pool.AcquireBuffer(int(length))
		if length > 0 {
			ok, err := c.readFull(body.Data())
			if !ok {
				c.pool.ReleaseBuffer(body)
				c.endFromTransport(err)
				return
			}
			c.meter.IncBytesReceived("tcp", int(length))
		}

		if c.opts.PreserveOrdering {
			c.deliver(body, ModeReliable)
		} else {
			go c.deliver(body, ModeReliable)
		}
	}
}

func (c *Connection) deliver(buf *pool.MessageBuffer, mode Mode) {
	h := c.getHandler()
	if h == nil {
		c.pool.ReleaseBuffer(buf)
		return
	}
	h.Deliver(c, buf, mode)
}

// HandleDatagram delivers a datagram already routed to this connection by
// the listener as an application payload. The handshake datagram itself is
// consumed by the listener and never reaches this method.
func (c *Connection) HandleDatagram(buf *pool.MessageBuffer) {
	c.meter.IncBytesReceived("udp", buf.Count())
	c.deliver(buf, ModeUnreliable)
}

// readFull reads exactly len(dst) bytes, looping over short reads. It
// returns false on any error or on an unexpected zero-byte read, with err
// set to the underlying cause.
func (c *Connection) readFull(dst []byte) (bool, error) {
	read := 0
	for read < len(dst) {
		n, err := c.tcp.Read(dst[read:])
		read += n
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, io.ErrUnexpectedEOF
		}
	}
	return true, nil
}

func (c *Connection) endFromTransport(err error) {
	reason := ReasonTransport
	if errors.Is(err, io.EOF) {
		reason = ReasonPeerClosed
		err = nil
	}
	c.disconnect(reason, false, err)
}

// Strike adds weight to the strike ledger and, if the ledger reaches
// MaxStrikes, disconnects with reason strike_limit. Returns true if the
// connection was disconnected as a result.
func (c *Connection) Strike(weight uint32) bool {
	n := c.strikes.Add(weight)
	if n >= c.opts.MaxStrikes {
		// Server-decided, not peer- or transport-originated: localDisconnect=true.
		c.disconnect(ReasonStrikeLimit, true, nil)
		return true
	}
	return false
}

// SendReliable writes buf as a length-prefixed frame. The buffer is
// released exactly once regardless of outcome. Returns false if canSend was
// already false.
func (c *Connection) SendReliable(buf *pool.MessageBuffer) bool {
	defer c.pool.ReleaseBuffer(buf)
	if !c.canSend.Load() {
		return false
	}
	var hdr [framing.HeaderLen]byte
	framing.PutHeader(hdr[:], uint32(buf.Count()))

	gather := net.Buffers{hdr[:]}
	if buf.Count() > 0 {
		gather = append(gather, buf.Data())
	}
	n, err := gather.WriteTo(c.tcp)
	if err != nil {
		c.disconnect(ReasonTransport, false, err)
		return false
	}
	c.meter.IncBytesSent("tcp", int(n))
	return true
}

// SendUnreliable hands buf to the listener's datagram sender. The buffer is
// released exactly once regardless of outcome. Returns false if canSend was
// already false or the handshake has not completed; a transport-level send
// failure is reported asynchronously (logged), not via the return value,
// matching the unreliable channel's no-ordering-guarantee contract.
func (c *Connection) SendUnreliable(buf *pool.MessageBuffer) bool {
	defer c.pool.ReleaseBuffer(buf)
	if !c.canSend.Load() {
		return false
	}
	ep, ok := c.RemoteUnreliableEndpoint()
	if !ok {
		return false
	}
	n := buf.Count()
	if err := c.sender.SendDatagram(ep, buf.Data()); err != nil {
		c.logger.Debug().Err(err).Msg("unreliable send failed")
		return true
	}
	c.meter.IncBytesSent("udp", n)
	return true
}

// Disconnect tears the connection down for a reason originating outside
// the transport (an extension call, or local policy). Idempotent: returns
// false on any call after the first.
func (c *Connection) Disconnect(reason DisconnectReason) bool {
	local := reason == ReasonLocal || reason == ReasonStrikeLimit
	return c.disconnect(reason, local, nil)
}

func (c *Connection) disconnect(reason DisconnectReason, localDisconnect bool, err error) bool {
	// canSend's CompareAndSwap is the single gate: exactly one caller among
	// Disconnect(), a transport error, and a strike-limit breach wins it.
	if !c.canSend.CompareAndSwap(true, false) {
		return false
	}
	c.isListening.Store(false)
	c.state.Store(int32(StateDisconnecting))

	if tc, ok := c.tcp.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
	}
	_ = c.tcp.Close()

	if ep, ok := c.RemoteUnreliableEndpoint(); ok && c.router != nil {
		c.router.RemoveRoute(ep)
	}

	c.state.Store(int32(StateClosed))

	if h := c.getHandler(); h != nil {
		h.Disconnected(c, localDisconnect, err)
	}
	return true
}
