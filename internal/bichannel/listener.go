// Package bichannel implements the dual-transport listener (component C):
// one TCP acceptor and one UDP socket bound to the same address/port,
// the AuthToken handshake that pairs a UDP endpoint to a TCP session, and
// the endpoint-to-Connection route table that demultiplexes subsequent
// datagrams.
//
// Grounded on R2Northstar-Atlas/pkg/nspkt/listener.go's UDP listener shape
// (a mutex-guarded socket, a request/reply correlation map, a clean
// Serve/Close lifecycle) for the UDP side, and
// rustyguts-bken/server/server.go's accept-loop-plus-per-connection-
// goroutine shape for the TCP side.
package bichannel

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"bichannel/server/internal/framing"
	"bichannel/server/internal/pool"
	"bichannel/server/internal/session"
)

// ErrBindFailed wraps any error binding either socket (spec.md §7:
// bind_failed).
var ErrBindFailed = errors.New("bind_failed")

// Admitter is notified once a Connection clears the unreliable handshake.
// internal/clients.Manager implements this.
type Admitter interface {
	HandleNewConnection(conn *session.Connection)
}

// Meter receives the handshake-rejection and bytes counters this listener
// drives directly (the rest flow through session.Connection).
type Meter interface {
	session.BytesMeter
	IncUDPHandshakeRejected()
}

// Options configures a Listener. NoDelay and PreserveOrdering and
// MaxReliableBodyLength/MaxStrikes are forwarded to every Connection it
// creates.
type Options struct {
	Address string
	Port    int

	NoDelay               bool
	PreserveOrdering      bool
	MaxReliableBodyLength uint32
	MaxStrikes            uint32

	// MaxPendingHandshakes bounds the AuthToken->pending map (SPEC_FULL.md
	// SUPPLEMENTED FEATURES): resource bookkeeping, not a protocol change.
	MaxPendingHandshakes int
}

const udpRecvSize = 1500

// Listener binds the reliable acceptor and unreliable receiver to one
// address/port pair and owns the handshake and routing state that joins
// them into Connections.
type Listener struct {
	opts     Options
	pool     *pool.Pool
	meter    Meter
	admitter Admitter
	logger   zerolog.Logger

	tcp  *net.TCPListener
	udp  *net.UDPConn
	port int

	closing bool
	closeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]*session.Connection

	routesMu sync.RWMutex
	routes   map[netip.AddrPort]*session.Connection

	wg sync.WaitGroup
}

// New builds a Listener. Call Start to bind and begin serving.
func New(opts Options, p *pool.Pool, meter Meter, admitter Admitter, logger zerolog.Logger) *Listener {
	return &Listener{
		opts:     opts,
		pool:     p,
		meter:    meter,
		admitter: admitter,
		logger:   logger.With().Str("component", "bichannel").Logger(),
		pending:  make(map[uint64]*session.Connection),
		routes:   make(map[netip.AddrPort]*session.Connection),
	}
}

// Start binds both sockets and begins serving. It returns once both sockets
// are bound; accept and receive loops run in background goroutines.
//
// The TCP acceptor is bound first; if opts.Port is 0 the OS assigns an
// ephemeral port, which the UDP receiver then binds explicitly so both
// channels always share one (address, port) pair (spec.md §4.2 "Bind").
func (l *Listener) Start() error {
	tcpAddrStr := net.JoinHostPort(l.opts.Address, fmt.Sprintf("%d", l.opts.Port))
	tcpAddr, err := net.ResolveTCPAddr("tcp", tcpAddrStr)
	if err != nil {
		return fmt.Errorf("%w: resolve tcp %s: %v", ErrBindFailed, tcpAddrStr, err)
	}
	tcp, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("%w: listen tcp %s: %v", ErrBindFailed, tcpAddrStr, err)
	}

	actualPort := tcp.Addr().(*net.TCPAddr).Port
	udpAddrStr := net.JoinHostPort(l.opts.Address, fmt.Sprintf("%d", actualPort))
	udpAddr, err := net.ResolveUDPAddr("udp", udpAddrStr)
	if err != nil {
		tcp.Close()
		return fmt.Errorf("%w: resolve udp %s: %v", ErrBindFailed, udpAddrStr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcp.Close()
		return fmt.Errorf("%w: listen udp %s: %v", ErrBindFailed, udpAddrStr, err)
	}

	l.tcp = tcp
	l.udp = udp
	l.port = actualPort

	l.wg.Add(2)
	go l.acceptLoop()
	go l.udpLoop()

	l.logger.Info().Str("address", l.opts.Address).Int("port", l.port).Msg("bichannel listener started")
	return nil
}

// Port returns the bound port, useful when Options.Port was 0.
func (l *Listener) Port() int { return l.port }

// Stop refuses new sessions, disconnects every registered Connection, and
// closes the unreliable socket (spec.md §4.2 "Shutdown").
func (l *Listener) Stop() {
	l.closeMu.Lock()
	if l.closing {
		l.closeMu.Unlock()
		return
	}
	l.closing = true
	l.closeMu.Unlock()

	if l.tcp != nil {
		l.tcp.Close()
	}

	l.routesMu.RLock()
	conns := make([]*session.Connection, 0, len(l.routes))
	for _, c := range l.routes {
		conns = append(conns, c)
	}
	l.routesMu.RUnlock()
	for _, c := range conns {
		c.Disconnect(session.ReasonLocal)
	}

	if l.udp != nil {
		l.udp.Close()
	}
	l.wg.Wait()
}

func (l *Listener) isClosing() bool {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	return l.closing
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		tc, err := l.tcp.AcceptTCP()
		if err != nil {
			if l.isClosing() {
				return
			}
			l.logger.Warn().Err(err).Msg("accept error")
			continue
		}
		go l.handleAccept(tc)
	}
}

func (l *Listener) handleAccept(tc *net.TCPConn) {
	token, err := newAuthToken()
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to generate auth token")
		tc.Close()
		return
	}

	conn := session.New(tc, token, l.pool, l.meter, l, l, l.logger, session.Options{
		NoDelay:               l.opts.NoDelay,
		PreserveOrdering:      l.opts.PreserveOrdering,
		MaxReliableBodyLength: l.opts.MaxReliableBodyLength,
		MaxStrikes:            l.opts.MaxStrikes,
	})

	var hdr [framing.AuthTokenLen]byte
	framing.PutAuthToken(hdr[:], token)
	if _, err := tc.Write(hdr[:]); err != nil {
		l.logger.Debug().Err(err).Msg("failed to write auth token")
		tc.Close()
		return
	}
	l.meter.IncBytesSent("tcp", framing.AuthTokenLen)

	l.pendingMu.Lock()
	if l.opts.MaxPendingHandshakes > 0 && len(l.pending) >= l.opts.MaxPendingHandshakes {
		l.pendingMu.Unlock()
		l.logger.Warn().Msg("pending handshake table full, dropping new connection")
		tc.Close()
		return
	}
	l.pending[token] = conn
	l.pendingMu.Unlock()
}

func (l *Listener) udpLoop() {
	defer l.wg.Done()
	buf := make([]byte, udpRecvSize)
	for {
		n, addr, err := l.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if l.isClosing() {
				return
			}
			l.logger.Debug().Err(err).Msg("udp read error")
			continue
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		l.handleDatagram(addr, buf[:n])
	}
}

func (l *Listener) handleDatagram(addr netip.AddrPort, data []byte) {
	l.routesMu.RLock()
	conn, routed := l.routes[addr]
	l.routesMu.RUnlock()

	if routed {
		out := l.pool.AcquireBuffer(len(data))
		copy(out.Bytes(), data)
		conn.HandleDatagram(out)
		return
	}

	// Not yet routed: the only legitimate datagram from an unrouted
	// endpoint is the handshake token. Anything else is silently dropped
	// (spec.md §4.2) without leaking whether the token is in use.
	if len(data) != framing.AuthTokenLen {
		l.meter.IncUDPHandshakeRejected()
		return
	}
	token := framing.AuthToken(data)

	l.pendingMu.Lock()
	pending, ok := l.pending[token]
	if ok {
		delete(l.pending, token)
	}
	l.pendingMu.Unlock()

	if !ok {
		l.meter.IncUDPHandshakeRejected()
		return
	}
	if !pending.TrySetRemoteUnreliableEndpoint(addr) {
		l.meter.IncUDPHandshakeRejected()
		return
	}

	l.routesMu.Lock()
	l.routes[addr] = pending
	l.routesMu.Unlock()

	l.admitter.HandleNewConnection(pending)
}

// SendDatagram implements session.DatagramSender.
func (l *Listener) SendDatagram(endpoint netip.AddrPort, body []byte) error {
	_, err := l.udp.WriteToUDPAddrPort(body, endpoint)
	return err
}

// RemoveRoute implements session.RouteRemover.
func (l *Listener) RemoveRoute(endpoint netip.AddrPort) {
	l.routesMu.Lock()
	delete(l.routes, endpoint)
	l.routesMu.Unlock()
}

func newAuthToken() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
