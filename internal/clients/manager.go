// Package clients implements the client-ID allocator and table (component
// E): linear-probe 16-bit ID allocation under the idLock->clientsLock
// ordering, connection admission and disconnection per spec.md §4.4, and
// the extension-facing Client type.
//
// Grounded on rustyguts-bken/server/room.go's clients map[uint16]*Client
// plus nextID atomic.Uint32 (generalized here to a reserved/populated
// linear-probe allocator per spec.md §4.4) and on
// rustyguts-bken/server/internal/ws/handler.go's per-session dispatch shape
// (generalized to internal/dispatch.Dispatcher).
package clients

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bichannel/server/internal/dispatch"
	"bichannel/server/internal/pool"
	"bichannel/server/internal/session"
)

// ErrIDExhaustion is returned by admission when the entire 16-bit ID space
// is in use (spec.md §7: id_exhaustion).
var ErrIDExhaustion = errors.New("id_exhaustion")

// Sink is the slice of the metrics sink this package drives directly.
type Sink interface {
	SetClientsConnected(n int)
	IncClientConnectedEventFailures()
	IncClientDisconnectedEventFailures()
	ObserveClientConnectedEventTime(d time.Duration)
	ObserveClientDisconnectedEventTime(d time.Duration)
	ObserveClientIDProbeSteps(steps int)
}

// Handlers are the extension callbacks dispatched around connect, message,
// and disconnect events (spec.md §6). A nil field means "no handler
// registered" and follows the fallback behavior spec.md §4.4 documents for
// each case.
type Handlers struct {
	ClientConnected    func(ctx context.Context, c *Client) error
	ClientDisconnected func(ctx context.Context, c *Client, localDisconnect bool, err error)
	MessageReceived    func(ctx context.Context, c *Client, buf *pool.MessageBuffer, mode session.Mode)
}

// Manager owns the ClientTable and the ID allocator, and bridges
// session.Connection events into the extension-facing Handlers.
type Manager struct {
	dispatcher *dispatch.Dispatcher
	pool       *pool.Pool
	metrics    Sink
	logger     zerolog.Logger
	handlers   Handlers

	idLock        sync.Mutex
	lastAllocated uint16
	reserved      map[uint16]struct{}

	clientsLock sync.RWMutex
	populated   map[uint16]*Client
}

// New builds a Manager. The Handlers may be zero-valued; missing handlers
// fall back to the behavior spec.md §4.4 documents.
func New(d *dispatch.Dispatcher, p *pool.Pool, metrics Sink, logger zerolog.Logger, h Handlers) *Manager {
	return &Manager{
		dispatcher: d,
		pool:       p,
		metrics:    metrics,
		logger:     logger.With().Str("component", "clients").Logger(),
		handlers:   h,
		reserved:   make(map[uint16]struct{}),
		populated:  make(map[uint16]*Client),
	}
}

// ClientsConnected returns the current populated count.
func (m *Manager) ClientsConnected() int {
	m.clientsLock.RLock()
	defer m.clientsLock.RUnlock()
	return len(m.populated)
}

// Snapshot returns every currently admitted client, for the admin surface.
func (m *Manager) Snapshot() []*Client {
	m.clientsLock.RLock()
	defer m.clientsLock.RUnlock()
	out := make([]*Client, 0, len(m.populated))
	for _, c := range m.populated {
		out = append(out, c)
	}
	return out
}

// reserveID performs the linear probe described in spec.md §4.4: starting
// at (lastAllocated+1) mod 2^16, the candidate must be absent from both the
// populated table and the reserved set. idLock is held for the whole probe;
// clientsLock is taken inside it, never the reverse.
func (m *Manager) reserveID() (uint16, error) {
	m.idLock.Lock()
	defer m.idLock.Unlock()

	start := m.lastAllocated + 1
	for i := 0; i < 1<<16; i++ {
		id := start + uint16(i)
		if _, isReserved := m.reserved[id]; isReserved {
			continue
		}
		m.clientsLock.RLock()
		_, isPopulated := m.populated[id]
		m.clientsLock.RUnlock()
		if isPopulated {
			continue
		}
		m.reserved[id] = struct{}{}
		m.lastAllocated = id
		m.metrics.ObserveClientIDProbeSteps(i + 1)
		return id, nil
	}
	return 0, ErrIDExhaustion
}

func (m *Manager) updateGauge() {
	m.metrics.SetClientsConnected(m.ClientsConnected())
}

// HandleNewConnection admits conn per spec.md §4.4. It reserves an ID,
// binds a Client to the Connection, publishes it into the populated table,
// and — if a ClientConnected handler is registered — dispatches it before
// starting the reliable receive loop as its continuation.
func (m *Manager) HandleNewConnection(conn *session.Connection) {
	id, err := m.reserveID()
	if err != nil {
		m.logger.Warn().Err(err).Msg("client ID space exhausted, dropping new connection")
		conn.Disconnect(session.ReasonLocal)
		return
	}

	client := &Client{ID: id, conn: conn, logger: m.logger}
	conn.SetOwner(client)
	conn.SetHandler(m)

	m.idLock.Lock()
	m.clientsLock.Lock()
	m.populated[id] = client
	delete(m.reserved, id)
	m.clientsLock.Unlock()
	m.idLock.Unlock()

	m.updateGauge()

	if m.handlers.ClientConnected == nil {
		m.logger.Warn().Uint16("client_id", id).Msg("no ClientConnected handler registered; messages will not be delivered anywhere useful")
		conn.StartListening()
		return
	}

	m.dispatcher.Dispatch(dispatch.Task{
		Label: "client_connected",
		Run: func(ctx context.Context) error {
			start := time.Now()
			err := m.handlers.ClientConnected(ctx, client)
			m.metrics.ObserveClientConnectedEventTime(time.Since(start))
			return err
		},
		Continuation: func(_ context.Context, err error) {
			if err != nil {
				m.metrics.IncClientConnectedEventFailures()
				m.logger.Error().Err(err).Uint16("client_id", id).Msg("ClientConnected handler failed; dropping client")
				m.DropClient(client)
				conn.Disconnect(session.ReasonLocal)
				return
			}
			conn.StartListening()
		},
	})
}

// DropClient removes id from both the reserved and populated sets without
// invoking the disconnect handler (spec.md §4.4 "Drop"): used only when
// the ClientConnected handler itself failed, so the client is considered
// never to have been admitted from the extensions' perspective.
func (m *Manager) DropClient(client *Client) {
	id := client.ID
	m.idLock.Lock()
	m.clientsLock.Lock()
	delete(m.populated, id)
	delete(m.reserved, id)
	m.clientsLock.Unlock()
	m.idLock.Unlock()
	m.updateGauge()
}

// Deliver implements session.Handler, bridging a received payload to the
// MessageReceived extension callback via the dispatcher. buf is released
// exactly once, after the handler runs (or immediately if there is none).
func (m *Manager) Deliver(conn *session.Connection, buf *pool.MessageBuffer, mode session.Mode) {
	owner, _ := conn.Owner().(*Client)
	if owner == nil || m.handlers.MessageReceived == nil {
		m.pool.ReleaseBuffer(buf)
		return
	}
	m.dispatcher.Dispatch(dispatch.Task{
		Label: "message_received",
		Run: func(ctx context.Context) error {
			defer m.pool.ReleaseBuffer(buf)
			m.handlers.MessageReceived(ctx, owner, buf, mode)
			return nil
		},
	})
}

// Disconnected implements session.Handler, bridging a Connection's terminal
// event to HandleDisconnection (spec.md §4.4).
func (m *Manager) Disconnected(conn *session.Connection, localDisconnect bool, err error) {
	client, _ := conn.Owner().(*Client)
	if client == nil {
		return
	}
	m.handleDisconnection(client, localDisconnect, err)
}

func (m *Manager) handleDisconnection(client *Client, localDisconnect bool, err error) {
	id := client.ID

	m.idLock.Lock()
	m.clientsLock.Lock()
	_, wasPopulated := m.populated[id]
	_, wasReserved := m.reserved[id]
	delete(m.populated, id)
	delete(m.reserved, id)
	m.clientsLock.Unlock()
	m.idLock.Unlock()

	if !wasPopulated && !wasReserved {
		// A disconnect raced a disconnect; idempotent no-op (spec.md §4.4).
		return
	}
	m.updateGauge()

	if m.handlers.ClientDisconnected == nil {
		m.logDisconnect(localDisconnect, err)
		return
	}

	m.dispatcher.Dispatch(dispatch.Task{
		Label: "client_disconnected",
		Run: func(ctx context.Context) error {
			start := time.Now()
			m.handlers.ClientDisconnected(ctx, client, localDisconnect, err)
			m.metrics.ObserveClientDisconnectedEventTime(time.Since(start))
			return nil
		},
		// ClientDisconnected has no error return, so "handler failure" (spec
		// §7 handler_failure(disconnect)) means it panicked; the dispatcher
		// recovers that panic into runErr, which arrives here as handlerErr.
		// Finalization (logDisconnect) always runs regardless.
		Continuation: func(_ context.Context, handlerErr error) {
			if handlerErr != nil {
				m.metrics.IncClientDisconnectedEventFailures()
				m.logger.Error().Err(handlerErr).Uint16("client_id", id).Msg("ClientDisconnected handler failed")
			}
			m.logDisconnect(localDisconnect, err)
		},
	})
}

// logDisconnect classifies the disconnect reason per spec.md §4.4 step 4.
// Go's net package does not expose the source's richer
// Success|Disconnecting|OperationAborted taxonomy, so a nil error collapses
// all of those into one informational line; any non-nil error is logged
// with its message.
func (m *Manager) logDisconnect(localDisconnect bool, err error) {
	ev := m.logger.Info().Bool("local_disconnect", localDisconnect)
	if err != nil {
		ev.Err(err).Msg("client disconnected with transport error")
		return
	}
	ev.Msg("client disconnected")
}
