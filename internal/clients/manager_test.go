package clients

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bichannel/server/internal/dispatch"
	"bichannel/server/internal/pool"
	"bichannel/server/internal/session"
)

type fakeMeter struct{}

func (fakeMeter) IncBytesSent(string, int)     {}
func (fakeMeter) IncBytesReceived(string, int) {}

type fakeSender struct{}

func (fakeSender) SendDatagram(netip.AddrPort, []byte) error { return nil }

type fakeRouter struct{}

func (fakeRouter) RemoveRoute(netip.AddrPort) {}

type countingSink struct {
	mu                 sync.Mutex
	clientsConnected   int
	connectFailures    int
	disconnectFailures int
	probeSteps         []int
}

func (s *countingSink) SetClientsConnected(n int) { s.mu.Lock(); s.clientsConnected = n; s.mu.Unlock() }
func (s *countingSink) IncClientConnectedEventFailures() {
	s.mu.Lock()
	s.connectFailures++
	s.mu.Unlock()
}
func (s *countingSink) IncClientDisconnectedEventFailures() {
	s.mu.Lock()
	s.disconnectFailures++
	s.mu.Unlock()
}
func (s *countingSink) ObserveClientConnectedEventTime(time.Duration)    {}
func (s *countingSink) ObserveClientDisconnectedEventTime(time.Duration) {}
func (s *countingSink) ObserveClientIDProbeSteps(n int) {
	s.mu.Lock()
	s.probeSteps = append(s.probeSteps, n)
	s.mu.Unlock()
}

func (s *countingSink) connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientsConnected
}

func newTestManager(t *testing.T, h Handlers) (*Manager, *dispatch.Dispatcher, *pool.Pool, *countingSink, func()) {
	t.Helper()
	p := pool.New(pool.Config{MaxCachedMessages: 16}, nil)
	d := dispatch.New(zerolog.Nop(), 256)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	sink := &countingSink{}
	m := New(d, p, sink, zerolog.Nop(), h)
	return m, d, p, sink, cancel
}

func newTestConn(t *testing.T) (*session.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	p := pool.New(pool.Config{MaxCachedMessages: 8}, nil)
	conn := session.New(server, 0xAABBCCDD, p, fakeMeter{}, fakeSender{}, fakeRouter{}, zerolog.Nop(), session.Options{
		MaxReliableBodyLength: 1024,
		MaxStrikes:            3,
	})
	return conn, client
}

func TestHandleNewConnectionAdmitsAndStartsListening(t *testing.T) {
	connected := make(chan *Client, 1)
	m, _, _, sink, cancel := newTestManager(t, Handlers{
		ClientConnected: func(_ context.Context, c *Client) error {
			connected <- c
			return nil
		},
	})
	defer cancel()

	conn, _ := newTestConn(t)
	m.HandleNewConnection(conn)

	select {
	case c := <-connected:
		if c == nil {
			t.Fatal("nil client delivered to ClientConnected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ClientConnected handler never ran")
	}

	deadline := time.After(time.Second)
	for sink.connected() != 1 {
		select {
		case <-deadline:
			t.Fatalf("clients_connected gauge = %d, want 1", sink.connected())
		case <-time.After(5 * time.Millisecond):
		}
	}
	for conn.State() != session.StateListening {
		select {
		case <-deadline:
			t.Fatalf("connection state = %d, want StateListening", conn.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFailingClientConnectedDropsAndDisconnects(t *testing.T) {
	ran := make(chan struct{}, 1)
	m, _, _, sink, cancel := newTestManager(t, Handlers{
		ClientConnected: func(_ context.Context, c *Client) error {
			ran <- struct{}{}
			return errTestHandlerFailure
		},
	})
	defer cancel()

	conn, _ := newTestConn(t)
	m.HandleNewConnection(conn)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("ClientConnected handler never ran")
	}

	deadline := time.After(time.Second)
	for {
		if sink.connected() == 0 && !conn.CanSend() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("client was not fully dropped: gauge=%d canSend=%v", sink.connected(), conn.CanSend())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIDAllocationIsUniqueAndReadmitsAfterDisconnect(t *testing.T) {
	m, _, _, _, cancel := newTestManager(t, Handlers{})
	defer cancel()

	for i := 0; i < 5; i++ {
		conn, _ := newTestConn(t)
		m.HandleNewConnection(conn)
	}
	time.Sleep(20 * time.Millisecond)

	clients := m.Snapshot()
	if len(clients) != 5 {
		t.Fatalf("got %d admitted clients, want 5", len(clients))
	}
	seen := make(map[uint16]bool)
	for _, c := range clients {
		if seen[c.ID] {
			t.Fatalf("duplicate client ID %d", c.ID)
		}
		seen[c.ID] = true
	}

	victim := clients[0]
	m.handleDisconnection(victim, true, nil)
	time.Sleep(10 * time.Millisecond)
	if m.ClientsConnected() != 4 {
		t.Fatalf("clients_connected = %d, want 4 after disconnect", m.ClientsConnected())
	}

	conn, _ := newTestConn(t)
	m.HandleNewConnection(conn)
	time.Sleep(20 * time.Millisecond)
	if m.ClientsConnected() != 5 {
		t.Fatalf("clients_connected = %d, want 5 after reconnect", m.ClientsConnected())
	}
}

func TestMessageReceivedDeliveredThroughDispatcher(t *testing.T) {
	received := make(chan []byte, 1)
	m, _, p, _, cancel := newTestManager(t, Handlers{
		ClientConnected: func(context.Context, *Client) error { return nil },
		MessageReceived: func(_ context.Context, _ *Client, buf *pool.MessageBuffer, _ session.Mode) {
			received <- append([]byte(nil), buf.Data()...)
		},
	})
	defer cancel()

	conn, _ := newTestConn(t)
	m.HandleNewConnection(conn)
	time.Sleep(10 * time.Millisecond)

	buf := p.AcquireBuffer(3)
	copy(buf.Bytes(), []byte("hey"))
	m.Deliver(conn, buf, session.ModeReliable)

	select {
	case got := <-received:
		if string(got) != "hey" {
			t.Fatalf("delivered payload = %q, want hey", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("MessageReceived handler never ran")
	}
}

func TestDisconnectIdempotenceUnderRace(t *testing.T) {
	m, _, _, sink, cancel := newTestManager(t, Handlers{})
	defer cancel()

	conn, _ := newTestConn(t)
	m.HandleNewConnection(conn)
	time.Sleep(10 * time.Millisecond)

	clients := m.Snapshot()
	if len(clients) != 1 {
		t.Fatalf("expected 1 admitted client, got %d", len(clients))
	}
	client := clients[0]

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.handleDisconnection(client, true, nil) }()
	go func() { defer wg.Done(); m.handleDisconnection(client, true, nil) }()
	wg.Wait()

	if sink.connected() != 0 {
		t.Fatalf("clients_connected = %d, want 0 after exactly-once disconnect", sink.connected())
	}
}

type testHandlerFailure struct{}

func (testHandlerFailure) Error() string { return "handler failure" }

var errTestHandlerFailure = testHandlerFailure{}
