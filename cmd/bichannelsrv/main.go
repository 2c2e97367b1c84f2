// Command bichannelsrv is the entry point: it binds CLI flags onto
// config.Config, wires the core components together in construction order,
// and blocks until SIGINT/SIGTERM request a graceful shutdown.
//
// Grounded on rustyguts-bken/server/main.go's wiring order (parse flags,
// construct resources, register callbacks, start listeners, block on
// signal, graceful shutdown) and R2Northstar-Atlas/cmd/atlas/main.go's
// spf13/pflag idiom and signal.NotifyContext-based shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"bichannel/server/internal/admin"
	"bichannel/server/internal/bichannel"
	"bichannel/server/internal/clients"
	"bichannel/server/internal/config"
	"bichannel/server/internal/dispatch"
	"bichannel/server/internal/metrics"
	"bichannel/server/internal/pool"
	"bichannel/server/internal/session"
)

var opt struct {
	Help bool

	Address                 string
	Port                    int
	AdminAddr               string
	MaxStrikes              uint32
	NoDelay                 bool
	PreserveOrdering        bool
	MaxReliableBodyLength   uint32
	MaxCachedMessages       int
	MaxCachedIOEvents       int
	MaxDispatcherTasks      int
	MaxPendingHandshakes    int
	PeriodicSummaryInterval time.Duration
	PrettyLog               bool
}

func init() {
	def := config.Default()
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.Address, "address", def.Address, "listen address shared by the TCP and UDP sockets")
	pflag.IntVar(&opt.Port, "port", def.Port, "listen port shared by the TCP and UDP sockets")
	pflag.StringVar(&opt.AdminAddr, "admin-addr", ":9296", "admin HTTP listen address (health/metrics/debug)")
	pflag.Uint32Var(&opt.MaxStrikes, "max-strikes", def.MaxStrikes, "strikes a connection may accrue before disconnection")
	pflag.BoolVar(&opt.NoDelay, "no-delay", def.NoDelay, "disable Nagle's algorithm on the reliable stream")
	pflag.BoolVar(&opt.PreserveOrdering, "preserve-ordering", def.PreserveOrdering, "deliver reliable messages in receipt order")
	pflag.Uint32Var(&opt.MaxReliableBodyLength, "max-reliable-body-length", def.MaxReliableBodyLength, "largest accepted reliable frame body, in bytes")
	pflag.IntVar(&opt.MaxCachedMessages, "max-cached-messages", def.MaxCachedMessages, "pooled message buffers retained for reuse")
	pflag.IntVar(&opt.MaxCachedIOEvents, "max-cached-io-events", def.MaxCachedIoEvents, "pooled IO event structs retained for reuse")
	pflag.IntVar(&opt.MaxDispatcherTasks, "max-dispatcher-tasks", def.MaxDispatcherTasks, "queue depth of the cooperative dispatcher")
	pflag.IntVar(&opt.MaxPendingHandshakes, "max-pending-handshakes", def.MaxPendingHandshakes, "pending AuthToken handshakes held at once")
	pflag.DurationVar(&opt.PeriodicSummaryInterval, "periodic-summary-interval", def.PeriodicSummaryInterval, "interval between periodic summary log lines (0 disables)")
	pflag.BoolVar(&opt.PrettyLog, "pretty-log", true, "use zerolog's human-readable console writer instead of JSON")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	logger := newLogger(opt.PrettyLog)

	cfg := config.Default()
	cfg.Address = opt.Address
	cfg.Port = opt.Port
	cfg.MaxStrikes = opt.MaxStrikes
	cfg.NoDelay = opt.NoDelay
	cfg.PreserveOrdering = opt.PreserveOrdering
	cfg.MaxReliableBodyLength = opt.MaxReliableBodyLength
	cfg.MaxCachedMessages = opt.MaxCachedMessages
	cfg.MaxCachedIoEvents = opt.MaxCachedIOEvents
	cfg.MaxDispatcherTasks = opt.MaxDispatcherTasks
	cfg.MaxPendingHandshakes = opt.MaxPendingHandshakes
	cfg.PeriodicSummaryInterval = opt.PeriodicSummaryInterval

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	reg := prometheus.NewRegistry()
	sink := newBridgeSink(metrics.NewPrometheus(reg))

	p := pool.New(pool.Config{
		MaxCachedMessages: cfg.MaxCachedMessages,
		MaxCachedIOEvents: cfg.MaxCachedIoEvents,
	}, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := dispatch.New(logger, cfg.MaxDispatcherTasks)
	go d.Run(ctx)

	manager := clients.New(d, p, sink, logger, clients.Handlers{
		ClientConnected: func(_ context.Context, c *clients.Client) error {
			logger.Info().Uint16("client_id", c.ID).Msg("client connected")
			return nil
		},
		ClientDisconnected: func(_ context.Context, c *clients.Client, localDisconnect bool, err error) {
			ev := logger.Info().Uint16("client_id", c.ID).Bool("local", localDisconnect)
			if err != nil {
				ev = ev.Err(err)
			}
			ev.Msg("client disconnected")
		},
		MessageReceived: func(_ context.Context, c *clients.Client, buf *pool.MessageBuffer, mode session.Mode) {
			logger.Debug().Uint16("client_id", c.ID).Str("mode", mode.String()).Int("bytes", buf.Count()).Msg("message received")
		},
	})

	listener := bichannel.New(bichannel.Options{
		Address:               cfg.Address,
		Port:                  cfg.Port,
		NoDelay:               cfg.NoDelay,
		PreserveOrdering:      cfg.PreserveOrdering,
		MaxReliableBodyLength: cfg.MaxReliableBodyLength,
		MaxStrikes:            cfg.MaxStrikes,
		MaxPendingHandshakes:  cfg.MaxPendingHandshakes,
	}, p, sink, manager, logger)

	if err := listener.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bichannel listener")
	}

	adminServer := admin.New(manager, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)
	go adminServer.Run(ctx, opt.AdminAddr)

	if cfg.PeriodicSummaryInterval > 0 {
		go metrics.RunPeriodicSummary(ctx, logger, cfg.PeriodicSummaryInterval, func() metrics.Stats {
			return metrics.Stats{
				ClientsConnected: manager.ClientsConnected(),
				BytesSent:        sink.bytesSent.Load(),
				BytesReceived:    sink.bytesReceived.Load(),
			}
		})
	}

	logger.Info().Str("address", cfg.Address).Int("port", listener.Port()).Str("admin_addr", opt.AdminAddr).Msg("bichannelsrv started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	listener.Stop()
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// bridgeSink wraps metrics.Prometheus to also track running byte totals
// locally, since metrics.Sink is deliberately write-only (spec.md §6) and
// RunPeriodicSummary needs a read-side snapshot (see metrics.Stats's doc
// comment).
type bridgeSink struct {
	*metrics.Prometheus
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func newBridgeSink(p *metrics.Prometheus) *bridgeSink {
	return &bridgeSink{Prometheus: p}
}

func (b *bridgeSink) IncBytesSent(protocol string, n int) {
	b.bytesSent.Add(uint64(n))
	b.Prometheus.IncBytesSent(protocol, n)
}

func (b *bridgeSink) IncBytesReceived(protocol string, n int) {
	b.bytesReceived.Add(uint64(n))
	b.Prometheus.IncBytesReceived(protocol, n)
}
