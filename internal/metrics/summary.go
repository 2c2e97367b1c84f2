package metrics

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Stats is a point-in-time snapshot used by RunPeriodicSummary. The Sink
// itself is write-only (spec.md §6), so the summary log line is fed by a
// separate read-side callback rather than reading the Sink back — the
// direct descendant of rustyguts-bken/server/metrics.go's RunMetrics,
// which read room.Stats() rather than its own metrics.
type Stats struct {
	ClientsConnected int
	BytesSent        uint64
	BytesReceived    uint64
}

// RunPeriodicSummary logs a human-readable summary line every interval
// until ctx is canceled.
func RunPeriodicSummary(ctx context.Context, logger zerolog.Logger, interval time.Duration, snapshot func() Stats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevSent, prevRecv uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := snapshot()
			sentRate := float64(s.BytesSent-prevSent) / interval.Seconds()
			recvRate := float64(s.BytesReceived-prevRecv) / interval.Seconds()
			prevSent, prevRecv = s.BytesSent, s.BytesReceived

			logger.Info().
				Int("clients_connected", s.ClientsConnected).
				Str("bytes_sent", humanize.Bytes(s.BytesSent)).
				Str("bytes_received", humanize.Bytes(s.BytesReceived)).
				Str("send_rate", humanize.Bytes(uint64(sentRate))+"/s").
				Str("recv_rate", humanize.Bytes(uint64(recvRate))+"/s").
				Msg("periodic summary")
		}
	}
}
