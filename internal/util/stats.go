package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // connections opened since process start
	ClosedConns atomic.Int64 // connections closed since process start
	BytesSent   atomic.Int64 // framed bytes written to sockets
	BytesRecv   atomic.Int64 // framed bytes read from sockets
}

func (s *stats) AddConn() { s.TotalConns.Add(1) }
func (s *stats) RemoveConn() { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// StartStatsReporter launches a goroutine that logs traffic statistics
// every period. It stops when ctx is cancelled. Quiet periods are not logged.
func StartStatsReporter(ctx context.Context, period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				secs := period.Seconds()
				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				opened := total - prevTotal
				dropped := closed - prevClosed

				if opened > 0 || dropped > 0 || inS > 0 || outS > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, opened, dropped))
				}

				prevSent, prevRecv = sent, recv
				prevTotal, prevClosed = total, closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders a byte rate with a fixed width of 8 characters,
// for example "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, opened, closed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		closed,
	)
}
