package transport

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"hyper-rpc/message"
)

const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultKeepAliveTimeout  = 30 * time.Second
)

var (
	ErrInvalidKeepAlive = errors.New("invalid keep-alive settings")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
)

// KeepAlive configures heartbeats on a connection. When enabled, a
// KeepAliveRequest is sent once Interval passes without inbound traffic, and
// the connection is closed once Timeout passes without any.
type KeepAlive struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultKeepAlive is enabled with a 15s interval and a 30s timeout.
func DefaultKeepAlive() KeepAlive {
	return KeepAlive{
		Enabled:  true,
		Interval: DefaultKeepAliveInterval,
		Timeout:  DefaultKeepAliveTimeout,
	}
}

// NewKeepAlive returns enabled settings, rejecting non-positive durations.
func NewKeepAlive(interval, timeout time.Duration) (KeepAlive, error) {
	k := KeepAlive{Enabled: true, Interval: interval, Timeout: timeout}
	if err := k.Validate(); err != nil {
		return KeepAlive{}, err
	}
	return k, nil
}

func (k KeepAlive) Validate() error {
	if k.Interval <= 0 {
		return fmt.Errorf("%w: interval %s", ErrInvalidKeepAlive, k.Interval)
	}
	if k.Timeout <= 0 {
		return fmt.Errorf("%w: timeout %s", ErrInvalidKeepAlive, k.Timeout)
	}
	return nil
}

var keepAliveProbe = message.KeepAliveRequest{}

type beat int

const (
	beatNone beat = iota
	beatSend
	beatTimeout
)

// heartbeat is the keep-alive state machine driven once per receive loop
// cycle. lastResponse is written by the receive loop and read by anyone.
type heartbeat struct {
	cfg          KeepAlive
	lastResponse atomic.Int64 // unix nanos of the last valid inbound packet
	nextDeadline time.Time
}

func newHeartbeat(cfg KeepAlive, now time.Time) *heartbeat {
	h := &heartbeat{cfg: cfg, nextDeadline: now.Add(cfg.Interval)}
	h.lastResponse.Store(now.UnixNano())
	return h
}

func (h *heartbeat) touch(now time.Time) {
	h.lastResponse.Store(now.UnixNano())
}

func (h *heartbeat) last() time.Time {
	return time.Unix(0, h.lastResponse.Load())
}

// step advances the state machine to now.
func (h *heartbeat) step(now time.Time) beat {
	last := h.last()
	if candidate := last.Add(h.cfg.Interval); candidate.After(h.nextDeadline) {
		// Inbound traffic since the last deadline, no probe needed yet.
		h.nextDeadline = candidate
		return beatNone
	}
	if !last.Add(h.cfg.Timeout).After(now) {
		return beatTimeout
	}
	if !now.Before(h.nextDeadline) {
		h.nextDeadline = h.nextDeadline.Add(h.cfg.Interval)
		return beatSend
	}
	return beatNone
}

// wait returns how long the receive loop may block before the next step is due.
func (h *heartbeat) wait(now time.Time, max time.Duration) time.Duration {
	d := h.nextDeadline.Sub(now)
	if t := h.last().Add(h.cfg.Timeout).Sub(now); t < d {
		d = t
	}
	if d > max {
		d = max
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// RegisterKeepAlive installs the heartbeat handlers on r: requests are
// answered on the connection they arrived on, responses only count as
// activity.
func RegisterKeepAlive(r *PacketRegistry) error {
	if err := Handle(r, func(conn *Connection, _ *message.KeepAliveRequest) error {
		return conn.Send(message.KeepAliveResponse{})
	}); err != nil {
		return err
	}
	return Handle(r, func(*Connection, *message.KeepAliveResponse) error {
		return nil
	})
}
