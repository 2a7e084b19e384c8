// Package reachability tracks whether the backend can be reached and
// notifies subscribers when that changes.
package reachability

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/ride-sync/internal/pubsub"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Signal is a reachable flag with change notifications.
type Signal struct {
	up      atomic.Bool
	changes *pubsub.Broadcaster[bool]
}

// NewSignal returns a Signal with the given initial value.
func NewSignal(initial bool) *Signal {
	s := &Signal{changes: pubsub.New[bool]()}
	s.up.Store(initial)

	return s
}

// Reachable reports the current value.
func (s *Signal) Reachable() bool {
	return s.up.Load()
}

// Set updates the value and notifies subscribers if it changed. It
// returns whether it changed.
func (s *Signal) Set(up bool) bool {
	if s.up.Swap(up) == up {
		return false
	}

	s.changes.Publish(up)

	return true
}

// Changes subscribes to value changes.
func (s *Signal) Changes(buf int) (<-chan bool, func()) {
	return s.changes.Subscribe(buf)
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Prober sets a Signal from periodic TCP connects to Addr.
type Prober struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc

	signal *Signal
	logger *slog.Logger
}

// NewProber creates a Prober for addr (host:port).
func NewProber(addr string, signal *Signal, logger *slog.Logger) *Prober {
	var d net.Dialer

	return &Prober{
		Addr:     addr,
		Interval: defaultProbeInterval,
		Timeout:  defaultProbeTimeout,
		Dial:     d.DialContext,
		signal:   signal,
		logger:   logger,
	}
}

// Probe makes one connection attempt and updates the signal.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.Dial(ctx, "tcp", p.Addr)
	up := err == nil

	if conn != nil {
		conn.Close()
	}

	if p.signal.Set(up) {
		if up {
			p.logger.Info("backend reachable", slog.String("addr", p.Addr))
		} else {
			p.logger.Warn("backend unreachable",
				slog.String("addr", p.Addr),
				slog.String("error", err.Error()),
			)
		}
	}

	return up
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.Probe(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
