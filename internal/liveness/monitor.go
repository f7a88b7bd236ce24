// Package liveness runs the periodic peer prober. Each sweep dials every
// known peer with a recorded port, sends a single ping, and waits for the
// pong on the same connection.
package liveness

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/hadisemoghadam8/chat-app1/internal/history"
	"github.com/hadisemoghadam8/chat-app1/internal/peers"
	"github.com/hadisemoghadam8/chat-app1/internal/server"
	"github.com/hadisemoghadam8/chat-app1/internal/wire"
)

// Config wires the monitor's dependencies and timing.
type Config struct {
	Log           *zap.Logger
	Codec         *wire.Codec
	Peers         *peers.Registry
	History       *history.Store
	Metrics       *server.Metrics
	Interval      time.Duration
	Grace         time.Duration
	Timeout       time.Duration
	MaxFrameBytes int
}

// Monitor probes known peers on a fixed cadence. A peer heard from within
// the grace window is skipped; a peer with no recorded port cannot be
// dialed and is skipped too. One peer's failure never affects the others.
type Monitor struct {
	log      *zap.Logger
	codec    *wire.Codec
	peers    *peers.Registry
	history  *history.Store
	metrics  *server.Metrics
	interval time.Duration
	grace    time.Duration
	timeout  time.Duration
	maxFrame int
	nowFn    func() time.Time
	dialFn   func(network, address string, timeout time.Duration) (net.Conn, error)
}

// NewMonitor constructs a Monitor with defaults filled in.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if cfg.Peers == nil {
		return nil, fmt.Errorf("peer registry is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 8192
	}
	return &Monitor{
		log:      cfg.Log,
		codec:    cfg.Codec,
		peers:    cfg.Peers,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		grace:    cfg.Grace,
		timeout:  cfg.Timeout,
		maxFrame: cfg.MaxFrameBytes,
		nowFn:    time.Now,
		dialFn:   net.DialTimeout,
	}, nil
}

// Start launches the probe loop in its own goroutine and returns. The loop
// runs an immediate sweep, then one per interval, until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.Sweep()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Sweep probes every eligible peer once, sequentially.
func (m *Monitor) Sweep() {
	now := m.nowFn()
	for _, p := range m.peers.All() {
		if p.Port == 0 {
			continue
		}
		if !p.LastSeen.IsZero() && now.Sub(p.LastSeen) < m.grace {
			continue
		}
		m.probe(p)
	}
}

// probe runs one ping/pong round-trip against a peer. Any failure marks the
// peer offline; errors never propagate past this peer.
func (m *Monitor) probe(p peers.Peer) {
	rtt, err := m.roundTrip(p.Endpoint())
	if err != nil {
		m.peers.ObserveProbe(p.Addr, p.Port, false)
		m.metrics.RecordProbe(false)
		m.log.Debug("probe failed", zap.String("peer", p.Addr), zap.Error(err))
		return
	}
	m.peers.ObserveProbe(p.Addr, p.Port, true)
	m.metrics.RecordProbe(true)
	m.history.Append(p.Addr, history.DirOut,
		fmt.Sprintf("ping rtt=%dms", rtt.Milliseconds()), history.KindPing)
}

// roundTrip dials, sends a ping, half-closes the write side, and waits for
// the pong. When the responder reports rtt_ms as zero (it always does) the
// wall-clock round-trip time is used instead.
func (m *Monitor) roundTrip(endpoint string) (time.Duration, error) {
	conn, err := m.dialFn("tcp", endpoint, m.timeout)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	frame, err := m.codec.Encode(wire.NewPing())
	if err != nil {
		return 0, fmt.Errorf("encode ping: %w", err)
	}

	start := m.nowFn()
	_ = conn.SetWriteDeadline(start.Add(m.timeout))
	if _, err := conn.Write(frame); err != nil {
		return 0, fmt.Errorf("send ping: %w", err)
	}
	// Signal end of request so a single-read responder does not wait for
	// more bytes before answering.
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	_ = conn.SetReadDeadline(start.Add(m.timeout))
	buf := make([]byte, m.maxFrame)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("read pong: %w", err)
	}

	payload, err := m.codec.Decode(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("decode pong: %w", err)
	}
	if payload.Kind() != wire.KindPong {
		return 0, fmt.Errorf("unexpected %s reply", payload.Kind())
	}

	if reported := payload.RTTMillis(); reported > 0 {
		return time.Duration(reported) * time.Millisecond, nil
	}
	return m.nowFn().Sub(start), nil
}
