// Package node assembles the chat node: codec, peer registry, history,
// keystore, server, and liveness monitor, wired per the runtime
// configuration. Callers interact with the node facade instead of the
// individual components.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hadisemoghadam8/chat-app1/internal/bootstrap"
	"github.com/hadisemoghadam8/chat-app1/internal/config"
	"github.com/hadisemoghadam8/chat-app1/internal/event"
	"github.com/hadisemoghadam8/chat-app1/internal/history"
	"github.com/hadisemoghadam8/chat-app1/internal/keystore"
	"github.com/hadisemoghadam8/chat-app1/internal/liveness"
	"github.com/hadisemoghadam8/chat-app1/internal/peers"
	"github.com/hadisemoghadam8/chat-app1/internal/server"
	"github.com/hadisemoghadam8/chat-app1/internal/wire"
)

// Node is the assembled chat peer.
type Node struct {
	cfg      config.Config
	log      *zap.Logger
	codec    *wire.Codec
	peers    *peers.Registry
	history  *history.Store
	events   *event.Queue
	keys     *keystore.FileBackend
	unlocked bool
	metrics  *server.Metrics
	server   *server.Server
	monitor  *liveness.Monitor
	addr     string
	port     int
	ready    chan struct{}
	dialFn   func(network, address string, timeout time.Duration) (net.Conn, error)
}

// New builds a node from cfg. The shared secret is resolved from the
// keystore when one is unlocked, falling back to the configured
// environment variable.
func New(cfg config.Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}

	n := &Node{
		cfg:    cfg,
		log:    log,
		events: event.NewQueue(128),
		ready:  make(chan struct{}),
		dialFn: net.DialTimeout,
	}

	hist, err := history.Open(history.Options{
		Path:    cfg.History.Path,
		PingCap: cfg.History.PingCap,
		Log:     log.Named("history"),
	})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	n.history = hist
	if cfg.History.RetainDays > 0 && hist.RetainLastDays(cfg.History.RetainDays) {
		log.Info("expired old history entries", zap.Int("retain_days", cfg.History.RetainDays))
	}

	reg, err := peers.Open(peers.Options{
		Path: cfg.PeersPath,
		Log:  log.Named("peers"),
		OnChange: func() {
			n.events.Publish(event.Event{Type: event.PeerListChanged})
			n.metrics.SetKnownPeers(n.peers.Count())
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open peers: %w", err)
	}
	n.peers = reg

	secret, err := n.resolveSecret(context.Background())
	if err != nil {
		return nil, err
	}
	n.codec = wire.New(secret)
	if secret == "" {
		log.Warn("no shared secret configured, envelopes travel as plain JSON")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = server.NewMetrics(promReg)
	n.metrics.SetKnownPeers(reg.Count())

	srv, err := server.New(server.Config{
		Log:           log.Named("server"),
		Codec:         n.codec,
		Peers:         reg,
		History:       hist,
		Events:        n.events,
		Metrics:       n.metrics,
		MaxFrameBytes: cfg.Transport.MaxFrameBytes,
		MaxConcurrent: cfg.Transport.MaxConcurrent,
		ReadTimeout:   cfg.Transport.ReadTimeout,
		AdminAddress:  cfg.AdminAddress,
		PromRegistry:  promReg,
	})
	if err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}
	n.server = srv

	mon, err := liveness.NewMonitor(liveness.Config{
		Log:           log.Named("liveness"),
		Codec:         n.codec,
		Peers:         reg,
		History:       hist,
		Metrics:       n.metrics,
		Interval:      cfg.Probe.Interval,
		Grace:         cfg.Probe.Grace,
		Timeout:       cfg.Probe.Timeout,
		MaxFrameBytes: cfg.Transport.MaxFrameBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("build monitor: %w", err)
	}
	n.monitor = mon

	return n, nil
}

// resolveSecret prefers the keystore slot over the plain environment
// variable. A missing keystore file is initialized on the spot when a
// passphrase is configured.
func (n *Node) resolveSecret(ctx context.Context) (string, error) {
	pass := n.cfg.Passphrase()
	if pass == "" {
		return n.cfg.SharedSecret(), nil
	}

	ks := keystore.NewFileBackend(n.cfg.Keystore.Path)
	if err := ks.Unlock(ctx, pass); err != nil {
		if !errors.Is(err, keystore.ErrNotInitialized) {
			return "", fmt.Errorf("unlock keystore: %w", err)
		}
		if err := ks.Initialize(ctx, pass); err != nil {
			return "", fmt.Errorf("initialize keystore: %w", err)
		}
		n.log.Info("initialized keystore", zap.String("path", ks.Path()))
	}
	n.keys = ks
	n.unlocked = true

	stored, err := ks.LoadSecret(ctx, keystore.SharedSecretID)
	if err == nil {
		return string(stored), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("load shared secret: %w", err)
	}

	// Nothing stored yet; seed the keystore from the environment if set.
	if env := n.cfg.SharedSecret(); env != "" {
		if err := ks.StoreSecret(ctx, keystore.SharedSecretID, []byte(env)); err != nil {
			n.log.Warn("store shared secret", zap.Error(err))
		}
		return env, nil
	}
	return "", nil
}

// Start binds the listener, launches the liveness monitor, and runs the
// accept loop until ctx is canceled.
func (n *Node) Start(ctx context.Context) error {
	ln, port, err := bootstrap.Listen(n.cfg.ListenHost, n.cfg.PortMarkerPath, n.log.Named("bootstrap"))
	if err != nil {
		return err
	}
	n.port = port
	n.addr = bootstrap.LocalIP()
	close(n.ready)
	n.log.Info("node up",
		zap.String("address", n.addr),
		zap.Int("port", port),
		zap.Bool("encrypted", n.codec.HasSecret()))

	n.monitor.Start(ctx)
	return n.server.Serve(ctx, ln)
}

// Send delivers one chat message to addr:port over a fresh connection.
// Returns false when delivery fails; the peer is then marked offline.
func (n *Node) Send(addr string, port int, text string) bool {
	frame, err := n.codec.Encode(wire.Chat{
		Msg:      text,
		FromPort: n.port,
		Name:     n.cfg.DisplayName,
	})
	if err != nil {
		n.log.Error("encode chat", zap.Error(err))
		n.metrics.RecordSend(false)
		return false
	}

	endpoint := net.JoinHostPort(addr, strconv.Itoa(port))
	conn, err := n.dialFn("tcp", endpoint, n.cfg.Transport.SendTimeout)
	if err != nil {
		n.log.Warn("dial peer", zap.String("endpoint", endpoint), zap.Error(err))
		n.peers.SetOnline(addr, false)
		n.metrics.RecordSend(false)
		return false
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(n.cfg.Transport.SendTimeout))
	if _, err := conn.Write(frame); err != nil {
		n.log.Warn("send chat", zap.String("endpoint", endpoint), zap.Error(err))
		n.peers.SetOnline(addr, false)
		n.metrics.RecordSend(false)
		return false
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	n.history.Append(addr, history.DirOut, text, history.KindMsg)
	n.metrics.RecordSend(true)
	return true
}

// AddManualPeer registers a user-entered peer; the port is authoritative.
func (n *Node) AddManualPeer(addr string, port int) {
	n.peers.AddManual(addr, port)
}

// SetSharedSecret swaps the wire secret at runtime and mirrors the change
// into the keystore when one is unlocked. An empty secret returns the node
// to plain-JSON mode.
func (n *Node) SetSharedSecret(ctx context.Context, secret string) error {
	n.codec.SetSecret(secret)
	if !n.unlocked {
		return nil
	}
	if secret == "" {
		if err := n.keys.DeleteSecret(ctx, keystore.SharedSecretID); err != nil {
			return fmt.Errorf("clear stored secret: %w", err)
		}
		return nil
	}
	if err := n.keys.StoreSecret(ctx, keystore.SharedSecretID, []byte(secret)); err != nil {
		return fmt.Errorf("store shared secret: %w", err)
	}
	return nil
}

// RunRetention applies a retention action to the history log: "clear"
// drops everything, "last" keeps the n most recent entries per peer,
// "days" keeps entries newer than n days.
func (n *Node) RunRetention(kind string, arg int) error {
	switch kind {
	case "clear":
		n.history.Clear()
	case "last":
		n.history.RetainLastN(arg)
	case "days":
		n.history.RetainLastDays(arg)
	default:
		return fmt.Errorf("unknown retention action %q", kind)
	}
	return nil
}

// Peers returns the current peer table snapshot.
func (n *Node) Peers() []peers.Peer {
	return n.peers.All()
}

// History returns the recorded log for one peer.
func (n *Node) History(addr string) []history.Entry {
	return n.history.PeerLog(addr)
}

// Events returns the presentation-layer event stream.
func (n *Node) Events() <-chan event.Event {
	return n.events.C()
}

// Ready is closed once the listener is bound; Addr and Port are valid
// after that.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// Addr reports the discovered local address.
func (n *Node) Addr() string { return n.addr }

// Port reports the bound listening port.
func (n *Node) Port() int { return n.port }
