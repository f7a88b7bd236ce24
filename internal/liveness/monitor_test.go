package liveness

import (
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/hadisemoghadam8/chat-app1/internal/history"
	"github.com/hadisemoghadam8/chat-app1/internal/peers"
	"github.com/hadisemoghadam8/chat-app1/internal/wire"
)

func newTestMonitor(t *testing.T) (*Monitor, *peers.Registry, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	reg, err := peers.Open(peers.Options{Path: filepath.Join(dir, "peers.json"), Log: log})
	if err != nil {
		t.Fatalf("open peers: %v", err)
	}
	hist, err := history.Open(history.Options{Path: filepath.Join(dir, "history.json"), Log: log})
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	m, err := NewMonitor(Config{
		Log:     log,
		Codec:   wire.New(""),
		Peers:   reg,
		History: hist,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("build monitor: %v", err)
	}
	return m, reg, hist
}

// startResponder runs a one-shot pong responder on a loopback listener.
func startResponder(t *testing.T, codec *wire.Codec) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				n, err := c.Read(buf)
				if err != nil || n == 0 {
					return
				}
				p, err := codec.Decode(buf[:n])
				if err != nil || p.Kind() != wire.KindPing {
					return
				}
				reply, err := codec.Encode(wire.NewPong())
				if err != nil {
					return
				}
				_, _ = c.Write(reply)
			}(conn)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return "127.0.0.1", port
}

func TestProbeSuccessMarksOnlineAndRecordsRTT(t *testing.T) {
	m, reg, hist := newTestMonitor(t)
	addr, port := startResponder(t, wire.New(""))

	reg.AddManual(addr, port)
	reg.SetOnline(addr, false)

	m.Sweep()

	p, _ := reg.Get(addr)
	if !p.Online {
		t.Fatal("expected peer online after successful probe")
	}
	lst := hist.PeerLog(addr)
	if len(lst) != 1 {
		t.Fatalf("expected one ping history entry, got %d", len(lst))
	}
	if lst[0].Dir != history.DirOut || lst[0].Type != history.KindPing {
		t.Fatalf("unexpected entry: %+v", lst[0])
	}
}

func TestProbeFailureMarksOffline(t *testing.T) {
	m, reg, hist := newTestMonitor(t)

	// Bind and immediately close so the port is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	reg.AddManual("127.0.0.1", deadPort)
	m.Sweep()

	p, _ := reg.Get("127.0.0.1")
	if p.Online {
		t.Fatal("expected peer offline after failed probe")
	}
	if lst := hist.PeerLog("127.0.0.1"); len(lst) != 0 {
		t.Fatalf("failed probe must not be recorded, got %+v", lst)
	}
}

func TestOnePeerFailureDoesNotStopTheSweep(t *testing.T) {
	m, reg, _ := newTestMonitor(t)

	codec := wire.New("")
	var mu sync.Mutex
	dialed := []string{}
	m.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		mu.Lock()
		dialed = append(dialed, address)
		mu.Unlock()
		if address == "10.0.0.1:1111" {
			return nil, errors.New("connection refused")
		}
		client, srv := net.Pipe()
		go func() {
			defer srv.Close()
			buf := make([]byte, 4096)
			n, err := srv.Read(buf)
			if err != nil || n == 0 {
				return
			}
			reply, _ := codec.Encode(wire.NewPong())
			_, _ = srv.Write(reply)
		}()
		return client, nil
	}

	// Sorted order puts the failing peer first.
	reg.AddManual("10.0.0.1", 1111)
	reg.AddManual("10.0.0.2", 2222)

	m.Sweep()

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 2 {
		t.Fatalf("expected both peers dialed, got %v", dialed)
	}
	p1, _ := reg.Get("10.0.0.1")
	if p1.Online {
		t.Fatal("failing peer must be offline")
	}
	p2, _ := reg.Get("10.0.0.2")
	if !p2.Online {
		t.Fatal("healthy peer must stay online despite the earlier failure")
	}
}

func TestSweepSkipsRecentAndPortlessPeers(t *testing.T) {
	m, reg, _ := newTestMonitor(t)

	calls := 0
	m.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		calls++
		return nil, errors.New("should not be dialed")
	}

	// Heard from just now: inside the grace window.
	reg.ObserveChat("10.0.0.3", 5050, "")
	// No port recorded: cannot be dialed.
	reg.ObserveProbe("10.0.0.4", 0, false)

	m.Sweep()
	if calls != 0 {
		t.Fatalf("expected no probes, got %d", calls)
	}
}

func TestProbeRejectsNonPongReply(t *testing.T) {
	m, reg, hist := newTestMonitor(t)

	codec := wire.New("")
	m.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		client, srv := net.Pipe()
		go func() {
			defer srv.Close()
			buf := make([]byte, 4096)
			if _, err := srv.Read(buf); err != nil {
				return
			}
			reply, _ := codec.Encode(wire.Chat{Msg: "not a pong", FromPort: 1})
			_, _ = srv.Write(reply)
		}()
		return client, nil
	}

	reg.AddManual("10.0.0.5", 5050)
	m.Sweep()

	p, _ := reg.Get("10.0.0.5")
	if p.Online {
		t.Fatal("non-pong reply must count as a failed probe")
	}
	if lst := hist.PeerLog("10.0.0.5"); len(lst) != 0 {
		t.Fatalf("failed probe must not be recorded, got %+v", lst)
	}
}
