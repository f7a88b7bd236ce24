package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hadisemoghadam8/chat-app1/internal/bootstrap"
	"github.com/hadisemoghadam8/chat-app1/internal/config"
	"github.com/hadisemoghadam8/chat-app1/internal/event"
	"github.com/hadisemoghadam8/chat-app1/internal/history"
	"github.com/hadisemoghadam8/chat-app1/internal/logging"
	"github.com/hadisemoghadam8/chat-app1/internal/node"
	"github.com/hadisemoghadam8/chat-app1/internal/peers"
	"github.com/hadisemoghadam8/chat-app1/internal/wire"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lanchat",
	Short: "Serverless LAN text chat",
	Long: `lanchat is a peer-to-peer text chat for local networks.

No server and no accounts: every node listens on its own TCP port,
remembers the peers it has talked to, and probes them for liveness.
Set LANCHAT_SHARED_SECRET on all nodes to obfuscate traffic on the wire.`,
}

// ─── serve ───────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat node (listener, prober, console)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return err
		}
		defer log.Sync()

		n, err := node.New(cfg, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- n.Start(ctx) }()

		go printEvents(ctx, n)
		go console(ctx, n, stop)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			fmt.Println("\nshutting down")
			select {
			case err := <-errCh:
				return err
			case <-time.After(cfg.ShutdownGracePeriod):
				return fmt.Errorf("shutdown timed out after %s", cfg.ShutdownGracePeriod)
			}
		}
	},
}

// printEvents drains the node's event stream onto stdout.
func printEvents(ctx context.Context, n *node.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-n.Events():
			switch e.Type {
			case event.MessageReceived:
				fmt.Printf("\n[%s] %s\n> ", e.Addr, e.Text)
			case event.PeerListChanged:
				// Peer table changes are visible via the 'peers' command.
			}
		}
	}
}

// console reads interactive commands from stdin while the node runs.
func console(ctx context.Context, n *node.Node, stop func()) {
	select {
	case <-n.Ready():
	case <-ctx.Done():
		return
	}
	fmt.Printf("node %s:%d ready\n", n.Addr(), n.Port())
	fmt.Println("commands: send <addr> <msg> | add <addr> <port> | peers | history <addr> | secret <value|-> | quit")
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "send":
			if len(parts) < 3 {
				fmt.Println("usage: send <addr> <message>")
				break
			}
			addr := parts[1]
			p, ok := findPeer(n, addr)
			if !ok || p.Port == 0 {
				fmt.Printf("unknown peer %s; use 'add <addr> <port>' first\n", addr)
				break
			}
			if n.Send(p.Addr, p.Port, parts[2]) {
				fmt.Println("sent")
			} else {
				fmt.Println("delivery failed, peer marked offline")
			}
		case "add":
			if len(parts) < 3 {
				fmt.Println("usage: add <addr> <port>")
				break
			}
			port, err := strconv.Atoi(parts[2])
			if err != nil || port <= 0 || port > 65535 {
				fmt.Println("invalid port")
				break
			}
			n.AddManualPeer(parts[1], port)
			fmt.Println("added")
		case "peers":
			printPeerTable(n.Peers())
		case "history":
			if len(parts) < 2 {
				fmt.Println("usage: history <addr>")
				break
			}
			printHistory(n.History(parts[1]))
		case "secret":
			if len(parts) < 2 {
				fmt.Println("usage: secret <value>  (use '-' to clear)")
				break
			}
			secret := parts[1]
			if secret == "-" {
				secret = ""
			}
			if err := n.SetSharedSecret(ctx, secret); err != nil {
				fmt.Printf("error: %v\n", err)
			} else if secret == "" {
				fmt.Println("secret cleared, envelopes travel as plain JSON")
			} else {
				fmt.Println("secret updated")
			}
		case "quit", "exit":
			stop()
			return
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
		fmt.Print("> ")
	}
}

func findPeer(n *node.Node, addr string) (peers.Peer, bool) {
	for _, p := range n.Peers() {
		if p.Addr == addr {
			return p, true
		}
	}
	return peers.Peer{}, false
}

// ─── send ────────────────────────────────────────────────────────────────────

var sendCmd = &cobra.Command{
	Use:   "send <addr> <port> <message>",
	Short: "Send one message without running a node",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(args[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[1])
		}
		msg := strings.Join(args[2:], " ")

		codec := wire.New(cfg.SharedSecret())
		frame, err := codec.Encode(wire.Chat{
			Msg:      msg,
			FromPort: bootstrap.SavedPort(cfg.PortMarkerPath),
			Name:     cfg.DisplayName,
		})
		if err != nil {
			return err
		}
		if err := deliver(args[0], port, frame, cfg); err != nil {
			return err
		}
		fmt.Println("sent")
		return nil
	},
}

// deliver writes one frame to addr:port over a fresh connection.
func deliver(addr string, port int, frame []byte, cfg config.Config) error {
	endpoint := net.JoinHostPort(addr, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", endpoint, cfg.Transport.SendTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(cfg.Transport.SendTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send to %s: %w", endpoint, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	return nil
}

// ─── peers ───────────────────────────────────────────────────────────────────

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		reg, err := peers.Open(peers.Options{Path: cfg.PeersPath, Log: zap.NewNop()})
		if err != nil {
			return err
		}
		printPeerTable(reg.All())
		return nil
	},
}

func printPeerTable(list []peers.Peer) {
	if len(list) == 0 {
		fmt.Println("no peers known")
		return
	}
	for _, p := range list {
		state := "offline"
		if p.Online {
			state = "online"
		}
		name := p.Name
		if name == "" {
			name = "-"
		}
		last := "-"
		if !p.LastSeen.IsZero() {
			last = history.Stamp(p.LastSeen)
		}
		fmt.Printf("%-15s port=%-5d %-7s name=%-12s last_seen=%s\n",
			p.Addr, p.Port, state, name, last)
	}
}

// ─── history ─────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history [addr]",
	Short: "Show or prune the message log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := history.Open(history.Options{
			Path:    cfg.History.Path,
			PingCap: cfg.History.PingCap,
			Log:     zap.NewNop(),
		})
		if err != nil {
			return err
		}

		clearAll, _ := cmd.Flags().GetBool("clear")
		keepLast, _ := cmd.Flags().GetInt("keep-last")
		keepDays, _ := cmd.Flags().GetInt("keep-days")
		switch {
		case clearAll:
			store.Clear()
			fmt.Println("history cleared")
			return nil
		case keepLast > 0:
			store.RetainLastN(keepLast)
			fmt.Printf("kept the last %d entries per peer\n", keepLast)
			return nil
		case keepDays > 0:
			store.RetainLastDays(keepDays)
			fmt.Printf("kept entries from the last %d days\n", keepDays)
			return nil
		}

		if len(args) == 1 {
			printHistory(store.PeerLog(args[0]))
			return nil
		}
		for _, peer := range store.Peers() {
			fmt.Printf("── %s ──\n", peer)
			printHistory(store.PeerLog(peer))
		}
		return nil
	},
}

func printHistory(entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Println("no entries")
		return
	}
	for _, e := range entries {
		marker := "<-"
		if e.Dir == history.DirOut {
			marker = "->"
		}
		fmt.Printf("%s %s %s\n", e.Time, marker, e.Msg)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (optional)")

	historyCmd.Flags().Bool("clear", false, "Delete all history")
	historyCmd.Flags().Int("keep-last", 0, "Keep only the N most recent entries per peer")
	historyCmd.Flags().Int("keep-days", 0, "Keep only entries from the last N days")

	rootCmd.AddCommand(serveCmd, sendCmd, peersCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
