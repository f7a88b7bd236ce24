// Package bootstrap covers the thin platform pieces the node needs at
// startup: discovering the local IP and re-binding the same listening port
// across restarts via a per-host marker file.
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// LocalIP discovers the primary outbound interface address by opening a
// UDP socket toward a public address (no packet is sent) and reading the
// chosen source address. Falls back to the loopback address.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// DefaultMarkerPath returns the per-host reserved-port marker path under
// dir, e.g. listen_port_myhost.txt.
func DefaultMarkerPath(dir string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return filepath.Join(dir, fmt.Sprintf("listen_port_%s.txt", host))
}

// SavedPort reads the marker file, returning zero when it is missing or
// unreadable.
func SavedPort(markerPath string) int {
	raw, err := os.ReadFile(markerPath)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || port <= 0 || port > 65535 {
		return 0
	}
	return port
}

// Listen binds the node's TCP listener. It prefers the port recorded in
// the marker file; when that port is unavailable (or no marker exists) it
// binds an ephemeral port and rewrites the marker. Marker write failures
// are logged, not fatal: the in-memory port stays authoritative for the
// session.
func Listen(host, markerPath string, log *zap.Logger) (net.Listener, int, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if saved := SavedPort(markerPath); saved != 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(saved)))
		if err == nil {
			log.Info("bound saved port", zap.Int("port", saved))
			return ln, saved, nil
		}
		log.Warn("saved port unavailable, falling back to ephemeral",
			zap.Int("port", saved), zap.Error(err))
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("bind listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if dir := filepath.Dir(markerPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
			log.Warn("create marker directory", zap.Error(err))
		}
	}
	if err := os.WriteFile(markerPath, []byte(strconv.Itoa(port)), 0o644); err != nil {
		log.Warn("write port marker", zap.String("path", markerPath), zap.Error(err))
	} else {
		log.Info("selected new port", zap.Int("port", port), zap.String("marker", markerPath))
	}
	return ln, port, nil
}
