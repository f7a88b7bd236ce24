package bootstrap

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestSavedPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen_port_test.txt")

	if got := SavedPort(path); got != 0 {
		t.Fatalf("missing marker must yield 0, got %d", got)
	}

	if err := os.WriteFile(path, []byte(" 5050\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := SavedPort(path); got != 5050 {
		t.Fatalf("expected 5050, got %d", got)
	}

	if err := os.WriteFile(path, []byte("not-a-port"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := SavedPort(path); got != 0 {
		t.Fatalf("garbage marker must yield 0, got %d", got)
	}

	if err := os.WriteFile(path, []byte("70000"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := SavedPort(path); got != 0 {
		t.Fatalf("out-of-range marker must yield 0, got %d", got)
	}
}

func TestListenPersistsAndReusesPort(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "listen_port_test.txt")
	log := zaptest.NewLogger(t)

	ln, port, err := Listen("127.0.0.1", marker, log)
	if err != nil {
		t.Fatalf("first listen: %v", err)
	}
	if port <= 0 {
		t.Fatalf("invalid port %d", port)
	}
	if got := SavedPort(marker); got != port {
		t.Fatalf("marker holds %d, listener bound %d", got, port)
	}
	ln.Close()

	ln2, port2, err := Listen("127.0.0.1", marker, log)
	if err != nil {
		t.Fatalf("second listen: %v", err)
	}
	defer ln2.Close()
	if port2 != port {
		t.Fatalf("expected saved port %d to be reused, got %d", port, port2)
	}
}

func TestListenFallsBackWhenSavedPortBusy(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "listen_port_test.txt")
	log := zaptest.NewLogger(t)

	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()
	busy := blocker.Addr().(*net.TCPAddr).Port
	if err := os.WriteFile(marker, []byte(strconv.Itoa(busy)), 0o644); err != nil {
		t.Fatal(err)
	}

	ln, port, err := Listen("127.0.0.1", marker, log)
	if err != nil {
		t.Fatalf("listen with busy saved port: %v", err)
	}
	defer ln.Close()
	if port == busy {
		t.Fatalf("bound the busy port %d", busy)
	}
	if got := SavedPort(marker); got != port {
		t.Fatalf("marker not rewritten: holds %d, bound %d", got, port)
	}
}

func TestDefaultMarkerPath(t *testing.T) {
	got := DefaultMarkerPath("data")
	base := filepath.Base(got)
	if filepath.Dir(got) != "data" {
		t.Fatalf("wrong directory in %q", got)
	}
	if len(base) <= len("listen_port_.txt") {
		t.Fatalf("marker name missing hostname: %q", base)
	}
}
