package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T, pingCap int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat_history.json")
	s, err := Open(Options{Path: path, PingCap: pingCap, Log: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, path
}

func TestAppendAndReload(t *testing.T) {
	s, path := openTestStore(t, 0)
	s.Append("10.0.0.2", DirIn, "hello", KindMsg)
	s.Append("10.0.0.2", DirOut, "hi back", KindMsg)

	reloaded, err := Open(Options{Path: path, Log: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got := reloaded.PeerLog("10.0.0.2")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", len(got))
	}
	if got[0].Msg != "hello" || got[0].Dir != DirIn || got[0].Type != KindMsg {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[1].Msg != "hi back" || got[1].Dir != DirOut {
		t.Fatalf("unexpected second entry: %+v", got[1])
	}
}

func TestPingCapDropsOldestPingsOnly(t *testing.T) {
	s, _ := openTestStore(t, 3)
	s.Append("peer", DirIn, "keep me", KindMsg)
	for i := 0; i < 5; i++ {
		s.Append("peer", DirOut, "ping", KindPing)
	}
	s.Append("peer", DirIn, "and me", KindMsg)

	got := s.PeerLog("peer")
	pings, msgs := 0, 0
	for _, e := range got {
		switch e.Type {
		case KindPing:
			pings++
		case KindMsg:
			msgs++
		}
	}
	if pings != 3 {
		t.Fatalf("expected 3 pings after capping, got %d", pings)
	}
	if msgs != 2 {
		t.Fatalf("msg entries must survive capping, got %d", msgs)
	}
	if got[0].Msg != "keep me" {
		t.Fatalf("relative order broken, first entry is %+v", got[0])
	}
}

func TestRetainLastN(t *testing.T) {
	s, _ := openTestStore(t, 0)
	for i := 0; i < 5; i++ {
		s.Append("a", DirIn, "m", KindMsg)
	}
	s.Append("b", DirIn, "only one", KindMsg)

	s.RetainLastN(2)
	if got := len(s.PeerLog("a")); got != 2 {
		t.Fatalf("peer a: expected 2 entries, got %d", got)
	}
	if got := len(s.PeerLog("b")); got != 1 {
		t.Fatalf("peer b: expected 1 entry untouched, got %d", got)
	}
}

func TestRetainLastDays(t *testing.T) {
	s, _ := openTestStore(t, 0)
	now := time.Now()
	s.nowFn = func() time.Time { return now }

	s.entries["peer"] = []Entry{
		{Time: now.Add(-40 * 24 * time.Hour).Format(stampLayout), Dir: DirIn, Msg: "old", Type: KindMsg},
		{Time: "garbage-stamp", Dir: DirIn, Msg: "unparsable", Type: KindMsg},
		{Time: now.Add(-time.Hour).Format(stampLayout), Dir: DirIn, Msg: "fresh", Type: KindMsg},
	}

	if !s.RetainLastDays(30) {
		t.Fatal("expected RetainLastDays to report a change")
	}
	got := s.PeerLog("peer")
	if len(got) != 1 || got[0].Msg != "fresh" {
		t.Fatalf("expected only the fresh entry, got %+v", got)
	}

	// Second run is a no-op.
	if s.RetainLastDays(30) {
		t.Fatal("second RetainLastDays must not report a change")
	}
}

func TestClear(t *testing.T) {
	s, path := openTestStore(t, 0)
	s.Append("x", DirIn, "m", KindMsg)
	s.Clear()
	if got := s.Peers(); len(got) != 0 {
		t.Fatalf("expected empty store after clear, got peers %v", got)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("expected empty document on disk, got %q", raw)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(Options{Path: path, Log: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("open must tolerate corrupt file: %v", err)
	}
	if got := s.Peers(); len(got) != 0 {
		t.Fatalf("expected empty store, got %v", got)
	}
}

func TestPeersSorted(t *testing.T) {
	s, _ := openTestStore(t, 0)
	s.Append("b", DirIn, "m", KindMsg)
	s.Append("a", DirIn, "m", KindMsg)
	got := s.Peers()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected sorted [a b], got %v", got)
	}
}
