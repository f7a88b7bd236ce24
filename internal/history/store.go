// Package history keeps the per-peer message and ping log, persisted as a
// single JSON document that is fully rewritten on every mutation. A crash
// during a rewrite can leave a partial file; the loader treats that as an
// empty log rather than failing startup.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Direction marks whether an entry was received or sent.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// Kind distinguishes chat messages from ping records.
type Kind string

const (
	KindMsg  Kind = "msg"
	KindPing Kind = "ping"
)

// Timestamps are stored at second resolution.
const stampLayout = "2006-01-02 15:04:05"

// DefaultPingCap bounds ping-kind entries per peer.
const DefaultPingCap = 300

// Entry is one logged exchange with a peer. Field names match the
// persisted document.
type Entry struct {
	Time string    `json:"time"`
	Dir  Direction `json:"dir"`
	Msg  string    `json:"msg"`
	Type Kind      `json:"type"`
}

// Store is the append-only history log. A single mutex guards the
// read-modify-write plus persist sequence; in-memory state stays
// authoritative when a write fails.
type Store struct {
	mu      sync.Mutex
	entries map[string][]Entry
	path    string
	pingCap int
	log     *zap.Logger
	nowFn   func() time.Time
}

// Options configures a Store.
type Options struct {
	Path    string
	PingCap int
	Log     *zap.Logger
}

// Open loads the history document at opts.Path, starting empty when the
// file is missing or unreadable.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("history path is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.PingCap <= 0 {
		opts.PingCap = DefaultPingCap
	}

	s := &Store{
		entries: make(map[string][]Entry),
		path:    opts.Path,
		pingCap: opts.PingCap,
		log:     opts.Log,
		nowFn:   time.Now,
	}

	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("read history file", zap.String("path", opts.Path), zap.Error(err))
		}
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.entries); err != nil {
		s.log.Warn("history file corrupt, starting empty", zap.String("path", opts.Path), zap.Error(err))
		s.entries = make(map[string][]Entry)
	}
	return s, nil
}

// Append records one entry for peer. Ping-kind entries are capped per
// peer: when the cap is exceeded the oldest pings are dropped first, and
// msg entries are never touched by this policy.
func (s *Store) Append(peer string, dir Direction, content string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[peer] = append(s.entries[peer], Entry{
		Time: s.nowFn().Format(stampLayout),
		Dir:  dir,
		Msg:  content,
		Type: kind,
	})
	if kind == KindPing {
		s.entries[peer] = capPings(s.entries[peer], s.pingCap)
	}
	s.persistLocked()
}

// capPings drops the oldest ping entries until at most limit remain,
// preserving relative order and leaving msg entries alone.
func capPings(lst []Entry, limit int) []Entry {
	pings := 0
	for _, e := range lst {
		if e.Type == KindPing {
			pings++
		}
	}
	if pings <= limit {
		return lst
	}
	drop := pings - limit
	out := lst[:0]
	for _, e := range lst {
		if e.Type == KindPing && drop > 0 {
			drop--
			continue
		}
		out = append(out, e)
	}
	return out
}

// PeerLog returns a copy of the entries recorded for peer, in append order.
func (s *Store) PeerLog(peer string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries[peer]...)
}

// Peers lists addresses with at least one entry, sorted.
func (s *Store) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for peer := range s.entries {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// Clear empties the store for all peers.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]Entry)
	s.persistLocked()
}

// RetainLastN keeps only the n most recent entries per peer, any kind,
// preserving relative order.
func (s *Store) RetainLastN(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for peer, lst := range s.entries {
		if len(lst) > n {
			s.entries[peer] = append([]Entry(nil), lst[len(lst)-n:]...)
			changed = true
		}
	}
	if changed {
		s.persistLocked()
	}
}

// RetainLastDays keeps only entries newer than now minus days. Entries
// whose timestamp does not parse are treated as unrecoverable and
// discarded. Returns whether anything was removed.
func (s *Store) RetainLastDays(days int) bool {
	cutoff := s.nowFn().Add(-time.Duration(days) * 24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for peer, lst := range s.entries {
		kept := make([]Entry, 0, len(lst))
		for _, e := range lst {
			t, err := time.ParseInLocation(stampLayout, e.Time, time.Local)
			if err != nil {
				continue
			}
			if !t.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(lst) {
			s.entries[peer] = kept
			changed = true
		}
	}
	if changed {
		s.persistLocked()
	}
	return changed
}

// persistLocked rewrites the full document. Failures are logged; the
// in-memory log remains authoritative and the next successful write
// reconciles the file.
func (s *Store) persistLocked() {
	serialized, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		s.log.Error("encode history", zap.Error(err))
		return
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
			s.log.Warn("create history directory", zap.Error(err))
		}
	}
	if err := os.WriteFile(s.path, serialized, 0o644); err != nil {
		s.log.Warn("persist history", zap.String("path", s.path), zap.Error(err))
	}
}

// Stamp formats t the way history entries store it.
func Stamp(t time.Time) string {
	return t.Format(stampLayout)
}
