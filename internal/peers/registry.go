// Package peers maintains the table of known remote endpoints, keyed by IP
// address, persisted to a single JSON document on every mutation.
package peers

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const stampLayout = "2006-01-02 15:04:05"

// Peer is one known remote endpoint. Port is zero until learned.
type Peer struct {
	Addr     string
	Port     int
	Name     string
	Online   bool
	LastSeen time.Time // zero when the peer has never been heard from
}

// Endpoint returns "addr:port" for dialing. Only meaningful when Port is set.
func (p Peer) Endpoint() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.Port))
}

// record is the persisted shape, matching the peers document on disk.
type record struct {
	Port     int    `json:"port"`
	Online   bool   `json:"online"`
	Name     string `json:"name,omitempty"`
	LastSeen string `json:"last_seen,omitempty"`
}

// Registry is the peer table. One mutex guards the read-modify-write plus
// persist sequence, so readers observe either pre- or post-mutation state
// but never a half-written entry.
//
// Port merge policy: name, online and last-seen always take the latest
// value. Port is overwritten only by a manual add or a verified probe
// round-trip; unverified sources (a chat message's self-reported from_port,
// an inbound connection's ephemeral source port) fill the port only when
// none is recorded yet, so a forged message cannot redirect traffic for an
// already-known peer.
type Registry struct {
	mu       sync.Mutex
	peers    map[string]Peer
	path     string
	log      *zap.Logger
	onChange func()
	nowFn    func() time.Time
}

// Options configures a Registry. OnChange, when set, is invoked after every
// mutation, outside the registry lock.
type Options struct {
	Path     string
	Log      *zap.Logger
	OnChange func()
}

// Open loads the peers document at opts.Path, starting empty when the file
// is missing or unreadable.
func Open(opts Options) (*Registry, error) {
	if opts.Path == "" {
		return nil, errors.New("peers path is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	r := &Registry{
		peers:    make(map[string]Peer),
		path:     opts.Path,
		log:      opts.Log,
		onChange: opts.OnChange,
		nowFn:    time.Now,
	}

	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("read peers file", zap.String("path", opts.Path), zap.Error(err))
		}
		return r, nil
	}
	var records map[string]record
	if err := json.Unmarshal(raw, &records); err != nil {
		r.log.Warn("peers file corrupt, starting empty", zap.String("path", opts.Path), zap.Error(err))
		return r, nil
	}
	for addr, rec := range records {
		p := Peer{Addr: addr, Port: rec.Port, Name: rec.Name, Online: rec.Online}
		if rec.LastSeen != "" {
			if t, err := time.ParseInLocation(stampLayout, rec.LastSeen, time.Local); err == nil {
				p.LastSeen = t
			}
		}
		r.peers[addr] = p
	}
	return r, nil
}

// Get fetches a peer by address.
func (r *Registry) Get(addr string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	return p, ok
}

// All returns every known peer, sorted by address.
func (r *Registry) All() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// AddManual registers a peer the user typed in. The port is authoritative
// and overwrites any recorded value.
func (r *Registry) AddManual(addr string, port int) {
	r.mutate(func() {
		p := r.peers[addr]
		p.Addr = addr
		p.Port = port
		p.Online = true
		r.peers[addr] = p
	})
}

// ObserveChat merges state learned from an inbound chat message. fromPort
// is the sender's self-reported listening port and is trusted only when no
// port is recorded yet.
func (r *Registry) ObserveChat(addr string, fromPort int, name string) {
	r.mutate(func() {
		p := r.peers[addr]
		p.Addr = addr
		if p.Port == 0 && fromPort > 0 {
			p.Port = fromPort
		}
		if name != "" {
			p.Name = name
		}
		p.Online = true
		p.LastSeen = r.nowFn()
		r.peers[addr] = p
	})
}

// ObserveContact marks a peer alive after an inbound ping or pong. srcPort
// is the connection's ephemeral source port; like a chat-declared port it
// only fills an unset slot.
func (r *Registry) ObserveContact(addr string, srcPort int) {
	r.mutate(func() {
		p := r.peers[addr]
		p.Addr = addr
		if p.Port == 0 && srcPort > 0 {
			p.Port = srcPort
		}
		p.Online = true
		p.LastSeen = r.nowFn()
		r.peers[addr] = p
	})
}

// ObserveProbe records the outcome of a liveness probe against addr:port.
// A completed round-trip is a verified path, so on success the port is
// overwritten.
func (r *Registry) ObserveProbe(addr string, port int, ok bool) {
	r.mutate(func() {
		p := r.peers[addr]
		p.Addr = addr
		if ok {
			if port > 0 {
				p.Port = port
			}
			p.Online = true
			p.LastSeen = r.nowFn()
		} else {
			p.Online = false
		}
		r.peers[addr] = p
	})
}

// SetOnline flips the online flag without touching anything else.
func (r *Registry) SetOnline(addr string, online bool) {
	r.mutate(func() {
		p, ok := r.peers[addr]
		if !ok {
			return
		}
		p.Online = online
		r.peers[addr] = p
	})
}

// Remove drops a peer entirely. Used for local address-change bookkeeping;
// peers are never removed automatically.
func (r *Registry) Remove(addr string) {
	r.mutate(func() {
		delete(r.peers, addr)
	})
}

// mutate runs fn under the lock, persists, then fires the change callback
// outside the lock.
func (r *Registry) mutate(fn func()) {
	r.mu.Lock()
	fn()
	r.persistLocked()
	notify := r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// persistLocked rewrites the full peers document. Failures are logged; the
// in-memory table stays authoritative and the next successful write
// reconciles the file.
func (r *Registry) persistLocked() {
	records := make(map[string]record, len(r.peers))
	for addr, p := range r.peers {
		rec := record{Port: p.Port, Online: p.Online, Name: p.Name}
		if !p.LastSeen.IsZero() {
			rec.LastSeen = p.LastSeen.Format(stampLayout)
		}
		records[addr] = rec
	}
	serialized, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		r.log.Error("encode peers", zap.Error(err))
		return
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
			r.log.Warn("create peers directory", zap.Error(err))
		}
	}
	if err := os.WriteFile(r.path, serialized, 0o644); err != nil {
		r.log.Warn("persist peers", zap.String("path", r.path), zap.Error(err))
	}
}
