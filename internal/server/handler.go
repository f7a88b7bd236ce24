package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hadisemoghadam8/chat-app1/internal/event"
	"github.com/hadisemoghadam8/chat-app1/internal/history"
	"github.com/hadisemoghadam8/chat-app1/internal/wire"
)

// ProbeMarker is the reserved chat content used for connectivity
// self-tests. Messages carrying it update the sender's peer record but are
// never recorded or surfaced.
const ProbeMarker = "__TEST_REPLY__"

// handle runs the per-connection state machine: one bounded read, decode,
// classify, act, close. There is no length prefix or multi-read
// reassembly; a message must fit in a single read of maxFrame bytes. That
// matches the peers already on the wire and is a known framing limit.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	s.metrics.RecordConnection()
	defer s.metrics.RecordHandlerDone()

	addr, srcPort := splitRemote(conn.RemoteAddr())

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	buf := make([]byte, s.maxFrame)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			s.log.Debug("read", zap.String("peer", addr), zap.Error(err))
		}
		// Empty read is a clean close; nothing to do.
		return
	}

	payload, err := s.codec.Decode(buf[:n])
	if err != nil {
		s.logDecodeFailure(addr, err)
		return
	}

	switch payload.Kind() {
	case wire.KindPing:
		s.handlePing(conn, addr, srcPort)
	case wire.KindPong:
		s.handlePong(addr, srcPort, payload)
	case wire.KindChat:
		s.handleChat(addr, payload)
	default:
		s.metrics.RecordFrameError("unknown_shape")
		s.log.Debug("unknown payload shape", zap.String("peer", addr))
	}
}

// logDecodeFailure separates the configuration case (encrypted envelope,
// no local key) from corruption/tamper signals.
func (s *Server) logDecodeFailure(addr string, err error) {
	switch {
	case errors.Is(err, wire.ErrNoSecret):
		s.metrics.RecordFrameError("no_secret")
		s.log.Warn("encrypted envelope without local shared secret", zap.String("peer", addr))
	case errors.Is(err, wire.ErrTagMismatch):
		s.metrics.RecordFrameError("tag_mismatch")
		s.log.Warn("envelope integrity tag mismatch", zap.String("peer", addr))
	default:
		s.metrics.RecordFrameError("decode")
		s.log.Warn("undecodable envelope", zap.String("peer", addr), zap.Error(err))
	}
}

// handlePing records the probe and answers with a single pong on the same
// connection. The responder does not measure anything; rtt_ms is always 0
// here and filled in by the prober.
func (s *Server) handlePing(conn net.Conn, addr string, srcPort int) {
	s.metrics.RecordPingReceived()
	s.history.Append(addr, history.DirIn, "ping", history.KindPing)
	s.peers.ObserveContact(addr, srcPort)
	s.metrics.SetKnownPeers(s.peers.Count())

	reply, err := s.codec.Encode(wire.NewPong())
	if err != nil {
		s.log.Error("encode pong", zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := conn.Write(reply); err != nil {
		s.log.Debug("send pong", zap.String("peer", addr), zap.Error(err))
	}
}

// handlePong refreshes liveness state. The protocol carries no correlation
// token, so an unsolicited or stray pong is indistinguishable from a
// solicited one and is accepted the same way.
func (s *Server) handlePong(addr string, srcPort int, payload wire.Payload) {
	s.metrics.RecordPongReceived()
	s.peers.ObserveContact(addr, srcPort)
	s.metrics.SetKnownPeers(s.peers.Count())
	s.history.Append(addr, history.DirIn,
		fmt.Sprintf("pong rtt=%dms", payload.RTTMillis()), history.KindPing)
}

// handleChat records an inbound message, merges the sender's claims into
// the registry, and emits exactly one MessageReceived event. The reserved
// probe marker is dropped before recording but still refreshes the peer
// record so the list stays navigable.
func (s *Server) handleChat(addr string, payload wire.Payload) {
	chat := payload.Chat()

	if chat.Msg == ProbeMarker {
		s.peers.ObserveChat(addr, chat.FromPort, chat.Name)
		s.metrics.SetKnownPeers(s.peers.Count())
		return
	}

	s.history.Append(addr, history.DirIn, chat.Msg, history.KindMsg)
	s.peers.ObserveChat(addr, chat.FromPort, chat.Name)
	s.metrics.SetKnownPeers(s.peers.Count())
	s.metrics.RecordMessageIn()
	s.log.Info("message received", zap.String("peer", addr))

	if s.events != nil {
		s.events.Publish(event.Event{Type: event.MessageReceived, Addr: addr, Text: chat.Msg})
	}
}

func splitRemote(remote net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(remote.String())
	if err != nil {
		return remote.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
