// Package wire implements the envelope codec for the LAN chat protocol.
//
// An envelope is a single UTF-8 JSON document: either one of the bare
// message shapes (Ping, Pong, Chat) or, when a shared secret is configured,
// the wrapper {"enc":1,"payload":<hex ciphertext>,"hmac":<hex tag>}.
//
// The wrapped mode is link obfuscation, not confidentiality: the payload is
// a repeating-key XOR stream keyed by the secret's UTF-8 bytes, which is
// fully malleable and recoverable under known plaintext. The tag is
// SHA-256(secret||ciphertext), which detects accidental corruption and
// casual tampering only. Do not treat this as a secure channel.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	// ErrInvalidEncoding signals bytes that are not valid UTF-8, or a
	// wrapper payload that is not valid hex.
	ErrInvalidEncoding = errors.New("invalid payload encoding")
	// ErrNotJSON signals valid UTF-8 that does not parse as a JSON object.
	ErrNotJSON = errors.New("payload is not a JSON object")
	// ErrTagMismatch signals a wrapper whose integrity tag does not match
	// the received ciphertext. No decryption is attempted on mismatch.
	ErrTagMismatch = errors.New("integrity tag mismatch")
	// ErrNoSecret signals an encrypted envelope arriving while no shared
	// secret is configured locally. Distinct from ErrTagMismatch: this is a
	// configuration problem, not a tamper signal.
	ErrNoSecret = errors.New("encrypted envelope received but no shared secret configured")
)

// Ping is the liveness probe request.
type Ping struct {
	Ping int `json:"ping"`
}

// Pong answers a ping. The responder always sends rtt_ms=0; the prober
// fills in its own wall-clock measurement when the field is zero.
type Pong struct {
	Pong      int `json:"pong"`
	RTTMillis int `json:"rtt_ms"`
}

// Chat carries one text message plus the sender's self-reported listening
// port and optional display name.
type Chat struct {
	Msg      string `json:"msg"`
	FromPort int    `json:"from_port"`
	Name     string `json:"name,omitempty"`
}

// NewPing returns the canonical ping envelope body.
func NewPing() Ping { return Ping{Ping: 1} }

// NewPong returns the responder-side pong body.
func NewPong() Pong { return Pong{Pong: 1} }

// Kind classifies a decoded payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Payload is a decoded envelope body. Field access goes through the typed
// accessors; classification is by key presence in protocol precedence
// order (ping, then pong, then msg).
type Payload map[string]any

// Kind returns the payload classification.
func (p Payload) Kind() Kind {
	if _, ok := p["ping"]; ok {
		return KindPing
	}
	if _, ok := p["pong"]; ok {
		return KindPong
	}
	if _, ok := p["msg"]; ok {
		return KindChat
	}
	return KindUnknown
}

// Chat extracts the chat fields. Missing or mistyped fields yield zero
// values; msg presence is already guaranteed by classification.
func (p Payload) Chat() Chat {
	c := Chat{FromPort: intField(p, "from_port")}
	if s, ok := p["msg"].(string); ok {
		c.Msg = s
	}
	if s, ok := p["name"].(string); ok {
		c.Name = s
	}
	return c
}

// RTTMillis returns the rtt_ms field of a pong payload, zero when absent.
func (p Payload) RTTMillis() int {
	return intField(p, "rtt_ms")
}

func intField(p Payload, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case string:
		// Some senders stringify the port; tolerate it.
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

type envelope struct {
	Enc     int    `json:"enc"`
	Payload string `json:"payload"`
	HMAC    string `json:"hmac"`
}

// Codec encodes and decodes wire envelopes. The shared secret may be
// swapped at runtime; an empty secret selects plain-JSON mode.
type Codec struct {
	mu     sync.RWMutex
	secret []byte
}

// New builds a Codec. secret may be empty.
func New(secret string) *Codec {
	c := &Codec{}
	c.SetSecret(secret)
	return c
}

// SetSecret replaces the shared secret. An empty string disables the
// encrypted envelope mode.
func (c *Codec) SetSecret(secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if secret == "" {
		c.secret = nil
		return
	}
	c.secret = []byte(secret)
}

// HasSecret reports whether a shared secret is configured.
func (c *Codec) HasSecret() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.secret) > 0
}

// Encode serializes obj for the wire. Without a secret this is the plain
// JSON serialization of obj; with a secret the JSON is XOR-encrypted and
// wrapped with its integrity tag.
func (c *Codec) Encode(obj any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	c.mu.RLock()
	secret := c.secret
	c.mu.RUnlock()
	if len(secret) == 0 {
		return raw, nil
	}

	ct := xorStream(secret, raw)
	wrapped, err := json.Marshal(envelope{
		Enc:     1,
		Payload: hex.EncodeToString(ct),
		HMAC:    tag(secret, ct),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return wrapped, nil
}

// Decode parses one received envelope. Plain JSON objects pass through
// regardless of whether a secret is configured; wrapper objects require a
// matching secret and a valid tag before any decryption happens.
func (c *Codec) Decode(data []byte) (Payload, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidEncoding
	}
	var obj Payload
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, ErrNotJSON
	}
	if !isWrapper(obj) {
		return obj, nil
	}

	c.mu.RLock()
	secret := c.secret
	c.mu.RUnlock()
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}

	payloadHex, _ := obj["payload"].(string)
	recvTag, _ := obj["hmac"].(string)
	ct, err := hex.DecodeString(payloadHex)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrInvalidEncoding)
	}
	if !strings.EqualFold(tag(secret, ct), recvTag) {
		return nil, ErrTagMismatch
	}

	plain := xorStream(secret, ct)
	if !utf8.Valid(plain) {
		return nil, ErrInvalidEncoding
	}
	var inner Payload
	if err := json.Unmarshal(plain, &inner); err != nil {
		return nil, ErrNotJSON
	}
	return inner, nil
}

func isWrapper(obj Payload) bool {
	v, ok := obj["enc"]
	if !ok {
		return false
	}
	f, ok := v.(float64)
	return ok && f == 1
}

// xorStream applies the repeating-key XOR stream. Encryption and
// decryption are the same operation.
func xorStream(key, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// tag computes the lowercase hex keyed digest SHA-256(secret||ciphertext).
func tag(secret, ct []byte) string {
	h := sha256.New()
	h.Write(secret)
	h.Write(ct)
	return hex.EncodeToString(h.Sum(nil))
}
