package wire

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodePlainWithoutSecret(t *testing.T) {
	c := New("")
	out, err := c.Encode(Chat{Msg: "hello", FromPort: 5050, Name: "alice"})
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"hello","from_port":5050,"name":"alice"}`, string(out))
}

func TestRoundTripWithSecret(t *testing.T) {
	c := New("s3cret")
	out, err := c.Encode(Chat{Msg: "hi there", FromPort: 4000})
	require.NoError(t, err)

	// The wire form is the wrapper, not the plaintext.
	var env map[string]any
	require.NoError(t, json.Unmarshal(out, &env))
	require.Equal(t, float64(1), env["enc"])
	require.NotContains(t, env["payload"], "hi there")

	p, err := c.Decode(out)
	require.NoError(t, err)
	require.Equal(t, KindChat, p.Kind())
	chat := p.Chat()
	require.Equal(t, "hi there", chat.Msg)
	require.Equal(t, 4000, chat.FromPort)
}

func TestDecodePlainPassesThroughDespiteSecret(t *testing.T) {
	c := New("s3cret")
	p, err := c.Decode([]byte(`{"ping":1}`))
	require.NoError(t, err)
	require.Equal(t, KindPing, p.Kind())
}

func TestDecodeWrapperWithoutSecret(t *testing.T) {
	sender := New("s3cret")
	frame, err := sender.Encode(NewPing())
	require.NoError(t, err)

	receiver := New("")
	_, err = receiver.Decode(frame)
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestDecodeWrongSecret(t *testing.T) {
	sender := New("right")
	frame, err := sender.Encode(NewPing())
	require.NoError(t, err)

	receiver := New("wrong")
	_, err = receiver.Decode(frame)
	require.ErrorIs(t, err, ErrTagMismatch)
}

func TestDecodeTamperedCiphertext(t *testing.T) {
	c := New("s3cret")
	frame, err := c.Encode(Chat{Msg: "original", FromPort: 1})
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	ct, err := hex.DecodeString(env.Payload)
	require.NoError(t, err)
	ct[0] ^= 0xff
	env.Payload = hex.EncodeToString(ct)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = c.Decode(tampered)
	require.ErrorIs(t, err, ErrTagMismatch)
}

func TestDecodeTagCaseInsensitive(t *testing.T) {
	c := New("s3cret")
	frame, err := c.Encode(NewPing())
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	upper := map[string]any{"enc": 1, "payload": env.Payload}
	upperTag := ""
	for _, r := range env.HMAC {
		if r >= 'a' && r <= 'f' {
			r = r - 'a' + 'A'
		}
		upperTag += string(r)
	}
	upper["hmac"] = upperTag
	frame2, err := json.Marshal(upper)
	require.NoError(t, err)

	p, err := c.Decode(frame2)
	require.NoError(t, err)
	require.Equal(t, KindPing, p.Kind())
}

func TestDecodeInvalidInputs(t *testing.T) {
	c := New("s3cret")

	_, err := c.Decode([]byte{0xff, 0xfe, 0x00, 0x81})
	require.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = c.Decode([]byte("not json at all"))
	require.ErrorIs(t, err, ErrNotJSON)

	_, err = c.Decode([]byte(`[1,2,3]`))
	require.ErrorIs(t, err, ErrNotJSON)

	_, err = c.Decode([]byte(`{"enc":1,"payload":"zzzz","hmac":"00"}`))
	require.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestClassificationPrecedence(t *testing.T) {
	c := New("")

	p, err := c.Decode([]byte(`{"ping":1,"pong":1,"msg":"x"}`))
	require.NoError(t, err)
	require.Equal(t, KindPing, p.Kind())

	p, err = c.Decode([]byte(`{"pong":1,"msg":"x"}`))
	require.NoError(t, err)
	require.Equal(t, KindPong, p.Kind())

	p, err = c.Decode([]byte(`{"msg":"x"}`))
	require.NoError(t, err)
	require.Equal(t, KindChat, p.Kind())

	p, err = c.Decode([]byte(`{"hello":"x"}`))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, p.Kind())
}

func TestChatToleratesStringPort(t *testing.T) {
	c := New("")
	p, err := c.Decode([]byte(`{"msg":"x","from_port":"5050"}`))
	require.NoError(t, err)
	require.Equal(t, 5050, p.Chat().FromPort)

	p, err = c.Decode([]byte(`{"msg":"x","from_port":"nonsense"}`))
	require.NoError(t, err)
	require.Equal(t, 0, p.Chat().FromPort)
}

func TestSetSecretSwitchesModes(t *testing.T) {
	c := New("")
	require.False(t, c.HasSecret())

	c.SetSecret("k")
	require.True(t, c.HasSecret())
	frame, err := c.Encode(NewPing())
	require.NoError(t, err)
	require.Contains(t, string(frame), `"enc":1`)

	c.SetSecret("")
	require.False(t, c.HasSecret())
	frame, err = c.Encode(NewPing())
	require.NoError(t, err)
	require.JSONEq(t, `{"ping":1}`, string(frame))
}

func TestPongRTTField(t *testing.T) {
	c := New("")
	p, err := c.Decode([]byte(`{"pong":1,"rtt_ms":42}`))
	require.NoError(t, err)
	require.Equal(t, 42, p.RTTMillis())

	p, err = c.Decode([]byte(`{"pong":1}`))
	require.NoError(t, err)
	require.Equal(t, 0, p.RTTMillis())
}
