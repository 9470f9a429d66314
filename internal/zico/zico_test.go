package zico

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeekSignature_SkipsGarbage(t *testing.T) {
	inputs := [][]byte{
		{0x21, 0xC0, 0xBA, 0xBE, 'x'},
		{1, 2, 3, 0x21, 0xC0, 0xBA, 0xBE, 'x'},
		{0x21, 0x21, 0xC0, 0xBA, 0xBE, 'x'},
		{0x21, 0xC0, 0xBA, 0x21, 0xC0, 0xBA, 0xBE, 'x'},
		{0x21, 0xC0, 0x21, 0xC0, 0xBA, 0xBE, 'x'},
	}
	for i, in := range inputs {
		r := bytes.NewReader(in)
		require.NoError(t, SeekSignature(r), "input %d", i)
		b, err := r.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, byte('x'), b, "input %d", i)
	}
}

func TestSeekSignature_EOF(t *testing.T) {
	err := SeekSignature(bytes.NewReader([]byte{0x21, 0xC0, 0xBA}))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_RoundTripAfterGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte("noise\x21\xC0"))
	require.NoError(t, WriteFrame(&buf, TypeHello, []byte("payload")))
	require.NoError(t, WriteFrame(&buf, TypePing, nil))

	r := bufio.NewReader(&buf)
	f, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, f.Type)
	assert.Equal(t, []byte("payload"), f.Payload)

	f, err = ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, TypePing, f.Type)
	assert.Empty(t, f.Payload)
}

func TestReadFrame_Checksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeTraceData, []byte("abc")))
	require.NoError(t, WriteFrame(&buf, TypeOK, nil))
	raw := buf.Bytes()
	raw[len(Magic)+headerLen] ^= 0xFF

	r := bufio.NewReader(bytes.NewReader(raw))
	_, err := ReadFrame(r, 0)
	require.ErrorIs(t, err, ErrChecksum)

	// the bad payload was consumed
	f, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeOK, f.Type)
}

func TestReadFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeTraceData, make([]byte, 100)))
	_, err := ReadFrame(bufio.NewReader(&buf), 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestMessages_Decode(t *testing.T) {
	h, err := UnmarshalHello(Hello{AgentID: "a1", Name: "web", Secret: "s"}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, Hello{AgentID: "a1", Name: "web", Secret: "s"}, h)

	_, err = UnmarshalHello(Hello{Name: "anonymous"}.Marshal())
	require.ErrorIs(t, err, ErrBadPayload)

	s, err := UnmarshalSymbol(Symbol{ID: 7, Name: "x"}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, Symbol{ID: 7, Name: "x"}, s)

	_, err = UnmarshalSymbol(Symbol{Name: "x"}.Marshal())
	require.ErrorIs(t, err, ErrBadPayload)

	td := TraceData{SpanID: 0x1234567812345001, FlushSeq: 4, Data: []byte{1, 2}}
	got, err := UnmarshalTraceData(td.Marshal())
	require.NoError(t, err)
	assert.Equal(t, td, got)
	assert.Equal(t, "1234567812345001", got.TraceID())

	p, err := UnmarshalPing(Ping{ClientNanos: -5}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, int64(-5), p.ClientNanos)

	_, err = UnmarshalAgentData([]byte{0x12, 0x05, 0x01})
	require.ErrorIs(t, err, ErrBadPayload)
}

// echoPeer answers every frame: pings with pongs, hellos with the given
// status, everything else with OK.
func echoPeer(t *testing.T, conn net.Conn, helloReply Type) {
	t.Helper()
	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			f, err := ReadFrame(r, 0)
			if err != nil {
				return
			}
			switch f.Type {
			case TypePing:
				_ = WriteFrame(conn, TypePong, f.Payload)
			case TypeHello:
				_ = WriteFrame(conn, helloReply, []byte("bad secret"))
			default:
				_ = WriteFrame(conn, TypeOK, nil)
			}
		}
	}()
}

func TestClient_RequestsAndStatus(t *testing.T) {
	a, b := net.Pipe()
	echoPeer(t, b, TypeAuthError)
	c := NewClient(a, time.Second)
	defer c.Close()

	err := c.Hello("agent", "name", "wrong")
	require.Error(t, err)
	assert.True(t, IsStatus(err, TypeAuthError))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "bad secret", se.Message)

	require.NoError(t, c.SendSymbol(1, "x"))
	require.NoError(t, c.SendAgentData(true, []byte{0x01}))
	require.NoError(t, c.SendTraceData(1, 0, nil))

	rtt, err := c.Ping()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}
