package host

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/dougsko/sqandr/pkg/dsp"
	"github.com/dougsko/sqandr/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFramerText(t *testing.T) {
	var out bytes.Buffer
	f := NewOutputFramer(&out, FramerConfig{})

	require.NoError(t, f.WriteFrame([]byte{0x66, 0x99, 0x40, 0xF5}))
	require.NoError(t, f.WriteFrame(nil))
	assert.Equal(t, "+669940f5\n", out.String())

	hb, err := f.EndCycle(false, 0)
	require.NoError(t, err)
	assert.False(t, hb, "text mode has no status packets")
	assert.Equal(t, "+669940f5\n", out.String())
}

func TestOutputFramerBinary(t *testing.T) {
	t.Run("Frame Bytes Pass Through", func(t *testing.T) {
		var out bytes.Buffer
		f := NewOutputFramer(&out, FramerConfig{Binary: true})
		require.NoError(t, f.WriteFrame([]byte{0x66, 0x99, 0x0A}))
		assert.Equal(t, []byte{0x66, 0x99, 0x0A}, out.Bytes())
	})

	t.Run("Notification After Activity", func(t *testing.T) {
		var out bytes.Buffer
		f := NewOutputFramer(&out, FramerConfig{Binary: true})

		hb, err := f.EndCycle(true, 3)
		require.NoError(t, err)
		assert.False(t, hb)
		assert.Equal(t, []byte{1, 2, 3, 4, 3}, out.Bytes())

		out.Reset()
		_, err = f.EndCycle(true, 1000)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4, 255}, out.Bytes())
	})

	t.Run("Heartbeat Every Idle Cycle By Default", func(t *testing.T) {
		var out bytes.Buffer
		f := NewOutputFramer(&out, FramerConfig{Binary: true})
		for i := 0; i < 3; i++ {
			hb, err := f.EndCycle(false, 0)
			require.NoError(t, err)
			assert.True(t, hb)
		}
		assert.Equal(t, bytes.Repeat(protocol.Heartbeat, 3), out.Bytes())
	})

	t.Run("Heartbeat Interval", func(t *testing.T) {
		var out bytes.Buffer
		f := NewOutputFramer(&out, FramerConfig{Binary: true, HeartbeatInterval: 3})

		var beats []bool
		for i := 0; i < 6; i++ {
			hb, err := f.EndCycle(false, 0)
			require.NoError(t, err)
			beats = append(beats, hb)
		}
		assert.Equal(t, []bool{false, false, true, false, false, true}, beats)

		// Activity restarts the idle count.
		f.EndCycle(false, 0)
		f.EndCycle(true, 0)
		hb, _ := f.EndCycle(false, 0)
		assert.False(t, hb)
	})
}

func TestOutputFramerRaw(t *testing.T) {
	var out bytes.Buffer
	f := NewOutputFramer(&out, FramerConfig{Binary: true})

	samples := []dsp.Sample{
		{I: 0x0A09, Q: 0x0801},
		{I: 0x7F00, Q: -1},
	}
	require.NoError(t, f.WriteRaw(samples))
	assert.Equal(t, []byte{
		11, 11, 0x01, 7,
		0x00, 126, 0xFF, 0xFF,
	}, out.Bytes())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestOutputFramerWriteError(t *testing.T) {
	f := NewOutputFramer(failingWriter{}, FramerConfig{Binary: true})
	assert.ErrorIs(t, f.WriteFrame([]byte{1}), io.ErrClosedPipe)
}

func waitCommand(t *testing.T, ir *InputReader) (protocol.HostCommand, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := ir.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return cmd, err
}

func TestInputReaderText(t *testing.T) {
	in := "*6699ff\nhello\n*zz\n*abc\ne\n"
	ir := NewInputReader(strings.NewReader(in), ReaderConfig{MaxInput: 1024})
	defer ir.Close()

	cmd, err := waitCommand(t, ir)
	require.NoError(t, err)
	assert.Equal(t, protocol.HostSend, cmd.Type)
	assert.Equal(t, []byte{0x66, 0x99, 0xFF}, cmd.Payload)

	cmd, err = waitCommand(t, ir)
	require.NoError(t, err)
	assert.Equal(t, protocol.HostNone, cmd.Type, "lines without a prefix carry nothing")

	cmd, err = waitCommand(t, ir)
	require.NoError(t, err)
	assert.Equal(t, protocol.HostNone, cmd.Type, "malformed hex is dropped")

	cmd, err = waitCommand(t, ir)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB}, cmd.Payload, "odd trailing digit ignored")

	cmd, err = waitCommand(t, ir)
	assert.ErrorIs(t, err, ErrExitRequested)
	assert.Equal(t, protocol.HostExit, cmd.Type)

	// Once exited, the reader keeps saying so.
	_, err = ir.Poll()
	assert.ErrorIs(t, err, ErrExitRequested)
}

func TestInputReaderBinary(t *testing.T) {
	var in bytes.Buffer
	in.Write([]byte{0x41, 0x40, 0xF5, 0x42, '\n'})
	in.Write([]byte{0x41, '\n'})
	in.Write([]byte{0x10, 0x10, '\n'})

	ir := NewInputReader(&in, ReaderConfig{Binary: true, MaxInput: 2})
	defer ir.Close()

	cmd, err := waitCommand(t, ir)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x0A}, cmd.Payload, "unescaped then capped")

	cmd, err = waitCommand(t, ir)
	require.NoError(t, err)
	assert.Equal(t, protocol.HostNone, cmd.Type, "single byte lines are ignored")

	_, err = waitCommand(t, ir)
	assert.ErrorIs(t, err, ErrExitRequested)
}

func TestInputReaderEOF(t *testing.T) {
	ir := NewInputReader(strings.NewReader(""), ReaderConfig{MaxInput: 16})
	defer ir.Close()

	cmd, err := waitCommand(t, ir)
	assert.ErrorIs(t, err, ErrExitRequested)
	assert.Equal(t, protocol.HostExit, cmd.Type)
}

func TestInputReaderPoll(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ir := NewInputReader(pr, ReaderConfig{MaxInput: 16})
	defer ir.Close()

	cmd, err := ir.Poll()
	require.NoError(t, err)
	assert.Equal(t, protocol.HostNone, cmd.Type, "poll never blocks")

	go pw.Write([]byte("*01\n"))
	assert.Eventually(t, func() bool {
		cmd, err := ir.Poll()
		return err == nil && cmd.Type == protocol.HostSend
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInputReaderListenOnly(t *testing.T) {
	ir := NewInputReader(strings.NewReader("*01\ne\n"), ReaderConfig{ListenOnly: true, MaxInput: 16})
	defer ir.Close()

	for i := 0; i < 3; i++ {
		cmd, err := ir.Poll()
		require.NoError(t, err)
		assert.Equal(t, protocol.HostNone, cmd.Type)
	}
	cmd, err := ir.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.HostNone, cmd.Type)
}

func TestOpenChannel(t *testing.T) {
	ch, err := OpenChannel(ChannelConfig{Type: "stdio"})
	require.NoError(t, err)
	assert.Equal(t, "stdio", ch.Name())
	assert.NoError(t, ch.Close())

	_, err = OpenChannel(ChannelConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = OpenChannel(ChannelConfig{Type: "serial", Device: "/dev/does-not-exist", BaudRate: 115200})
	assert.Error(t, err)
}
