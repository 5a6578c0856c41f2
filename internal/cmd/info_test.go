package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/wire"
)

func writeStreamFile(t *testing.T) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, wire.WriteSessionInfo(&buf, &wire.SessionInfo{
		FPS: 30, PID: 7, Name: "demo", Date: "2026-08-30",
	}))

	sw := wire.NewStreamWriter(&buf)
	pic := make([]byte, 2*2*3)
	msgs := []*wire.Message{
		{Header: &wire.CtxHeader{Flags: wire.CtxCreate | wire.CtxBGR, Ctx: 1, Width: 2, Height: 2}},
		{Header: &wire.PictureHeader{Timestamp: 33333, Ctx: 1}, Payload: pic},
		{Header: &wire.PictureHeader{Timestamp: 66666, Ctx: 1}, Payload: pic},
		{Header: &wire.AudioFormatHeader{Stream: 1, Format: wire.AudioS16LE, Rate: 44100, Channels: 2, Interleaved: 1}},
		{Header: &wire.AudioHeader{Timestamp: 50000, Size: 8, Stream: 1}, Payload: make([]byte, 8)},
		wire.NewClose(),
	}
	for _, m := range msgs {
		require.NoError(t, sw.WriteMessage(m))
	}

	path := filepath.Join(t.TempDir(), "demo.reel")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestInfoCommand(t *testing.T) {
	path := writeStreamFile(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"info", path})
	require.NoError(t, rootCmd.Execute())

	got := out.String()
	assert.Contains(t, got, "program:  demo")
	assert.Contains(t, got, "fps:      30")
	assert.Contains(t, got, "video ctx 1: 2x2")
	assert.Contains(t, got, "2 frames")
	assert.Contains(t, got, "audio stream 1: 44100 Hz, 2 ch, 1 packets, 8 bytes")
}

func TestPlayCommandHeadless(t *testing.T) {
	path := writeStreamFile(t)

	rootCmd.SetArgs([]string{"play", path})
	require.NoError(t, rootCmd.Execute())
}
