package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/wire"
)

// xorCodec is a reversible stand-in for the external LZO collaborator.
type xorCodec struct{}

func (xorCodec) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	for i, b := range src {
		out[i] = b ^ 0x5a
	}
	return out, nil
}

func (xorCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	out := make([]byte, 0, uncompressedSize)
	for _, b := range src {
		out = append(out, b^0x5a)
	}
	return out, nil
}

func runStage(t *testing.T, stage pipeline.Stage, msgs ...*wire.Message) []*wire.Message {
	t.Helper()

	in := msgbuf.NewSize(len(msgs) + 1)
	out := msgbuf.NewSize(len(msgs) + 1)
	for _, m := range msgs {
		require.NoError(t, in.Push(m))
	}
	require.NoError(t, in.Push(wire.NewClose()))

	p, err := pipeline.Run(nil, stage, in, out)
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	var got []*wire.Message
	for {
		m, err := out.Pop()
		if err != nil {
			return got
		}
		if m.Kind() == wire.KindClose {
			return got
		}
		got = append(got, m)
	}
}

func TestPackUnpackInverse(t *testing.T) {
	t.Parallel()

	samples := bytes.Repeat([]byte{7, 11, 13}, 600)
	orig := &wire.Message{
		Header:  &wire.AudioHeader{Timestamp: 99, Size: uint64(len(samples)), Stream: 2},
		Payload: samples,
	}

	packed := runStage(t, Pack(xorCodec{}, 0), orig)
	require.Len(t, packed, 1)
	require.Equal(t, wire.KindLZO, packed[0].Kind())

	hdr := packed[0].Header.(*wire.LZOHeader)
	assert.Equal(t, wire.KindAudio, hdr.InnerKind)
	assert.Equal(t, uint64(wire.AudioHeaderSize+len(samples)), hdr.Size)

	unpacked := runStage(t, Unpack(xorCodec{}), packed[0])
	require.Len(t, unpacked, 1)
	require.Equal(t, wire.KindAudio, unpacked[0].Kind())
	assert.Equal(t, orig.Header, unpacked[0].Header)
	assert.Equal(t, orig.Payload, unpacked[0].Payload)
}

func TestPackSkipsSmallAndControlMessages(t *testing.T) {
	t.Parallel()

	small := &wire.Message{
		Header:  &wire.AudioHeader{Size: 4, Stream: 0},
		Payload: []byte{1, 2, 3, 4},
	}
	ctx := &wire.Message{
		Header: &wire.CtxHeader{Flags: wire.CtxCreate | wire.CtxBGR, Ctx: 1, Width: 4, Height: 4},
	}

	got := runStage(t, Pack(xorCodec{}, 0), small, ctx)
	require.Len(t, got, 2)
	assert.Equal(t, wire.KindAudio, got[0].Kind(), "small payloads pass through")
	assert.Equal(t, wire.KindCtx, got[1].Kind(), "control messages pass through")
}

func TestPackNeverNests(t *testing.T) {
	t.Parallel()

	lzo := &wire.Message{
		Header:  &wire.LZOHeader{Size: 8, InnerKind: wire.KindAudio},
		Payload: bytes.Repeat([]byte{1}, 2048),
	}
	got := runStage(t, Pack(xorCodec{}, 0), lzo)
	require.Len(t, got, 1)
	hdr := got[0].Header.(*wire.LZOHeader)
	assert.NotEqual(t, wire.KindLZO, hdr.InnerKind, "compressed messages are never wrapped again")
}

func TestUnpackRejectsNested(t *testing.T) {
	t.Parallel()

	in := msgbuf.NewSize(2)
	require.NoError(t, in.Push(&wire.Message{
		Header:  &wire.LZOHeader{Size: 9, InnerKind: wire.KindLZO},
		Payload: []byte{0},
	}))

	p, err := pipeline.Run(nil, Unpack(xorCodec{}), in, msgbuf.NewSize(2))
	require.NoError(t, err)
	assert.Error(t, p.Wait(), "nested compression is a fatal stage error")
}

func TestUnpackPassesOthersThrough(t *testing.T) {
	t.Parallel()

	fmtMsg := &wire.Message{
		Header: &wire.AudioFormatHeader{Stream: 1, Format: wire.AudioS16LE, Rate: 44100, Channels: 1, Interleaved: 1},
	}
	got := runStage(t, Unpack(xorCodec{}), fmtMsg)
	require.Len(t, got, 1)
	assert.Equal(t, fmtMsg.Header, got[0].Header)
}
