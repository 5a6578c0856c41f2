package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestSessionInfoRoundTrip(t *testing.T) {
	t.Parallel()

	info := &SessionInfo{Flags: 0x41, FPS: 30, PID: 4242, Name: "/usr/bin/game", Date: "2026-08-30 12:00:00"}

	var buf bytes.Buffer
	if err := WriteSessionInfo(&buf, info); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSessionInfo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *info {
		t.Errorf("got %+v, want %+v", got, info)
	}
}

func TestReadSessionInfoBadSignature(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 28)
	if _, err := ReadSessionInfo(bytes.NewReader(buf)); err == nil {
		t.Error("zero signature should fail")
	}
}

func TestReadSessionInfoHugeStringSizes(t *testing.T) {
	t.Parallel()

	// String sizes whose uint32 sum wraps to zero; an unchecked allocation
	// would make an empty buffer and then slice past its end.
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf[0:4], Signature)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[20:24], 0x80000001)
	binary.LittleEndian.PutUint32(buf[24:28], 0x7fffffff)

	if _, err := ReadSessionInfo(bytes.NewReader(buf)); err == nil {
		t.Error("oversized session strings should fail")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	t.Parallel()

	pix := bytes.Repeat([]byte{0x10, 0x20, 0x30}, 2*2)
	samples := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	msgs := []*Message{
		{Header: &CtxHeader{Flags: CtxCreate | CtxBGR, Ctx: 1, Width: 2, Height: 2}},
		{Header: &AudioFormatHeader{Stream: 0, Format: AudioS16LE, Rate: 44100, Channels: 1, Interleaved: 1}},
		{Header: &PictureHeader{Timestamp: 1000, Ctx: 1}, Payload: pix},
		{Header: &AudioHeader{Timestamp: 1500, Size: uint64(len(samples)), Stream: 0}, Payload: samples},
		NewClose(),
	}

	var buf bytes.Buffer
	sw := NewStreamWriter(&buf)
	for _, m := range msgs {
		if err := sw.WriteMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	sr := NewStreamReader(&buf, nil)
	for i, want := range msgs {
		got, err := sr.ReadMessage()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got.Kind() != want.Kind() {
			t.Fatalf("message %d: kind %s, want %s", i, got.Kind(), want.Kind())
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("message %d: payload mismatch", i)
		}
	}

	if _, err := sr.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("after all messages: err = %v, want EOF", err)
	}
}

func TestStreamWriterRejectsBadPicture(t *testing.T) {
	t.Parallel()

	sw := NewStreamWriter(io.Discard)

	// Picture before any context announcement.
	err := sw.WriteMessage(&Message{Header: &PictureHeader{Ctx: 9}, Payload: []byte{0}})
	if err == nil {
		t.Error("picture for unannounced context should fail")
	}

	if err := sw.WriteMessage(&Message{Header: &CtxHeader{Flags: CtxCreate | CtxBGR, Ctx: 9, Width: 4, Height: 4}}); err != nil {
		t.Fatal(err)
	}
	err = sw.WriteMessage(&Message{Header: &PictureHeader{Ctx: 9}, Payload: make([]byte, 5)})
	if err == nil {
		t.Error("wrong picture payload size should fail")
	}
}

func TestStreamWriterRejectsBadAudioSize(t *testing.T) {
	t.Parallel()

	sw := NewStreamWriter(io.Discard)
	err := sw.WriteMessage(&Message{Header: &AudioHeader{Size: 16}, Payload: make([]byte, 8)})
	if err == nil {
		t.Error("audio size mismatch should fail")
	}
}

func TestStreamReaderRejectsHugeDeclaredSizes(t *testing.T) {
	t.Parallel()

	// Audio payload declaring far more than any real message carries must
	// fail before the reader allocates for it.
	var buf bytes.Buffer
	buf.WriteByte(byte(KindAudio))
	buf.Write(EncodeHeader(&AudioHeader{Size: 1 << 40}))

	sr := NewStreamReader(&buf, rawDecompressor{})
	if _, err := sr.ReadMessage(); err == nil {
		t.Error("huge audio size should fail")
	}

	// Same for the uncompressed size of a compressed message.
	buf.Reset()
	buf.WriteByte(byte(KindLZO))
	buf.Write(EncodeHeader(&LZOHeader{Size: 1 << 40, InnerKind: KindAudio}))

	sr = NewStreamReader(&buf, rawDecompressor{})
	if _, err := sr.ReadMessage(); err == nil {
		t.Error("huge compressed size should fail")
	}
}

// rawDecompressor treats compressed blocks as length-prefixed raw bytes.
// Real streams use the LZO collaborator's self-terminating block format.
type rawDecompressor struct{}

func (rawDecompressor) DecompressFrom(r io.Reader, uncompressedSize int) ([]byte, error) {
	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestStreamReaderUnwrapsCompressed(t *testing.T) {
	t.Parallel()

	inner := &AudioHeader{Timestamp: 7, Size: 3, Stream: 1}
	innerBytes := append(EncodeHeader(inner), 0xaa, 0xbb, 0xcc)

	var buf bytes.Buffer
	sw := NewStreamWriter(&buf)
	lzo := &Message{
		Header:  &LZOHeader{Size: uint64(len(innerBytes)), InnerKind: KindAudio},
		Payload: innerBytes, // "compressed" with the identity codec
	}
	if err := sw.WriteMessage(lzo); err != nil {
		t.Fatal(err)
	}

	sr := NewStreamReader(&buf, rawDecompressor{})
	got, err := sr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind() != KindAudio {
		t.Fatalf("kind = %s, want audio", got.Kind())
	}
	hdr := got.Header.(*AudioHeader)
	if *hdr != *inner {
		t.Errorf("inner header = %+v, want %+v", hdr, inner)
	}
	if !bytes.Equal(got.Payload, []byte{0xaa, 0xbb, 0xcc}) {
		t.Errorf("inner payload mismatch")
	}
}

func TestStreamReaderRejectsNestedCompression(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteByte(byte(KindLZO))
	buf.Write(EncodeHeader(&LZOHeader{Size: 9, InnerKind: KindLZO}))

	sr := NewStreamReader(&buf, rawDecompressor{})
	if _, err := sr.ReadMessage(); err == nil {
		t.Error("nested compressed message should fail")
	}
}

func TestStreamReaderNoDecompressor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteByte(byte(KindLZO))
	buf.Write(EncodeHeader(&LZOHeader{Size: 4, InnerKind: KindAudio}))

	sr := NewStreamReader(&buf, nil)
	if _, err := sr.ReadMessage(); err == nil {
		t.Error("compressed message without decompressor should fail")
	}
}
