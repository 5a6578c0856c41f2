package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream signature and version, written at the head of every serialized
// session ("REL\0" little-endian).
const (
	Signature uint32 = 0x004c4552
	Version   uint32 = 0x1
)

const sessionInfoSize = 28

// Declared-size sanity caps, checked before any allocation. Session header
// strings are a program path and a date; message payloads top out well under
// this for raw 1080p BGRA frames.
const (
	maxSessionString = 4 << 10
	maxPayloadSize   = 64 << 20
)

// SessionInfo is the fixed session header that precedes the message
// sequence on the stream boundary, followed by the producing program's
// name and a UTC date string.
type SessionInfo struct {
	Flags uint32
	FPS   uint32
	PID   uint32
	Name  string
	Date  string
}

// WriteSessionInfo serializes info to w.
func WriteSessionInfo(w io.Writer, info *SessionInfo) error {
	buf := make([]byte, sessionInfoSize, sessionInfoSize+len(info.Name)+len(info.Date))
	binary.LittleEndian.PutUint32(buf[0:4], Signature)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[8:12], info.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], info.FPS)
	binary.LittleEndian.PutUint32(buf[16:20], info.PID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(info.Name)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(info.Date)))
	buf = append(buf, info.Name...)
	buf = append(buf, info.Date...)
	_, err := w.Write(buf)
	return err
}

// ReadSessionInfo parses a session header from r, rejecting unknown
// signatures and versions.
func ReadSessionInfo(r io.Reader) (*SessionInfo, error) {
	buf := make([]byte, sessionInfoSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read session header: %w", err)
	}
	if sig := binary.LittleEndian.Uint32(buf[0:4]); sig != Signature {
		return nil, fmt.Errorf("wire: bad stream signature 0x%08x", sig)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != Version {
		return nil, fmt.Errorf("wire: unsupported stream version %d", v)
	}

	info := &SessionInfo{
		Flags: binary.LittleEndian.Uint32(buf[8:12]),
		FPS:   binary.LittleEndian.Uint32(buf[12:16]),
		PID:   binary.LittleEndian.Uint32(buf[16:20]),
	}
	nameSize := binary.LittleEndian.Uint32(buf[20:24])
	dateSize := binary.LittleEndian.Uint32(buf[24:28])
	if nameSize > maxSessionString || dateSize > maxSessionString {
		return nil, fmt.Errorf("wire: session strings declare %d+%d bytes, limit %d",
			nameSize, dateSize, maxSessionString)
	}

	strs := make([]byte, uint64(nameSize)+uint64(dateSize))
	if _, err := io.ReadFull(r, strs); err != nil {
		return nil, fmt.Errorf("wire: read session strings: %w", err)
	}
	info.Name = string(strs[:nameSize])
	info.Date = string(strs[nameSize:])
	return info, nil
}

// Decompressor consumes exactly one self-terminating compressed block from
// r and returns the uncompressed bytes, whose length is known up front from
// the compressed message's declared size.
type Decompressor interface {
	DecompressFrom(r io.Reader, uncompressedSize int) ([]byte, error)
}

type geometry struct {
	layout CtxFlags
	w, h   uint32
}

// StreamWriter serializes messages onto a byte stream. Message lengths are
// implied by kind and declared sizes rather than an explicit envelope, so
// the writer tracks context geometry to validate picture payloads.
type StreamWriter struct {
	w    io.Writer
	geom map[int32]geometry
}

// NewStreamWriter returns a writer serializing onto w.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w, geom: make(map[int32]geometry)}
}

// WriteMessage serializes m. Picture payloads must match the geometry of
// the most recent context message for their context id.
func (sw *StreamWriter) WriteMessage(m *Message) error {
	switch h := m.Header.(type) {
	case *CtxHeader:
		sw.geom[h.Ctx] = geometry{layout: h.Flags.Layout(), w: h.Width, h: h.Height}
	case *PictureHeader:
		g, ok := sw.geom[h.Ctx]
		if !ok {
			return fmt.Errorf("wire: picture for unannounced context %d", h.Ctx)
		}
		want, err := PictureSize(g.layout, g.w, g.h)
		if err != nil {
			return err
		}
		if len(m.Payload) != want {
			return fmt.Errorf("wire: picture payload %d bytes, context %d expects %d",
				len(m.Payload), h.Ctx, want)
		}
	case *AudioHeader:
		if h.Size != uint64(len(m.Payload)) {
			return fmt.Errorf("wire: audio payload %d bytes, header declares %d",
				len(m.Payload), h.Size)
		}
	}

	buf := make([]byte, 0, 1+len(m.Payload)+AudioHeaderSize)
	buf = append(buf, byte(m.Kind()))
	buf = append(buf, EncodeHeader(m.Header)...)
	buf = append(buf, m.Payload...)
	_, err := sw.w.Write(buf)
	return err
}

// StreamReader parses a message sequence from a byte stream. Compressed
// messages are transparently unwrapped through dec; passing a nil dec makes
// any compressed message a decode error.
type StreamReader struct {
	r    io.Reader
	dec  Decompressor
	geom map[int32]geometry
}

// NewStreamReader returns a reader parsing from r.
func NewStreamReader(r io.Reader, dec Decompressor) *StreamReader {
	return &StreamReader{r: r, dec: dec, geom: make(map[int32]geometry)}
}

// ReadMessage parses the next message. It returns io.EOF at a clean end of
// stream; a Close message is returned to the caller, not swallowed.
func (sr *StreamReader) ReadMessage() (*Message, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(sr.r, kindBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	return sr.readBody(Kind(kindBuf[0]), sr.r)
}

func (sr *StreamReader) readBody(kind Kind, r io.Reader) (*Message, error) {
	size, err := HeaderSize(kind)
	if err != nil {
		return nil, err
	}
	hdrBuf := make([]byte, size)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return nil, fmt.Errorf("wire: read %s header: %w", kind, err)
	}
	hdr, err := DecodeHeader(kind, hdrBuf)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: hdr}
	switch h := hdr.(type) {
	case *CtxHeader:
		sr.geom[h.Ctx] = geometry{layout: h.Flags.Layout(), w: h.Width, h: h.Height}

	case *PictureHeader:
		g, ok := sr.geom[h.Ctx]
		if !ok {
			return nil, fmt.Errorf("wire: picture for unannounced context %d", h.Ctx)
		}
		n, err := PictureSize(g.layout, g.w, g.h)
		if err != nil {
			return nil, err
		}
		m.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, fmt.Errorf("wire: read picture payload: %w", err)
		}

	case *AudioHeader:
		if h.Size > maxPayloadSize {
			return nil, fmt.Errorf("wire: audio payload declares %d bytes, limit %d", h.Size, maxPayloadSize)
		}
		m.Payload = make([]byte, h.Size)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, fmt.Errorf("wire: read audio payload: %w", err)
		}

	case *LZOHeader:
		return sr.unwrap(h, r)
	}
	return m, nil
}

// unwrap decompresses a wrapped message and re-dispatches by the inner kind.
func (sr *StreamReader) unwrap(h *LZOHeader, r io.Reader) (*Message, error) {
	if sr.dec == nil {
		return nil, fmt.Errorf("wire: compressed %s message but no decompressor configured", h.InnerKind)
	}
	if h.InnerKind == KindLZO {
		return nil, fmt.Errorf("wire: nested compressed message")
	}
	if h.Size > maxPayloadSize {
		return nil, fmt.Errorf("wire: compressed %s declares %d uncompressed bytes, limit %d",
			h.InnerKind, h.Size, maxPayloadSize)
	}
	inner, err := sr.dec.DecompressFrom(r, int(h.Size))
	if err != nil {
		return nil, fmt.Errorf("wire: decompress %s message: %w", h.InnerKind, err)
	}
	if uint64(len(inner)) != h.Size {
		return nil, fmt.Errorf("wire: decompressed %d bytes, header declares %d", len(inner), h.Size)
	}
	return sr.readBody(h.InnerKind, bytes.NewReader(inner))
}
