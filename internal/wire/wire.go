// Package wire defines the tagged binary message format shared by every
// pipeline stage: a 1-byte kind tag, a kind-specific fixed header, and an
// optional variable payload. Headers use fixed little-endian field widths
// with no padding so a stream produced on one machine decodes identically
// on another.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Kind tags a stream message.
type Kind byte

// Message kinds.
const (
	KindClose       Kind = 0x01 // terminates the logical stream
	KindPicture     Kind = 0x02 // raw or encoded pixel data
	KindCtx         Kind = 0x03 // picture context lifecycle/geometry
	KindLZO         Kind = 0x04 // compressed wrapper around another message
	KindAudioFormat Kind = 0x05 // audio stream format announcement
	KindAudio       Kind = 0x06 // raw audio samples
)

func (k Kind) String() string {
	switch k {
	case KindClose:
		return "close"
	case KindPicture:
		return "picture"
	case KindCtx:
		return "ctx"
	case KindLZO:
		return "lzo"
	case KindAudioFormat:
		return "audio-format"
	case KindAudio:
		return "audio"
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

// CtxFlags encode a context message's lifecycle and pixel layout. Exactly
// one lifecycle bit and one layout bit must be set per message; this is
// validated by the playback engine, not here.
type CtxFlags uint32

// Context flags.
const (
	CtxCreate    CtxFlags = 1 << iota // create context
	CtxUpdate                         // update existing context
	CtxBGR                            // 24bit BGR, last row first
	CtxBGRA                           // 32bit BGRA, last row first
	CtxYCbCr420                       // planar Y'CbCr 4:2:0
)

// Layout returns the layout bits of f.
func (f CtxFlags) Layout() CtxFlags {
	return f & (CtxBGR | CtxBGRA | CtxYCbCr420)
}

// Lifecycle returns the lifecycle bits of f.
func (f CtxFlags) Lifecycle() CtxFlags {
	return f & (CtxCreate | CtxUpdate)
}

// PictureSize returns the byte size of one picture with the given layout
// and geometry, or an error if the layout is not a single known bit.
func PictureSize(layout CtxFlags, w, h uint32) (int, error) {
	switch layout {
	case CtxBGR:
		return int(w) * int(h) * 3, nil
	case CtxBGRA:
		return int(w) * int(h) * 4, nil
	case CtxYCbCr420:
		return int(w) * int(h) * 3 / 2, nil
	}
	return 0, fmt.Errorf("wire: no pixel size for layout 0x%x", uint32(layout))
}

// AudioFormat identifies the sample encoding of an audio stream.
type AudioFormat uint32

// Audio sample formats.
const (
	AudioUnknown AudioFormat = 1 + iota
	AudioS16LE
	AudioS24LE
	AudioS32LE
)

// BytesPerSample returns the size of one sample in format f, or 0 when the
// format is unknown.
func (f AudioFormat) BytesPerSample() int {
	switch f {
	case AudioS16LE:
		return 2
	case AudioS24LE:
		return 3
	case AudioS32LE:
		return 4
	}
	return 0
}

// Fixed header sizes in bytes, excluding the 1-byte kind tag.
const (
	CloseHeaderSize       = 0
	PictureHeaderSize     = 12
	CtxHeaderSize         = 16
	LZOHeaderSize         = 9
	AudioFormatHeaderSize = 20
	AudioHeaderSize       = 20
)

// Header is the decoded fixed header of one message kind. The set of
// implementations is closed; use DecodeHeader to parse one.
type Header interface {
	MessageKind() Kind
	headerSize() int
	encode(dst []byte)
	decode(src []byte)
}

// CloseHeader terminates the logical stream. It has no fields.
type CloseHeader struct{}

func (CloseHeader) MessageKind() Kind { return KindClose }
func (CloseHeader) headerSize() int   { return CloseHeaderSize }
func (CloseHeader) encode([]byte)     {}
func (CloseHeader) decode([]byte)     {}

// PictureHeader precedes one frame of pixel data for a picture context.
// Timestamp is in microseconds since capture start.
type PictureHeader struct {
	Timestamp uint64
	Ctx       int32
}

func (PictureHeader) MessageKind() Kind { return KindPicture }
func (PictureHeader) headerSize() int   { return PictureHeaderSize }

func (h *PictureHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.Ctx))
}

func (h *PictureHeader) decode(src []byte) {
	h.Timestamp = binary.LittleEndian.Uint64(src[0:8])
	h.Ctx = int32(binary.LittleEndian.Uint32(src[8:12]))
}

// CtxHeader creates or reconfigures a picture context. It carries no payload.
type CtxHeader struct {
	Flags  CtxFlags
	Ctx    int32
	Width  uint32
	Height uint32
}

func (CtxHeader) MessageKind() Kind { return KindCtx }
func (CtxHeader) headerSize() int   { return CtxHeaderSize }

func (h *CtxHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.Flags))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Ctx))
	binary.LittleEndian.PutUint32(dst[8:12], h.Width)
	binary.LittleEndian.PutUint32(dst[12:16], h.Height)
}

func (h *CtxHeader) decode(src []byte) {
	h.Flags = CtxFlags(binary.LittleEndian.Uint32(src[0:4]))
	h.Ctx = int32(binary.LittleEndian.Uint32(src[4:8]))
	h.Width = binary.LittleEndian.Uint32(src[8:12])
	h.Height = binary.LittleEndian.Uint32(src[12:16])
}

// LZOHeader wraps a compressed copy of another message. Size is the
// uncompressed byte length of the inner header plus payload. Inner messages
// are never themselves compressed.
type LZOHeader struct {
	Size      uint64
	InnerKind Kind
}

func (LZOHeader) MessageKind() Kind { return KindLZO }
func (LZOHeader) headerSize() int   { return LZOHeaderSize }

func (h *LZOHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Size)
	dst[8] = byte(h.InnerKind)
}

func (h *LZOHeader) decode(src []byte) {
	h.Size = binary.LittleEndian.Uint64(src[0:8])
	h.InnerKind = Kind(src[8])
}

// AudioFormatHeader announces the sample format of an audio stream. It
// carries no payload. Interleaved is 1 for interleaved sample layout,
// 0 for per-channel planes.
type AudioFormatHeader struct {
	Stream      int32
	Format      AudioFormat
	Rate        uint32
	Channels    uint32
	Interleaved uint32
}

func (AudioFormatHeader) MessageKind() Kind { return KindAudioFormat }
func (AudioFormatHeader) headerSize() int   { return AudioFormatHeaderSize }

func (h *AudioFormatHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.Stream))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Format))
	binary.LittleEndian.PutUint32(dst[8:12], h.Rate)
	binary.LittleEndian.PutUint32(dst[12:16], h.Channels)
	binary.LittleEndian.PutUint32(dst[16:20], h.Interleaved)
}

func (h *AudioFormatHeader) decode(src []byte) {
	h.Stream = int32(binary.LittleEndian.Uint32(src[0:4]))
	h.Format = AudioFormat(binary.LittleEndian.Uint32(src[4:8]))
	h.Rate = binary.LittleEndian.Uint32(src[8:12])
	h.Channels = binary.LittleEndian.Uint32(src[12:16])
	h.Interleaved = binary.LittleEndian.Uint32(src[16:20])
}

// AudioHeader precedes Size bytes of raw samples for an audio stream.
type AudioHeader struct {
	Timestamp uint64
	Size      uint64
	Stream    int32
}

func (AudioHeader) MessageKind() Kind { return KindAudio }
func (AudioHeader) headerSize() int   { return AudioHeaderSize }

func (h *AudioHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Timestamp)
	binary.LittleEndian.PutUint64(dst[8:16], h.Size)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(h.Stream))
}

func (h *AudioHeader) decode(src []byte) {
	h.Timestamp = binary.LittleEndian.Uint64(src[0:8])
	h.Size = binary.LittleEndian.Uint64(src[8:16])
	h.Stream = int32(binary.LittleEndian.Uint32(src[16:20]))
}

// HeaderSize returns the fixed header size for kind, excluding the kind tag.
func HeaderSize(kind Kind) (int, error) {
	switch kind {
	case KindClose:
		return CloseHeaderSize, nil
	case KindPicture:
		return PictureHeaderSize, nil
	case KindCtx:
		return CtxHeaderSize, nil
	case KindLZO:
		return LZOHeaderSize, nil
	case KindAudioFormat:
		return AudioFormatHeaderSize, nil
	case KindAudio:
		return AudioHeaderSize, nil
	}
	return 0, fmt.Errorf("wire: unknown message kind 0x%02x", byte(kind))
}

// EncodeHeader serializes h into its fixed wire layout.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, h.headerSize())
	h.encode(buf)
	return buf
}

// DecodeHeader parses the fixed header of the given kind from src, which
// must hold at least HeaderSize(kind) bytes.
func DecodeHeader(kind Kind, src []byte) (Header, error) {
	size, err := HeaderSize(kind)
	if err != nil {
		return nil, err
	}
	if len(src) < size {
		return nil, fmt.Errorf("wire: %s header truncated: %d of %d bytes", kind, len(src), size)
	}

	var h Header
	switch kind {
	case KindClose:
		h = &CloseHeader{}
	case KindPicture:
		h = &PictureHeader{}
	case KindCtx:
		h = &CtxHeader{}
	case KindLZO:
		h = &LZOHeader{}
	case KindAudioFormat:
		h = &AudioFormatHeader{}
	case KindAudio:
		h = &AudioHeader{}
	}
	h.decode(src)
	return h, nil
}

// Message is one unit flowing through every buffer: a decoded fixed header
// plus its payload, if the kind carries one.
type Message struct {
	Header  Header
	Payload []byte
}

// Kind returns the message's kind tag.
func (m *Message) Kind() Kind { return m.Header.MessageKind() }

// NewClose returns a stream-terminating message.
func NewClose() *Message { return &Message{Header: &CloseHeader{}} }
