// Package compress provides the pack and unpack pipeline stages that wrap
// picture and audio messages in compressed envelopes. The codec itself is
// an external collaborator; glc-compatible streams use LZO1X, whose
// compressed blocks are self-terminating.
package compress

import (
	"fmt"

	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

// Codec compresses and decompresses whole blocks. Decompress is given the
// declared uncompressed size so it can allocate the output up front.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, uncompressedSize int) ([]byte, error)
}

// DefaultMinSize is the smallest payload worth compressing. Tiny messages
// gain nothing and the envelope adds 10 bytes.
const DefaultMinSize = 1024

// Pack returns a stage that wraps large picture and audio messages in
// compressed envelopes. Compressed messages are never wrapped again.
func Pack(codec Codec, minSize int) pipeline.Stage {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	return pipeline.Stage{
		Name: "pack",
		Kind: session.StagePack,
		Read: func(s *pipeline.State) error { return nil },
		Write: func(s *pipeline.State) error {
			switch s.Msg.Kind() {
			case wire.KindPicture, wire.KindAudio:
			default:
				return nil
			}
			if len(s.Msg.Payload) < minSize {
				return nil
			}

			inner := append(wire.EncodeHeader(s.Msg.Header), s.Msg.Payload...)
			packed, err := codec.Compress(inner)
			if err != nil {
				return fmt.Errorf("compress %s message: %w", s.Msg.Kind(), err)
			}

			s.Msg = &wire.Message{
				Header: &wire.LZOHeader{
					Size:      uint64(len(inner)),
					InnerKind: s.Msg.Kind(),
				},
				Payload: packed,
			}
			return nil
		},
	}
}

// Unpack returns a stage that restores compressed messages to their inner
// kind, forwarding everything else untouched. A compressed message whose
// inner kind is itself compressed is a fatal stage error.
func Unpack(codec Codec) pipeline.Stage {
	return pipeline.Stage{
		Name: "unpack",
		Kind: session.StageUnpack,
		Read: func(s *pipeline.State) error { return nil },
		Write: func(s *pipeline.State) error {
			hdr, ok := s.Msg.Header.(*wire.LZOHeader)
			if !ok {
				return nil
			}
			if hdr.InnerKind == wire.KindLZO {
				return fmt.Errorf("nested compressed message")
			}

			inner, err := codec.Decompress(s.Msg.Payload, int(hdr.Size))
			if err != nil {
				return fmt.Errorf("decompress %s message: %w", hdr.InnerKind, err)
			}
			if uint64(len(inner)) != hdr.Size {
				return fmt.Errorf("decompressed %d bytes, envelope declares %d", len(inner), hdr.Size)
			}

			innerHdrSize, err := wire.HeaderSize(hdr.InnerKind)
			if err != nil {
				return err
			}
			if len(inner) < innerHdrSize {
				return fmt.Errorf("decompressed %s message shorter than its header", hdr.InnerKind)
			}
			innerHdr, err := wire.DecodeHeader(hdr.InnerKind, inner[:innerHdrSize])
			if err != nil {
				return err
			}

			s.Msg = &wire.Message{Header: innerHdr, Payload: inner[innerHdrSize:]}
			return nil
		},
	}
}
