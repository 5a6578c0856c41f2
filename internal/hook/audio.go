package hook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

// FormatFunc reports the current sample format of a PCM handle. The
// production implementation reads what the host negotiated through the
// intercepted hardware-parameter call.
type FormatFunc func(pcm uintptr) (wire.AudioFormatHeader, error)

// Emitter turns successful audio writes into capture messages. Each PCM
// handle maps to a numbered stream; the stream's format is announced once
// before its first samples, and a format change mid-stream starts a new
// stream rather than mutating the old one.
type Emitter struct {
	log       *slog.Logger
	sess      *session.Session
	out       *msgbuf.Buffer
	allowSkip bool
	formatOf  FormatFunc

	mu      sync.Mutex
	streams map[uintptr]*streamState
	nextID  int32
	drops   uint64
}

type streamState struct {
	id        int32
	format    wire.AudioFormatHeader
	announced bool

	mmapAreas  uintptr
	mmapActive bool
}

// NewEmitter creates an emitter publishing into out.
func NewEmitter(sess *session.Session, out *msgbuf.Buffer, allowSkip bool, formatOf FormatFunc) *Emitter {
	return &Emitter{
		log:       slog.With("component", "hook", "part", "emitter"),
		sess:      sess,
		out:       out,
		allowSkip: allowSkip,
		formatOf:  formatOf,
		streams:   make(map[uintptr]*streamState),
	}
}

// Drops returns the number of messages discarded because the downstream
// buffer was full while skipping was allowed.
func (e *Emitter) Drops() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drops
}

// EmitInterleaved captures frames interleaved sample frames starting at buf.
func (e *Emitter) EmitInterleaved(pcm uintptr, buf unsafe.Pointer, frames uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.stream(pcm)
	if err != nil {
		e.log.Warn("dropping audio write with unknown format", "error", err)
		return
	}

	size := int(frames) * frameBytes(st.format)
	data := make([]byte, size)
	copy(data, unsafe.Slice((*byte)(buf), size))
	e.emit(st, data)
}

// EmitNonInterleaved captures frames sample frames from one buffer per
// channel; bufs points at the channel pointer array. Planes are emitted
// back to back in channel order.
func (e *Emitter) EmitNonInterleaved(pcm uintptr, bufs unsafe.Pointer, frames uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.stream(pcm)
	if err != nil {
		e.log.Warn("dropping audio write with unknown format", "error", err)
		return
	}

	sample := st.format.Format.BytesPerSample()
	plane := int(frames) * sample
	channels := int(st.format.Channels)
	ptrs := unsafe.Slice((*unsafe.Pointer)(bufs), channels)

	data := make([]byte, 0, plane*channels)
	for _, p := range ptrs {
		data = append(data, unsafe.Slice((*byte)(p), plane)...)
	}
	e.emit(st, data)
}

// BeginMmap remembers the mapped region handed to the host so the
// matching commit can locate the written samples. The commit call carries
// the frame offset, so only the area descriptor is kept.
func (e *Emitter) BeginMmap(pcm uintptr, areas uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.stream(pcm)
	if err != nil {
		e.log.Warn("ignoring mmap begin with unknown format", "error", err)
		return
	}
	st.mmapAreas = areas
	st.mmapActive = true
}

// CommitMmap captures frames committed frames from the region recorded by
// the preceding BeginMmap. A commit without a matching begin is ignored.
func (e *Emitter) CommitMmap(pcm uintptr, offset, frames uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.streams[pcm]
	if !ok || !st.mmapActive {
		e.log.Warn("mmap commit without matching begin", "pcm", pcm)
		return
	}
	st.mmapActive = false
	if frames == 0 {
		return
	}

	data, err := readAreas(st.format, st.mmapAreas, offset, frames)
	if err != nil {
		e.log.Warn("dropping mmap commit", "error", err)
		return
	}
	e.emit(st, data)
}

// stream returns the state for pcm, allocating an id and announcing the
// format on first sight, and rolling to a fresh stream when the handle's
// negotiated format has changed since.
func (e *Emitter) stream(pcm uintptr) (*streamState, error) {
	format, err := e.formatOf(pcm)
	if err != nil {
		return nil, err
	}

	st, ok := e.streams[pcm]
	if ok && st.format.Format == format.Format &&
		st.format.Rate == format.Rate && st.format.Channels == format.Channels &&
		st.format.Interleaved == format.Interleaved {
		return st, nil
	}
	if ok {
		e.log.Info("audio format changed, starting new stream",
			"old_stream", st.id, "rate", format.Rate, "channels", format.Channels)
	}

	e.nextID++
	format.Stream = e.nextID
	st = &streamState{id: e.nextID, format: format}
	e.streams[pcm] = st
	return st, nil
}

func (e *Emitter) emit(st *streamState, data []byte) {
	if !st.announced {
		hdr := st.format
		e.push(&wire.Message{Header: &hdr})
		st.announced = true
	}
	e.push(&wire.Message{
		Header: &wire.AudioHeader{
			Timestamp: e.sess.Elapsed(),
			Size:      uint64(len(data)),
			Stream:    st.id,
		},
		Payload: data,
	})
}

// push applies the emission policy: with skipping allowed a full buffer
// discards the message and the host call never blocks; otherwise the push
// waits for space so no audio is lost.
func (e *Emitter) push(msg *wire.Message) {
	if e.allowSkip {
		err := e.out.TryPush(msg)
		switch {
		case errors.Is(err, msgbuf.ErrFull):
			e.drops++
			e.log.Debug("buffer full, dropping message", "kind", msg.Kind(), "drops", e.drops)
		case err != nil:
			e.log.Warn("emit failed", "kind", msg.Kind(), "error", err)
		}
		return
	}
	if err := e.out.Push(msg); err != nil {
		e.log.Warn("emit failed", "kind", msg.Kind(), "error", err)
	}
}

// channelArea mirrors the audio library's per-channel mapping descriptor:
// a base address plus a bit offset and a per-frame bit step.
type channelArea struct {
	addr  unsafe.Pointer
	first uint32
	step  uint32
}

// readAreas copies frames frames out of a committed mmap region starting
// at the given frame offset. Interleaved layouts read one area; planar
// layouts gather one plane per channel.
func readAreas(format wire.AudioFormatHeader, areas uintptr, offset, frames uint64) ([]byte, error) {
	sample := format.Format.BytesPerSample()
	if sample == 0 {
		return nil, fmt.Errorf("hook: no sample size for format %d", format.Format)
	}
	channels := int(format.Channels)
	if channels == 0 {
		return nil, errors.New("hook: zero channel count")
	}

	if format.Interleaved != 0 {
		area := (*channelArea)(unsafe.Pointer(areas))
		start := (uint64(area.first) + offset*uint64(area.step)) / 8
		size := int(frames) * sample * channels
		src := unsafe.Add(area.addr, int(start))
		data := make([]byte, size)
		copy(data, unsafe.Slice((*byte)(src), size))
		return data, nil
	}

	plane := int(frames) * sample
	data := make([]byte, 0, plane*channels)
	for _, area := range unsafe.Slice((*channelArea)(unsafe.Pointer(areas)), channels) {
		start := (uint64(area.first) + offset*uint64(area.step)) / 8
		src := unsafe.Add(area.addr, int(start))
		data = append(data, unsafe.Slice((*byte)(src), plane)...)
	}
	return data, nil
}

func frameBytes(format wire.AudioFormatHeader) int {
	return format.Format.BytesPerSample() * int(format.Channels)
}
