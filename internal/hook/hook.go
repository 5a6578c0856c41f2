// Package hook intercepts a host application's calls into the system audio
// library. The layer's own functions are published under the real library's
// symbol names; each one forwards to the genuine entry point, resolved once
// through a raw dynamic loader that bypasses any installed interception,
// and then emits capture messages describing the call without ever altering
// the value returned to the host.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/zsiec/reel/internal/capture"
	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

// Hook errors.
var (
	ErrAlreadyStarted = errors.New("hook: capture already started")
	ErrNotStarted     = errors.New("hook: capture not started")

	// ErrObjectNotFound is returned by a Rebinder when no loaded object
	// matches the requested pattern.
	ErrObjectNotFound = errors.New("hook: object not found")
)

// Options configure the intercepted library's capture behaviour, normally
// taken from the environment at process attach.
type Options struct {
	// Capture enables emission from intercepted calls.
	Capture bool
	// AllowSkip drops capture messages instead of blocking the host call
	// when the downstream buffer is full.
	AllowSkip bool
	// Descriptor lists additional capture endpoints, "device[,rate,channels];...".
	Descriptor string
}

// Funcs are the real entry points, looked up exactly once and read-only
// afterwards. Buffers and PCM handles stay opaque pointers; the hook never
// interprets them beyond copying sample data out.
type Funcs struct {
	PCMOpen       func(pcmp *uintptr, name string, stream int32, mode int32) int32
	PCMClose      func(pcm uintptr) int32
	PCMPause      func(pcm uintptr, enable int32) int32
	PCMSetParams  func(pcm uintptr, format, access int32, channels, rate uint32, softResample int32, latency uint32) int32
	PCMHwParams   func(pcm, params uintptr) int32
	PCMWriteI     func(pcm uintptr, buf uintptr, frames uint64) int64
	PCMWriteN     func(pcm uintptr, bufs uintptr, frames uint64) int64
	PCMMmapBegin  func(pcm uintptr, areas *uintptr, offset *uint64, frames *uint64) int32
	PCMMmapCommit func(pcm uintptr, offset uint64, frames uint64) int64

	HwGetFormat   func(params uintptr, val *int32) int32
	HwGetAccess   func(params uintptr, val *int32) int32
	HwGetRate     func(params uintptr, val *uint32, dir *int32) int32
	HwGetChannels func(params uintptr, val *uint32) int32
}

// Rebinder is the opaque relocation-patching collaborator: given an object
// name pattern and a symbol rebind table, it rewrites the matching loaded
// objects' relocation entries so their internal calls resolve to the given
// addresses. Patching an absent object is best-effort and returns an error
// the caller may ignore.
type Rebinder interface {
	Rebind(objectPattern string, table map[string]uintptr) error
}

// Library is the hook state for the intercepted audio library: resolved
// entry points, the capture emitter, and the configured fan-out endpoints.
// One Library exists per intercepted library, created at first use and
// kept until process exit.
type Library struct {
	log  *slog.Logger
	sess *session.Session
	opts Options

	resolveOnce sync.Once
	handle      uintptr
	funcs       Funcs
	realAddrs   map[string]uintptr

	rebinder Rebinder

	ready     atomic.Bool
	deferInit atomic.Bool

	mu      sync.Mutex
	started bool
	emitter *Emitter
	streams *capture.List
	out     *msgbuf.Buffer
	formats map[uintptr]wire.AudioFormatHeader
}

// resolverAddrs maps dynamic-lookup symbol names to the hook's raw
// resolver entry points, filled in during symbol resolution. Patched
// library copies that look symbols up at runtime go through these so
// later lookups stay consistent with the rebound relocations.
var resolverAddrs = map[string]uintptr{}

// New creates the hook state. The rebinder may be nil, in which case
// patching other library instances is skipped.
func New(sess *session.Session, opts Options, rebinder Rebinder) *Library {
	l := &Library{
		log:      slog.With("component", "hook", "library", "alsa"),
		sess:     sess,
		opts:     opts,
		rebinder: rebinder,
		streams:  capture.ParseDescriptor(opts.Descriptor),
		formats:  make(map[uintptr]wire.AudioFormatHeader),
	}
	if opts.AllowSkip {
		sess.Set(session.FlagAudioAllowSkip)
	}
	return l
}

// ensureReady performs the lazy one-time readiness check guarding every
// intercepted entry point. Setup never runs while the deferred flag is
// raised; a call site that may execute in an async or signal context raises
// it around the real call so setup happens on the next safe call instead.
func (l *Library) ensureReady() {
	if l.ready.Load() || l.deferInit.Load() {
		return
	}
	l.resolve()
	l.ready.Store(true)
}

// DeferInit marks the current call sites unsafe for one-time setup.
func (l *Library) DeferInit(unsafeCtx bool) { l.deferInit.Store(unsafeCtx) }

// StartCapture arms emission into out. It patches other loaded copies of
// the intercepted library so their internal calls bypass the hook, then
// opens every configured fan-out endpoint. A second start returns
// ErrAlreadyStarted with no side effects.
func (l *Library) StartCapture(out *msgbuf.Buffer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}

	l.ensureReady()

	// Keep the real library's internal calls from looping back into the
	// hook: without this, entry points that call each other would be
	// captured twice or recurse forever.
	if err := l.PatchOtherInstances("*libasound.so*"); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			l.log.Debug("no other library instances to patch")
		} else {
			l.log.Warn("patching other library instances failed", "error", err)
		}
	}

	if l.opts.Capture {
		l.emitter = NewEmitter(l.sess, out, l.opts.AllowSkip, l.probeFormat)
	}
	l.out = out

	if err := l.streams.Start(context.Background(), pcmOpener{l}); err != nil {
		return fmt.Errorf("hook: start capture endpoints: %w", err)
	}

	l.started = true
	l.log.Info("capture started", "endpoints", len(l.streams.Endpoints()))
	return nil
}

// PauseCapture forwards a pause to every fan-out endpoint.
func (l *Library) PauseCapture() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return ErrNotStarted
	}
	return l.streams.Pause()
}

// ResumeCapture forwards a resume to every fan-out endpoint.
func (l *Library) ResumeCapture() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return ErrNotStarted
	}
	return l.streams.Resume()
}

// StopCapture closes the fan-out endpoints and terminates the capture
// stream with a close message. Stopping an unstarted hook is a no-op.
func (l *Library) StopCapture() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}

	err := l.streams.Close()
	if l.out != nil {
		if perr := l.out.Push(wire.NewClose()); perr != nil && err == nil {
			err = perr
		}
	}
	l.emitter = nil
	l.started = false
	l.log.Info("capture stopped")
	return err
}

// PatchOtherInstances rewrites every other loaded copy of the intercepted
// library matching pattern: its internal relocations for the intercepted
// entry points are bound directly to the real functions, and its dynamic
// lookup entries to the raw resolver, so later lookups stay consistent.
// Failure is best-effort; a missing object is not fatal.
func (l *Library) PatchOtherInstances(pattern string) error {
	if l.rebinder == nil {
		return nil
	}

	table := make(map[string]uintptr, len(l.realAddrs)+len(resolverAddrs))
	for sym, addr := range l.realAddrs {
		table[sym] = addr
	}
	for sym, addr := range resolverAddrs {
		table[sym] = addr
	}
	if err := l.rebinder.Rebind(pattern, table); err != nil {
		return fmt.Errorf("hook: rebind %q: %w", pattern, err)
	}
	return nil
}

// Intercepted entry points. Each forwards to the real function first and
// passes its result through untouched; emission happens only after the
// real call succeeded while the session's capturing flag is set.

// PCMOpen intercepts snd_pcm_open.
func (l *Library) PCMOpen(pcmp *uintptr, name string, stream, mode int32) int32 {
	l.ensureReady()
	return l.funcs.PCMOpen(pcmp, name, stream, mode)
}

// PCMHwParams intercepts snd_pcm_hw_params, the host's format
// negotiation. A successful call is the hook's only window into the
// stream's sample format, so it is recorded here for later writes.
func (l *Library) PCMHwParams(pcm, params uintptr) int32 {
	l.ensureReady()
	ret := l.funcs.PCMHwParams(pcm, params)
	if ret < 0 {
		return ret
	}

	format, err := l.readHwParams(params)
	if err != nil {
		l.log.Warn("unusable hardware parameters, stream will not be captured", "error", err)
		return ret
	}
	l.mu.Lock()
	l.formats[pcm] = format
	l.mu.Unlock()
	return ret
}

// readHwParams extracts format, rate, channel count and sample layout
// from a negotiated hardware-parameter block.
func (l *Library) readHwParams(params uintptr) (wire.AudioFormatHeader, error) {
	var (
		format, access int32
		rate, channels uint32
		dir            int32
		hdr            wire.AudioFormatHeader
	)
	if rc := l.funcs.HwGetFormat(params, &format); rc < 0 {
		return hdr, fmt.Errorf("hook: get format: rc %d", rc)
	}
	if rc := l.funcs.HwGetAccess(params, &access); rc < 0 {
		return hdr, fmt.Errorf("hook: get access: rc %d", rc)
	}
	if rc := l.funcs.HwGetRate(params, &rate, &dir); rc < 0 {
		return hdr, fmt.Errorf("hook: get rate: rc %d", rc)
	}
	if rc := l.funcs.HwGetChannels(params, &channels); rc < 0 {
		return hdr, fmt.Errorf("hook: get channels: rc %d", rc)
	}

	wf, ok := sampleFormats[format]
	if !ok {
		return hdr, fmt.Errorf("hook: unsupported sample format %d", format)
	}
	hdr.Format = wf
	hdr.Rate = rate
	hdr.Channels = channels
	if access == accessMmapInterleaved || access == accessRWInterleaved {
		hdr.Interleaved = 1
	}
	return hdr, nil
}

// probeFormat is the emitter's format source: the parameters recorded by
// the last successful negotiation on the handle.
func (l *Library) probeFormat(pcm uintptr) (wire.AudioFormatHeader, error) {
	l.mu.Lock()
	hdr, ok := l.formats[pcm]
	l.mu.Unlock()
	if !ok {
		return hdr, fmt.Errorf("hook: no negotiated format for pcm 0x%x", pcm)
	}
	return hdr, nil
}

// PCMWriteInterleaved intercepts snd_pcm_writei. A positive return is the
// number of frames actually written, which is what gets captured.
func (l *Library) PCMWriteInterleaved(pcm uintptr, buf unsafe.Pointer, frames uint64) int64 {
	l.ensureReady()
	ret := l.funcs.PCMWriteI(pcm, uintptr(buf), frames)
	if em := l.capturing(); ret > 0 && em != nil {
		em.EmitInterleaved(pcm, buf, uint64(ret))
	}
	return ret
}

// PCMWriteNonInterleaved intercepts snd_pcm_writen; bufs points at one
// sample buffer per channel.
func (l *Library) PCMWriteNonInterleaved(pcm uintptr, bufs unsafe.Pointer, frames uint64) int64 {
	l.ensureReady()
	ret := l.funcs.PCMWriteN(pcm, uintptr(bufs), frames)
	if em := l.capturing(); ret > 0 && em != nil {
		em.EmitNonInterleaved(pcm, bufs, uint64(ret))
	}
	return ret
}

// PCMMmapBegin intercepts snd_pcm_mmap_begin, remembering the mapped
// region so the matching commit can capture it.
func (l *Library) PCMMmapBegin(pcm uintptr, areas *uintptr, offset, frames *uint64) int32 {
	l.ensureReady()
	ret := l.funcs.PCMMmapBegin(pcm, areas, offset, frames)
	if em := l.capturing(); ret >= 0 && em != nil {
		em.BeginMmap(pcm, *areas)
	}
	return ret
}

// PCMMmapCommit intercepts snd_pcm_mmap_commit. The emitted message
// declares the frame count the real call actually committed; a partial
// commit is logged and capture continues.
func (l *Library) PCMMmapCommit(pcm uintptr, offset, frames uint64) int64 {
	l.ensureReady()
	ret := l.funcs.PCMMmapCommit(pcm, offset, frames)
	if em := l.capturing(); ret >= 0 && em != nil {
		committed := uint64(ret)
		if committed != frames {
			l.log.Warn("partial mmap commit", "requested", frames, "committed", committed)
		}
		em.CommitMmap(pcm, offset, committed)
	}
	return ret
}

// capturing returns the armed emitter, or nil when emission is off.
func (l *Library) capturing() *Emitter {
	l.mu.Lock()
	em := l.emitter
	l.mu.Unlock()
	if em == nil || !l.sess.Has(session.FlagCapturing) {
		return nil
	}
	return em
}
