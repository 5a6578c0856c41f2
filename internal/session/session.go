// Package session holds the process-wide capture/playback state shared by
// every pipeline stage: the concurrently toggled flag bits, one completion
// signal per stage kind, and the immutable stream metadata. A Session is
// always passed explicitly; the package keeps no singleton, so tests can run
// several independent sessions in one process.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Flags are independently readable and writable bits toggled concurrently,
// e.g. by a hotkey thread flipping FlagCapturing. Consumers must consult
// them before each decision rather than caching a snapshot.
type Flags uint32

// Session flags.
const (
	FlagCapturing Flags = 1 << iota
	FlagCancelled
	FlagScaling
	FlagCaptureBack
	FlagCaptureFront
	FlagDrawIndicator
	FlagAudioAllowSkip
	FlagCaptureBGRA
	FlagTryPBO
	FlagConvert420
)

// StageKind indexes the per-stage completion signals.
type StageKind int

// Pipeline stage kinds.
const (
	StagePlay StageKind = iota
	StagePack
	StageUnpack
	StageDemux
	StageAudio
	StageRelay
	StageInfo

	stageCount
)

func (k StageKind) String() string {
	switch k {
	case StagePlay:
		return "play"
	case StagePack:
		return "pack"
	case StageUnpack:
		return "unpack"
	case StageDemux:
		return "demux"
	case StageAudio:
		return "audio"
	case StageRelay:
		return "relay"
	case StageInfo:
		return "info"
	}
	return "unknown"
}

// Signal is a binary completion semaphore posted exactly once when a
// stage's worker pool fully drains.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// Post marks the signal. Posting more than once is a no-op.
func (s *Signal) Post() {
	s.once.Do(func() { close(s.ch) })
}

// Wait blocks until the signal is posted.
func (s *Signal) Wait() { <-s.ch }

// Done returns a channel closed when the signal is posted.
func (s *Signal) Done() <-chan struct{} { return s.ch }

// Info is the session metadata written once at session start and immutable
// thereafter.
type Info struct {
	FPS         uint32
	Scale       float64
	ExportVideo int32
	ExportAudio int32
	ProgramName string
	StartDate   string
	PID         uint32
}

// Session is the per-process capture/playback context. All components
// borrow it by reference; none own a copy.
type Session struct {
	Info Info

	flags   atomic.Uint32
	signals [stageCount]*Signal
	start   time.Time
}

// New creates a session with the given metadata and the given initial flags.
func New(info Info, flags Flags) *Session {
	s := &Session{Info: info, start: time.Now()}
	s.flags.Store(uint32(flags))
	for i := range s.signals {
		s.signals[i] = &Signal{ch: make(chan struct{})}
	}
	return s
}

// Set turns the given flag bits on.
func (s *Session) Set(f Flags) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// Clear turns the given flag bits off.
func (s *Session) Clear(f Flags) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Has reports whether all of the given flag bits are set.
func (s *Session) Has(f Flags) bool {
	return Flags(s.flags.Load())&f == f
}

// Flags returns the current flag bits.
func (s *Session) Flags() Flags { return Flags(s.flags.Load()) }

// Signal returns the completion signal for the given stage kind.
func (s *Session) Signal(k StageKind) *Signal { return s.signals[k] }

// Elapsed returns microseconds since the session was created, the timestamp
// base for captured messages.
func (s *Session) Elapsed() uint64 {
	return uint64(time.Since(s.start).Microseconds())
}

// FrameInterval returns the target frame interval in microseconds, or 0
// when no frame rate was configured.
func (s *Session) FrameInterval() uint64 {
	if s.Info.FPS == 0 {
		return 0
	}
	return uint64(time.Second.Microseconds()) / uint64(s.Info.FPS)
}
