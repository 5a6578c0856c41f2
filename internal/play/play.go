// Package play renders picture traffic with timestamp-accurate pacing: a
// worker-pipeline consumer that owns one picture context, drives its
// display surface through the context lifecycle, and decides per frame
// whether to present, wait, or drop.
package play

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

// ctxState is the lifecycle of the owned picture context. There is no
// transition back to ctxUninitialized.
type ctxState int

const (
	ctxUninitialized ctxState = iota
	ctxCreated
	ctxActive
)

// seekStep is the playback clock adjustment per seek key event.
const seekStep = -100 * time.Millisecond

// Engine is the playback synchronization state machine for one picture
// context. Messages for other contexts pass through it untouched.
type Engine struct {
	log   *slog.Logger
	sess  *session.Session
	disp  Display
	clock *Clock
	ctxID int32

	state         ctxState
	width, height uint32
	interval      uint64

	renders uint64
	swaps   uint64
	drops   uint64

	sleep func(time.Duration)
}

// NewEngine creates an engine owning the given picture context, rendering
// to disp and pacing against clock. A nil clock starts a fresh one.
func NewEngine(sess *session.Session, disp Display, ctxID int32, clock *Clock) *Engine {
	if clock == nil {
		clock = NewClock()
	}
	return &Engine{
		log:      slog.With("component", "play", "ctx", ctxID),
		sess:     sess,
		disp:     disp,
		clock:    clock,
		ctxID:    ctxID,
		interval: sess.FrameInterval(),
		sleep:    time.Sleep,
	}
}

// Stage returns the engine's pipeline stage. Playback is single-threaded;
// frame pacing has no meaning across competing workers.
func (e *Engine) Stage() pipeline.Stage {
	return pipeline.Stage{
		Name:    "play",
		Kind:    session.StagePlay,
		Threads: 1,
		Read:    e.read,
		Finish:  e.finish,
	}
}

func (e *Engine) read(s *pipeline.State) error {
	if err := e.drainEvents(s); err != nil {
		return err
	}
	if e.sess.Has(session.FlagCancelled) {
		s.Stop()
	}
	if s.Stopping() {
		return nil
	}

	switch h := s.Msg.Header.(type) {
	case *wire.CtxHeader:
		return e.handleCtx(h)
	case *wire.PictureHeader:
		return e.handlePicture(h, s.Msg.Payload)
	}
	return nil
}

func (e *Engine) handleCtx(h *wire.CtxHeader) error {
	if h.Ctx != e.ctxID {
		return nil
	}

	layout := h.Flags.Layout()
	switch layout {
	case wire.CtxBGR, wire.CtxBGRA:
	default:
		return fmt.Errorf("context %d has unsupported layout 0x%x", h.Ctx, uint32(h.Flags))
	}

	e.width, e.height = h.Width, h.Height

	switch h.Flags.Lifecycle() {
	case wire.CtxCreate:
		if err := e.disp.Create(e.width, e.height); err != nil {
			return fmt.Errorf("create surface: %w", err)
		}
		e.state = ctxCreated
		// A freshly created context is immediately updated to become
		// presentable.
		if err := e.disp.Update(e.width, e.height); err != nil {
			return fmt.Errorf("update surface: %w", err)
		}
		e.state = ctxActive
		e.log.Info("context created", "width", e.width, "height", e.height)
		return nil

	case wire.CtxUpdate:
		if e.state == ctxUninitialized {
			return fmt.Errorf("update for uninitialized context %d", h.Ctx)
		}
		if err := e.disp.Update(e.width, e.height); err != nil {
			return fmt.Errorf("update surface: %w", err)
		}
		e.state = ctxActive
		return nil
	}
	return fmt.Errorf("context %d has no lifecycle bit, flags 0x%x", h.Ctx, uint32(h.Flags))
}

func (e *Engine) handlePicture(h *wire.PictureHeader, pix []byte) error {
	if h.Ctx != e.ctxID || e.state != ctxActive {
		return nil
	}

	// Draw first, pace after: the most recently decoded frame is always
	// uploaded even when the swap is skipped.
	if err := e.disp.Render(pix); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	e.renders++

	now := e.clock.Now()
	switch {
	case h.Timestamp > now:
		e.sleep(time.Duration(h.Timestamp-now) * time.Microsecond)
	case now > h.Timestamp+e.interval:
		// Stale frame: drop the presentation rather than falling further
		// behind.
		e.drops++
		return nil
	}

	if err := e.disp.Swap(); err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	e.swaps++
	return nil
}

func (e *Engine) drainEvents(s *pipeline.State) error {
	events, err := e.disp.PollEvents()
	if err != nil {
		return fmt.Errorf("poll events: %w", err)
	}
	for _, ev := range events {
		switch ev.Kind {
		case EventDestroy, EventCloseRequest:
			s.Stop()
		case EventKeyRelease:
			if ev.Key == KeyEscape {
				e.sess.Set(session.FlagCancelled)
			}
		case EventKeyPress:
			if ev.Key == KeyRight {
				e.clock.Seek(seekStep)
			}
		case EventResize:
			if e.state != ctxUninitialized {
				if err := e.disp.Update(ev.Width, ev.Height); err != nil {
					return fmt.Errorf("resize surface: %w", err)
				}
			}
		}
	}
	return nil
}

// finish releases the surface and display connection. It runs even when
// the engine never left the uninitialized state.
func (e *Engine) finish(err error) {
	if err != nil {
		e.log.Error("playback failed", "error", err)
	}
	if cerr := e.disp.Close(); cerr != nil {
		e.log.Warn("display close failed", "error", cerr)
	}
	e.log.Info("playback finished",
		"renders", e.renders, "swaps", e.swaps, "drops", e.drops)
}

// Stats returns the engine's render counters.
func (e *Engine) Stats() (renders, swaps, drops uint64) {
	return e.renders, e.swaps, e.drops
}
