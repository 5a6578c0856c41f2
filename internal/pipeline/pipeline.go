// Package pipeline runs the bounded-buffer worker pools that every stage
// (pack, unpack, demux, play, relay) plugs into. A pool pulls framed
// messages from its input buffer with one or more competing workers,
// dispatches each message to the stage's read callback, optionally
// transforms and forwards it downstream, and runs the stage finish callback
// exactly once after all workers have exited.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

// State is handed to the read and write callbacks with exclusive access to
// one message. Callbacks may request a clean pool shutdown via Stop or keep
// a forwarded stage from relaying the message via Drop.
type State struct {
	Msg *wire.Message

	stop bool
	drop bool
}

// Stop requests a clean, non-error shutdown of the whole pool.
func (s *State) Stop() { s.stop = true }

// Stopping reports whether a shutdown was requested for this message.
func (s *State) Stopping() bool { return s.stop }

// Drop marks the message as consumed so it is not forwarded downstream.
func (s *State) Drop() { s.drop = true }

// Stage configures one worker pool. Read is required; Write runs before a
// message is forwarded downstream and may replace s.Msg; Finish runs
// exactly once after all workers exit, receiving nil on clean exhaustion or
// the first callback-reported error.
type Stage struct {
	Name    string
	Kind    session.StageKind
	Threads int
	Read    func(s *State) error
	Write   func(s *State) error
	Finish  func(err error)
}

// Pool is a running stage.
type Pool struct {
	log   *slog.Logger
	sess  *session.Session
	stage Stage
	in    *msgbuf.Buffer
	out   *msgbuf.Buffer

	stop atomic.Bool
	err  error
	done chan struct{}
}

// Run starts the stage's workers reading from in and forwarding to out,
// which may be nil for a terminal stage. The session's completion signal
// for the stage kind is posted when the pool drains; sess may be nil in
// tests that do not track signals.
func Run(sess *session.Session, stage Stage, in, out *msgbuf.Buffer) (*Pool, error) {
	if stage.Read == nil {
		return nil, fmt.Errorf("pipeline: stage %q has no read callback", stage.Name)
	}
	if in == nil {
		return nil, fmt.Errorf("pipeline: stage %q has no input buffer", stage.Name)
	}
	if stage.Threads < 1 {
		stage.Threads = 1
	}

	p := &Pool{
		log:   slog.With("component", "pipeline", "stage", stage.Name),
		sess:  sess,
		stage: stage,
		in:    in,
		out:   out,
		done:  make(chan struct{}),
	}

	workers := pool.New().WithErrors().WithFirstError().WithMaxGoroutines(stage.Threads)
	for i := 0; i < stage.Threads; i++ {
		workers.Go(p.worker)
	}
	go p.finish(workers)
	return p, nil
}

// Wait blocks until the pool has fully drained and returns the stage error,
// nil on clean shutdown.
func (p *Pool) Wait() error {
	<-p.done
	return p.err
}

// Done returns a channel closed when the pool has fully drained.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) worker() error {
	for !p.stop.Load() {
		msg, err := p.in.Pop()
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, msgbuf.ErrCancelled):
			return nil
		case err != nil:
			return err
		}

		st := State{Msg: msg}
		if err := p.stage.Read(&st); err != nil {
			p.shutdown()
			return fmt.Errorf("stage %q: %w", p.stage.Name, err)
		}

		if p.out != nil && !st.drop && st.Msg != nil {
			if p.stage.Write != nil {
				if err := p.stage.Write(&st); err != nil {
					p.shutdown()
					return fmt.Errorf("stage %q: %w", p.stage.Name, err)
				}
			}
			if st.Msg != nil {
				if err := p.out.Push(st.Msg); err != nil && !errors.Is(err, msgbuf.ErrCancelled) {
					p.shutdown()
					return err
				}
			}
		}

		if st.stop || msg.Kind() == wire.KindClose {
			p.shutdown()
			return nil
		}
	}
	return nil
}

// shutdown stops the sibling workers, cancelling the input buffer so any
// worker blocked on an empty buffer returns promptly.
func (p *Pool) shutdown() {
	p.stop.Store(true)
	p.in.Cancel()
}

func (p *Pool) finish(workers *pool.ErrorPool) {
	err := workers.Wait()
	if err != nil {
		p.log.Error("stage failed", "error", err)
	} else {
		p.log.Debug("stage drained")
	}

	if p.out != nil {
		p.out.Close()
	}
	if p.stage.Finish != nil {
		p.stage.Finish(err)
	}
	if p.sess != nil {
		p.sess.Signal(p.stage.Kind).Post()
	}

	p.err = err
	close(p.done)
}
