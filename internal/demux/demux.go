// Package demux splits one mixed message stream into per-target streams:
// picture traffic by context id, audio traffic by stream id. Downstream
// buffers are created lazily through a sink factory and every one of them
// receives the terminating close message.
package demux

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

// SinkKind distinguishes the two target namespaces.
type SinkKind int

// Sink kinds.
const (
	SinkVideo SinkKind = iota
	SinkAudio
)

// SinkFactory produces the downstream buffer for a newly seen target. It
// runs at most once per (kind, id) pair.
type SinkFactory func(kind SinkKind, id int32) *msgbuf.Buffer

// Router owns the per-target buffer registry.
type Router struct {
	log     *slog.Logger
	newSink SinkFactory

	mu    sync.Mutex
	video map[int32]*msgbuf.Buffer
	audio map[int32]*msgbuf.Buffer
}

// NewRouter creates a router. The factory may return nil to discard a
// target's traffic.
func NewRouter(newSink SinkFactory) *Router {
	return &Router{
		log:     slog.With("component", "demux"),
		newSink: newSink,
		video:   make(map[int32]*msgbuf.Buffer),
		audio:   make(map[int32]*msgbuf.Buffer),
	}
}

// Stage returns the router's pipeline stage. It is a terminal stage from
// the pool's point of view; the router pushes to its own sinks.
func (r *Router) Stage() pipeline.Stage {
	return pipeline.Stage{
		Name: "demux",
		Kind: session.StageDemux,
		Read: r.route,
		Finish: func(error) {
			r.closeAll()
		},
	}
}

func (r *Router) route(s *pipeline.State) error {
	switch h := s.Msg.Header.(type) {
	case *wire.CtxHeader:
		return r.forward(SinkVideo, h.Ctx, s.Msg)
	case *wire.PictureHeader:
		return r.forward(SinkVideo, h.Ctx, s.Msg)
	case *wire.AudioFormatHeader:
		return r.forward(SinkAudio, h.Stream, s.Msg)
	case *wire.AudioHeader:
		return r.forward(SinkAudio, h.Stream, s.Msg)
	case *wire.CloseHeader:
		r.broadcastClose()
		s.Stop()
		return nil
	case *wire.LZOHeader:
		// Compressed traffic must be unpacked upstream; the router cannot
		// see the inner target.
		return fmt.Errorf("compressed message reached demux")
	}
	return nil
}

func (r *Router) forward(kind SinkKind, id int32, m *wire.Message) error {
	buf := r.sink(kind, id)
	if buf == nil {
		return nil
	}
	if err := buf.Push(m); err != nil {
		// A cancelled or closed sink means its consumer is gone; traffic
		// for that target is dropped, other targets are unaffected.
		r.log.Debug("sink rejected message", "kind", kind, "id", id, "error", err)
	}
	return nil
}

func (r *Router) sink(kind SinkKind, id int32) *msgbuf.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := r.video
	if kind == SinkAudio {
		targets = r.audio
	}
	if buf, ok := targets[id]; ok {
		return buf
	}

	buf := r.newSink(kind, id)
	targets[id] = buf
	if buf != nil {
		r.log.Info("demux target registered", "kind", kind, "id", id)
	}
	return buf
}

func (r *Router) broadcastClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, targets := range []map[int32]*msgbuf.Buffer{r.video, r.audio} {
		for _, buf := range targets {
			if buf == nil {
				continue
			}
			if err := buf.Push(wire.NewClose()); err != nil {
				continue
			}
		}
	}
}

func (r *Router) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, targets := range []map[int32]*msgbuf.Buffer{r.video, r.audio} {
		for _, buf := range targets {
			if buf != nil {
				buf.Close()
			}
		}
	}
}
