// Package relay moves a capture stream between processes over a single
// QUIC stream: the session header first, then the message sequence in wire
// order. One connection carries one session.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

const (
	idleTimeout = 30 * time.Second

	// errCodeDone signals an orderly end of the session to the peer.
	errCodeDone quic.ApplicationErrorCode = 0
)

func quicConfig() *quic.Config {
	return &quic.Config{MaxIdleTimeout: idleTimeout}
}

// Sender is the sending end: a terminal pipeline stage that serializes
// every message it reads onto the QUIC stream.
type Sender struct {
	log    *slog.Logger
	conn   quic.Connection
	stream quic.Stream
	sw     *wire.StreamWriter
}

// Dial connects to a relay receiver and sends the session header. The
// returned Sender owns the connection until its stage finishes.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, info *wire.SessionInfo) (*Sender, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(errCodeDone, "no stream")
		return nil, fmt.Errorf("relay: open stream: %w", err)
	}
	if err := wire.WriteSessionInfo(stream, info); err != nil {
		conn.CloseWithError(errCodeDone, "header write failed")
		return nil, fmt.Errorf("relay: write session header: %w", err)
	}

	return &Sender{
		log:    slog.With("component", "relay", "remote", conn.RemoteAddr().String()),
		conn:   conn,
		stream: stream,
		sw:     wire.NewStreamWriter(stream),
	}, nil
}

// Stage returns the sender as a single-threaded terminal pipeline stage.
// Serialization is ordered, so one worker.
func (s *Sender) Stage() pipeline.Stage {
	return pipeline.Stage{
		Name:    "relay-send",
		Kind:    session.StageRelay,
		Threads: 1,
		Read:    s.send,
		Finish:  s.finish,
	}
}

func (s *Sender) send(st *pipeline.State) error {
	if err := s.sw.WriteMessage(st.Msg); err != nil {
		return fmt.Errorf("relay: send %s: %w", st.Msg.Kind(), err)
	}
	return nil
}

func (s *Sender) finish(err error) {
	if cerr := s.stream.Close(); cerr != nil {
		s.log.Debug("stream close", "error", cerr)
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	s.conn.CloseWithError(errCodeDone, reason)
	s.log.Info("relay session sent", "error", err)
}

// Receiver accepts relay connections and feeds their message sequences
// into stream buffers.
type Receiver struct {
	log *slog.Logger
	ln  *quic.Listener
	dec wire.Decompressor
}

// Listen starts a relay listener. dec may be nil when incoming streams
// carry no compressed messages.
func Listen(addr string, tlsConf *tls.Config, dec wire.Decompressor) (*Receiver, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	return &Receiver{
		log: slog.With("component", "relay", "addr", ln.Addr().String()),
		ln:  ln,
		dec: dec,
	}, nil
}

// Addr returns the bound listen address.
func (r *Receiver) Addr() string { return r.ln.Addr().String() }

// Close stops accepting connections.
func (r *Receiver) Close() error { return r.ln.Close() }

// AcceptSession waits for one connection and reads its session header.
func (r *Receiver) AcceptSession(ctx context.Context) (*Session, error) {
	conn, err := r.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(errCodeDone, "no stream")
		return nil, fmt.Errorf("relay: accept stream: %w", err)
	}
	info, err := wire.ReadSessionInfo(stream)
	if err != nil {
		conn.CloseWithError(errCodeDone, "bad header")
		return nil, fmt.Errorf("relay: read session header: %w", err)
	}

	r.log.Info("relay session accepted",
		"remote", conn.RemoteAddr().String(), "name", info.Name, "fps", info.FPS)
	return &Session{
		log:  r.log,
		conn: conn,
		sr:   wire.NewStreamReader(stream, r.dec),
		Info: info,
	}, nil
}

// Session is one accepted relay session.
type Session struct {
	log  *slog.Logger
	conn quic.Connection
	sr   *wire.StreamReader

	// Info is the received session header.
	Info *wire.SessionInfo
}

// Pump reads messages into out until the stream ends. The Close message
// is forwarded and ends the pump; out is closed in every exit path so the
// downstream pipeline drains. A stream that ends without a Close message
// is reported as an error.
func (s *Session) Pump(ctx context.Context, out *msgbuf.Buffer) error {
	defer out.Close()
	defer s.conn.CloseWithError(errCodeDone, "")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := s.sr.ReadMessage()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("relay: stream ended without close message")
		}
		if err != nil {
			return fmt.Errorf("relay: read: %w", err)
		}
		if perr := out.Push(msg); perr != nil {
			return fmt.Errorf("relay: deliver %s: %w", msg.Kind(), perr)
		}
		if msg.Kind() == wire.KindClose {
			s.log.Debug("relay session complete")
			return nil
		}
	}
}
