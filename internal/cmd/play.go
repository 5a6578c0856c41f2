package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/play"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play back a captured stream from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	in, err := openInput(args)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := wire.ReadSessionInfo(in)
	if err != nil {
		return err
	}
	sess := newSession(info)

	src := msgbuf.New()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pump(wire.NewStreamReader(in, nil), src)
	})
	if err := runPlayback(gctx, g, sess, src); err != nil {
		return err
	}
	return g.Wait()
}

// newSession builds the playback session from a received stream header.
func newSession(info *wire.SessionInfo) *session.Session {
	slog.Info("session", "name", info.Name, "date", info.Date, "fps", info.FPS, "pid", info.PID)
	return session.New(session.Info{
		FPS:         info.FPS,
		ProgramName: info.Name,
		StartDate:   info.Date,
		PID:         info.PID,
	}, session.Flags(info.Flags))
}

// runPlayback assembles the playback pipelines: the source buffer feeds the
// demultiplexer, and each video context gets its own playback engine as its
// sink appears. Audio targets are discarded; audio playback needs a device
// sink this binary does not carry.
func runPlayback(ctx context.Context, g *errgroup.Group, sess *session.Session, src *msgbuf.Buffer) error {
	clock := play.NewClock()
	router := demux.NewRouter(func(kind demux.SinkKind, id int32) *msgbuf.Buffer {
		if kind != demux.SinkVideo {
			return nil
		}
		buf := msgbuf.New()
		engine := play.NewEngine(sess, play.Headless(), id, clock)
		g.Go(func() error {
			p, err := pipeline.Run(sess, engine.Stage(), buf, nil)
			if err != nil {
				return err
			}
			return p.Wait()
		})
		return buf
	})

	p, err := pipeline.Run(sess, router.Stage(), src, nil)
	if err != nil {
		return err
	}
	g.Go(p.Wait)

	// A cancelled context tears the source down so every pool drains.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			src.Cancel()
		case <-p.Done():
		}
		return nil
	})
	return nil
}

// pump moves a serialized message sequence into out, closing it on every
// exit path. The stream must end with a close message.
func pump(sr *wire.StreamReader, out *msgbuf.Buffer) error {
	defer out.Close()
	for {
		msg, err := sr.ReadMessage()
		if errors.Is(err, io.EOF) {
			return errors.New("stream ended without close message")
		}
		if err != nil {
			return err
		}
		if perr := out.Push(msg); perr != nil {
			if errors.Is(perr, msgbuf.ErrCancelled) {
				return nil
			}
			return perr
		}
		if msg.Kind() == wire.KindClose {
			return nil
		}
	}
}

func openInput(args []string) (io.ReadCloser, error) {
	if len(args) == 0 {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return f, nil
}
