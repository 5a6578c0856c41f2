package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/relay"
)

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Receive a relayed stream over QUIC and play it back",
	Args:  cobra.NoArgs,
	RunE:  runRecv,
}

func init() {
	rootCmd.AddCommand(recvCmd)
}

func runRecv(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cert, err := certs.Generate(certs.DefaultValidity)
	if err != nil {
		return err
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	recv, err := relay.Listen(cfg.RelayAddr, cert.ServerTLS(), nil)
	if err != nil {
		return err
	}
	defer recv.Close()
	slog.Info("relay listening", "addr", recv.Addr())

	rs, err := recv.AcceptSession(ctx)
	if err != nil {
		return err
	}
	sess := newSession(rs.Info)

	src := msgbuf.New()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rs.Pump(gctx, src)
	})
	if err := runPlayback(gctx, g, sess, src); err != nil {
		return err
	}
	return g.Wait()
}
