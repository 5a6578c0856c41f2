package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Summarize a captured stream without playing it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
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
	var g errgroup.Group
	g.Go(func() error {
		return pump(wire.NewStreamReader(in, nil), src)
	})

	stats := newStreamStats()
	p, err := pipeline.Run(sess, stats.stage(), src, nil)
	if err != nil {
		return err
	}
	g.Go(p.Wait)
	if err := g.Wait(); err != nil {
		return err
	}

	stats.print(cmd.OutOrStdout(), info)
	return nil
}

type ctxInfo struct {
	layout wire.CtxFlags
	width  uint32
	height uint32
	frames uint64
}

type streamInfo struct {
	format  wire.AudioFormatHeader
	packets uint64
	bytes   uint64
}

// streamStats tallies a message sequence. Single worker, no locking.
type streamStats struct {
	counts  map[wire.Kind]uint64
	ctxs    map[int32]*ctxInfo
	streams map[int32]*streamInfo
	bytes   uint64
	lastTS  uint64
}

func newStreamStats() *streamStats {
	return &streamStats{
		counts:  make(map[wire.Kind]uint64),
		ctxs:    make(map[int32]*ctxInfo),
		streams: make(map[int32]*streamInfo),
	}
}

func (st *streamStats) stage() pipeline.Stage {
	return pipeline.Stage{
		Name:    "info",
		Kind:    session.StageInfo,
		Threads: 1,
		Read:    st.read,
	}
}

func (st *streamStats) read(s *pipeline.State) error {
	m := s.Msg
	st.counts[m.Kind()]++
	st.bytes += uint64(len(m.Payload))

	switch h := m.Header.(type) {
	case *wire.CtxHeader:
		st.ctxs[h.Ctx] = &ctxInfo{layout: h.Flags.Layout(), width: h.Width, height: h.Height}
	case *wire.PictureHeader:
		if c, ok := st.ctxs[h.Ctx]; ok {
			c.frames++
		}
		st.observe(h.Timestamp)
	case *wire.AudioFormatHeader:
		st.streams[h.Stream] = &streamInfo{format: *h}
	case *wire.AudioHeader:
		if a, ok := st.streams[h.Stream]; ok {
			a.packets++
			a.bytes += h.Size
		}
		st.observe(h.Timestamp)
	}
	return nil
}

func (st *streamStats) observe(ts uint64) {
	if ts > st.lastTS {
		st.lastTS = ts
	}
}

func (st *streamStats) print(w io.Writer, info *wire.SessionInfo) {
	fmt.Fprintf(w, "program:  %s\n", info.Name)
	fmt.Fprintf(w, "date:     %s\n", info.Date)
	fmt.Fprintf(w, "fps:      %d\n", info.FPS)
	fmt.Fprintf(w, "duration: %s\n", time.Duration(st.lastTS)*time.Microsecond)
	fmt.Fprintf(w, "payload:  %d bytes\n", st.bytes)

	for _, id := range sortedKeys(st.ctxs) {
		c := st.ctxs[id]
		fmt.Fprintf(w, "video ctx %d: %dx%d layout 0x%x, %d frames\n",
			id, c.width, c.height, uint32(c.layout), c.frames)
	}
	for _, id := range sortedKeys(st.streams) {
		a := st.streams[id]
		fmt.Fprintf(w, "audio stream %d: %d Hz, %d ch, %d packets, %d bytes\n",
			id, a.format.Rate, a.format.Channels, a.packets, a.bytes)
	}
}

func sortedKeys[V any](m map[int32]V) []int32 {
	keys := make([]int32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
