package play

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/msgbuf"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/session"
	"github.com/zsiec/reel/internal/wire"
)

type fakeDisplay struct {
	created, updated, rendered, swapped, closed int
	width, height                               uint32
	events                                      [][]Event
}

func (d *fakeDisplay) Create(w, h uint32) error {
	d.created++
	d.width, d.height = w, h
	return nil
}

func (d *fakeDisplay) Update(w, h uint32) error {
	d.updated++
	d.width, d.height = w, h
	return nil
}

func (d *fakeDisplay) Render([]byte) error { d.rendered++; return nil }
func (d *fakeDisplay) Swap() error         { d.swapped++; return nil }
func (d *fakeDisplay) Close() error        { d.closed++; return nil }

func (d *fakeDisplay) PollEvents() ([]Event, error) {
	if len(d.events) == 0 {
		return nil, nil
	}
	evs := d.events[0]
	d.events = d.events[1:]
	return evs, nil
}

func ctxMsg(flags wire.CtxFlags, ctx int32, w, h uint32) *wire.Message {
	return &wire.Message{Header: &wire.CtxHeader{Flags: flags, Ctx: ctx, Width: w, Height: h}}
}

func picMsg(ctx int32, ts uint64, size int) *wire.Message {
	return &wire.Message{Header: &wire.PictureHeader{Timestamp: ts, Ctx: ctx}, Payload: make([]byte, size)}
}

func runEngine(t *testing.T, e *Engine, msgs ...*wire.Message) error {
	t.Helper()
	in := msgbuf.NewSize(len(msgs) + 1)
	for _, m := range msgs {
		require.NoError(t, in.Push(m))
	}
	require.NoError(t, in.Push(wire.NewClose()))

	p, err := pipeline.Run(nil, e.Stage(), in, nil)
	require.NoError(t, err)
	return p.Wait()
}

func newTestEngine(disp Display, ctxID int32) *Engine {
	sess := session.New(session.Info{FPS: 30}, 0)
	e := NewEngine(sess, disp, ctxID, NewClock())
	e.sleep = func(time.Duration) {}
	return e
}

func TestCreateThenPictureRendersOnce(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	e := newTestEngine(disp, 1)

	err := runEngine(t, e,
		ctxMsg(wire.CtxCreate|wire.CtxBGR, 1, 640, 480),
		picMsg(1, 0, 640*480*3),
	)
	require.NoError(t, err)

	assert.Equal(t, 1, disp.created)
	assert.Equal(t, 1, disp.rendered, "exactly one render")
	renders, _, _ := e.Stats()
	assert.Equal(t, uint64(1), renders)
	assert.Equal(t, uint32(640), disp.width)
	assert.Equal(t, uint32(480), disp.height)
}

func TestForeignContextIgnored(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	e := newTestEngine(disp, 1)

	err := runEngine(t, e, picMsg(2, 0, 12))
	require.NoError(t, err, "a picture for another context is not an error")

	assert.Zero(t, disp.rendered, "zero renders")
	assert.Zero(t, disp.created, "no state transition")
}

func TestUpdateBeforeCreateIsFatal(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	e := newTestEngine(disp, 1)

	err := runEngine(t, e, ctxMsg(wire.CtxUpdate|wire.CtxBGR, 1, 640, 480))
	require.Error(t, err)
	assert.Zero(t, disp.rendered)
}

func TestUnsupportedLayoutIsFatal(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	e := newTestEngine(disp, 1)

	err := runEngine(t, e, ctxMsg(wire.CtxCreate|wire.CtxYCbCr420, 1, 640, 480))
	require.Error(t, err)
}

func TestUpdateReconfiguresIdempotently(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	e := newTestEngine(disp, 1)

	err := runEngine(t, e,
		ctxMsg(wire.CtxCreate|wire.CtxBGR, 1, 640, 480),
		ctxMsg(wire.CtxUpdate|wire.CtxBGR, 1, 800, 600),
		ctxMsg(wire.CtxUpdate|wire.CtxBGR, 1, 800, 600),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, disp.created)
	assert.Equal(t, 3, disp.updated, "create applies an update, then one per update message")
	assert.Equal(t, uint32(800), disp.width)
}

func TestStaleFrameSkipsSwap(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	sess := session.New(session.Info{FPS: 30}, 0)
	clock := NewClock()
	clock.Seek(time.Second) // playback clock far ahead of the stream
	e := NewEngine(sess, disp, 1, clock)
	e.sleep = func(time.Duration) {}

	err := runEngine(t, e,
		ctxMsg(wire.CtxCreate|wire.CtxBGR, 1, 2, 2),
		picMsg(1, 0, 12),
	)
	require.NoError(t, err)

	assert.Equal(t, 1, disp.rendered, "stale frames still render")
	assert.Zero(t, disp.swapped, "stale frames are not presented")
	_, _, drops := e.Stats()
	assert.Equal(t, uint64(1), drops)
}

func TestFutureFramePacesBeforeSwap(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	sess := session.New(session.Info{FPS: 30}, 0)
	e := NewEngine(sess, disp, 1, NewClock())

	var slept time.Duration
	e.sleep = func(d time.Duration) { slept += d }

	err := runEngine(t, e,
		ctxMsg(wire.CtxCreate|wire.CtxBGR, 1, 2, 2),
		picMsg(1, uint64(10*time.Second/time.Microsecond), 12),
	)
	require.NoError(t, err)

	assert.Equal(t, 1, disp.swapped)
	assert.Greater(t, slept, 9*time.Second, "engine waits out the timestamp difference")
}

func TestDestroyEventStopsCleanly(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{events: [][]Event{{{Kind: EventDestroy}}}}
	e := newTestEngine(disp, 1)

	err := runEngine(t, e, picMsg(1, 0, 12))
	require.NoError(t, err, "window destroy is a clean shutdown")
	assert.Zero(t, disp.rendered)
}

func TestEscapeSetsCancelledFlag(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{events: [][]Event{{{Kind: EventKeyRelease, Key: KeyEscape}}}}
	sess := session.New(session.Info{FPS: 30}, 0)
	e := NewEngine(sess, disp, 1, NewClock())
	e.sleep = func(time.Duration) {}

	err := runEngine(t, e, picMsg(1, 0, 12))
	require.NoError(t, err)
	assert.True(t, sess.Has(session.FlagCancelled))
}

func TestSeekKeyAdjustsClock(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{events: [][]Event{{{Kind: EventKeyPress, Key: KeyRight}}}}
	clock := NewClock()
	clock.Seek(time.Second)
	before := clock.Now()

	sess := session.New(session.Info{FPS: 30}, 0)
	e := NewEngine(sess, disp, 1, clock)
	e.sleep = func(time.Duration) {}

	err := runEngine(t, e, picMsg(2, 0, 12))
	require.NoError(t, err)

	after := clock.Now()
	assert.Less(t, after, before, "seek moves the playback clock back")
}

func TestResizeOnlyReconfiguresGeometry(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{events: [][]Event{
		nil,
		{{Kind: EventResize, Width: 320, Height: 240}},
	}}
	e := newTestEngine(disp, 1)

	err := runEngine(t, e,
		ctxMsg(wire.CtxCreate|wire.CtxBGR, 1, 640, 480),
		picMsg(2, 0, 12), // foreign picture just drives another event drain
	)
	require.NoError(t, err)
	assert.Equal(t, uint32(320), disp.width)
	assert.Equal(t, 1, disp.created, "resize does not change context state")
}

func TestFinishRunsFromUninitialized(t *testing.T) {
	t.Parallel()

	disp := &fakeDisplay{}
	sess := session.New(session.Info{FPS: 30}, 0)
	e := NewEngine(sess, disp, 1, NewClock())

	in := msgbuf.New()
	in.Close() // zero messages ever match this context

	p, err := pipeline.Run(sess, e.Stage(), in, nil)
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	assert.Equal(t, 1, disp.closed, "teardown runs even without a created context")
	select {
	case <-sess.Signal(session.StagePlay).Done():
	default:
		t.Fatal("play signal must be posted")
	}
}
