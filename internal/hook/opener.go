package hook

import (
	"context"
	"fmt"

	"github.com/zsiec/reel/internal/capture"
	"github.com/zsiec/reel/internal/wire"
)

// Audio library ABI constants.
const (
	streamPlayback int32 = 0
	streamCapture  int32 = 1

	formatS16LE int32 = 2
	formatS24LE int32 = 6
	formatS32LE int32 = 10

	accessMmapInterleaved    int32 = 0
	accessMmapNonInterleaved int32 = 1
	accessRWInterleaved      int32 = 3
	accessRWNonInterleaved   int32 = 4

	// openLatency is the buffering target requested for hook-opened
	// capture devices, in microseconds.
	openLatency uint32 = 500000
)

var sampleFormats = map[int32]wire.AudioFormat{
	formatS16LE: wire.AudioS16LE,
	formatS24LE: wire.AudioS24LE,
	formatS32LE: wire.AudioS32LE,
}

// pcmOpener opens fan-out capture devices through the resolved real entry
// points, so hook-owned handles never re-enter the interception layer.
type pcmOpener struct {
	l *Library
}

// Open opens device for capture at the given rate and channel count.
func (o pcmOpener) Open(_ context.Context, device string, rate, channels uint32) (capture.Instance, error) {
	var pcm uintptr
	if rc := o.l.funcs.PCMOpen(&pcm, device, streamCapture, 0); rc < 0 {
		return nil, fmt.Errorf("hook: open %q: rc %d", device, rc)
	}
	if rc := o.l.funcs.PCMSetParams(pcm, formatS16LE, accessRWInterleaved, channels, rate, 1, openLatency); rc < 0 {
		o.l.funcs.PCMClose(pcm)
		return nil, fmt.Errorf("hook: configure %q (%d Hz, %d ch): rc %d", device, rate, channels, rc)
	}
	return &pcmInstance{l: o.l, pcm: pcm, device: device}, nil
}

type pcmInstance struct {
	l      *Library
	pcm    uintptr
	device string
}

func (i *pcmInstance) Pause() error {
	if rc := i.l.funcs.PCMPause(i.pcm, 1); rc < 0 {
		return fmt.Errorf("hook: pause %q: rc %d", i.device, rc)
	}
	return nil
}

func (i *pcmInstance) Resume() error {
	if rc := i.l.funcs.PCMPause(i.pcm, 0); rc < 0 {
		return fmt.Errorf("hook: resume %q: rc %d", i.device, rc)
	}
	return nil
}

func (i *pcmInstance) Close() error {
	if rc := i.l.funcs.PCMClose(i.pcm); rc < 0 {
		return fmt.Errorf("hook: close %q: rc %d", i.device, rc)
	}
	return nil
}
