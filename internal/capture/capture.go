// Package capture parses the capture-endpoint descriptor and drives the
// lifecycle of the resulting endpoints: zero or more independently
// configured capture sources opened alongside the passively intercepted
// library calls.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Descriptor defaults applied when a spec omits or malforms its overrides.
const (
	DefaultRate     uint32 = 44100
	DefaultChannels uint32 = 1
)

// ErrAlreadyStarted is returned by a second Start without side effects.
var ErrAlreadyStarted = errors.New("capture: already started")

// Instance is one running capture source, opened by an Opener.
type Instance interface {
	Pause() error
	Resume() error
	Close() error
}

// Opener opens a capture device. It is an external collaborator; the real
// implementation talks to the audio library through the interception
// layer's resolved entry points.
type Opener interface {
	Open(ctx context.Context, device string, rate, channels uint32) (Instance, error)
}

// Endpoint is one parsed capture source. Device is never empty; Rate and
// Channels fall back to the defaults when the descriptor omits them.
type Endpoint struct {
	Device   string
	Rate     uint32
	Channels uint32

	inst Instance
}

// List is the ordered set of configured endpoints, built once from a
// descriptor and immutable afterwards. Construction prepends, so the list
// order is the reverse of descriptor order; callers must not depend on it.
type List struct {
	log       *slog.Logger
	endpoints []*Endpoint

	mu      sync.Mutex
	started bool
}

// ParseDescriptor builds an endpoint list from a descriptor of the form
// "device[,rate,channels];device[,rate,channels];...". Empty specs are
// skipped; a malformed override substring falls back to the defaults.
func ParseDescriptor(desc string) *List {
	l := &List{log: slog.With("component", "capture")}

	rest := desc
	for rest != "" {
		rest = strings.TrimLeft(rest, ";")
		if rest == "" {
			break
		}

		spec := rest
		if i := strings.IndexByte(rest, ';'); i >= 0 {
			spec, rest = rest[:i], rest[i:]
		} else {
			rest = ""
		}

		ep := &Endpoint{Rate: DefaultRate, Channels: DefaultChannels}
		if i := strings.IndexByte(spec, ','); i >= 0 {
			// Partial overrides keep the remaining defaults, mirroring a
			// short "device,rate" spec.
			var rate, channels uint32
			n, _ := fmt.Sscanf(spec[i:], ",%d,%d", &rate, &channels)
			if n >= 1 {
				ep.Rate = rate
			}
			if n >= 2 {
				ep.Channels = channels
			}
			spec = spec[:i]
		}
		if spec == "" {
			continue
		}
		ep.Device = spec

		l.endpoints = append([]*Endpoint{ep}, l.endpoints...)
	}
	return l
}

// Endpoints returns the parsed endpoints.
func (l *List) Endpoints() []*Endpoint { return l.endpoints }

// Canonical re-serializes the list into "device,rate,channels;..." form.
func (l *List) Canonical() string {
	specs := make([]string, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		specs = append(specs, fmt.Sprintf("%s,%d,%d", ep.Device, ep.Rate, ep.Channels))
	}
	return strings.Join(specs, ";")
}

// Start opens every endpoint through the opener. An endpoint that fails to
// open is logged and skipped; later lifecycle calls ignore it. A second
// Start returns ErrAlreadyStarted without side effects.
func (l *List) Start(ctx context.Context, opener Opener) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}

	for _, ep := range l.endpoints {
		inst, err := opener.Open(ctx, ep.Device, ep.Rate, ep.Channels)
		if err != nil {
			l.log.Warn("capture endpoint failed to open",
				"device", ep.Device, "rate", ep.Rate, "channels", ep.Channels, "error", err)
			continue
		}
		ep.inst = inst
		l.log.Info("capture endpoint started",
			"device", ep.Device, "rate", ep.Rate, "channels", ep.Channels)
	}

	l.started = true
	return nil
}

// Pause forwards to every endpoint with a live handle.
func (l *List) Pause() error { return l.each(Instance.Pause) }

// Resume forwards to every endpoint with a live handle.
func (l *List) Resume() error { return l.each(Instance.Resume) }

// Close closes every endpoint with a live handle and forgets the handles,
// so a stopped list can be started again.
func (l *List) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, ep := range l.endpoints {
		if ep.inst == nil {
			continue
		}
		if err := ep.inst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		ep.inst = nil
	}
	l.started = false
	return firstErr
}

func (l *List) each(op func(Instance) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, ep := range l.endpoints {
		if ep.inst == nil {
			continue
		}
		if err := op(ep.inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
