package play

// EventKind is one of the closed set of input-surface events the playback
// engine reacts to.
type EventKind int

// Surface events.
const (
	EventKeyPress EventKind = iota
	EventKeyRelease
	EventDestroy
	EventResize
	EventCloseRequest
)

// Key identifies the keys the engine cares about. Anything else is ignored.
type Key int

// Keys.
const (
	KeyNone Key = iota
	KeyEscape
	KeyRight
)

// Event is one input-surface event.
type Event struct {
	Kind   EventKind
	Key    Key
	Width  uint32
	Height uint32
}

// Display is the rendering surface collaborator: window-system glue kept
// outside the engine. Create allocates the surface, Update reconfigures
// geometry idempotently, Render uploads one frame, and Swap presents it.
// Close releases the surface and the display connection and must be safe
// to call even when Create never ran.
type Display interface {
	Create(width, height uint32) error
	Update(width, height uint32) error
	Render(pix []byte) error
	Swap() error
	PollEvents() ([]Event, error)
	Close() error
}

// Headless returns a display that renders nowhere and reports no events,
// used when the stream is consumed without a window system.
func Headless() Display { return headless{} }

type headless struct{}

func (headless) Create(uint32, uint32) error  { return nil }
func (headless) Update(uint32, uint32) error  { return nil }
func (headless) Render([]byte) error          { return nil }
func (headless) Swap() error                  { return nil }
func (headless) PollEvents() ([]Event, error) { return nil, nil }
func (headless) Close() error                 { return nil }
