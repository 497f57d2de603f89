package display

// Sink receives display updates from a backend. Calls are synchronous;
// the room controller behind the sink handles its own fan-out.
type Sink interface {
	// Resize announces a new framebuffer geometry.
	Resize(width, height int)
	// Rect delivers an encoded image update for a damaged region.
	Rect(x, y int, blob []byte)
	// Sync marks a coherent frame boundary.
	Sync()
	// Cursor delivers a new pointer shape with its hotspot.
	Cursor(hotX, hotY, width, height int, blob []byte)
}

// Backend drives one shared display and accepts control input for it.
type Backend interface {
	// Connect attaches the sink and starts delivering updates. The
	// backend replays current geometry and a full frame to the sink.
	Connect(sink Sink) error
	Disconnect() error

	// Framebuffer returns the current full frame as an encoded blob
	// plus its geometry.
	Framebuffer() (blob []byte, width, height int)

	SetMouse(x, y, buttons int)
	SetKey(keysym uint32, pressed bool)

	// Reset forces the display back to its baseline state.
	Reset()

	// PushFile hands an uploaded file to the machine behind the
	// display. Backends without a delivery path return an error.
	PushFile(name string, data []byte, autorun bool) error
}
