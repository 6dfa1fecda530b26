package events

// Event represents a structured state change emitted by the lending engine.
type Event interface {
	EventType() string
}

// Record is the flattened form of an event handed to stores and streams.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Recordable is implemented by events that can be flattened into a Record.
type Recordable interface {
	Event
	Record() *Record
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans every event out to each wrapped emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(ev Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ev)
		}
	}
}

// Collector buffers events in memory. It is used by tests and by callers
// that forward events in batches.
type Collector struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (c *Collector) Emit(ev Event) { c.Events = append(c.Events, ev) }

// OfType returns the buffered events with the given type.
func (c *Collector) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range c.Events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}
