package teachnlearn

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// ============================================================================
// Frames
// ============================================================================

// EventKind classifies an inbound frame.
type EventKind string

const (
	KindUnknown EventKind = "unknown"
	KindCreated EventKind = "created"
	KindUpdated EventKind = "updated"
	KindDeleted EventKind = "deleted"
	KindPong    EventKind = "pong"
)

// Event is a parsed inbound frame. Only string-valued fields are kept; the
// channel is an invalidation signal and never carries entity state.
type Event struct {
	Type   string
	Kind   EventKind
	Entity string
	fields map[string]string
}

// Field returns a string field of the frame, or "" when absent.
func (e Event) Field(name string) string {
	return e.fields[name]
}

// pingFrame is the outbound liveness probe.
type pingFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

func newPingFrame(now time.Time) pingFrame {
	return pingFrame{Type: "ping", TS: now.UnixMilli()}
}

// ParseFrame decodes one inbound frame. Frames that are valid JSON objects
// but carry an unrecognized type parse successfully with KindUnknown.
func ParseFrame(data []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}

	ev := Event{Kind: KindUnknown, fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			ev.fields[k] = s
		}
	}
	ev.Type = ev.fields["type"]

	if ev.Type == "pong" {
		ev.Kind = KindPong
		return ev, nil
	}

	entity, action, ok := strings.Cut(ev.Type, ".")
	if !ok || entity == "" {
		return ev, nil
	}
	ev.Entity = entity
	switch EventKind(action) {
	case KindCreated, KindUpdated, KindDeleted:
		ev.Kind = EventKind(action)
	}
	return ev, nil
}

// ============================================================================
// Consumer callbacks
// ============================================================================

// Pulse is a transient connectivity signal for UI indicators.
type Pulse string

const (
	PulseOK    Pulse = "ok"
	PulseError Pulse = "error"
)

// Handlers is the set of consumer callbacks. Any of them may be nil.
type Handlers struct {
	// OnIndexChanged fires when an item of the stream was created.
	OnIndexChanged func()
	// OnItemChanged fires with the sub-key of an updated item.
	OnItemChanged func(key string)
	// OnItemRemoved fires with the sub-key of a deleted item.
	OnItemRemoved func(key string)
	// OnPulse receives ok on every open and handled frame, error on every
	// failure or close.
	OnPulse func(Pulse)
	// OnReconnecting fires when a retry is scheduled.
	OnReconnecting func(attempt int, delay time.Duration)
}

func (h *Handlers) pulse(p Pulse) {
	if h.OnPulse != nil {
		h.OnPulse(p)
	}
}

func (h *Handlers) reconnecting(attempt int, delay time.Duration) {
	if h.OnReconnecting != nil {
		h.OnReconnecting(attempt, delay)
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

type route int

const (
	routeDrop route = iota
	routeAck
	routeIndex
	routeItem
	routeRemove
)

// dispatcher routes frames of one stream to the current callback set. The
// callback set can be swapped at any time without touching the connection.
type dispatcher struct {
	stream   Stream
	scope    string
	handlers atomic.Pointer[Handlers]
}

func newDispatcher(stream Stream, scope string, h Handlers) *dispatcher {
	d := &dispatcher{stream: stream, scope: scope}
	d.setHandlers(h)
	return d
}

func (d *dispatcher) setHandlers(h Handlers) {
	d.handlers.Store(&h)
}

func (d *dispatcher) current() *Handlers {
	return d.handlers.Load()
}

func (d *dispatcher) classify(ev Event) (route, string) {
	switch ev.Kind {
	case KindPong:
		return routeAck, ""
	case KindUnknown:
		return routeDrop, ""
	}

	if ev.Entity != d.stream.Entity {
		return routeDrop, ""
	}
	if d.stream.ScopeField != "" && d.scope != "" && ev.Field(d.stream.ScopeField) != d.scope {
		return routeDrop, ""
	}

	if ev.Kind == KindCreated {
		return routeIndex, ""
	}

	key := ev.Field(d.stream.KeyField)
	if key == "" {
		return routeDrop, ""
	}
	if ev.Kind == KindUpdated {
		return routeItem, key
	}
	return routeRemove, key
}

// dispatch handles one raw frame and reports whether it was a liveness ack.
// Malformed and dropped frames have no effect at all.
func (d *dispatcher) dispatch(data []byte) (ack bool) {
	ev, err := ParseFrame(data)
	if err != nil {
		return false
	}

	r, key := d.classify(ev)
	if r == routeDrop {
		return false
	}

	h := d.current()
	switch r {
	case routeIndex:
		if h.OnIndexChanged != nil {
			h.OnIndexChanged()
		}
	case routeItem:
		if h.OnItemChanged != nil {
			h.OnItemChanged(key)
		}
	case routeRemove:
		// No fallback to an index refresh when nobody handles removals.
		if h.OnItemRemoved != nil {
			h.OnItemRemoved(key)
		}
	}
	h.pulse(PulseOK)

	return r == routeAck
}
