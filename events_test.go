package teachnlearn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects callback invocations.
type recorder struct {
	index   int
	items   []string
	removed []string
	pulses  []Pulse
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnIndexChanged: func() { r.index++ },
		OnItemChanged:  func(key string) { r.items = append(r.items, key) },
		OnItemRemoved:  func(key string) { r.removed = append(r.removed, key) },
		OnPulse:        func(p Pulse) { r.pulses = append(r.pulses, p) },
	}
}

func TestParseFrame(t *testing.T) {
	t.Run("pong", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"pong"}`))
		require.NoError(t, err)
		assert.Equal(t, KindPong, ev.Kind)
	})

	t.Run("notification", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"section.updated","lessonId":"L1","sectionKey":"intro","version":3}`))
		require.NoError(t, err)
		assert.Equal(t, KindUpdated, ev.Kind)
		assert.Equal(t, "section", ev.Entity)
		assert.Equal(t, "L1", ev.Field("lessonId"))
		assert.Equal(t, "intro", ev.Field("sectionKey"))
		assert.Equal(t, "", ev.Field("version"))
	})

	t.Run("unknown kinds", func(t *testing.T) {
		for _, frame := range []string{`{}`, `{"type":"hello"}`, `{"type":"lesson.renamed"}`, `{"type":".created"}`, `{"type":7}`} {
			ev, err := ParseFrame([]byte(frame))
			require.NoError(t, err, frame)
			assert.Equal(t, KindUnknown, ev.Kind, frame)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, frame := range []string{`{`, `not json`, `[1,2]`, `"lesson.created"`} {
			_, err := ParseFrame([]byte(frame))
			assert.Error(t, err, frame)
		}
	})
}

func TestPingFrame(t *testing.T) {
	f := newPingFrame(time.UnixMilli(1700000000123))
	assert.Equal(t, pingFrame{Type: "ping", TS: 1700000000123}, f)
}

func TestDispatchSectionsScope(t *testing.T) {
	frame := []byte(`{"type":"section.updated","lessonId":"L1","sectionKey":"intro"}`)

	t.Run("matching scope", func(t *testing.T) {
		var r recorder
		d := newDispatcher(SectionsStream, "L1", r.handlers())

		assert.False(t, d.dispatch(frame))
		assert.Equal(t, []string{"intro"}, r.items)
		assert.Equal(t, []Pulse{PulseOK}, r.pulses)
	})

	t.Run("other scope", func(t *testing.T) {
		var r recorder
		d := newDispatcher(SectionsStream, "L2", r.handlers())

		d.dispatch(frame)
		assert.Empty(t, r.items)
		assert.Empty(t, r.pulses)
	})

	t.Run("missing scope field", func(t *testing.T) {
		var r recorder
		d := newDispatcher(SectionsStream, "L1", r.handlers())

		d.dispatch([]byte(`{"type":"section.updated","sectionKey":"intro"}`))
		assert.Empty(t, r.items)
	})
}

func TestDispatchRouting(t *testing.T) {
	t.Run("created refreshes the index once", func(t *testing.T) {
		var r recorder
		d := newDispatcher(LessonsStream, "", r.handlers())

		d.dispatch([]byte(`{"type":"lesson.created"}`))
		assert.Equal(t, 1, r.index)
		assert.Empty(t, r.items)
		assert.Equal(t, []Pulse{PulseOK}, r.pulses)
	})

	t.Run("updated and deleted carry the key", func(t *testing.T) {
		var r recorder
		d := newDispatcher(LessonsStream, "", r.handlers())

		d.dispatch([]byte(`{"type":"lesson.updated","lessonId":"L1"}`))
		d.dispatch([]byte(`{"type":"lesson.deleted","lessonId":"L2"}`))
		assert.Equal(t, []string{"L1"}, r.items)
		assert.Equal(t, []string{"L2"}, r.removed)
		assert.Equal(t, 0, r.index)
	})

	t.Run("deleted without removal handler only pulses", func(t *testing.T) {
		var r recorder
		h := r.handlers()
		h.OnItemRemoved = nil
		d := newDispatcher(LessonsStream, "", h)

		d.dispatch([]byte(`{"type":"lesson.deleted","lessonId":"L2"}`))
		assert.Equal(t, 0, r.index)
		assert.Empty(t, r.items)
		assert.Empty(t, r.removed)
		assert.Equal(t, []Pulse{PulseOK}, r.pulses)
	})

	t.Run("dropped frames", func(t *testing.T) {
		var r recorder
		d := newDispatcher(LessonsStream, "", r.handlers())

		for _, frame := range []string{
			`{"type":"section.updated","lessonId":"L1","sectionKey":"intro"}`,
			`{"type":"lesson.updated"}`,
			`{"type":"lesson.published","lessonId":"L1"}`,
			`{"type":"ping"}`,
			`{garbage`,
		} {
			assert.False(t, d.dispatch([]byte(frame)), frame)
		}
		assert.Equal(t, recorder{}, r)
	})

	t.Run("pong is an ack", func(t *testing.T) {
		var r recorder
		d := newDispatcher(SectionsStream, "L1", r.handlers())

		assert.True(t, d.dispatch([]byte(`{"type":"pong"}`)))
		assert.Equal(t, []Pulse{PulseOK}, r.pulses)
		assert.Empty(t, r.items)
	})

	t.Run("nil callbacks", func(t *testing.T) {
		d := newDispatcher(LessonsStream, "", Handlers{})
		assert.NotPanics(t, func() {
			d.dispatch([]byte(`{"type":"lesson.created"}`))
			d.dispatch([]byte(`{"type":"lesson.updated","lessonId":"L1"}`))
		})
	})
}

func TestDispatcherSetHandlers(t *testing.T) {
	var first, second recorder
	d := newDispatcher(LessonsStream, "", first.handlers())

	d.dispatch([]byte(`{"type":"lesson.created"}`))
	d.setHandlers(second.handlers())
	d.dispatch([]byte(`{"type":"lesson.created"}`))

	assert.Equal(t, 1, first.index)
	assert.Equal(t, 1, second.index)
}
