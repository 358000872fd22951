// Package hub is the server side of the lesson push channel. It keeps the
// open sockets of every subject (user) and fans change notifications out to
// them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Event is one change notification.
type Event struct {
	Type       string `json:"type" validate:"required,oneof=lesson.created lesson.updated lesson.deleted section.created section.updated section.deleted"`
	LessonID   string `json:"lessonId,omitempty" validate:"required"`
	SectionKey string `json:"sectionKey,omitempty"`
}

type pong struct {
	Type string `json:"type"`
}

type client struct {
	id    string
	conn  *websocket.Conn
	scope string

	// nhooyr allows one concurrent writer.
	writeMu sync.Mutex
}

func (c *client) write(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// wants reports whether an event belongs on this socket. Unscoped sockets
// get every event of their subject.
func (c *client) wants(ev Event) bool {
	return c.scope == "" || c.scope == ev.LessonID
}

// Hub tracks sockets per subject.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns map[string]map[*client]struct{}
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		log:   logger,
		conns: make(map[string]map[*client]struct{}),
	}
}

// Serve registers conn for subject and answers liveness probes until the
// socket closes or ctx is done. A normal close from the peer returns nil.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, subject, scope string) error {
	c := &client{id: uuid.NewString(), conn: conn, scope: scope}
	h.add(subject, c)
	defer h.remove(subject, c)

	log := h.log.With().Str("conn_id", c.id).Str("subject", subject).Str("scope", scope).Logger()
	log.Debug().Msg("socket registered")

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return err
			}

			var frame struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &frame) != nil || frame.Type != "ping" {
				continue
			}
			if err := c.write(ctx, pong{Type: "pong"}); err != nil {
				return err
			}
		}
	})

	err := t.Wait()
	log.Debug().Err(err).Msg("socket gone")

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Publish sends ev to every socket of subject that wants it and returns how
// many received it. Sockets that fail to take the write are closed and
// dropped.
func (h *Hub) Publish(ctx context.Context, subject string, ev Event) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.conns[subject]))
	for c := range h.conns[subject] {
		if c.wants(ev) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(ctx, ev); err != nil {
			h.log.Warn().Err(err).Str("conn_id", c.id).Msg("dropping stale socket")
			c.conn.CloseNow()
			h.remove(subject, c)
			continue
		}
		sent++
	}

	h.log.Debug().Str("subject", subject).Str("type", ev.Type).Int("sent", sent).Msg("published")
	return sent
}

// Count returns the number of sockets open for subject.
func (h *Hub) Count(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[subject])
}

func (h *Hub) add(subject string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[subject]
	if !ok {
		set = make(map[*client]struct{})
		h.conns[subject] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(subject string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[subject]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, subject)
	}
}
