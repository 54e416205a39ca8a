package handler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/transport"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

// Hub tracks socket connections and the conversation rooms they joined.
type Hub struct {
	logger *logger.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger: logger.OrGlobal(log).Component("hub"),
		rooms:  make(map[string]map[*client]struct{}),
	}
}

// Broadcast sends an event to every connection in a conversation room.
func (h *Hub) Broadcast(conversationID, event string, payload any) {
	h.broadcast(conversationID, event, payload, nil)
}

func (h *Hub) broadcast(conversationID, event string, payload any, except *client) {
	frame, err := transport.EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Members returns the number of connections in a room.
func (h *Hub) Members(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) join(conversationID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[conversationID] = room
	}
	if _, ok := room[c]; ok {
		return false
	}
	room[c] = struct{}{}
	return true
}

func (h *Hub) leave(conversationID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversationID]
	if !ok {
		return false
	}
	if _, ok := room[c]; !ok {
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
	return true
}

// remove drops c from every room and returns the rooms it was in.
func (h *Hub) remove(c *client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []string
	for id, room := range h.rooms {
		if _, ok := room[c]; !ok {
			continue
		}
		delete(room, c)
		left = append(left, id)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
	return left
}
