package stubserver

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans pushed events out to every socket subscribed to a chat. Single
// process on purpose: the stub is one binary, there is no cross-node fan-out
// to coordinate.
type Hub struct {
	mu    sync.Mutex
	chats map[int64]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{chats: make(map[int64]map[*websocket.Conn]struct{})}
}

func (h *Hub) Add(chatID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chats[chatID] == nil {
		h.chats[chatID] = make(map[*websocket.Conn]struct{})
	}
	h.chats[chatID][conn] = struct{}{}
}

func (h *Hub) Remove(chatID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.chats[chatID], conn)
	if len(h.chats[chatID]) == 0 {
		delete(h.chats, chatID)
	}
}

// Count reports how many sockets are subscribed to chatID.
func (h *Hub) Count(chatID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chats[chatID])
}

// Broadcast sends payload to every subscriber of chatID. A socket that fails
// to take the write is dropped; its reader will notice the close.
func (h *Hub) Broadcast(chatID int64, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.chats[chatID] {
		if err := conn.WriteJSON(payload); err != nil {
			log.Printf("stub: broadcast chat=%d: %v", chatID, err)
			conn.Close()
			delete(h.chats[chatID], conn)
		}
	}
}
