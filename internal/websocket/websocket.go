package websocket

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Manager pushes live batch progress to connected dashboard clients. Every
// lifecycle event triggers a broadcast of the current state payload.
type Manager struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	snapshot  func() any
}

// New creates a manager. snapshot produces the payload sent to clients; it is
// called once per broadcast per client.
func New(snapshot func() any) *Manager {
	return &Manager{
		clients:  make(map[*websocket.Conn]bool),
		snapshot: snapshot,
	}
}

// AddClient registers a new connection and sends it the current state.
func (m *Manager) AddClient(conn *websocket.Conn) {
	m.clientsMu.Lock()
	m.clients[conn] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	log.Printf("[WEBSOCKET] New client connected. Total clients: %d", total)

	m.sendUpdate(conn)

	// Drain reads until the peer goes away, then drop the connection.
	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			remaining := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			log.Printf("[WEBSOCKET] Client disconnected. Total clients: %d", remaining)
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends the current state to all connected clients.
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.clients))
	for client := range m.clients {
		conns = append(conns, client)
	}
	m.clientsMu.Unlock()

	for _, conn := range conns {
		go m.sendUpdate(conn)
	}
}

func (m *Manager) sendUpdate(conn *websocket.Conn) {
	if m.snapshot == nil {
		return
	}
	if err := conn.WriteJSON(m.snapshot()); err != nil {
		log.Printf("[WEBSOCKET] Failed to send update: %v", err)
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
