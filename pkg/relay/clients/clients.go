// Package clients manages the relay's connected participants per room.
package clients

import (
	"fmt"
	"sync"
	"time"

	"github.com/Qadosh7/Taco/pkg/queue"
	"github.com/gorilla/websocket"
)

const (
	// ClientIDMaxRetries is the maximum number of retries when
	// generating a unique client ID.
	ClientIDMaxRetries = 1024
	// SendQueueCapacity bounds each client's outbound queue. Messages
	// beyond it are dropped rather than stalling the room.
	SendQueueCapacity = 256
)

// Client represents one connected participant socket.
type Client struct {
	ID       uint32
	RoomCode string
	Conn     *websocket.Conn
	// SendQueue is drained by the connection's writer goroutine; the
	// websocket allows only one concurrent writer.
	SendQueue *queue.InMemoryQueue

	// ParticipantID is set once the client tracks presence and
	// cleared when the heartbeat lapses.
	ParticipantID string
	LastHeartbeat time.Time
}

// ClientManager manages connected clients grouped by room.
type ClientManager struct {
	lock    sync.RWMutex
	clients map[uint32]*Client
	byRoom  map[string]map[uint32]*Client
	nextID  uint32
}

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[uint32]*Client),
		byRoom:  make(map[string]map[uint32]*Client),
		nextID:  1,
	}
}

// AddClient registers a new connection in a room and returns it.
func (cm *ClientManager) AddClient(roomCode string, conn *websocket.Conn) (*Client, error) {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	clientID, err := cm.generateUniqueID(ClientIDMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to generate a unique ID: %v", err)
	}
	client := &Client{
		ID:        clientID,
		RoomCode:  roomCode,
		Conn:      conn,
		SendQueue: queue.NewInMemoryQueue(SendQueueCapacity),
	}
	cm.clients[clientID] = client
	if cm.byRoom[roomCode] == nil {
		cm.byRoom[roomCode] = make(map[uint32]*Client)
	}
	cm.byRoom[roomCode][clientID] = client
	return client, nil
}

// RemoveClient removes a client, closing its send queue. It returns the
// removed client, or nil when unknown.
func (cm *ClientManager) RemoveClient(clientID uint32) *Client {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	client, ok := cm.clients[clientID]
	if !ok {
		return nil
	}
	delete(cm.clients, clientID)
	delete(cm.byRoom[client.RoomCode], clientID)
	if len(cm.byRoom[client.RoomCode]) == 0 {
		delete(cm.byRoom, client.RoomCode)
	}
	client.SendQueue.Close()
	return client
}

// GetRoomClients returns the clients currently connected to a room.
func (cm *ClientManager) GetRoomClients(roomCode string) []*Client {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	clients := make([]*Client, 0, len(cm.byRoom[roomCode]))
	for _, client := range cm.byRoom[roomCode] {
		clients = append(clients, client)
	}
	return clients
}

// Track sets or refreshes a client's presence heartbeat. It reports
// whether the room's tracked membership changed.
func (cm *ClientManager) Track(clientID uint32, participantID string, at time.Time) bool {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	client, ok := cm.clients[clientID]
	if !ok {
		return false
	}
	changed := client.ParticipantID != participantID
	client.ParticipantID = participantID
	client.LastHeartbeat = at
	return changed
}

// Untrack clears a client's presence. It reports whether the room's
// tracked membership changed.
func (cm *ClientManager) Untrack(clientID uint32) bool {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	client, ok := cm.clients[clientID]
	if !ok || client.ParticipantID == "" {
		return false
	}
	client.ParticipantID = ""
	return true
}

// TrackedParticipants returns the distinct tracked participant ids of a
// room.
func (cm *ClientManager) TrackedParticipants(roomCode string) []string {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(cm.byRoom[roomCode]))
	for _, client := range cm.byRoom[roomCode] {
		if client.ParticipantID == "" {
			continue
		}
		if _, ok := seen[client.ParticipantID]; ok {
			continue
		}
		seen[client.ParticipantID] = struct{}{}
		ids = append(ids, client.ParticipantID)
	}
	return ids
}

// ExpireStale clears the presence of clients whose heartbeat is older
// than the cutoff and returns the rooms whose membership changed.
func (cm *ClientManager) ExpireStale(cutoff time.Time) []string {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	changed := make(map[string]struct{})
	for _, client := range cm.clients {
		if client.ParticipantID == "" {
			continue
		}
		if client.LastHeartbeat.Before(cutoff) {
			client.ParticipantID = ""
			changed[client.RoomCode] = struct{}{}
		}
	}
	rooms := make([]string, 0, len(changed))
	for roomCode := range changed {
		rooms = append(rooms, roomCode)
	}
	return rooms
}

// generateUniqueID generates a unique client ID with a maximum number
// of retries. The caller must hold the lock.
func (cm *ClientManager) generateUniqueID(maxRetries int) (uint32, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		id := cm.nextID
		cm.nextID++
		if _, ok := cm.clients[id]; !ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("failed to generate a unique ID after %d attempts", maxRetries)
}
