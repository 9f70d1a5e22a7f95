// Package relay exposes the room store contract to remote participants:
// durable versioned records over HTTP, and conditional writes, change
// fan-out, presence heartbeats, and ephemeral messages over one
// room-scoped WebSocket connection per participant.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Qadosh7/Taco/pkg/log"
	"github.com/Qadosh7/Taco/pkg/messages"
	"github.com/Qadosh7/Taco/pkg/relay/clients"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// DefaultHeartbeatTTL is how long a tracked participant stays
	// present without a heartbeat refresh.
	DefaultHeartbeatTTL = 15 * time.Second

	// recordOpTimeout bounds record backend calls made on behalf of a
	// connected client.
	recordOpTimeout = 5 * time.Second
)

func contextWithWriteTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), recordOpTimeout)
}

type Relay struct {
	records      store.RoomStore
	clients      *clients.ClientManager
	upgrader     websocket.Upgrader
	heartbeatTTL time.Duration
}

type NewRelayOptions struct {
	// RecordStore is the durable record backend.
	RecordStore  store.RoomStore
	HeartbeatTTL time.Duration
}

func NewRelay(opts NewRelayOptions) *Relay {
	heartbeatTTL := opts.HeartbeatTTL
	if heartbeatTTL == 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	return &Relay{
		records: opts.RecordStore,
		clients: clients.NewClientManager(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		heartbeatTTL: heartbeatTTL,
	}
}

// HeartbeatTTL returns the presence expiry window.
func (r *Relay) HeartbeatTTL() time.Duration {
	return r.heartbeatTTL
}

// Router builds the HTTP surface of the relay.
func (r *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/rooms", r.handleCreateRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{roomCode}", r.handleGetRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomCode}/sync", r.handleSync).Methods(http.MethodGet)
	return router
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (r *Relay) handleCreateRoom(w http.ResponseWriter, req *http.Request) {
	request := &messages.CreateRoomRequest{}
	if err := json.NewDecoder(req.Body).Decode(request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	roomCode := store.NormalizeRoomCode(request.RoomCode)
	if roomCode == "" || len(request.Payload) == 0 {
		http.Error(w, "roomCode and payload are required", http.StatusBadRequest)
		return
	}
	if err := r.records.Insert(req.Context(), roomCode, request.Payload); err != nil {
		if store.IsRoomExists(err) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Error("Failed to insert room %s: %v", roomCode, err)
		http.Error(w, "failed to create room", http.StatusInternalServerError)
		return
	}
	log.Info("Created room %s", roomCode)
	w.WriteHeader(http.StatusCreated)
}

func (r *Relay) handleGetRoom(w http.ResponseWriter, req *http.Request) {
	roomCode := store.NormalizeRoomCode(mux.Vars(req)["roomCode"])
	record, err := r.records.Get(req.Context(), roomCode)
	if err != nil {
		if store.IsNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Error("Failed to load room %s: %v", roomCode, err)
		http.Error(w, "failed to load room", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&messages.RoomRecordResponse{
		Payload: record.Payload,
		Version: record.Version,
	}); err != nil {
		log.Error("Failed to encode room response: %v", err)
	}
}

func (r *Relay) handleSync(w http.ResponseWriter, req *http.Request) {
	roomCode := store.NormalizeRoomCode(mux.Vars(req)["roomCode"])
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}

	client, err := r.clients.AddClient(roomCode, conn)
	if err != nil {
		log.Error("Failed to register client: %v", err)
		conn.Close()
		return
	}
	log.Debug("Client %d connected to room %s from %s", client.ID, roomCode, conn.RemoteAddr().String())

	go r.writeLoop(client)
	// Seed the new subscriber with the current membership.
	r.sendPresence(client)
	r.readLoop(client)
}

// writeLoop is the single writer for one connection.
func (r *Relay) writeLoop(client *clients.Client) {
	for {
		item, ok := client.SendQueue.Dequeue()
		if !ok {
			return
		}
		msg := item.(*messages.Message)
		b, err := messages.SerializeMessage(msg)
		if err != nil {
			log.Error("Failed to serialize message for client %d: %v", client.ID, err)
			continue
		}
		if err := client.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			log.Debug("Failed to write to client %d: %v", client.ID, err)
			client.Conn.Close()
			return
		}
	}
}

func (r *Relay) readLoop(client *clients.Client) {
	defer func() {
		removed := r.clients.RemoveClient(client.ID)
		client.Conn.Close()
		if removed != nil && removed.ParticipantID != "" {
			r.broadcastPresence(client.RoomCode)
		}
		log.Debug("Client %d disconnected from room %s", client.ID, client.RoomCode)
	}()

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Error reading from client %d: %v", client.ID, err)
			}
			return
		}
		msg, err := messages.DeserializeMessage(data)
		if err != nil {
			log.Warn("Failed to deserialize message from client %d: %v", client.ID, err)
			continue
		}
		if err := r.handleMessage(client, msg); err != nil {
			log.Error("Failed to handle %s message from client %d: %v", msg.Type, client.ID, err)
		}
	}
}

func (r *Relay) handleMessage(client *clients.Client, msg *messages.Message) error {
	switch msg.Type {
	case messages.MessageTypeClientPropose:
		return r.handlePropose(client, msg)
	case messages.MessageTypeClientGet:
		return r.handleGet(client)
	case messages.MessageTypeClientTrack:
		return r.handleTrack(client, msg)
	case messages.MessageTypeClientUntrack:
		if r.clients.Untrack(client.ID) {
			r.broadcastPresence(client.RoomCode)
		}
		return nil
	case messages.MessageTypeClientEphemeral:
		return r.handleEphemeral(client, msg)
	default:
		return r.sendError(client, messages.ErrorCodeBadInput, "unknown message type "+msg.Type)
	}
}

func (r *Relay) handlePropose(client *clients.Client, msg *messages.Message) error {
	propose := &messages.ClientPropose{}
	if err := json.Unmarshal(msg.Payload, propose); err != nil {
		return r.sendError(client, messages.ErrorCodeBadInput, "malformed propose payload")
	}

	ctx, cancel := contextWithWriteTimeout()
	defer cancel()
	err := r.records.ConditionalUpdate(ctx, client.RoomCode, propose.Payload, propose.ExpectedVersion)
	if err != nil {
		if conflict, ok := err.(*store.ErrConflict); ok {
			return r.send(client, messages.MessageTypeServerConflict, &messages.ServerConflict{
				CurrentVersion: conflict.Current,
			})
		}
		if store.IsNotFound(err) {
			return r.sendError(client, messages.ErrorCodeNotFound, err.Error())
		}
		return r.sendError(client, messages.ErrorCodeInternal, "failed to apply proposal")
	}

	newVersion := propose.ExpectedVersion + 1
	if err := r.send(client, messages.MessageTypeServerAck, &messages.ServerAck{Version: newVersion}); err != nil {
		return err
	}
	// Fan out to every participant, the writer included: the store
	// contract notifies on every successful write.
	r.broadcast(client.RoomCode, messages.MessageTypeServerStateChanged, &messages.ServerStateChanged{
		Payload: propose.Payload,
		Version: newVersion,
	})
	return nil
}

func (r *Relay) handleGet(client *clients.Client) error {
	ctx, cancel := contextWithWriteTimeout()
	defer cancel()
	record, err := r.records.Get(ctx, client.RoomCode)
	if err != nil {
		if store.IsNotFound(err) {
			return r.sendError(client, messages.ErrorCodeNotFound, err.Error())
		}
		return r.sendError(client, messages.ErrorCodeInternal, "failed to load room")
	}
	return r.send(client, messages.MessageTypeServerRecord, &messages.ServerRecord{
		Payload: record.Payload,
		Version: record.Version,
	})
}

func (r *Relay) handleTrack(client *clients.Client, msg *messages.Message) error {
	track := &messages.ClientTrack{}
	if err := json.Unmarshal(msg.Payload, track); err != nil {
		return r.sendError(client, messages.ErrorCodeBadInput, "malformed track payload")
	}
	if track.ParticipantID == "" {
		return r.sendError(client, messages.ErrorCodeBadInput, "participantId is required")
	}
	if r.clients.Track(client.ID, track.ParticipantID, time.Now()) {
		r.broadcastPresence(client.RoomCode)
	}
	return nil
}

func (r *Relay) handleEphemeral(client *clients.Client, msg *messages.Message) error {
	ephemeral := &messages.ClientEphemeral{}
	if err := json.Unmarshal(msg.Payload, ephemeral); err != nil {
		return r.sendError(client, messages.ErrorCodeBadInput, "malformed ephemeral payload")
	}
	// Fire and forget: fan out to everyone else in the room, no
	// acknowledgement. Senders render their own messages locally.
	out, err := messages.NewMessage(messages.MessageTypeServerEphemeral, &messages.ServerEphemeral{
		Kind:    ephemeral.Kind,
		Payload: ephemeral.Payload,
	})
	if err != nil {
		return err
	}
	for _, peer := range r.clients.GetRoomClients(client.RoomCode) {
		if peer.ID == client.ID {
			continue
		}
		r.enqueue(peer, out)
	}
	return nil
}

// BroadcastPresence recomputes and fans out a room's membership.
func (r *Relay) BroadcastPresence(roomCode string) {
	r.broadcastPresence(store.NormalizeRoomCode(roomCode))
}

// ExpireStalePresence drops participants whose heartbeat lapsed and
// notifies the affected rooms.
func (r *Relay) ExpireStalePresence(now time.Time) {
	for _, roomCode := range r.clients.ExpireStale(now.Add(-r.heartbeatTTL)) {
		log.Debug("Expired stale presence in room %s", roomCode)
		r.broadcastPresence(roomCode)
	}
}

func (r *Relay) broadcastPresence(roomCode string) {
	r.broadcast(roomCode, messages.MessageTypeServerPresence, &messages.ServerPresence{
		ParticipantIDs: r.clients.TrackedParticipants(roomCode),
	})
}

func (r *Relay) sendPresence(client *clients.Client) {
	msg, err := messages.NewMessage(messages.MessageTypeServerPresence, &messages.ServerPresence{
		ParticipantIDs: r.clients.TrackedParticipants(client.RoomCode),
	})
	if err != nil {
		log.Error("Failed to build presence message: %v", err)
		return
	}
	r.enqueue(client, msg)
}

func (r *Relay) broadcast(roomCode, messageType string, payload interface{}) {
	msg, err := messages.NewMessage(messageType, payload)
	if err != nil {
		log.Error("Failed to build %s message: %v", messageType, err)
		return
	}
	for _, client := range r.clients.GetRoomClients(roomCode) {
		r.enqueue(client, msg)
	}
}

func (r *Relay) send(client *clients.Client, messageType string, payload interface{}) error {
	msg, err := messages.NewMessage(messageType, payload)
	if err != nil {
		return err
	}
	r.enqueue(client, msg)
	return nil
}

func (r *Relay) sendError(client *clients.Client, code, reason string) error {
	return r.send(client, messages.MessageTypeServerError, &messages.ServerError{
		Code:   code,
		Reason: reason,
	})
}

func (r *Relay) enqueue(client *clients.Client, msg *messages.Message) {
	if err := client.SendQueue.Enqueue(msg); err != nil {
		log.Warn("Dropping message for client %d: %v", client.ID, err)
	}
}
