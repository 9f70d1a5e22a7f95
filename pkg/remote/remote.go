// Package remote implements the store contract over a relay: room
// creation over HTTP, and conditional writes, record reads, change
// notifications, presence, and ephemeral messages over one room-scoped
// WebSocket connection. Record reads fall back to HTTP until the
// socket is up.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Qadosh7/Taco/pkg/log"
	"github.com/Qadosh7/Taco/pkg/messages"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/gorilla/websocket"
)

const (
	subscriberBufferSize = 64
	dialTimeout          = 10 * time.Second
)

type proposeResult struct {
	version uint64
	err     error
}

type getResult struct {
	record *store.Record
	err    error
}

// Client is an injected store client with an explicit lifecycle, owned
// by the session controller for its lifetime. The WebSocket leg is
// scoped to a single room, established lazily on the first room-bound
// call.
type Client struct {
	baseURL    string
	httpClient *http.Client

	lock      sync.Mutex
	roomCode  string
	conn      *websocket.Conn
	writeLock sync.Mutex

	pendingPropose chan proposeResult
	pendingGet     chan getResult

	changeSub    chan store.Notification
	presenceSub  chan []string
	ephemeralSub chan store.EphemeralMessage
}

var _ store.Store = (*Client)(nil)

type NewClientOptions struct {
	// BaseURL is the relay's HTTP base, e.g. http://localhost:8080.
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(opts NewClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: dialTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// Get reads the room's durable record. Once the WebSocket leg is up
// for the room the read goes over the socket; before that it falls
// back to the relay's HTTP endpoint.
func (c *Client) Get(ctx context.Context, roomCode string) (*store.Record, error) {
	roomCode = store.NormalizeRoomCode(roomCode)
	c.lock.Lock()
	connected := c.conn != nil && c.roomCode == roomCode
	c.lock.Unlock()
	if connected {
		return c.getOverSocket(ctx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rooms/"+roomCode, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build room request: %v", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch room %s: %v", roomCode, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &store.ErrNotFound{RoomCode: roomCode}
	default:
		return nil, fmt.Errorf("unexpected status %d fetching room %s", resp.StatusCode, roomCode)
	}

	record := &messages.RoomRecordResponse{}
	if err := json.NewDecoder(resp.Body).Decode(record); err != nil {
		return nil, fmt.Errorf("failed to decode room response: %v", err)
	}
	return &store.Record{Payload: record.Payload, Version: record.Version}, nil
}

func (c *Client) getOverSocket(ctx context.Context) (*store.Record, error) {
	c.lock.Lock()
	if c.pendingGet != nil {
		c.lock.Unlock()
		return nil, fmt.Errorf("a record read is already in flight")
	}
	pending := make(chan getResult, 1)
	c.pendingGet = pending
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		c.pendingGet = nil
		c.lock.Unlock()
	}()

	if err := c.writeMessage(&messages.Message{Type: messages.MessageTypeClientGet}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("record read timed out: %v", ctx.Err())
	case result := <-pending:
		return result.record, result.err
	}
}

func (c *Client) Insert(ctx context.Context, roomCode string, payload []byte) error {
	roomCode = store.NormalizeRoomCode(roomCode)
	body, err := json.Marshal(&messages.CreateRoomRequest{RoomCode: roomCode, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode create request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create room %s: %v", roomCode, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return &store.ErrRoomExists{RoomCode: roomCode}
	default:
		return fmt.Errorf("unexpected status %d creating room %s", resp.StatusCode, roomCode)
	}
}

func (c *Client) ConditionalUpdate(ctx context.Context, roomCode string, payload []byte, expectedVersion uint64) error {
	roomCode = store.NormalizeRoomCode(roomCode)
	if err := c.ensureConn(ctx, roomCode); err != nil {
		return err
	}

	c.lock.Lock()
	if c.pendingPropose != nil {
		c.lock.Unlock()
		return fmt.Errorf("a proposal is already in flight")
	}
	pending := make(chan proposeResult, 1)
	c.pendingPropose = pending
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		c.pendingPropose = nil
		c.lock.Unlock()
	}()

	msg, err := messages.NewMessage(messages.MessageTypeClientPropose, &messages.ClientPropose{
		Payload:         payload,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return err
	}
	if err := c.writeMessage(msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("proposal timed out: %v", ctx.Err())
	case result := <-pending:
		if result.err != nil {
			if conflict, ok := result.err.(*store.ErrConflict); ok {
				conflict.RoomCode = roomCode
				conflict.Expected = expectedVersion
			}
			return result.err
		}
		return nil
	}
}

func (c *Client) SubscribeChanges(ctx context.Context, roomCode string) (<-chan store.Notification, func(), error) {
	roomCode = store.NormalizeRoomCode(roomCode)
	if err := c.ensureConn(ctx, roomCode); err != nil {
		return nil, nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.changeSub != nil {
		return nil, nil, fmt.Errorf("changes subscription already active")
	}
	ch := make(chan store.Notification, subscriberBufferSize)
	c.changeSub = ch
	cancel := func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if c.changeSub == ch {
			c.changeSub = nil
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (c *Client) WatchPresence(ctx context.Context, roomCode string) (<-chan []string, func(), error) {
	roomCode = store.NormalizeRoomCode(roomCode)
	if err := c.ensureConn(ctx, roomCode); err != nil {
		return nil, nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.presenceSub != nil {
		return nil, nil, fmt.Errorf("presence subscription already active")
	}
	ch := make(chan []string, subscriberBufferSize)
	c.presenceSub = ch
	cancel := func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if c.presenceSub == ch {
			c.presenceSub = nil
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (c *Client) SubscribeEphemeral(ctx context.Context, roomCode string) (<-chan store.EphemeralMessage, func(), error) {
	roomCode = store.NormalizeRoomCode(roomCode)
	if err := c.ensureConn(ctx, roomCode); err != nil {
		return nil, nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ephemeralSub != nil {
		return nil, nil, fmt.Errorf("ephemeral subscription already active")
	}
	ch := make(chan store.EphemeralMessage, subscriberBufferSize)
	c.ephemeralSub = ch
	cancel := func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if c.ephemeralSub == ch {
			c.ephemeralSub = nil
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (c *Client) Track(ctx context.Context, roomCode, participantID string) error {
	roomCode = store.NormalizeRoomCode(roomCode)
	if err := c.ensureConn(ctx, roomCode); err != nil {
		return err
	}
	msg, err := messages.NewMessage(messages.MessageTypeClientTrack, &messages.ClientTrack{
		ParticipantID: participantID,
	})
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

func (c *Client) Untrack(ctx context.Context, roomCode, participantID string) error {
	roomCode = store.NormalizeRoomCode(roomCode)
	c.lock.Lock()
	connected := c.conn != nil && c.roomCode == roomCode
	c.lock.Unlock()
	if !connected {
		return nil
	}
	return c.writeMessage(&messages.Message{Type: messages.MessageTypeClientUntrack})
}

func (c *Client) Publish(ctx context.Context, roomCode, kind string, payload []byte) error {
	roomCode = store.NormalizeRoomCode(roomCode)
	if err := c.ensureConn(ctx, roomCode); err != nil {
		return err
	}
	msg, err := messages.NewMessage(messages.MessageTypeClientEphemeral, &messages.ClientEphemeral{
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

// Close tears down the WebSocket leg. HTTP calls remain usable.
func (c *Client) Close(_ context.Context) error {
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ensureConn dials the room's sync endpoint if not yet connected. The
// client is scoped to one room for its WebSocket lifetime.
func (c *Client) ensureConn(ctx context.Context, roomCode string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != nil {
		if c.roomCode != roomCode {
			return fmt.Errorf("client is scoped to room %s, not %s", c.roomCode, roomCode)
		}
		return nil
	}

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/rooms/" + roomCode + "/sync"
	log.Debug("Connecting to relay at %s", wsURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %v", err)
	}
	c.conn = conn
	c.roomCode = roomCode
	go c.readLoop(conn)
	return nil
}

func (c *Client) writeMessage(msg *messages.Message) error {
	b, err := messages.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %v", err)
	}
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to relay")
	}
	// The websocket allows only one concurrent writer.
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("failed to write message to relay: %v", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.teardown(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Error reading from relay: %v", err)
			}
			return
		}
		msg, err := messages.DeserializeMessage(data)
		if err != nil {
			log.Warn("Failed to deserialize relay message: %v", err)
			continue
		}
		if err := c.handleMessage(msg); err != nil {
			log.Error("Failed to handle %s message from relay: %v", msg.Type, err)
		}
	}
}

func (c *Client) handleMessage(msg *messages.Message) error {
	switch msg.Type {
	case messages.MessageTypeServerAck:
		ack := &messages.ServerAck{}
		if err := json.Unmarshal(msg.Payload, ack); err != nil {
			return fmt.Errorf("failed to decode ack: %v", err)
		}
		c.resolvePropose(proposeResult{version: ack.Version})
	case messages.MessageTypeServerConflict:
		conflict := &messages.ServerConflict{}
		if err := json.Unmarshal(msg.Payload, conflict); err != nil {
			return fmt.Errorf("failed to decode conflict: %v", err)
		}
		c.resolvePropose(proposeResult{err: &store.ErrConflict{Current: conflict.CurrentVersion}})
	case messages.MessageTypeServerRecord:
		record := &messages.ServerRecord{}
		if err := json.Unmarshal(msg.Payload, record); err != nil {
			return fmt.Errorf("failed to decode record: %v", err)
		}
		c.resolveGet(getResult{record: &store.Record{Payload: record.Payload, Version: record.Version}})
	case messages.MessageTypeServerError:
		serverErr := &messages.ServerError{}
		if err := json.Unmarshal(msg.Payload, serverErr); err != nil {
			return fmt.Errorf("failed to decode error: %v", err)
		}
		c.resolveError(serverErr)
	case messages.MessageTypeServerStateChanged:
		changed := &messages.ServerStateChanged{}
		if err := json.Unmarshal(msg.Payload, changed); err != nil {
			return fmt.Errorf("failed to decode state change: %v", err)
		}
		c.lock.Lock()
		if c.changeSub != nil {
			select {
			case c.changeSub <- store.Notification{RoomCode: c.roomCode, Payload: changed.Payload, Version: changed.Version}:
			default:
				log.Warn("Dropping change notification: subscriber is slow")
			}
		}
		c.lock.Unlock()
	case messages.MessageTypeServerPresence:
		presence := &messages.ServerPresence{}
		if err := json.Unmarshal(msg.Payload, presence); err != nil {
			return fmt.Errorf("failed to decode presence: %v", err)
		}
		c.lock.Lock()
		if c.presenceSub != nil {
			select {
			case c.presenceSub <- presence.ParticipantIDs:
			default:
				log.Warn("Dropping presence update: subscriber is slow")
			}
		}
		c.lock.Unlock()
	case messages.MessageTypeServerEphemeral:
		ephemeral := &messages.ServerEphemeral{}
		if err := json.Unmarshal(msg.Payload, ephemeral); err != nil {
			return fmt.Errorf("failed to decode ephemeral message: %v", err)
		}
		c.lock.Lock()
		if c.ephemeralSub != nil {
			select {
			case c.ephemeralSub <- store.EphemeralMessage{RoomCode: c.roomCode, Kind: ephemeral.Kind, Payload: ephemeral.Payload}:
			default:
				log.Warn("Dropping ephemeral message: subscriber is slow")
			}
		}
		c.lock.Unlock()
	default:
		return fmt.Errorf("unexpected message type from relay: %s", msg.Type)
	}
	return nil
}

func (c *Client) resolvePropose(result proposeResult) {
	c.lock.Lock()
	pending := c.pendingPropose
	c.lock.Unlock()
	if pending == nil {
		log.Warn("Received proposal response with no proposal in flight")
		return
	}
	pending <- result
}

func (c *Client) resolveGet(result getResult) {
	c.lock.Lock()
	pending := c.pendingGet
	c.lock.Unlock()
	if pending == nil {
		log.Warn("Received record with no read in flight")
		return
	}
	pending <- result
}

func (c *Client) resolveError(serverErr *messages.ServerError) {
	var err error
	switch serverErr.Code {
	case messages.ErrorCodeNotFound:
		err = &store.ErrNotFound{RoomCode: c.roomCode}
	default:
		err = fmt.Errorf("relay error %s: %s", serverErr.Code, serverErr.Reason)
	}
	c.lock.Lock()
	pendingPropose := c.pendingPropose
	pendingGet := c.pendingGet
	c.lock.Unlock()
	if pendingPropose != nil {
		pendingPropose <- proposeResult{err: err}
		return
	}
	if pendingGet != nil {
		pendingGet <- getResult{err: err}
		return
	}
	log.Warn("Relay reported an error: %v", err)
}

// teardown closes the connection's subscriber channels so consumers
// resubscribe, which redials.
func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	if c.changeSub != nil {
		close(c.changeSub)
		c.changeSub = nil
	}
	if c.presenceSub != nil {
		close(c.presenceSub)
		c.presenceSub = nil
	}
	if c.ephemeralSub != nil {
		close(c.ephemeralSub)
		c.ephemeralSub = nil
	}
	if c.pendingPropose != nil {
		c.pendingPropose <- proposeResult{err: fmt.Errorf("connection to relay lost")}
		c.pendingPropose = nil
	}
	if c.pendingGet != nil {
		c.pendingGet <- getResult{err: fmt.Errorf("connection to relay lost")}
		c.pendingGet = nil
	}
}
