package store

import (
	"context"
	"sync"

	"github.com/Qadosh7/Taco/pkg/log"
)

const subscriptionBufferSize = 64

// InMemoryStore implements the full store contract in process. It backs
// tests and single-process play, and serves as the relay's default
// record backend.
type InMemoryStore struct {
	lock sync.Mutex

	rooms map[string]Record

	nextSubID     int
	changeSubs    map[string]map[int]chan Notification
	presence      map[string]map[string]struct{}
	presenceSubs  map[string]map[int]chan []string
	ephemeralSubs map[string]map[int]chan EphemeralMessage
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms:         make(map[string]Record),
		changeSubs:    make(map[string]map[int]chan Notification),
		presence:      make(map[string]map[string]struct{}),
		presenceSubs:  make(map[string]map[int]chan []string),
		ephemeralSubs: make(map[string]map[int]chan EphemeralMessage),
	}
}

func (s *InMemoryStore) Get(_ context.Context, roomCode string) (*Record, error) {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	record, ok := s.rooms[roomCode]
	if !ok {
		return nil, &ErrNotFound{RoomCode: roomCode}
	}
	payload := make([]byte, len(record.Payload))
	copy(payload, record.Payload)
	return &Record{Payload: payload, Version: record.Version}, nil
}

func (s *InMemoryStore) Insert(_ context.Context, roomCode string, payload []byte) error {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.rooms[roomCode]; ok {
		return &ErrRoomExists{RoomCode: roomCode}
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.rooms[roomCode] = Record{Payload: stored, Version: 1}
	s.notifyChangeLocked(roomCode)
	return nil
}

func (s *InMemoryStore) ConditionalUpdate(_ context.Context, roomCode string, payload []byte, expectedVersion uint64) error {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	record, ok := s.rooms[roomCode]
	if !ok {
		return &ErrNotFound{RoomCode: roomCode}
	}
	if record.Version != expectedVersion {
		return &ErrConflict{RoomCode: roomCode, Expected: expectedVersion, Current: record.Version}
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.rooms[roomCode] = Record{Payload: stored, Version: expectedVersion + 1}
	s.notifyChangeLocked(roomCode)
	return nil
}

func (s *InMemoryStore) Close(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, subs := range s.changeSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range s.presenceSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range s.ephemeralSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.changeSubs = make(map[string]map[int]chan Notification)
	s.presenceSubs = make(map[string]map[int]chan []string)
	s.ephemeralSubs = make(map[string]map[int]chan EphemeralMessage)
	return nil
}

func (s *InMemoryStore) SubscribeChanges(_ context.Context, roomCode string) (<-chan Notification, func(), error) {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	ch := make(chan Notification, subscriptionBufferSize)
	if s.changeSubs[roomCode] == nil {
		s.changeSubs[roomCode] = make(map[int]chan Notification)
	}
	id := s.nextSubID
	s.nextSubID++
	s.changeSubs[roomCode][id] = ch
	cancel := func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		if sub, ok := s.changeSubs[roomCode][id]; ok {
			delete(s.changeSubs[roomCode], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

func (s *InMemoryStore) Track(_ context.Context, roomCode, participantID string) error {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.presence[roomCode] == nil {
		s.presence[roomCode] = make(map[string]struct{})
	}
	if _, ok := s.presence[roomCode][participantID]; ok {
		return nil
	}
	s.presence[roomCode][participantID] = struct{}{}
	s.notifyPresenceLocked(roomCode)
	return nil
}

func (s *InMemoryStore) Untrack(_ context.Context, roomCode, participantID string) error {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.presence[roomCode][participantID]; !ok {
		return nil
	}
	delete(s.presence[roomCode], participantID)
	s.notifyPresenceLocked(roomCode)
	return nil
}

func (s *InMemoryStore) WatchPresence(_ context.Context, roomCode string) (<-chan []string, func(), error) {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	ch := make(chan []string, subscriptionBufferSize)
	if s.presenceSubs[roomCode] == nil {
		s.presenceSubs[roomCode] = make(map[int]chan []string)
	}
	id := s.nextSubID
	s.nextSubID++
	s.presenceSubs[roomCode][id] = ch
	// Seed the subscriber with the current membership.
	ch <- s.presenceListLocked(roomCode)
	cancel := func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		if sub, ok := s.presenceSubs[roomCode][id]; ok {
			delete(s.presenceSubs[roomCode], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

func (s *InMemoryStore) Publish(_ context.Context, roomCode, kind string, payload []byte) error {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	msg := EphemeralMessage{RoomCode: roomCode, Kind: kind, Payload: payload}
	for _, ch := range s.ephemeralSubs[roomCode] {
		select {
		case ch <- msg:
		default:
			log.Warn("Dropping ephemeral message for a slow subscriber in room %s", roomCode)
		}
	}
	return nil
}

func (s *InMemoryStore) SubscribeEphemeral(_ context.Context, roomCode string) (<-chan EphemeralMessage, func(), error) {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	ch := make(chan EphemeralMessage, subscriptionBufferSize)
	if s.ephemeralSubs[roomCode] == nil {
		s.ephemeralSubs[roomCode] = make(map[int]chan EphemeralMessage)
	}
	id := s.nextSubID
	s.nextSubID++
	s.ephemeralSubs[roomCode][id] = ch
	cancel := func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		if sub, ok := s.ephemeralSubs[roomCode][id]; ok {
			delete(s.ephemeralSubs[roomCode], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// PresenceList returns the currently tracked participants of a room.
func (s *InMemoryStore) PresenceList(roomCode string) []string {
	roomCode = NormalizeRoomCode(roomCode)
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.presenceListLocked(roomCode)
}

func (s *InMemoryStore) presenceListLocked(roomCode string) []string {
	ids := make([]string, 0, len(s.presence[roomCode]))
	for id := range s.presence[roomCode] {
		ids = append(ids, id)
	}
	return ids
}

func (s *InMemoryStore) notifyChangeLocked(roomCode string) {
	record := s.rooms[roomCode]
	for _, ch := range s.changeSubs[roomCode] {
		payload := make([]byte, len(record.Payload))
		copy(payload, record.Payload)
		note := Notification{RoomCode: roomCode, Payload: payload, Version: record.Version}
		select {
		case ch <- note:
		default:
			log.Warn("Dropping change notification for a slow subscriber in room %s", roomCode)
		}
	}
}

func (s *InMemoryStore) notifyPresenceLocked(roomCode string) {
	for _, ch := range s.presenceSubs[roomCode] {
		select {
		case ch <- s.presenceListLocked(roomCode):
		default:
			log.Warn("Dropping presence update for a slow subscriber in room %s", roomCode)
		}
	}
}
