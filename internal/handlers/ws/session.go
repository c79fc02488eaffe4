package ws

import (
	"sort"
	"sync"
)

// Session is the per-connection state the command handlers work on.
type Session struct {
	ID       string
	Username string

	hub *Hub

	mu     sync.Mutex
	rooms  map[string]struct{}
	typing map[string]struct{}
}

func NewSession(id, username string, hub *Hub) *Session {
	return &Session{
		ID:       id,
		Username: username,
		hub:      hub,
		rooms:    make(map[string]struct{}),
		typing:   make(map[string]struct{}),
	}
}

// Reply sends payload to this connection only.
func (s *Session) Reply(payload interface{}) error {
	return s.hub.Reply(s.ID, payload)
}

func (s *Session) Subscribe(topic string) bool {
	return s.hub.Subscribe(s.ID, topic)
}

func (s *Session) Unsubscribe(topic string) {
	s.hub.Unsubscribe(s.ID, topic)
}

func (s *Session) Joined(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) Left(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	delete(s.typing, roomID)
	s.mu.Unlock()
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the rooms this session joined, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.rooms)
}

func (s *Session) StartedTyping(roomID string) {
	s.mu.Lock()
	s.typing[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) StoppedTyping(roomID string) {
	s.mu.Lock()
	delete(s.typing, roomID)
	s.mu.Unlock()
}

// TypingRooms returns the rooms with an indicator this session has not
// cleared, sorted.
func (s *Session) TypingRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.typing)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
