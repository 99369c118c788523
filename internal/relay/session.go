package relay

import "sync"

// SessionStore buffers incoming media fragments per connection. All state is
// held behind the store's mutex; there is no package-level registry.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionBuffer
}

type sessionBuffer struct {
	fragments [][]byte
	bytes     int64
}

// NewSessionStore initialises an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*sessionBuffer)}
}

// Register creates an empty buffer for the session. Re-registering an
// existing session resets its buffer.
func (s *SessionStore) Register(id string) {
	s.mu.Lock()
	s.sessions[id] = &sessionBuffer{}
	s.mu.Unlock()
}

// Append adds a fragment to the session buffer in arrival order. The fragment
// is copied so callers may reuse their slice. Appending to an unknown session
// returns ErrUnknownSession.
func (s *SessionStore) Append(id string, fragment []byte) error {
	if len(fragment) == 0 {
		return nil
	}
	buf := make([]byte, len(fragment))
	copy(buf, fragment)

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	session.fragments = append(session.fragments, buf)
	session.bytes += int64(len(buf))
	return nil
}

// Drain removes and returns every buffered fragment for the session, leaving
// the session registered with an empty buffer. Draining an unknown session
// returns ErrUnknownSession.
func (s *SessionStore) Drain(id string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	fragments := session.fragments
	session.fragments = nil
	session.bytes = 0
	return fragments, nil
}

// Remove deletes the session and its buffer. Removing an unknown session is a
// no-op.
func (s *SessionStore) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Size reports the buffered fragment count and byte total for the session.
func (s *SessionStore) Size(id string) (fragments int, bytes int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, exists := s.sessions[id]
	if !exists {
		return 0, 0, false
	}
	return len(session.fragments), session.bytes, true
}
