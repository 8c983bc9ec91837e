/******************************************************************************
 *
 *  Description :
 *
 *  Management of live sessions
 *
 *****************************************************************************/

package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/testmycode/tmc-comet/server/logs"
	"github.com/testmycode/tmc-comet/server/sid"
)

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	// Session ID generator.
	sidGen sid.Generator

	// All sessions indexed by session ID
	sessCache map[string]*Session
}

// NewSession creates a new session and saves it to the session store.
// A nil conn creates a local session.
func (ss *SessionStore) NewSession(conn any, sid string) (*Session, int) {
	var s Session

	s.sid = sid

	switch c := conn.(type) {
	case *websocket.Conn:
		s.proto = WEBSOCK
		s.ws = c
		s.send = make(chan any, 256) // buffered
		s.stop = make(chan any, 1)   // Buffered by 1 just to make it non-blocking
	default:
		s.proto = LOCAL
	}

	s.subs = make(map[string]struct{})
	s.lastAction = time.Now()

	if s.sid == "" {
		var err error
		if s.sid, err = ss.sidGen.Get(); err != nil {
			logs.Err.Println("sessionStore: failed to generate session id", err)
		}
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = &s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsSessionStarted()

	return &s, count
}

// Get fetches a session from store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes session from store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if _, ok := ss.sessCache[s.sid]; ok {
		delete(ss.sessCache, s.sid)
		statsSessionEnded()
	}
	return len(ss.sessCache)
}

// Shutdown terminates sessionStore. No need to clean up.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	shutdown := NoErrShutdown(time.Now().UTC().Round(time.Millisecond))
	for _, s := range ss.sessCache {
		s.stopSession(shutdown)
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(ss.sessCache))
}

// NewSessionStore initializes a session store. The key is used to obfuscate
// session IDs; a random key is used when it's empty.
func NewSessionStore(workerID uint, key []byte) (*SessionStore, error) {
	ss := &SessionStore{
		sessCache: make(map[string]*Session),
	}

	if err := ss.sidGen.Init(workerID, key); err != nil {
		return nil, err
	}

	return ss, nil
}
