/******************************************************************************
 *
 *  Description :
 *
 *  Handling of client sessions/connections. Each session may be subscribed
 *  to multiple channels.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/testmycode/tmc-comet/server/auth"
	"github.com/testmycode/tmc-comet/server/logs"
)

// Wire transport
const (
	NONE = iota
	WEBSOCK
	// In-process session, e.g. one created by the publish bridge.
	LOCAL
)

// Session represents a single WS connection or an in-process client.
type Session struct {
	// protocol - NONE (unset), WEBSOCK, LOCAL
	proto int

	// Websocket. Set only for websocket sessions
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// Local sessions skip authentication unless this is set.
	mustAuthenticate bool

	// Time when the session received any packet from client
	lastAction time.Time

	// Outbound mesages, buffered.
	send chan any

	// Channel for shutting down the session, buffer 1.
	stop chan any

	// Set of channel subscriptions.
	// Don't access directly. Use getters/setters.
	subs     map[string]struct{}
	subsLock sync.Mutex

	// Identity established by the handshake. Guarded by identLock.
	ident      *auth.Identity
	handshaken bool
	identLock  sync.RWMutex

	// Session ID
	sid string
}

func (s *Session) identity() *auth.Identity {
	s.identLock.RLock()
	defer s.identLock.RUnlock()

	return s.ident
}

func (s *Session) isHandshaken() bool {
	s.identLock.RLock()
	defer s.identLock.RUnlock()

	return s.handshaken
}

// ident may be nil for trusted local sessions.
func (s *Session) setIdentity(ident *auth.Identity) {
	s.identLock.Lock()
	defer s.identLock.Unlock()

	s.ident = ident
	s.handshaken = true
}

func (s *Session) clearIdentity() {
	s.identLock.Lock()
	defer s.identLock.Unlock()

	s.ident = nil
	s.handshaken = false
}

func (s *Session) addSub(channel string) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	s.subs[channel] = struct{}{}
}

func (s *Session) delSub(channel string) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	delete(s.subs, channel)
}

// subscriptions returns a copy of the list of subscribed channels.
func (s *Session) subscriptions() []string {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	channels := make([]string, 0, len(s.subs))
	for channel := range s.subs {
		channels = append(channels, channel)
	}
	return channels
}

// queueOut attempts to send a ServerComMessage to a session; if the send buffer is full, timeout is 50 usec
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil || s.send == nil {
		return true
	}

	return s.queueOutBytes(s.serialize(msg))
}

// queueOutBytes attempts to send a ServerComMessage already serialized to []byte.
// If the send buffer is full, timeout is 50 usec
func (s *Session) queueOutBytes(data []byte) bool {
	if s == nil || s.send == nil {
		return true
	}

	select {
	case s.send <- data:
	case <-time.After(time.Microsecond * 50):
		logs.Warn.Println("s.queueOut: timeout", s.sid)
		return false
	}
	return true
}

// stopSession sends the final message and closes the connection.
func (s *Session) stopSession(msg *ServerComMessage) {
	if s.stop == nil {
		return
	}
	select {
	case s.stop <- s.serialize(msg):
	default:
	}
}

func (s *Session) cleanUp(timeout bool) {
	globals.sessionStore.Delete(s)
	globals.hub.removeSession(s, timeout)
}

// Message received, convert bytes to ClientComMessage and dispatch
func (s *Session) dispatchRaw(raw []byte) {
	var msg ClientComMessage

	toLog := raw
	truncated := ""
	if len(raw) > 512 {
		toLog = raw[:512]
		truncated = "<...>"
	}
	logs.Info.Printf("in: '%s%s' sid='%s' ip='%s'", toLog, truncated, s.sid, s.remoteAddr)

	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed message
		logs.Warn.Println("s.dispatch", err, s.sid)
		s.queueOut(ErrMalformed("", "", time.Now().UTC().Round(time.Millisecond)))
		return
	}

	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	s.lastAction = time.Now().UTC().Round(time.Millisecond)
	msg.timestamp = s.lastAction

	var handler func(*ClientComMessage)

	// Check if the session has completed the handshake
	checkHandshake := func(handler func(*ClientComMessage)) func(*ClientComMessage) {
		return func(m *ClientComMessage) {
			if !s.isHandshaken() {
				s.queueOut(ErrAuthRequired(m.id, m.channel, m.timestamp))
				return
			}
			handler(m)
		}
	}

	switch {
	case msg.Hs != nil:
		handler = s.handshake
		msg.id = msg.Hs.Id

	case msg.Sub != nil:
		handler = checkHandshake(s.subscribe)
		msg.id = msg.Sub.Id
		msg.channel = msg.Sub.Channel

	case msg.Leave != nil:
		handler = checkHandshake(s.leave)
		msg.id = msg.Leave.Id
		msg.channel = msg.Leave.Channel

	case msg.Pub != nil:
		handler = checkHandshake(s.publish)
		msg.id = msg.Pub.Id
		msg.channel = msg.Pub.Channel

	default:
		// Unknown message
		s.queueOut(ErrMalformed("", "", msg.timestamp))
		logs.Warn.Println("s.dispatch: unknown message", s.sid)
		return
	}

	handler(msg)
}

// Authenticate the session. A rejected session is disconnected.
func (s *Session) handshake(msg *ClientComMessage) {
	if s.isHandshaken() {
		s.queueOut(ErrCommandOutOfSequence(msg.id, "", msg.timestamp))
		return
	}

	var payload map[string]any
	if msg.Hs.Ext != nil {
		payload = msg.Hs.Ext.Authentication
	}

	if err := globals.hub.handshake(s, payload); err != nil {
		logs.Info.Println("s.handshake: rejected", err, s.sid, s.remoteAddr)
		s.stopSession(ErrAuthFailed(msg.id, msg.timestamp))
		return
	}

	params := map[string]string{"sid": s.sid}
	if ident := s.identity(); ident != nil {
		params["role"] = ident.Role.String()
		if ident.Username != "" {
			params["user"] = ident.Username
		}
	}
	s.queueOut(NoErrParams(msg.id, "", msg.timestamp, params))
}

// Request to subscribe to a channel
func (s *Session) subscribe(msg *ClientComMessage) {
	err := globals.hub.subscribe(s, msg.channel)
	s.queueOut(errorToCtrl(err, msg.id, msg.channel, msg.timestamp))
}

// Leave/Unsubscribe a channel
func (s *Session) leave(msg *ClientComMessage) {
	err := globals.hub.unsubscribe(s, msg.channel)
	s.queueOut(errorToCtrl(err, msg.id, msg.channel, msg.timestamp))
}

// Publish a message to a channel. The acknowledgement is sent when the hub
// reports the outcome.
func (s *Session) publish(msg *ClientComMessage) {
	id, channel, ts := msg.id, msg.channel, msg.timestamp
	globals.hub.publish(s, channel, msg.Pub.Data, func(err error) {
		s.queueOut(errorToCtrl(err, id, channel, ts))
	})
}

func (s *Session) serialize(msg *ServerComMessage) []byte {
	out, _ := json.Marshal(msg)
	return out
}
