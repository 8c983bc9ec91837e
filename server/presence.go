/******************************************************************************
 *
 *  Description :
 *
 *    Page presence: tracking of users who have a page open and publishing
 *    the list of such users to everyone on the page.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/testmycode/tmc-comet/server/acl"
	"github.com/testmycode/tmc-comet/server/logs"
	"github.com/testmycode/tmc-comet/server/presence"
)

// presenceNotifier listens to subscriptions on page presence channels.
type presenceNotifier struct {
	hub      *Hub
	registry *presence.Registry
	prefix   string

	// Makes registry update and the following publish one step, so updates
	// reach subscribers in the order the registry changed.
	lock sync.Mutex
}

func newPresenceNotifier(hub *Hub, registry *presence.Registry) *presenceNotifier {
	return &presenceNotifier{
		hub:      hub,
		registry: registry,
		prefix:   acl.PresencePrefix + "/",
	}
}

// Returns the registry key of the channel and the user, or ok=false if
// either is missing.
func (pn *presenceNotifier) key(sess *Session, channel string) (key presence.Key, user string, ok bool) {
	if !strings.HasPrefix(channel, pn.prefix) {
		return
	}
	ident := sess.identity()
	if ident == nil || ident.Username == "" || ident.ServerBaseURL == "" {
		return
	}
	return presence.Key{Scope: ident.ServerBaseURL, Path: channel[len(pn.prefix):]}, ident.Username, true
}

func (pn *presenceNotifier) channelSubscribed(sess *Session, channel string) {
	if !strings.HasPrefix(channel, pn.prefix) {
		return
	}
	key, user, ok := pn.key(sess, channel)
	if !ok {
		logs.Warn.Printf("presence: unexpected subscription to '%s' sid='%s'", channel, sess.sid)
		return
	}

	pn.lock.Lock()
	defer pn.lock.Unlock()

	pn.registry.Put(key, user)
	pn.publish(channel, key)
}

func (pn *presenceNotifier) channelUnsubscribed(sess *Session, channel string) {
	key, user, ok := pn.key(sess, channel)
	if !ok {
		return
	}

	pn.lock.Lock()
	defer pn.lock.Unlock()

	pn.registry.Remove(key, user)
	pn.publish(channel, key)
}

// sessionRemoved treats every presence subscription of a disconnected
// session as if it was explicitly dropped. Registered only when configured.
func (pn *presenceNotifier) sessionRemoved(sess *Session, timeout bool) {
	for _, channel := range sess.subscriptions() {
		pn.channelUnsubscribed(sess, channel)
	}
}

func (pn *presenceNotifier) publish(channel string, key presence.Key) {
	data, err := json.Marshal(&presenceUpdate{Users: pn.registry.Get(key)})
	if err != nil {
		logs.Err.Println("presence: failed to serialize update", err)
		return
	}
	// Users of another origin server with the same page path share the
	// channel but not the list.
	pn.hub.publishInternalTo(channel, data, func(sess *Session) bool {
		ident := sess.identity()
		return ident != nil && ident.ServerBaseURL == key.Scope
	})
}
