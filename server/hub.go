/******************************************************************************
 *
 *  Description :
 *
 *    Main hub for processing events such as creating/tearing down channels,
 *    routing messages between sessions subscribed to channels.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/testmycode/tmc-comet/server/acl"
	"github.com/testmycode/tmc-comet/server/auth"
	"github.com/testmycode/tmc-comet/server/concurrency"
	"github.com/testmycode/tmc-comet/server/logs"
)

// Request latency distribution bounds (in milliseconds).
// "var" because Go does not support array constants.
var RequestLatencyDistribution = []float64{1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130,
	160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000}

// Size of the queue of messages waiting to be delivered.
const routeQueueSize = 4096

type hubError string

func (e hubError) Error() string {
	return string(e)
}

const (
	errHandshakeRequired = hubError("handshake required")
	errAlreadyHandshaken = hubError("already handshaken")
	errAlreadySubscribed = hubError("already subscribed")
	errNotSubscribed     = hubError("not subscribed")
	errInvalidChannel    = hubError("invalid channel name")
	errShutdown          = hubError("server shutting down")
)

// HandshakePolicy decides who may open a session.
type HandshakePolicy interface {
	Authenticate(ctx context.Context, payload map[string]any) (*auth.Identity, error)
}

// SubscriptionListener is notified after a session joins or leaves a channel.
// Called outside of the hub lock.
type SubscriptionListener interface {
	channelSubscribed(sess *Session, channel string)
	channelUnsubscribed(sess *Session, channel string)
}

// RemoveListener is notified when a handshaken session goes away. The session
// still carries its identity when listeners are called.
type RemoveListener interface {
	sessionRemoved(sess *Session, timeout bool)
}

// Channel is a named set of subscribed sessions.
type Channel struct {
	name string
	// Persistent channels are kept when the last subscriber leaves.
	persistent bool
	subs       map[*Session]struct{}
}

func (c *Channel) snapshot() []*Session {
	if c == nil {
		return nil
	}
	rcpts := make([]*Session, 0, len(c.subs))
	for s := range c.subs {
		rcpts = append(rcpts, s)
	}
	return rcpts
}

// A message queued for delivery to a fixed set of sessions.
type delivery struct {
	channel string
	data    json.RawMessage
	// Subscribers at the time the message was accepted.
	rcpts []*Session
	// Error detected before the message was queued, e.g. access denied.
	err error
	// Forward the message to other cluster nodes.
	relay bool
	// Called exactly once from the hub goroutine. Could be nil.
	done func(error)
}

func (d *delivery) complete(err error) {
	if d.done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Err.Println("hub: panic in delivery callback", d.channel, r)
		}
	}()
	d.done(err)
}

// Hub is the core structure which holds channels.
type Hub struct {
	engine *acl.Engine
	policy HandshakePolicy

	// Pool for calls to the identity source.
	authPool    *concurrency.GoRoutinePool
	authTimeout time.Duration

	// Guards channels.
	lock     sync.RWMutex
	channels map[string]*Channel

	subListeners    []SubscriptionListener
	removeListeners []RemoveListener

	// Messages waiting to be delivered.
	route chan *delivery
	// Guards stopped. Senders hold it for reading while writing to route.
	routeLock sync.RWMutex
	stopped   bool

	// Request to shutdown.
	shutdown chan chan<- bool

	// Could be nil.
	cluster *Cluster
}

func newHub(engine *acl.Engine, policy HandshakePolicy, authPool *concurrency.GoRoutinePool, authTimeout time.Duration) *Hub {
	h := &Hub{
		engine:      engine,
		policy:      policy,
		authPool:    authPool,
		authTimeout: authTimeout,
		channels:    make(map[string]*Channel),
		route:       make(chan *delivery, routeQueueSize),
		shutdown:    make(chan chan<- bool),
	}

	go h.run()

	return h
}

// Listeners must be registered before the hub starts serving sessions.
func (h *Hub) addSubscriptionListener(l SubscriptionListener) {
	h.subListeners = append(h.subListeners, l)
}

// Remove listeners are called in registration order.
func (h *Hub) addRemoveListener(l RemoveListener) {
	h.removeListeners = append(h.removeListeners, l)
}

func (h *Hub) run() {
	for {
		select {
		case d := <-h.route:
			h.deliver(d)

		case hubdone := <-h.shutdown:
			// Fail whatever is still queued.
		drain:
			for {
				select {
				case d := <-h.route:
					d.complete(errShutdown)
				default:
					break drain
				}
			}
			logs.Info.Println("hub: shutdown completed")
			hubdone <- true
			return
		}
	}
}

// Terminate the hub. Must be called once.
func (h *Hub) stop() {
	// No new deliveries after this point.
	h.routeLock.Lock()
	h.stopped = true
	h.routeLock.Unlock()

	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone
}

func (h *Hub) deliver(d *delivery) {
	err := d.err
	defer func() {
		if r := recover(); r != nil {
			logs.Err.Println("hub: panic while delivering to", d.channel, r)
			err = fmt.Errorf("delivery failed: %v", r)
		}
		if err != nil {
			statsPublished("failed")
		} else {
			statsPublished("ok")
		}
		d.complete(err)
	}()

	if err != nil {
		return
	}

	data := &ServerComMessage{Data: &MsgServerData{
		Channel:   d.channel,
		Content:   d.data,
		Timestamp: time.Now().UTC().Round(time.Millisecond),
	}}
	var raw []byte
	raw, err = json.Marshal(data)
	if err != nil {
		return
	}
	for _, s := range d.rcpts {
		s.queueOutBytes(raw)
	}

	if d.relay {
		h.cluster.relay(d.channel, d.data)
	}
}

// Send the delivery to the hub goroutine. Should the hub be gone, the
// callback is still called on a goroutine of its own.
func (h *Hub) enqueue(d *delivery) {
	h.routeLock.RLock()
	defer h.routeLock.RUnlock()

	if h.stopped {
		go d.complete(errShutdown)
		return
	}
	h.route <- d
}

// handshake authenticates the session unless it's a trusted local session.
// On success the session is considered joined to the bus.
func (h *Hub) handshake(sess *Session, payload map[string]any) error {
	if sess.isHandshaken() {
		return errAlreadyHandshaken
	}

	if sess.proto == LOCAL && !sess.mustAuthenticate {
		sess.setIdentity(nil)
		return nil
	}

	ident, err := h.authenticate(payload)
	if err != nil {
		statsHandshake("", err.Error())
		return err
	}

	statsHandshake(ident.Role.String(), "ok")
	sess.setIdentity(ident)
	return nil
}

// authenticate runs the policy on the worker pool. The result of a call which
// did not finish in time is discarded.
func (h *Hub) authenticate(payload map[string]any) (*auth.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.authTimeout)
	defer cancel()

	type result struct {
		ident *auth.Identity
		err   error
	}
	done := make(chan result, 1)
	if err := h.authPool.ScheduleContext(ctx, func() {
		ident, err := h.policy.Authenticate(ctx, payload)
		done <- result{ident, err}
	}); err != nil {
		logs.Warn.Println("hub: handshake not scheduled:", err)
		return nil, auth.ErrTimeout
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.ident == nil {
			return nil, auth.ErrInternal
		}
		return r.ident, nil
	case <-ctx.Done():
		return nil, auth.ErrTimeout
	}
}

// subscribe attaches the session to the channel, creating the channel if needed.
func (h *Hub) subscribe(sess *Session, name string) error {
	if !validChannelName(name) {
		return errInvalidChannel
	}
	if !sess.isHandshaken() {
		return errHandshakeRequired
	}
	ident := sess.identity()

	h.lock.Lock()
	ch := h.channels[name]
	if ch == nil {
		if err := h.engine.Check(acl.OpCreate, name, ident); err != nil {
			h.lock.Unlock()
			h.logDenied(sess, err)
			return err
		}
	}
	if err := h.engine.Check(acl.OpSubscribe, name, ident); err != nil {
		h.lock.Unlock()
		h.logDenied(sess, err)
		return err
	}
	if ch == nil {
		ch = h.createChannel(name)
	}
	if _, ok := ch.subs[sess]; ok {
		h.lock.Unlock()
		return errAlreadySubscribed
	}
	ch.subs[sess] = struct{}{}
	h.lock.Unlock()

	sess.addSub(name)
	for _, l := range h.subListeners {
		l.channelSubscribed(sess, name)
	}
	return nil
}

// unsubscribe detaches the session from the channel. Non-persistent channels
// are removed when the last subscriber leaves.
func (h *Hub) unsubscribe(sess *Session, name string) error {
	h.lock.Lock()
	ch := h.channels[name]
	if ch == nil {
		h.lock.Unlock()
		return errNotSubscribed
	}
	if _, ok := ch.subs[sess]; !ok {
		h.lock.Unlock()
		return errNotSubscribed
	}
	delete(ch.subs, sess)
	if len(ch.subs) == 0 && !ch.persistent {
		delete(h.channels, name)
		statsChannels.Dec()
	}
	h.lock.Unlock()

	sess.delSub(name)
	for _, l := range h.subListeners {
		l.channelUnsubscribed(sess, name)
	}
	return nil
}

// publish authorizes the message and queues it for delivery to the current
// subscribers. The outcome is reported to done from the hub goroutine.
func (h *Hub) publish(sess *Session, name string, data json.RawMessage, done func(error)) {
	d := &delivery{channel: name, data: data, done: done}

	switch {
	case !validChannelName(name):
		d.err = errInvalidChannel
	case len(data) == 0:
		d.err = hubError("no data")
	case !sess.isHandshaken():
		d.err = errHandshakeRequired
	default:
		ident := sess.identity()

		h.lock.Lock()
		defer h.lock.Unlock()

		ch := h.channels[name]
		if ch == nil {
			d.err = h.engine.Check(acl.OpCreate, name, ident)
		}
		if d.err == nil {
			d.err = h.engine.Check(acl.OpPublish, name, ident)
		}
		if d.err != nil {
			h.logDenied(sess, d.err)
		} else {
			if ch == nil && h.engine.Persistent(name) {
				ch = h.createChannel(name)
			}
			d.rcpts = ch.snapshot()
			d.relay = h.cluster != nil && h.engine.Persistent(name)
		}
	}

	// Enqueue under the lock, if taken, so the recipients and the queue order agree.
	h.enqueue(d)
}

// publishInternal sends data to current subscribers of the channel with the
// authority of the gateway itself. No-op if the channel has no subscribers.
func (h *Hub) publishInternal(name string, data json.RawMessage) {
	h.publishInternalTo(name, data, nil)
}

// publishInternalTo is like publishInternal but only subscribers accepted by
// keep receive the message. A nil keep accepts everyone.
func (h *Hub) publishInternalTo(name string, data json.RawMessage, keep func(*Session) bool) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	ch := h.channels[name]
	if ch == nil || len(ch.subs) == 0 {
		return
	}
	rcpts := ch.snapshot()
	if keep != nil {
		n := 0
		for _, s := range rcpts {
			if keep(s) {
				rcpts[n] = s
				n++
			}
		}
		if n == 0 {
			return
		}
		rcpts = rcpts[:n]
	}
	h.enqueue(&delivery{channel: name, data: data, rcpts: rcpts})
}

// removeSession detaches a handshaken session from the bus: listeners are
// told first, then the identity is cleared, then subscriptions are dropped.
func (h *Hub) removeSession(sess *Session, timeout bool) {
	if !sess.isHandshaken() {
		return
	}

	for _, l := range h.removeListeners {
		l.sessionRemoved(sess, timeout)
	}
	sess.clearIdentity()

	for _, name := range sess.subscriptions() {
		h.unsubscribe(sess, name)
	}
}

// Must be called with h.lock held.
func (h *Hub) createChannel(name string) *Channel {
	ch := &Channel{
		name:       name,
		persistent: h.engine.Persistent(name),
		subs:       make(map[*Session]struct{}),
	}
	h.channels[name] = ch
	statsChannels.Inc()
	return ch
}

func (h *Hub) logDenied(sess *Session, err error) {
	if denied, ok := err.(*acl.DeniedError); ok {
		statsDenied(denied.Op.String())
		logs.Info.Printf("hub: denied %s sid='%s' user='%s'", denied, sess.sid, sess.identity().User())
	}
}

// Channel names are absolute slash-delimited paths without wildcards.
func validChannelName(name string) bool {
	if len(name) < 2 || name[0] != '/' {
		return false
	}
	for _, seg := range strings.Split(name[1:], "/") {
		if seg == "" || seg == "*" || seg == "**" {
			return false
		}
	}
	return true
}
