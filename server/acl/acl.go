// Package acl decides who may create, subscribe to or publish on a channel.
//
// Every channel belongs to a namespace identified by a path prefix. A namespace
// has an ordered chain of authorizers; the first authorizer which does not
// ignore the request decides. A request nobody decided on is denied.
package acl

import (
	"strings"

	"github.com/testmycode/tmc-comet/server/auth"
)

// Operation is an action on a channel.
type Operation int

const (
	// OpCreate is the implicit creation of a channel which does not exist yet.
	OpCreate Operation = iota
	// OpSubscribe is a subscription request.
	OpSubscribe
	// OpPublish is a publish request.
	OpPublish
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpSubscribe:
		return "subscribe"
	case OpPublish:
		return "publish"
	}
	return "unknown"
}

type verdict int

const (
	ignore verdict = iota
	grant
	deny
)

// Result is the decision of a single authorizer.
type Result struct {
	verdict verdict
	reason  string
}

// Ignore means the authorizer has no opinion.
func Ignore() Result { return Result{} }

// Grant allows the operation.
func Grant() Result { return Result{verdict: grant} }

// Deny refuses the operation for the given reason.
func Deny(reason string) Result { return Result{verdict: deny, reason: reason} }

// IsIgnore reports whether the authorizer abstained.
func (r Result) IsIgnore() bool { return r.verdict == ignore }

// IsGrant reports whether the operation was allowed.
func (r Result) IsGrant() bool { return r.verdict == grant }

// IsDeny reports whether the operation was refused.
func (r Result) IsDeny() bool { return r.verdict == deny }

// Reason of a denial.
func (r Result) Reason() string { return r.reason }

// Authorizer evaluates one operation on one channel for the given session
// identity. The identity is nil for sessions without a handshake.
type Authorizer interface {
	Authorize(op Operation, channel string, id *auth.Identity) Result
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(op Operation, channel string, id *auth.Identity) Result

// Authorize calls f.
func (f AuthorizerFunc) Authorize(op Operation, channel string, id *auth.Identity) Result {
	return f(op, channel, id)
}

// Chain is an ordered list of authorizers.
type Chain []Authorizer

// Authorize returns the first non-ignore result. When every member ignores
// the request the result is a denial.
func (c Chain) Authorize(op Operation, channel string, id *auth.Identity) Result {
	for _, a := range c {
		if r := a.Authorize(op, channel, id); !r.IsIgnore() {
			return r
		}
	}
	return Deny("not authorized")
}

// Namespace binds a chain of authorizers to all channels under Prefix.
type Namespace struct {
	// Prefix without the trailing slash, e.g. "/broadcast/tmc/global".
	Prefix string
	// Channels of a persistent namespace are kept when the last subscriber leaves.
	Persistent bool
	Chain      Chain
}

func (ns *Namespace) owns(channel string) bool {
	return strings.HasPrefix(channel, ns.Prefix+"/") && len(channel) > len(ns.Prefix)+1
}

// DeniedError reports a refused operation.
type DeniedError struct {
	Op      Operation
	Channel string
	Reason  string
}

func (e *DeniedError) Error() string {
	return e.Op.String() + " " + e.Channel + ": " + e.Reason
}

// Engine routes authorization requests to namespaces.
type Engine struct {
	namespaces []Namespace
}

// NewEngine creates an engine. When prefixes overlap the longest one wins.
func NewEngine(namespaces ...Namespace) *Engine {
	return &Engine{namespaces: namespaces}
}

func (e *Engine) namespace(channel string) *Namespace {
	var found *Namespace
	for i := range e.namespaces {
		ns := &e.namespaces[i]
		if ns.owns(channel) && (found == nil || len(ns.Prefix) > len(found.Prefix)) {
			found = ns
		}
	}
	return found
}

// Authorize evaluates the operation. Channels outside of any namespace are denied.
func (e *Engine) Authorize(op Operation, channel string, id *auth.Identity) Result {
	ns := e.namespace(channel)
	if ns == nil {
		return Deny("unknown channel")
	}
	return ns.Chain.Authorize(op, channel, id)
}

// Check is like Authorize but returns a *DeniedError unless the operation is granted.
func (e *Engine) Check(op Operation, channel string, id *auth.Identity) error {
	if r := e.Authorize(op, channel, id); !r.IsGrant() {
		return &DeniedError{Op: op, Channel: channel, Reason: r.Reason()}
	}
	return nil
}

// Persistent reports whether the channel survives having no subscribers.
func (e *Engine) Persistent(channel string) bool {
	ns := e.namespace(channel)
	return ns != nil && ns.Persistent
}
