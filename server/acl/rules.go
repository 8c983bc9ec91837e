package acl

import "github.com/testmycode/tmc-comet/server/auth"

// Channel namespaces of the gateway.
const (
	GlobalPrefix   = "/broadcast/tmc/global"
	UserPrefix     = "/broadcast/tmc/user"
	PresencePrefix = "/broadcast/page-presence"
)

// Well-known channel names.
const (
	GlobalAdminMsg      = "admin-msg"
	GlobalCourseUpdated = "course-updated"
	UserReviewAvailable = "review-available"
)

// RequireWellKnown denies channels other than prefix/name for the given names.
func RequireWellKnown(prefix string, names ...string) Authorizer {
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[prefix+"/"+name] = true
	}
	return AuthorizerFunc(func(op Operation, channel string, id *auth.Identity) Result {
		if !known[channel] {
			return Deny("unknown channel")
		}
		return Ignore()
	})
}

// DenyPublishIfNotBackend denies publishing to anyone but backend sessions.
func DenyPublishIfNotBackend() Authorizer {
	return AuthorizerFunc(func(op Operation, channel string, id *auth.Identity) Result {
		if op == OpPublish && !id.IsBackend() {
			return Deny("publishing not allowed")
		}
		return Ignore()
	})
}

// DenyPublish denies all publishing by sessions.
func DenyPublish() Authorizer {
	return AuthorizerFunc(func(op Operation, channel string, id *auth.Identity) Result {
		if op == OpPublish {
			return Deny("publishing not allowed")
		}
		return Ignore()
	})
}

// RequireUserOwnsChannel limits frontend sessions to prefix/<own username>/<suffix>.
// Backend sessions are not restricted.
func RequireUserOwnsChannel(prefix string, suffixes ...string) Authorizer {
	return AuthorizerFunc(func(op Operation, channel string, id *auth.Identity) Result {
		if id.IsBackend() {
			return Ignore()
		}
		user := id.User()
		if user == "" {
			return Deny("not an authenticated user's session")
		}
		for _, suffix := range suffixes {
			if channel == prefix+"/"+user+"/"+suffix {
				return Ignore()
			}
		}
		return Deny("you don't have access to this channel")
	})
}

// GrantAll allows everything.
func GrantAll() Authorizer {
	return AuthorizerFunc(func(Operation, string, *auth.Identity) Result {
		return Grant()
	})
}

// NewDefaultEngine returns the engine with the global, per-user and page presence namespaces.
func NewDefaultEngine() *Engine {
	return NewEngine(
		Namespace{
			Prefix:     GlobalPrefix,
			Persistent: true,
			Chain: Chain{
				RequireWellKnown(GlobalPrefix, GlobalAdminMsg, GlobalCourseUpdated),
				DenyPublishIfNotBackend(),
				GrantAll(),
			},
		},
		Namespace{
			Prefix:     UserPrefix,
			Persistent: true,
			Chain: Chain{
				RequireUserOwnsChannel(UserPrefix, UserReviewAvailable),
				DenyPublishIfNotBackend(),
				GrantAll(),
			},
		},
		Namespace{
			Prefix: PresencePrefix,
			// Presence updates are published by the gateway itself.
			Chain: Chain{
				DenyPublish(),
				GrantAll(),
			},
		},
	)
}
