package acl

import (
	"testing"

	"github.com/testmycode/tmc-comet/server/auth"
)

var (
	alice   = &auth.Identity{Role: auth.RoleFrontend, Username: "alice", ServerBaseURL: "http://example.com"}
	backend = &auth.Identity{Role: auth.RoleBackend, ServerBaseURL: "http://example.com"}
	// Frontend role but no username, e.g. identity cleared concurrently.
	nameless = &auth.Identity{Role: auth.RoleFrontend}
)

type aclCase struct {
	op      Operation
	channel string
	id      *auth.Identity
	granted bool
	reason  string
}

func runCases(t *testing.T, e *Engine, cases []aclCase) {
	t.Helper()
	for _, tc := range cases {
		r := e.Authorize(tc.op, tc.channel, tc.id)
		if r.IsGrant() != tc.granted {
			t.Errorf("%s %s as %+v: granted=%v, want %v (reason %q)", tc.op, tc.channel, tc.id, r.IsGrant(), tc.granted, r.Reason())
			continue
		}
		if !tc.granted && tc.reason != "" && r.Reason() != tc.reason {
			t.Errorf("%s %s as %+v: reason %q, want %q", tc.op, tc.channel, tc.id, r.Reason(), tc.reason)
		}
	}
}

func TestGlobalNamespace(t *testing.T) {
	admin := GlobalPrefix + "/admin-msg"
	course := GlobalPrefix + "/course-updated"
	runCases(t, NewDefaultEngine(), []aclCase{
		{OpSubscribe, admin, alice, true, ""},
		{OpSubscribe, course, alice, true, ""},
		{OpCreate, admin, alice, true, ""},
		{OpPublish, admin, alice, false, "publishing not allowed"},
		{OpPublish, course, nil, false, "publishing not allowed"},
		{OpPublish, admin, backend, true, ""},
		{OpSubscribe, GlobalPrefix + "/foo", alice, false, "unknown channel"},
		{OpPublish, GlobalPrefix + "/foo", backend, false, "unknown channel"},
		{OpSubscribe, GlobalPrefix + "/admin-msg/extra", backend, false, "unknown channel"},
	})
}

func TestUserNamespace(t *testing.T) {
	own := UserPrefix + "/alice/review-available"
	other := UserPrefix + "/bob/review-available"
	runCases(t, NewDefaultEngine(), []aclCase{
		{OpSubscribe, own, alice, true, ""},
		{OpCreate, own, alice, true, ""},
		{OpSubscribe, other, alice, false, "you don't have access to this channel"},
		{OpSubscribe, UserPrefix + "/alice/other", alice, false, "you don't have access to this channel"},
		{OpPublish, own, alice, false, "publishing not allowed"},
		{OpSubscribe, own, nil, false, "not an authenticated user's session"},
		{OpSubscribe, own, nameless, false, "not an authenticated user's session"},
		{OpSubscribe, other, backend, true, ""},
		{OpPublish, other, backend, true, ""},
	})
}

func TestPresenceNamespace(t *testing.T) {
	page := PresencePrefix + "/courses/1/exercises/2"
	runCases(t, NewDefaultEngine(), []aclCase{
		{OpCreate, page, alice, true, ""},
		{OpSubscribe, page, alice, true, ""},
		{OpSubscribe, page, nil, true, ""},
		{OpPublish, page, alice, false, "publishing not allowed"},
		{OpPublish, page, backend, false, "publishing not allowed"},
	})
}

func TestUnknownNamespace(t *testing.T) {
	runCases(t, NewDefaultEngine(), []aclCase{
		{OpSubscribe, "/foo/bar", backend, false, "unknown channel"},
		{OpSubscribe, GlobalPrefix, backend, false, "unknown channel"},
		{OpSubscribe, GlobalPrefix + "/", backend, false, "unknown channel"},
		{OpSubscribe, "/broadcast/tmc/globalx/admin-msg", backend, false, "unknown channel"},
	})
}

func TestChainFailsClosed(t *testing.T) {
	abstain := AuthorizerFunc(func(Operation, string, *auth.Identity) Result { return Ignore() })
	if r := (Chain{abstain, abstain}).Authorize(OpSubscribe, "/x", alice); !r.IsDeny() {
		t.Errorf("expected a denial when every authorizer abstains, got %+v", r)
	}
	if r := (Chain{}).Authorize(OpSubscribe, "/x", alice); !r.IsDeny() {
		t.Errorf("expected a denial for an empty chain, got %+v", r)
	}
	if r := (Chain{abstain, GrantAll(), DenyPublish()}).Authorize(OpPublish, "/x", alice); !r.IsGrant() {
		t.Errorf("expected the first decision to win, got %+v", r)
	}
}

func TestCheck(t *testing.T) {
	e := NewDefaultEngine()
	err := e.Check(OpPublish, GlobalPrefix+"/admin-msg", alice)
	denied, ok := err.(*DeniedError)
	if !ok {
		t.Fatalf("expected *DeniedError, got %T %v", err, err)
	}
	if denied.Op != OpPublish || denied.Reason != "publishing not allowed" {
		t.Errorf("unexpected denial %+v", denied)
	}
	if err := e.Check(OpSubscribe, GlobalPrefix+"/admin-msg", alice); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestPersistent(t *testing.T) {
	e := NewDefaultEngine()
	cases := map[string]bool{
		GlobalPrefix + "/admin-msg":            true,
		UserPrefix + "/alice/review-available": true,
		PresencePrefix + "/courses/1":          false,
		"/somewhere/else":                      false,
	}
	for channel, want := range cases {
		if got := e.Persistent(channel); got != want {
			t.Errorf("Persistent(%q) = %v, want %v", channel, got, want)
		}
	}
}
