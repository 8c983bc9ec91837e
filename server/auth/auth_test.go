package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"

	"github.com/testmycode/tmc-comet/server/auth"
	"github.com/testmycode/tmc-comet/server/auth/mock_auth"
)

const testBackendKey = "secret"

func newTestAuthenticator(t *testing.T, v auth.Verifier) *auth.Authenticator {
	t.Helper()
	allowed, err := auth.ParseAllowList("http://example.com/foo;http://other.com")
	if err != nil {
		t.Fatal(err)
	}
	a, err := auth.NewAuthenticator(allowed, testBackendKey, v)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewAuthenticatorRequiresKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	if _, err := auth.NewAuthenticator(auth.AllowList{}, "", mock_auth.NewMockVerifier(ctrl)); err == nil {
		t.Error("expected an error for a missing backend key")
	}
}

func TestFrontendPassword(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mock_auth.NewMockVerifier(ctrl)
	v.EXPECT().
		Verify(gomock.Any(), "http://example.com/foo", auth.Credentials{Username: "alice", Password: "pw"}).
		Return(true, nil)

	a := newTestAuthenticator(t, v)
	id, err := a.Authenticate(context.Background(), map[string]any{
		"serverBaseUrl": "http://example.com/foo/",
		"username":      "alice",
		"password":      "pw",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &auth.Identity{Role: auth.RoleFrontend, Username: "alice", ServerBaseURL: "http://example.com/foo"}
	if diff := cmp.Diff(want, id); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
}

func TestFrontendSessionID(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mock_auth.NewMockVerifier(ctrl)
	v.EXPECT().
		Verify(gomock.Any(), "http://other.com", auth.Credentials{Username: "bob", SessionID: "xyz"}).
		Return(true, nil)

	a := newTestAuthenticator(t, v)
	id, err := a.Authenticate(context.Background(), map[string]any{
		"serverBaseUrl": " http://other.com ",
		"username":      "bob",
		"sessionId":     "xyz",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Role != auth.RoleFrontend || id.User() != "bob" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestFrontendRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mock_auth.NewMockVerifier(ctrl)
	v.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, nil)

	a := newTestAuthenticator(t, v)
	_, err := a.Authenticate(context.Background(), map[string]any{
		"serverBaseUrl": "http://example.com/foo",
		"username":      "alice",
		"password":      "wrong",
	})
	if err != auth.ErrFailed {
		t.Errorf("expected ErrFailed, got %v", err)
	}
}

func TestFrontendIdentitySourceDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mock_auth.NewMockVerifier(ctrl)
	v.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, errors.New("connection refused"))

	a := newTestAuthenticator(t, v)
	_, err := a.Authenticate(context.Background(), map[string]any{
		"serverBaseUrl": "http://example.com/foo",
		"username":      "alice",
		"password":      "pw",
	})
	if err != auth.ErrInternal {
		t.Errorf("expected ErrInternal, got %v", err)
	}
}

func TestFrontendIdentitySourceTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	v := mock_auth.NewMockVerifier(ctrl)
	v.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ auth.Credentials) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})

	a := newTestAuthenticator(t, v)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Authenticate(ctx, map[string]any{
		"serverBaseUrl": "http://example.com/foo",
		"username":      "alice",
		"password":      "pw",
	})
	if err != auth.ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestAllowList(t *testing.T) {
	cases := []struct {
		name    string
		baseURL string
		allowed bool
	}{
		{"exact", "http://example.com/foo", true},
		{"trailing slash", "http://example.com/foo/", true},
		{"not listed", "http://example.com", false},
		{"sub-path", "http://example.com/foo/bar", false},
		{"different scheme", "https://example.com/foo", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			v := mock_auth.NewMockVerifier(ctrl)
			if tc.allowed {
				v.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
			}
			a := newTestAuthenticator(t, v)
			_, err := a.Authenticate(context.Background(), map[string]any{
				"serverBaseUrl": tc.baseURL,
				"username":      "alice",
				"password":      "pw",
			})
			if tc.allowed && err != nil {
				t.Errorf("expected success, got %v", err)
			}
			if !tc.allowed && err != auth.ErrPolicy {
				t.Errorf("expected ErrPolicy, got %v", err)
			}
		})
	}
}

func TestBackendKey(t *testing.T) {
	cases := []struct {
		key  string
		want error
	}{
		{testBackendKey, nil},
		{"secre", auth.ErrFailed},
		{"secret ", auth.ErrFailed},
		{"SECRET", auth.ErrFailed},
		{"secretsecret", auth.ErrFailed},
	}
	ctrl := gomock.NewController(t)
	// The identity source is never consulted for backend sessions.
	a := newTestAuthenticator(t, mock_auth.NewMockVerifier(ctrl))
	for _, tc := range cases {
		id, err := a.Authenticate(context.Background(), map[string]any{
			// Backends are not checked against the allow-list.
			"serverBaseUrl": "http://unlisted.example.com/",
			"backendKey":    tc.key,
		})
		if err != tc.want {
			t.Errorf("key %q: expected %v, got %v", tc.key, tc.want, err)
			continue
		}
		if err == nil {
			want := &auth.Identity{Role: auth.RoleBackend, ServerBaseURL: "http://unlisted.example.com"}
			if diff := cmp.Diff(want, id); diff != "" {
				t.Errorf("identity mismatch (-want +got):\n%s", diff)
			}
			if !id.IsBackend() || id.User() != "" {
				t.Errorf("unexpected identity %+v", id)
			}
		}
	}
}

func TestMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"nil", nil},
		{"empty", map[string]any{}},
		{"no base url", map[string]any{"username": "alice", "password": "pw"}},
		{"no secret", map[string]any{"serverBaseUrl": "http://example.com/foo", "username": "alice"}},
		{"password and session", map[string]any{
			"serverBaseUrl": "http://example.com/foo", "username": "alice", "password": "pw", "sessionId": "s"}},
		{"mixed shapes", map[string]any{
			"serverBaseUrl": "http://example.com/foo", "username": "alice", "password": "pw", "backendKey": testBackendKey}},
		{"key with session", map[string]any{
			"serverBaseUrl": "http://example.com/foo", "sessionId": "s", "backendKey": testBackendKey}},
		{"non-string username", map[string]any{
			"serverBaseUrl": "http://example.com/foo", "username": 42, "password": "pw"}},
		{"non-string key", map[string]any{"serverBaseUrl": "http://example.com/foo", "backendKey": true}},
		{"bad url", map[string]any{"serverBaseUrl": "not a url", "backendKey": testBackendKey}},
	}
	ctrl := gomock.NewController(t)
	a := newTestAuthenticator(t, mock_auth.NewMockVerifier(ctrl))
	for _, tc := range cases {
		if _, err := a.Authenticate(context.Background(), tc.payload); err != auth.ErrMalformed {
			t.Errorf("%s: expected ErrMalformed, got %v", tc.name, err)
		}
	}
}
