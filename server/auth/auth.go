// Package auth decides whether a client may open a session with the gateway
// and what identity the session then carries.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/testmycode/tmc-comet/server/logs"
)

// AuthErr is a structure for reporting an error condition.
type AuthErr string

func (e AuthErr) Error() string {
	return string(e)
}

const (
	// ErrInternal means the identity source could not be consulted.
	ErrInternal = AuthErr("internal")
	// ErrMalformed means the authentication payload has the wrong shape.
	ErrMalformed = AuthErr("malformed")
	// ErrFailed means authentication failed (wrong login, password, session or key).
	ErrFailed = AuthErr("failed")
	// ErrPolicy means the origin server is not in the allow-list.
	ErrPolicy = AuthErr("policy")
	// ErrTimeout means the decision was not reached in time.
	ErrTimeout = AuthErr("timeout")
)

// Names of the fields of the authentication payload.
const (
	KeyServerBaseURL = "serverBaseUrl"
	KeyUsername      = "username"
	KeyPassword      = "password"
	KeySessionID     = "sessionId"
	KeyBackendKey    = "backendKey"
)

// Role is the kind of principal behind a session.
type Role int

const (
	// RoleNone means the session is not authenticated.
	RoleNone Role = iota
	// RoleFrontend is an end user authenticated by the identity source.
	RoleFrontend
	// RoleBackend is a trusted service holding the shared backend key.
	RoleBackend
)

func (r Role) String() string {
	switch r {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	}
	return "none"
}

// Identity is attached to a session once its handshake is accepted.
type Identity struct {
	Role Role
	// Username is set for frontend sessions only.
	Username string
	// ServerBaseURL is the normalized origin the session authenticated against.
	ServerBaseURL string
}

// IsBackend is nil-safe.
func (id *Identity) IsBackend() bool {
	return id != nil && id.Role == RoleBackend
}

// User returns the username or an empty string. Nil-safe.
func (id *Identity) User() string {
	if id == nil {
		return ""
	}
	return id.Username
}

// Credentials are forwarded to the identity source. Exactly one of Password
// and SessionID is set.
type Credentials struct {
	Username  string
	Password  string
	SessionID string
}

// Verifier checks end-user credentials against the identity source located
// at serverBaseURL. An error means the source could not give an answer.
type Verifier interface {
	Verify(ctx context.Context, serverBaseURL string, cred Credentials) (bool, error)
}

// Authenticator validates handshake payloads.
type Authenticator struct {
	allowed    AllowList
	backendKey []byte
	verifier   Verifier
}

// NewAuthenticator creates an authenticator. The backend key must not be empty.
func NewAuthenticator(allowed AllowList, backendKey string, verifier Verifier) (*Authenticator, error) {
	if backendKey == "" {
		return nil, errors.New("auth: backend key not configured")
	}
	if verifier == nil {
		return nil, errors.New("auth: identity verifier not configured")
	}
	return &Authenticator{
		allowed:    allowed,
		backendKey: []byte(backendKey),
		verifier:   verifier,
	}, nil
}

// Authenticate decides whether the payload proves a frontend or a backend
// identity. The returned error is always an AuthErr.
func (a *Authenticator) Authenticate(ctx context.Context, payload map[string]any) (*Identity, error) {
	baseURL, hasBase := stringField(payload, KeyServerBaseURL)
	username, hasUser := stringField(payload, KeyUsername)
	password, hasPass := stringField(payload, KeyPassword)
	sessionID, hasSess := stringField(payload, KeySessionID)
	backendKey, hasKey := stringField(payload, KeyBackendKey)

	switch {
	case hasBase && hasUser && hasPass != hasSess && !hasKey:
		return a.authFrontend(ctx, baseURL, Credentials{Username: username, Password: password, SessionID: sessionID})
	case hasBase && hasKey && !hasUser && !hasPass && !hasSess:
		return a.authBackend(baseURL, backendKey)
	}
	return nil, ErrMalformed
}

func (a *Authenticator) authFrontend(ctx context.Context, baseURL string, cred Credentials) (*Identity, error) {
	norm, err := NormalizeURL(baseURL)
	if err != nil {
		return nil, ErrMalformed
	}
	if !a.allowed.Contains(norm) {
		logs.Info.Printf("auth: server '%s' not allowed", norm)
		return nil, ErrPolicy
	}

	ok, err := a.verifier.Verify(ctx, norm, cred)
	if err != nil {
		if ctx.Err() != nil {
			logs.Warn.Printf("auth: identity source '%s' timed out: %v", norm, err)
			return nil, ErrTimeout
		}
		logs.Warn.Printf("auth: identity source '%s' failed: %v", norm, err)
		return nil, ErrInternal
	}
	if !ok {
		return nil, ErrFailed
	}
	return &Identity{Role: RoleFrontend, Username: cred.Username, ServerBaseURL: norm}, nil
}

func (a *Authenticator) authBackend(baseURL, key string) (*Identity, error) {
	norm, err := NormalizeURL(baseURL)
	if err != nil {
		return nil, ErrMalformed
	}
	if subtle.ConstantTimeCompare([]byte(key), a.backendKey) != 1 {
		return nil, ErrFailed
	}
	return &Identity{Role: RoleBackend, ServerBaseURL: norm}, nil
}

// stringField returns a non-empty string value. Other value types count as missing.
func stringField(payload map[string]any, key string) (string, bool) {
	if payload == nil {
		return "", false
	}
	s, ok := payload[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
