package main

/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol structures
 *
 *****************************************************************************/

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/testmycode/tmc-comet/server/acl"
	"github.com/testmycode/tmc-comet/server/auth"
)

/////////////////////////////////////////////////////////////
// Client to server messages

// MsgClientHandshake opens the session. Authentication data is carried as
// ext.authentication.
type MsgClientHandshake struct {
	Id  string           `json:"id,omitempty"`
	Ext *MsgHandshakeExt `json:"ext,omitempty"`
}

// MsgHandshakeExt is the extension part of the handshake.
type MsgHandshakeExt struct {
	Authentication map[string]any `json:"authentication,omitempty"`
}

// MsgClientSub is a subscription request.
type MsgClientSub struct {
	Id      string `json:"id,omitempty"`
	Channel string `json:"channel"`
}

// MsgClientLeave is an unsubscribe request.
type MsgClientLeave struct {
	Id      string `json:"id,omitempty"`
	Channel string `json:"channel"`
}

// MsgClientPub is a request to publish data to a channel.
type MsgClientPub struct {
	Id      string          `json:"id,omitempty"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// ClientComMessage is a wrapper for client messages.
type ClientComMessage struct {
	Hs    *MsgClientHandshake `json:"hs"`
	Sub   *MsgClientSub       `json:"sub"`
	Leave *MsgClientLeave     `json:"leave"`
	Pub   *MsgClientPub       `json:"pub"`

	// Internal fields

	// Message ID denormalized
	id string
	// Channel name denormalized
	channel string
	// Timestamp when this message was received by the server.
	timestamp time.Time
}

/////////////////////////////////////////////////////////////
// Server to client messages

// MsgServerCtrl is a response to a client request.
type MsgServerCtrl struct {
	Id      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Params  any    `json:"params,omitempty"`

	Code      int       `json:"code"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// MsgServerData is a message published to a channel.
type MsgServerData struct {
	Channel   string          `json:"channel"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"ts"`
}

// ServerComMessage is a wrapper for server-side messages.
type ServerComMessage struct {
	Ctrl *MsgServerCtrl `json:"ctrl,omitempty"`
	Data *MsgServerData `json:"data,omitempty"`

	// Internal fields.

	// Request ID being acknowledged.
	Id string `json:"-"`
	// Timestamp of the originating client message.
	Timestamp time.Time `json:"-"`
}

// Presence update published on page presence channels.
type presenceUpdate struct {
	Users []string `json:"users"`
}

// Generators of server-side error messages {ctrl}.

// NoErr indicates successful completion (200)
func NoErr(id, channel string, ts time.Time) *ServerComMessage {
	return NoErrParams(id, channel, ts, nil)
}

// NoErrParams indicates successful completion with additional parameters (200)
func NoErrParams(id, channel string, ts time.Time, params any) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusOK, // 200
		Text:      "ok",
		Channel:   channel,
		Params:    params,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// NoErrShutdown means user was disconnected from the server because the server is shutting down (205).
func NoErrShutdown(ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Code:      http.StatusResetContent, // 205
		Text:      "server shutdown",
		Timestamp: ts}}
}

// 3xx

// InfoAlreadySubscribed response means request to subscribe was ignored because user is already subscribed (304).
func InfoAlreadySubscribed(id, channel string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusNotModified, // 304
		Text:      "already subscribed",
		Channel:   channel,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// InfoNotJoined response means request to leave was ignored because user was not subscribed (304).
func InfoNotJoined(id, channel string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusNotModified, // 304
		Text:      "not joined",
		Channel:   channel,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// 4xx Errors

// ErrMalformed request malformed (400).
func ErrMalformed(id, channel string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusBadRequest, // 400
		Text:      "malformed",
		Channel:   channel,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// ErrAuthRequired handshake is required before this request (401).
func ErrAuthRequired(id, channel string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusUnauthorized, // 401
		Text:      "handshake required",
		Channel:   channel,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// ErrAuthFailed handshake was rejected (401).
func ErrAuthFailed(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusUnauthorized, // 401
		Text:      "authentication failed",
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// ErrPermissionDeniedParams operation is not permitted, params explain why (403).
func ErrPermissionDeniedParams(id, channel string, ts time.Time, params any) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusForbidden, // 403
		Text:      "permission denied",
		Channel:   channel,
		Params:    params,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// ErrOperationNotAllowed a valid operation is not permitted in this context (405).
func ErrOperationNotAllowed(id, channel string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusMethodNotAllowed, // 405
		Text:      "operation or method not allowed",
		Channel:   channel,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// ErrCommandOutOfSequence invalid sequence of commands, i.e. attempt to handshake twice (409).
func ErrCommandOutOfSequence(id, channel string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusConflict, // 409
		Text:      "command out of sequence",
		Channel:   channel,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// 5xx

// ErrDeliveryFailed message could not be published (500).
func ErrDeliveryFailed(id, channel string, ts time.Time, reason string) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusInternalServerError, // 500
		Text:      "delivery failed",
		Channel:   channel,
		Params:    map[string]string{"reason": reason},
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// ErrServiceUnavailable server is shutting down or overloaded (503).
func ErrServiceUnavailable(id, channel string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusServiceUnavailable, // 503
		Text:      "service unavailable",
		Channel:   channel,
		Timestamp: ts}, Id: id, Timestamp: ts}
}

// errorToCtrl converts hub errors to {ctrl} messages.
func errorToCtrl(err error, id, channel string, ts time.Time) *ServerComMessage {
	var denied *acl.DeniedError
	switch {
	case err == nil:
		return NoErr(id, channel, ts)
	case errors.As(err, &denied):
		return ErrPermissionDeniedParams(id, channel, ts,
			map[string]string{"op": denied.Op.String(), "reason": denied.Reason})
	case errors.Is(err, errAlreadySubscribed):
		return InfoAlreadySubscribed(id, channel, ts)
	case errors.Is(err, errNotSubscribed):
		return InfoNotJoined(id, channel, ts)
	case errors.Is(err, errInvalidChannel):
		return ErrMalformed(id, channel, ts)
	case errors.Is(err, errHandshakeRequired):
		return ErrAuthRequired(id, channel, ts)
	case errors.Is(err, errShutdown):
		return ErrServiceUnavailable(id, channel, ts)
	}
	var authErr auth.AuthErr
	if errors.As(err, &authErr) {
		return ErrAuthFailed(id, ts)
	}
	return ErrDeliveryFailed(id, channel, ts, err.Error())
}
