/******************************************************************************
 *
 *  Description :
 *
 *    Synchronous publishing over plain HTTP. Backends POST a message and get
 *    the outcome of the delivery in the response.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/testmycode/tmc-comet/server/auth"
	"github.com/testmycode/tmc-comet/server/logs"
)

// Form fields of the publish request.
const (
	publishParamChannel = "channel"
	publishParamData    = "data"
)

func writePlain(wrt http.ResponseWriter, status int, text string) {
	wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")
	wrt.WriteHeader(status)
	wrt.Write([]byte(text))
}

func formValue(req *http.Request, key string) (string, bool) {
	vals, ok := req.Form[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return "", false
	}
	return vals[0], true
}

func servePublish(wrt http.ResponseWriter, req *http.Request) {
	start := time.Now()

	if req.Method != http.MethodPost {
		writePlain(wrt, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}

	if err := req.ParseForm(); err != nil {
		writePlain(wrt, http.StatusBadRequest, "Invalid parameters.")
		return
	}

	channel, okChan := formValue(req, publishParamChannel)
	data, okData := formValue(req, publishParamData)
	if !okChan || !okData {
		writePlain(wrt, http.StatusBadRequest, "Invalid parameters.")
		return
	}
	if !json.Valid([]byte(data)) {
		writePlain(wrt, http.StatusBadRequest, "Data parameter is not a valid JSON value.")
		return
	}

	sess, _ := globals.sessionStore.NewSession(nil, "")
	sess.remoteAddr = remoteAddr(req)
	sess.mustAuthenticate = true
	defer sess.cleanUp(false)

	payload := map[string]any{}
	for _, key := range []string{auth.KeyServerBaseURL, auth.KeyBackendKey} {
		if val, ok := formValue(req, key); ok {
			payload[key] = val
		}
	}
	if err := globals.hub.handshake(sess, payload); err != nil {
		logs.Info.Println("publish: handshake rejected", err, sess.remoteAddr)
		writePlain(wrt, http.StatusForbidden, "Access denied.")
		return
	}

	// The hub reports the outcome from its own goroutine. The buffer lets the
	// callback complete even if this handler is gone.
	result := make(chan error, 1)
	var once sync.Once
	globals.hub.publish(sess, channel, json.RawMessage(data), func(err error) {
		once.Do(func() { result <- err })
	})

	timer := time.NewTimer(globals.publishTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-result:
	case <-timer.C:
		err = errors.New("timed out waiting for delivery")
	case <-req.Context().Done():
		logs.Info.Println("publish: client gone", sess.remoteAddr)
		return
	}

	statsPublishLatency(time.Since(start))
	if err != nil {
		logs.Warn.Println("publish: failed", channel, err)
		writePlain(wrt, http.StatusInternalServerError, "Failed to publish message: "+err.Error())
		return
	}
	writePlain(wrt, http.StatusOK, "OK")
}
