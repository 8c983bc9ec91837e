// Command line client of the gateway: connects over websocket, subscribes to
// channels and prints what arrives. Can also publish over the synchronous
// HTTP endpoint.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/testmycode/tmc-comet/server/logs"
)

var (
	logFlags    = flag.String("log_flags", "stdFlags", "comma-separated list of log flags")
	host        = flag.String("host", "localhost:8080", "address of the gateway")
	cometPath   = flag.String("comet_path", "/comet", "URL path of the websocket endpoint")
	publishPath = flag.String("publish_path", "/synchronous/publish", "URL path of the synchronous publish endpoint")
	serverBase  = flag.String("server", "", "base URL of the origin server to authenticate against")
	loginBasic  = flag.String("login-basic", "", "authenticate as a user, username:password")
	sessionAuth = flag.String("login-session", "", "authenticate as a user, username:session_id")
	backendKey  = flag.String("backend-key", "", "authenticate as a backend service using the shared key")
	subscribe   = flag.String("sub", "", "comma-separated list of channels to subscribe to")
	publishTo   = flag.String("pub", "", "publish -data to this channel over HTTP and exit; requires -backend-key")
	data        = flag.String("data", "", "JSON value to publish")
	verbose     = flag.Bool("verbose", false, "log full JSON representation of all messages")
)

func main() {
	flag.Parse()
	logs.Init(os.Stderr, *logFlags)

	if *serverBase == "" {
		log.Fatal("--server must be provided")
	}

	if *publishTo != "" {
		os.Exit(publish())
	}

	authentication, err := authPayload()
	if err != nil {
		log.Fatal(err)
	}

	wsURL := url.URL{Scheme: "ws", Host: *host, Path: *cometPath}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect to server: %v", err)
	}
	defer conn.Close()

	send := func(msg map[string]any) {
		if *verbose {
			out, _ := json.Marshal(msg)
			logs.Info.Printf("out: %s", out)
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Fatalf("failed to send message: %v", err)
		}
	}

	send(map[string]any{"hs": map[string]any{
		"id":  "hs",
		"ext": map[string]any{"authentication": authentication},
	}})
	for i, channel := range strings.Split(*subscribe, ",") {
		if channel = strings.TrimSpace(channel); channel != "" {
			send(map[string]any{"sub": map[string]any{"id": "sub" + strconv.Itoa(i), "channel": channel}})
		}
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("connection closed: %v", err)
			}
			return
		}
		printMessage(raw)
	}
}

// Builds the handshake authentication payload from flags.
func authPayload() (map[string]any, error) {
	payload := map[string]any{"serverBaseUrl": *serverBase}
	switch {
	case *backendKey != "":
		payload["backendKey"] = *backendKey
	case *loginBasic != "":
		user, pass, ok := strings.Cut(*loginBasic, ":")
		if !ok {
			return nil, errors.New("invalid format for --login-basic, expected username:password")
		}
		payload["username"], payload["password"] = user, pass
	case *sessionAuth != "":
		user, sess, ok := strings.Cut(*sessionAuth, ":")
		if !ok {
			return nil, errors.New("invalid format for --login-session, expected username:session_id")
		}
		payload["username"], payload["sessionId"] = user, sess
	default:
		return nil, errors.New("one of --backend-key, --login-basic, --login-session must be provided")
	}
	return payload, nil
}

func printMessage(raw []byte) {
	if *verbose {
		logs.Info.Printf("in: %s", raw)
		return
	}

	var msg struct {
		Ctrl *struct {
			Id      string          `json:"id"`
			Channel string          `json:"channel"`
			Code    int             `json:"code"`
			Text    string          `json:"text"`
			Params  json.RawMessage `json:"params"`
		} `json:"ctrl"`
		Data *struct {
			Channel string          `json:"channel"`
			Content json.RawMessage `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("unexpected response from server: %s", raw)
		return
	}
	switch {
	case msg.Ctrl != nil:
		log.Printf("ctrl %s %d %s %s %s", msg.Ctrl.Id, msg.Ctrl.Code, msg.Ctrl.Text, msg.Ctrl.Channel, msg.Ctrl.Params)
	case msg.Data != nil:
		log.Printf("%s: %s", msg.Data.Channel, msg.Data.Content)
	}
}

// Publish over HTTP and report the outcome.
func publish() int {
	if *backendKey == "" {
		log.Println("--pub requires --backend-key")
		return 1
	}
	if !json.Valid([]byte(*data)) {
		log.Println("--data must be a valid JSON value")
		return 1
	}

	form := url.Values{}
	form.Set("channel", *publishTo)
	form.Set("data", *data)
	form.Set("serverBaseUrl", *serverBase)
	form.Set("backendKey", *backendKey)

	client := &http.Client{Timeout: time.Minute}
	pubURL := url.URL{Scheme: "http", Host: *host, Path: *publishPath}
	resp, err := client.PostForm(pubURL.String(), form)
	if err != nil {
		log.Printf("publish failed: %v", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	log.Printf("%d %s", resp.StatusCode, body)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
