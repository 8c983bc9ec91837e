/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/handlers"
	"github.com/joho/godotenv"
	jcr "github.com/tinode/jsonco"

	"github.com/testmycode/tmc-comet/server/acl"
	"github.com/testmycode/tmc-comet/server/auth"
	"github.com/testmycode/tmc-comet/server/auth/rest"
	"github.com/testmycode/tmc-comet/server/concurrency"
	"github.com/testmycode/tmc-comet/server/logs"
	"github.com/testmycode/tmc-comet/server/presence"
)

const (
	// Default HTTP endpoints.
	defaultCometPath   = "/comet"
	defaultPublishPath = "/synchronous/publish"
	defaultStatsPath   = "/metrics"

	// Maximum time to wait for the identity source.
	defaultIdentityTimeout = 10 * time.Second
	// Maximum time a synchronous publish waits for the delivery outcome.
	defaultPublishTimeout = 30 * time.Second

	// Number of concurrent calls to identity sources.
	defaultAuthWorkers = 32

	// Maximum message size allowed from the client in bytes (256K).
	defaultMaxMessageSize = 1 << 18

	// Environment variables which override the config file.
	envBackendKey     = "TMC_COMET_BACKEND_KEY"
	envAllowedServers = "TMC_COMET_ALLOWED_SERVERS"
)

// Build version number set by the compiler.
var buildstamp = ""

var globals struct {
	hub          *Hub
	sessionStore *SessionStore
	cluster      *Cluster
	authPool     *concurrency.GoRoutinePool

	// Maximum time a synchronous publish waits for the delivery outcome.
	publishTimeout time.Duration
	// Maximum websocket message size.
	maxMessageSize int64
	// Use X-Forwarded-For header to determine client IP.
	useXForwardedFor bool
	// Strict-Transport-Security max age, seconds, as string.
	tlsStrictMaxAge string
}

// Contents of the configuration file
type configType struct {
	// HTTP(S) address:port to listen on for websocket and publish requests.
	Listen string `json:"listen"`
	// URL path of the websocket endpoint.
	CometPath string `json:"comet_path"`
	// URL path of the synchronous publish endpoint.
	PublishPath string `json:"publish_path"`
	// Semicolon-delimited list of server base URLs whose users may connect.
	AllowedServers string `json:"allowed_servers"`
	// Secret shared with backend services. Required.
	BackendKey string `json:"backend_key"`
	// Timeouts in seconds.
	IdentityTimeout int `json:"identity_timeout"`
	PublishTimeout  int `json:"publish_timeout"`
	// Number of concurrent calls to identity sources.
	AuthWorkers int `json:"auth_workers"`
	// Options of the identity source client.
	IdentitySource json.RawMessage `json:"identity_source"`
	// Maximum message size allowed from the client.
	MaxMessageSize int `json:"max_message_size"`
	// Take client IP address from X-Forwarded-For header.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Remove users from page presence when their connection drops.
	ForgetPresenceOnDisconnect bool `json:"forget_presence_on_disconnect"`
	// URL path for exposing metrics. Use "-" to disable.
	StatsPath string `json:"stats_path"`
	// Write Apache combined log of HTTP requests to stdout.
	AccessLog bool `json:"access_log"`
	// Worker ID and key for generating session IDs.
	WorkerID uint   `json:"worker_id"`
	SidKey   []byte `json:"sid_key"`
	// Configs for subsystems
	Cluster *clusterConfig  `json:"cluster"`
	TLS     json.RawMessage `json:"tls"`
}

// loadConfig reads a JSON config file which may contain comments.
func loadConfig(file io.Reader) (*configType, error) {
	var config configType
	jr := jcr.New(file)
	if err := json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("unmarshal error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		default:
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if val := os.Getenv(envBackendKey); val != "" {
		config.BackendKey = val
	}
	if val := os.Getenv(envAllowedServers); val != "" {
		config.AllowedServers = val
	}

	if config.CometPath == "" {
		config.CometPath = defaultCometPath
	}
	if config.PublishPath == "" {
		config.PublishPath = defaultPublishPath
	}
	if config.StatsPath == "" {
		config.StatsPath = defaultStatsPath
	}
	if config.AuthWorkers <= 0 {
		config.AuthWorkers = defaultAuthWorkers
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.BackendKey == "" {
		return nil, errors.New("backend_key is not configured")
	}

	return &config, nil
}

// setupHub creates the hub with its collaborators and registers HTTP handlers.
func setupHub(config *configType, mux *http.ServeMux) error {
	allowed, err := auth.ParseAllowList(config.AllowedServers)
	if err != nil {
		return errors.New("invalid allowed_servers: " + err.Error())
	}
	if len(allowed) == 0 {
		logs.Warn.Println("No servers are allowed, only backends will be able to connect")
	}

	verifier, err := rest.Init(config.IdentitySource)
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(allowed, config.BackendKey, verifier)
	if err != nil {
		return err
	}

	globals.sessionStore, err = NewSessionStore(config.WorkerID, config.SidKey)
	if err != nil {
		return errors.New("failed to initialize session IDs: " + err.Error())
	}

	globals.authPool = concurrency.NewGoRoutinePool(config.AuthWorkers)
	globals.hub = newHub(acl.NewDefaultEngine(), authenticator, globals.authPool,
		secondsOrDefault(config.IdentityTimeout, defaultIdentityTimeout))
	globals.publishTimeout = secondsOrDefault(config.PublishTimeout, defaultPublishTimeout)
	globals.maxMessageSize = int64(config.MaxMessageSize)
	globals.useXForwardedFor = config.UseXForwardedFor

	registry := presence.NewRegistry()
	notifier := newPresenceNotifier(globals.hub, registry)
	globals.hub.addSubscriptionListener(notifier)
	if config.ForgetPresenceOnDisconnect {
		globals.hub.addRemoveListener(notifier)
	}

	globals.cluster, err = clusterInit(config.Cluster, globals.hub.publishInternal)
	if err != nil {
		globals.hub.stop()
		globals.authPool.Stop()
		return err
	}
	globals.hub.cluster = globals.cluster

	mux.HandleFunc(config.CometPath, serveWebSocket)
	mux.HandleFunc(config.PublishPath, servePublish)
	statsInit(mux, config.StatsPath, registry.Len)

	logs.Info.Printf("Websocket at '%s', synchronous publish at '%s'", config.CometPath, config.PublishPath)
	return nil
}

func main() {
	executable, _ := os.Executable()

	var configfile = flag.String("config", "./comet.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	var tlsEnabled = flag.Bool("tls", false, "Serve over HTTPS.")
	var envFile = flag.String("env", ".env", "File with environment variables overriding secrets in the config.")
	var logFlags = flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	var pprofUrl = flag.String("pprof_url", "", "Debugging only! URL path for exposing profiling info. Disabled if not set.")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	logs.Info.Printf("Server v%s:%s pid=%d; %d process(es)", buildstamp, executable, os.Getpid(),
		runtime.GOMAXPROCS(runtime.NumCPU()))

	if err := godotenv.Load(*envFile); err == nil {
		logs.Info.Printf("Environment loaded from '%s'", *envFile)
	} else if !os.IsNotExist(err) {
		logs.Warn.Println("Failed to load environment file:", err)
	}

	logs.Info.Printf("Using config from '%s'", *configfile)

	file, err := os.Open(*configfile)
	if err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	}
	config, err := loadConfig(file)
	file.Close()
	if err != nil {
		logs.Err.Fatal(err)
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}

	mux := http.NewServeMux()
	if err := setupHub(config, mux); err != nil {
		logs.Err.Fatal(err)
	}

	servePprof(mux, *pprofUrl)
	mux.HandleFunc("/", serve404)

	var handler http.Handler = mux
	if config.AccessLog {
		handler = handlers.CombinedLoggingHandler(os.Stdout, handler)
	}
	if config.UseXForwardedFor {
		handler = handlers.ProxyHeaders(handler)
	}

	if err := listenAndServe(config.Listen, handler, *tlsEnabled, config.TLS, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}

	logs.Info.Println("All done, good bye")
}
