package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/testmycode/tmc-comet/server/concurrency"
)

const testConfig = `// Comments are allowed.
{
	"listen": ":9090",
	// Trailing comment.
	"allowed_servers": "http://a.example.com;http://b.example.com/",
	"backend_key": "from-file",
	"identity_timeout": 3,
	"cluster": {
		"redis_url": "redis://localhost:6379/1",
		"self": "node-a"
	}
}`

func TestLoadConfig(t *testing.T) {
	t.Setenv(envBackendKey, "")
	t.Setenv(envAllowedServers, "")

	config, err := loadConfig(strings.NewReader(testConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &configType{
		Listen:          ":9090",
		CometPath:       defaultCometPath,
		PublishPath:     defaultPublishPath,
		AllowedServers:  "http://a.example.com;http://b.example.com/",
		BackendKey:      "from-file",
		IdentityTimeout: 3,
		AuthWorkers:     defaultAuthWorkers,
		MaxMessageSize:  defaultMaxMessageSize,
		StatsPath:       defaultStatsPath,
		Cluster:         &clusterConfig{RedisURL: "redis://localhost:6379/1", ThisName: "node-a"},
	}
	if diff := cmp.Diff(want, config, cmpopts.IgnoreFields(configType{}, "IdentitySource", "TLS")); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv(envBackendKey, "from-env")
	t.Setenv(envAllowedServers, "http://c.example.com")

	config, err := loadConfig(strings.NewReader(testConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.BackendKey != "from-env" {
		t.Errorf("expected key from the environment, got %q", config.BackendKey)
	}
	if config.AllowedServers != "http://c.example.com" {
		t.Errorf("expected servers from the environment, got %q", config.AllowedServers)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv(envBackendKey, "")
	t.Setenv(envAllowedServers, "")

	cases := map[string]struct {
		config  string
		wantErr string
	}{
		"no key": {`{"listen": ":80"}`, "backend_key is not configured"},
		"syntax": {"{\n\t\"listen\": \":80\",,\n}", "syntax error in config file"},
		"type":   {`{"listen": 80, "backend_key": "k"}`, "unmarshal error in config file"},
	}
	for name, tc := range cases {
		_, err := loadConfig(strings.NewReader(tc.config))
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: expected error containing %q, got %v", name, tc.wantErr, err)
		}
	}
}

func TestSetupHub(t *testing.T) {
	t.Setenv(envBackendKey, "")
	t.Setenv(envAllowedServers, "")
	saved := globals
	defer func() { globals = saved }()

	config, err := loadConfig(strings.NewReader(`{"allowed_servers": "http://a.example.com", "backend_key": "k", "stats_path": "-"}`))
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	if err := setupHub(config, mux); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		globals.hub.stop()
		globals.authPool.Stop()
	}()

	if globals.cluster != nil {
		t.Error("cluster should not be configured")
	}

	// The publish endpoint is registered.
	req := httptest.NewRequest(http.MethodGet, defaultPublishPath, nil)
	wrt := httptest.NewRecorder()
	mux.ServeHTTP(wrt, req)
	if wrt.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 from the publish endpoint, got %d", wrt.Code)
	}

	config.AllowedServers = "not a url"
	if err := setupHub(config, http.NewServeMux()); err == nil {
		t.Error("expected an error for an invalid allow-list")
	}
}

func TestSetupHubClusterFailure(t *testing.T) {
	t.Setenv(envBackendKey, "")
	t.Setenv(envAllowedServers, "")
	saved := globals
	defer func() { globals = saved }()

	config, err := loadConfig(strings.NewReader(`{"backend_key": "k", "stats_path": "-",
		"cluster": {"redis_url": "ftp://nowhere"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := setupHub(config, http.NewServeMux()); err == nil {
		t.Fatal("expected an error for an invalid redis_url")
	}

	// Nothing is left running.
	if err := globals.authPool.ScheduleContext(context.Background(), func() {}); !errors.Is(err, concurrency.ErrPoolStopped) {
		t.Errorf("expected stopped pool, got %v", err)
	}
	if err := publishAndWait(t, globals.hub, newTestSession("backend", identBackend), chanAdminMsg, `{}`); !errors.Is(err, errShutdown) {
		t.Errorf("expected stopped hub, got %v", err)
	}
}
