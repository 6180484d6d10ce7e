package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/torosent/crankshaft/internal/config"
	"github.com/torosent/crankshaft/internal/runner"
)

type jsonResult struct {
	Total         int64                     `json:"total"`
	Successes     int64                     `json:"successes"`
	Failures      int64                     `json:"failures"`
	Protocols     map[string]int            `json:"protocols"`
	StatusCodes   map[string]int            `json:"status_codes"`
	StatusBuckets map[string]map[string]int `json:"status_buckets"`
	Connections   struct {
		Dialed  int64 `json:"dialed"`
		Flushed int64 `json:"flushed"`
	} `json:"connections"`
}

func runJSON(t *testing.T, args ...string) (jsonResult, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append(args, "--json-output"), &out)
	var res jsonResult
	if decErr := json.Unmarshal(out.Bytes(), &res); decErr != nil {
		t.Fatalf("decode report: %v\n%s", decErr, out.String())
	}
	return res, err
}

func TestRunHTTP1Sessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	res, err := runJSON(t,
		"--target", srv.URL,
		"--method", "POST",
		"--form", "a=1",
		"--total", "6",
		"--session-requests", "3",
	)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if res.Total != 6 || res.Successes != 6 {
		t.Fatalf("total/successes = %d/%d, want 6/6", res.Total, res.Successes)
	}
	if res.Protocols["HTTP/1.1"] != 6 {
		t.Errorf("protocols = %v, want 6 HTTP/1.1", res.Protocols)
	}
	if res.StatusCodes["200"] != 6 {
		t.Errorf("status codes = %v", res.StatusCodes)
	}
	// two sessions of three requests, each on its own connection
	if res.Connections.Dialed != 2 || res.Connections.Flushed != 2 {
		t.Errorf("dialed/flushed = %d/%d, want 2/2", res.Connections.Dialed, res.Connections.Flushed)
	}
}

func TestRunH2CBatches(t *testing.T) {
	var streams atomic.Int64
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streams.Add(1)
		fmt.Fprint(w, r.Proto)
	})
	srv := httptest.NewServer(h2c.NewHandler(h, &http2.Server{}))
	t.Cleanup(srv.Close)

	res, err := runJSON(t,
		"--target", srv.URL,
		"--protocol", "h2c",
		"--batch", "4",
		"--total", "3",
	)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if res.Total != 12 || streams.Load() != 12 {
		t.Fatalf("recorded %d requests, server saw %d, want 12", res.Total, streams.Load())
	}
	if res.Protocols["HTTP/2"] != 12 {
		t.Errorf("protocols = %v, want 12 HTTP/2", res.Protocols)
	}
	if res.Connections.Dialed != 1 {
		t.Errorf("dialed = %d, want one multiplexed connection", res.Connections.Dialed)
	}
}

func TestRunReportsFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	res, err := runJSON(t,
		"--target", srv.URL,
		"--total", "1",
		"--retries", "2",
	)
	if err == nil || !strings.Contains(err.Error(), "requests failed") {
		t.Fatalf("run() error = %v, want failed requests", err)
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3 with two retries", hits.Load())
	}
	if res.Failures != 3 {
		t.Errorf("failures = %d, want every attempt recorded", res.Failures)
	}
	if res.StatusBuckets["HTTP/1.1"]["503"] != 3 {
		t.Errorf("status buckets = %v", res.StatusBuckets)
	}
}

func TestRunConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	res, err := runJSON(t, "--target", target, "--total", "2")
	if err == nil {
		t.Fatalf("run() error = nil against a closed port")
	}
	if res.Failures != 2 || res.StatusBuckets["unknown"]["connect"] != 2 {
		t.Errorf("failures = %d buckets = %v", res.Failures, res.StatusBuckets)
	}
}

func TestRunThresholdsDecideExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	// failures within budget pass when thresholds are set
	if _, err := runJSON(t, "--target", srv.URL+"/?fail=1", "--total", "2",
		"--threshold", "failures:rate <= 1", "--threshold", "connections:count == 1"); err != nil {
		t.Fatalf("run() error = %v, want thresholds to pass", err)
	}

	_, err := runJSON(t, "--target", srv.URL, "--total", "2", "--threshold", "errors:count > 0")
	if err == nil || !strings.Contains(err.Error(), "1 of 1 thresholds failed") {
		t.Fatalf("run() error = %v, want threshold failure", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"--target", srv.URL, "--threshold", "nope"}, &out); err == nil {
		t.Fatalf("run() with a malformed threshold error = nil")
	}
}

func TestRunWithOAuth2(t *testing.T) {
	var tokens, unauthorized atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokens.Add(1)
		if user, pass, _ := r.BasicAuth(); user != "svc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			unauthorized.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfgPath := t.TempDir() + "/load.json"
	cfgJSON := fmt.Sprintf(`{
		"target": %q,
		"total": 5,
		"concurrency": 2,
		"json_output": true,
		"auth": {"type": "oauth2_client_credentials", "token_url": %q, "client_id": "svc", "client_secret": "secret"}
	}`, srv.URL+"/api", srv.URL+"/token")
	if err := os.WriteFile(cfgPath, []byte(cfgJSON), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	res, err := runJSON(t, "--config", cfgPath)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if res.Successes != 5 || unauthorized.Load() != 0 {
		t.Errorf("successes = %d, unauthorized = %d", res.Successes, unauthorized.Load())
	}
	if tokens.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", tokens.Load())
	}
}

func TestRunHelpAndValidation(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out); err != nil {
		t.Errorf("run() without args error = %v, want help", err)
	}
	err := run(context.Background(), []string{"--target", "ftp://x", "--concurrency", "0"}, &out)
	var verr config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("run() error = %v, want ValidationError", err)
	}
	if len(verr.Issues()) != 2 {
		t.Errorf("issues = %v", verr.Issues())
	}
}

func TestRetryPolicy(t *testing.T) {
	p := newRetryPolicy(3, zap.NewNop())
	if p.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", p.MaxAttempts)
	}
	for retry, floor := range map[int]int64{1: 100, 2: 200, 3: 400, 10: 5000} {
		d := p.Backoff(retry).Milliseconds()
		if d < floor || d > floor*3/2 {
			t.Errorf("Backoff(%d) = %dms, want within [%d, %d]", retry, d, floor, floor*3/2)
		}
	}
	p.OnRetry(&runner.Session{ID: "vs0"}, 1, io.EOF, time.Millisecond)
}

func TestTLSConfigs(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.Config
		wantTLS   bool
		wantALPN  bool
		wantProto []string
	}{
		{"cleartext", config.Config{TargetURL: "http://x/"}, false, false, nil},
		{"https auto", config.Config{TargetURL: "https://x:8443/", Insecure: true}, true, true, []string{"h2", "http/1.1"}},
		{"https http1", config.Config{TargetURL: "https://x/", Protocol: config.ProtocolHTTP1}, true, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain, alpn, err := tlsConfigs(&tt.cfg)
			if err != nil {
				t.Fatalf("tlsConfigs() error = %v", err)
			}
			if (plain != nil) != tt.wantTLS || (alpn != nil) != tt.wantALPN {
				t.Fatalf("tls=%v alpn=%v, want %v %v", plain != nil, alpn != nil, tt.wantTLS, tt.wantALPN)
			}
			if plain != nil {
				if plain.ServerName != "x" || plain.InsecureSkipVerify != tt.cfg.Insecure {
					t.Errorf("tls config = %q insecure=%v", plain.ServerName, plain.InsecureSkipVerify)
				}
				if len(plain.NextProtos) != 0 {
					t.Errorf("plain tls config offers ALPN %v", plain.NextProtos)
				}
			}
			if alpn != nil && strings.Join(alpn.NextProtos, ",") != strings.Join(tt.wantProto, ",") {
				t.Errorf("NextProtos = %v, want %v", alpn.NextProtos, tt.wantProto)
			}
		})
	}
}

func TestClientConfig(t *testing.T) {
	logger, err := newLogger("debug")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	cfg := config.Defaults()
	cfg.Protocol = config.ProtocolH2C
	cfg.MaxIdlePerHost = 3
	got := clientConfig(cfg, logger)
	if !got.H2C || got.MaxIdlePerKey != 3 || got.RequestTimeout != cfg.Timeout || got.DialTimeout != cfg.DialTimeout {
		t.Errorf("clientConfig() = %+v", got)
	}
	if _, err := newLogger("loud"); err == nil {
		t.Errorf("newLogger(loud) error = nil")
	}
}

func TestToRunnerArrivalModel(t *testing.T) {
	tests := []struct {
		input config.ArrivalModel
		want  runner.ArrivalModel
	}{
		{config.ArrivalModelUniform, runner.ArrivalModelUniform},
		{config.ArrivalModelPoisson, runner.ArrivalModelPoisson},
		{"unknown", runner.ArrivalModelUniform},
	}
	for _, tt := range tests {
		if got := toRunnerArrivalModel(tt.input); got != tt.want {
			t.Errorf("toRunnerArrivalModel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
