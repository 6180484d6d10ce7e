package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestAsString(t *testing.T) {
	tests := []struct {
		input interface{}
		want  string
	}{
		{"hello", "hello"},
		{123, "123"},
		{true, "true"},
		{nil, ""},
		{[]byte("bytes"), "bytes"},
	}

	for _, tt := range tests {
		got, err := asString(tt.input)
		if err != nil {
			t.Errorf("asString(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asString(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAsInt(t *testing.T) {
	tests := []struct {
		input interface{}
		want  int
	}{
		{123, 123},
		{"456", 456},
		{int64(789), 789},
		{uint16(7), 7},
		{float64(10.0), 10},
		{nil, 0},
	}

	for _, tt := range tests {
		got, err := asInt(tt.input)
		if err != nil {
			t.Errorf("asInt(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asInt(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}
	if _, err := asInt([]int{1}); err == nil {
		t.Errorf("asInt([]int) error = nil, want error")
	}
}

func TestAsBool(t *testing.T) {
	tests := []struct {
		input interface{}
		want  bool
	}{
		{true, true},
		{"true", true},
		{"1", true},
		{false, false},
		{"0", false},
		{nil, false},
	}

	for _, tt := range tests {
		got, err := asBool(tt.input)
		if err != nil {
			t.Errorf("asBool(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asBool(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestAsDuration(t *testing.T) {
	tests := []struct {
		input interface{}
		want  time.Duration
	}{
		{time.Second, time.Second},
		{"1m", time.Minute},
		{10, 10 * time.Second}, // bare numbers are seconds
		{1.5, 1500 * time.Millisecond},
		{nil, 0},
	}

	for _, tt := range tests {
		got, err := asDuration(tt.input)
		if err != nil {
			t.Errorf("asDuration(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asDuration(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestApplyConfigSettings(t *testing.T) {
	cfg := Defaults()
	settings := map[string]interface{}{
		"target":            "http://example.com",
		"method":            "POST",
		"concurrency":       10,
		"timeout":           "5s",
		"dial_timeout":      "2s",
		"shared":            true,
		"max_idle_per_host": 4,
		"thresholds":        []interface{}{"latency:p95 < 500", "failures:rate < 0.01"},
		"headers": map[string]interface{}{
			"content-type": "application/json",
		},
		"tracing": map[string]interface{}{
			"endpoint":  "collector:4318",
			"protocol":  "http",
			"propagate": false,
		},
	}

	if err := applyConfigSettings(cfg, settings); err != nil {
		t.Fatalf("applyConfigSettings() error = %v", err)
	}

	if cfg.TargetURL != "http://example.com" {
		t.Errorf("TargetURL = %q, want http://example.com", cfg.TargetURL)
	}
	if cfg.Concurrency != 10 {
		t.Errorf("Concurrency = %d, want 10", cfg.Concurrency)
	}
	if cfg.Timeout != 5*time.Second || cfg.DialTimeout != 2*time.Second {
		t.Errorf("Timeout/DialTimeout = %v/%v, want 5s/2s", cfg.Timeout, cfg.DialTimeout)
	}
	if !cfg.Shared || cfg.MaxIdlePerHost != 4 {
		t.Errorf("Shared/MaxIdlePerHost = %v/%d, want true/4", cfg.Shared, cfg.MaxIdlePerHost)
	}
	if cfg.Headers["Content-Type"] != "application/json" {
		t.Errorf("Headers[Content-Type] = %q, want application/json", cfg.Headers["Content-Type"])
	}
	if cfg.Tracing.Endpoint != "collector:4318" || cfg.Tracing.Protocol != "http" {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.ShouldPropagate() {
		t.Errorf("ShouldPropagate() = true with propagate: false")
	}
	if len(cfg.Thresholds) != 2 || cfg.Thresholds[1] != "failures:rate < 0.01" {
		t.Errorf("Thresholds = %v", cfg.Thresholds)
	}
}

func TestApplyConfigSettingsAuth(t *testing.T) {
	t.Setenv("CRANKSHAFT_AUTH_CLIENT_SECRET", "from-env")
	cfg := Defaults()
	settings := map[string]interface{}{
		"auth": map[string]interface{}{
			"type":                  "OAuth2_Client_Credentials",
			"token_url":             " https://idp.example.com/token ",
			"client_id":             "svc",
			"scopes":                "read write",
			"refresh_before_expiry": "15s",
			"token_path":            "$.data.jwt",
		},
	}
	if err := applyConfigSettings(cfg, settings); err != nil {
		t.Fatalf("applyConfigSettings() error = %v", err)
	}
	a := cfg.Auth
	if a.Type != AuthTypeOAuth2ClientCredentials || a.TokenURL != "https://idp.example.com/token" || a.ClientID != "svc" {
		t.Errorf("Auth = %+v", a)
	}
	if a.ClientSecret != "from-env" {
		t.Errorf("ClientSecret = %q, want env fallback", a.ClientSecret)
	}
	if len(a.Scopes) != 2 || a.Scopes[1] != "write" || a.RefreshBeforeExpiry != 15*time.Second {
		t.Errorf("Scopes/Refresh = %v/%v", a.Scopes, a.RefreshBeforeExpiry)
	}
	if a.TokenPath != "$.data.jwt" {
		t.Errorf("TokenPath = %q", a.TokenPath)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	configureFlags(fs)
	if err := fs.Parse([]string{"--auth-token= abc "}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := applyFlagOverrides(cfg, fs); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}
	if cfg.Auth.Type != AuthTypeBearer || cfg.Auth.Token != "abc" {
		t.Errorf("Auth after --auth-token = %+v", cfg.Auth)
	}
}

func TestApplyConfigSettingsErrors(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"concurrency": {"concurrency": "many"},
		"form":        {"form": "a=1"},
		"multipart":   {"multipart": []interface{}{"not-a-map"}},
		"arrival":     {"arrival": map[string]interface{}{}},
		"auth":        {"auth": "bearer"},
		"thresholds":  {"thresholds": 5},
	}
	for name, settings := range cases {
		t.Run(name, func(t *testing.T) {
			if err := applyConfigSettings(Defaults(), settings); err == nil {
				t.Fatalf("applyConfigSettings() error = nil, want error")
			}
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := Defaults()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	configureFlags(fs)

	args := []string{
		"--concurrency=5",
		"--method=PUT",
		"--header=X-Test=123",
		"--multipart=title=hi",
		"--multipart=doc=@data.bin;type=application/octet-stream",
		"--session-requests=3",
		"--protocol=H2C",
		"--batch=4",
		"--tracing-endpoint=localhost:4317",
		"--tracing-insecure",
		"--threshold=latency:p99 < 250",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if err := applyFlagOverrides(cfg, fs); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}

	if cfg.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", cfg.Concurrency)
	}
	if cfg.Method != "PUT" {
		t.Errorf("Method = %q, want PUT", cfg.Method)
	}
	if cfg.Headers["X-Test"] != "123" {
		t.Errorf("Headers[X-Test] = %q, want 123", cfg.Headers["X-Test"])
	}
	if len(cfg.Multipart) != 2 || cfg.Multipart[1].File != "data.bin" {
		t.Errorf("Multipart = %+v", cfg.Multipart)
	}
	if cfg.SessionRequests != 3 || cfg.Batch != 4 || cfg.Protocol != ProtocolH2C {
		t.Errorf("session/batch/protocol = %d/%d/%q", cfg.SessionRequests, cfg.Batch, cfg.Protocol)
	}
	if !cfg.Tracing.Enabled() || !cfg.Tracing.Insecure {
		t.Errorf("Tracing = %+v, want enabled and insecure", cfg.Tracing)
	}
	if !cfg.Tracing.ShouldPropagate() {
		t.Errorf("ShouldPropagate() = false, want default on")
	}
	if len(cfg.Thresholds) != 1 || cfg.Thresholds[0] != "latency:p99 < 250" {
		t.Errorf("Thresholds = %v", cfg.Thresholds)
	}
}

func TestApplyFlagOverridesBadHeader(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	configureFlags(fs)
	if err := fs.Parse([]string{"--header=novalue"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := applyFlagOverrides(Defaults(), fs); err == nil {
		t.Fatalf("applyFlagOverrides() error = nil, want error")
	}
}

func TestLoader_Load(t *testing.T) {
	loader := NewLoader()
	args := []string{
		"--target=http://example.com",
		"--concurrency=2",
		"--method=post",
	}

	cfg, err := loader.Load(args)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TargetURL != "http://example.com" {
		t.Errorf("TargetURL = %q, want http://example.com", cfg.TargetURL)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 2", cfg.Concurrency)
	}
	if cfg.Method != "POST" {
		t.Errorf("Method = %q, want POST", cfg.Method)
	}
}
