package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torosent/crankshaft/internal/config"
)

func TestParseFlagsDefaults(t *testing.T) {
	loader := config.NewLoader()

	cfg, err := loader.Load([]string{"--target", "http://localhost:8080"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Method != "GET" {
		t.Errorf("Method = %q, want GET", cfg.Method)
	}
	if cfg.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", cfg.Concurrency)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", cfg.Timeout)
	}
	if cfg.Protocol != config.ProtocolAuto {
		t.Errorf("Protocol = %q, want auto", cfg.Protocol)
	}
	if cfg.SessionRequests != 0 {
		t.Errorf("SessionRequests = %d, want 0", cfg.SessionRequests)
	}
	if cfg.Tracing.Enabled() {
		t.Errorf("tracing enabled without endpoint")
	}
	if len(cfg.Headers) != 0 {
		t.Errorf("Headers len = %d, want 0", len(cfg.Headers))
	}
}

func TestLoadNoArgsRequestsHelp(t *testing.T) {
	_, err := config.NewLoader().Load(nil)
	if !errors.Is(err, config.ErrHelpRequested) {
		t.Fatalf("Load(nil) error = %v, want ErrHelpRequested", err)
	}
}

func TestLoadConfigFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{
		"target": "https://api.example.com",
		"method": "PUT",
		"headers": {"Content-Type": "application/json"},
		"body": "{\"foo\":\"bar\"}",
		"concurrency": 10,
		"rate": 100,
		"duration": "2m",
		"total": 500,
		"session_requests": 20,
		"timeout": "45s",
		"retries": 3,
		"protocol": "H2C",
		"batch": 8,
		"json_output": true,
		"tracing": {"endpoint": "localhost:4317", "sample_rate": 0.5}
	}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load([]string{"--config", path, "--method", "PATCH", "--header", "Authorization=Bearer token"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TargetURL != "https://api.example.com" {
		t.Errorf("TargetURL = %q, want https://api.example.com", cfg.TargetURL)
	}
	if cfg.Method != "PATCH" {
		t.Errorf("Method = %q, want PATCH", cfg.Method)
	}
	if cfg.Headers["Content-Type"] != "application/json" {
		t.Errorf("Headers[Content-Type] = %q, want application/json", cfg.Headers["Content-Type"])
	}
	if cfg.Headers["Authorization"] != "Bearer token" {
		t.Errorf("Headers[Authorization] = %q, want Bearer token", cfg.Headers["Authorization"])
	}
	if cfg.Body != `{"foo":"bar"}` {
		t.Errorf("Body = %q, want {\"foo\":\"bar\"}", cfg.Body)
	}
	if cfg.Concurrency != 10 || cfg.Rate != 100 || cfg.Total != 500 || cfg.Retries != 3 {
		t.Errorf("load settings = %d/%d/%d/%d, want 10/100/500/3", cfg.Concurrency, cfg.Rate, cfg.Total, cfg.Retries)
	}
	if cfg.SessionRequests != 20 {
		t.Errorf("SessionRequests = %d, want 20", cfg.SessionRequests)
	}
	if cfg.Duration != 2*time.Minute {
		t.Errorf("Duration = %s, want 2m", cfg.Duration)
	}
	if cfg.Timeout != 45*time.Second {
		t.Errorf("Timeout = %s, want 45s", cfg.Timeout)
	}
	if cfg.Protocol != config.ProtocolH2C || cfg.Batch != 8 {
		t.Errorf("Protocol/Batch = %q/%d, want h2c/8", cfg.Protocol, cfg.Batch)
	}
	if !cfg.JSONOutput {
		t.Errorf("JSONOutput = false, want true")
	}
	if cfg.Tracing.Endpoint != "localhost:4317" || cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.ServiceName != "crankshaft" {
		t.Errorf("Tracing.ServiceName = %q, want default crankshaft", cfg.Tracing.ServiceName)
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"target: https://service.example.com/upload",
		"method: POST",
		"headers:",
		"  X-Env: staging",
		"concurrency: 4",
		"multipart:",
		"  - name: title",
		"    value: quarterly",
		"  - name: doc",
		"    file: report.pdf",
		"    content_type: application/pdf",
		"arrival:",
		"  model: poisson",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Headers["X-Env"] != "staging" {
		t.Errorf("Headers[X-Env] = %q, want staging", cfg.Headers["X-Env"])
	}
	if cfg.Arrival.Model != config.ArrivalModelPoisson {
		t.Errorf("Arrival.Model = %q, want poisson", cfg.Arrival.Model)
	}
	if len(cfg.Multipart) != 2 {
		t.Fatalf("len(Multipart) = %d, want 2", len(cfg.Multipart))
	}
	if cfg.Multipart[0].Name != "title" || cfg.Multipart[0].Value != "quarterly" {
		t.Errorf("Multipart[0] = %+v", cfg.Multipart[0])
	}
	if cfg.Multipart[1].File != "report.pdf" || cfg.Multipart[1].ContentType != "application/pdf" {
		t.Errorf("Multipart[1] = %+v", cfg.Multipart[1])
	}
}

func TestLoadFormFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{
		"target": "http://localhost/login",
		"method": "POST",
		"charset": "ISO-8859-1",
		"form": [{"name": "a", "value": "1"}, {"name": "remember", "no_value": true}]
	}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []config.FormField{{Name: "a", Value: "1"}, {Name: "remember", NoValue: true}}
	if len(cfg.Form) != len(want) {
		t.Fatalf("Form = %+v, want %+v", cfg.Form, want)
	}
	for i := range want {
		if cfg.Form[i] != want[i] {
			t.Errorf("Form[%d] = %+v, want %+v", i, cfg.Form[i], want[i])
		}
	}
	if cfg.Charset != "ISO-8859-1" {
		t.Errorf("Charset = %q, want ISO-8859-1", cfg.Charset)
	}
}

func TestFlagBodyOverridesConfigBodyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"body_file":"payload.json"}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path, "--body", "inline"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Body != "inline" {
		t.Errorf("Body = %q, want inline", cfg.Body)
	}
	if cfg.BodyFile != "" {
		t.Errorf("BodyFile = %q, want empty", cfg.BodyFile)
	}
}

func TestFlagFormOverridesConfigBody(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"body":"inline-config"}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path, "--form", "a=1", "--form", "b=x y,z"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Body != "" {
		t.Errorf("Body = %q, want empty", cfg.Body)
	}
	if len(cfg.Form) != 2 || cfg.Form[1].Value != "x y,z" {
		t.Errorf("Form = %+v", cfg.Form)
	}
}

func TestParseMultipartField(t *testing.T) {
	tests := []struct {
		in      string
		want    config.MultipartField
		wantErr bool
	}{
		{in: "title=hello", want: config.MultipartField{Name: "title", Value: "hello"}},
		{in: "doc=@/tmp/a.pdf", want: config.MultipartField{Name: "doc", File: "/tmp/a.pdf"}},
		{
			in:   "doc=@a.txt;type=text/plain;filename=renamed.txt;charset=UTF-8",
			want: config.MultipartField{Name: "doc", File: "a.txt", ContentType: "text/plain", FileName: "renamed.txt", Charset: "UTF-8"},
		},
		{in: "novalue", wantErr: true},
		{in: "doc=@", wantErr: true},
		{in: "doc=@a;bogus=1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := config.ParseMultipartField(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMultipartField(%q) error = nil, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMultipartField(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMultipartField(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormField(t *testing.T) {
	if got := config.ParseFormField("a=1=2"); got != (config.FormField{Name: "a", Value: "1=2"}) {
		t.Errorf("ParseFormField(a=1=2) = %+v", got)
	}
	if got := config.ParseFormField("flag"); got != (config.FormField{Name: "flag", NoValue: true}) {
		t.Errorf("ParseFormField(flag) = %+v", got)
	}
}

func TestConfigValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		have config.Config
		want []string
	}{
		{
			name: "missing target",
			have: config.Config{Concurrency: 1},
			want: []string{"target"},
		},
		{
			name: "non-http target",
			have: config.Config{TargetURL: "ftp://example.com", Concurrency: 1},
			want: []string{"absolute http or https URL"},
		},
		{
			name: "negative values",
			have: config.Config{
				TargetURL:       "https://example.com",
				Concurrency:     -1,
				Rate:            -5,
				Total:           -10,
				Timeout:         -1,
				Retries:         -1,
				SessionRequests: -1,
				Batch:           -1,
			},
			want: []string{"concurrency", "rate", "total", "timeout", "retries", "session_requests", "batch"},
		},
		{
			name: "body conflict",
			have: config.Config{
				TargetURL:   "https://example.com",
				Concurrency: 1,
				Body:        "inline",
				Form:        []config.FormField{{Name: "a", Value: "1"}},
			},
			want: []string{"body, form are mutually exclusive"},
		},
		{
			name: "bad multipart",
			have: config.Config{
				TargetURL:   "https://example.com",
				Concurrency: 1,
				Multipart:   []config.MultipartField{{Value: "v", File: "f"}},
			},
			want: []string{"multipart[0]: name is required", "multipart[0]: value and file"},
		},
		{
			name: "batch over http1",
			have: config.Config{TargetURL: "https://example.com", Concurrency: 1, Protocol: config.ProtocolHTTP1, Batch: 4},
			want: []string{"batch requires HTTP/2"},
		},
		{
			name: "bad protocol and tracing",
			have: config.Config{
				TargetURL:   "https://example.com",
				Concurrency: 1,
				Protocol:    "spdy",
				Tracing:     config.TracingConfig{Endpoint: "x:4317", Protocol: "udp", SampleRate: 2},
				LogLevel:    "loud",
			},
			want: []string{"protocol", "tracing: protocol", "sample_rate", "log_level"},
		},
		{
			name: "incomplete oauth2",
			have: config.Config{
				TargetURL:   "https://example.com",
				Concurrency: 1,
				Auth:        config.AuthConfig{Type: config.AuthTypeOAuth2Password, TokenURL: "https://idp/token"},
			},
			want: []string{"auth: client_id is required", "auth: username is required", "auth: password is required"},
		},
		{
			name: "unknown auth",
			have: config.Config{TargetURL: "https://example.com", Concurrency: 1, Auth: config.AuthConfig{Type: "kerberos"}},
			want: []string{`auth: unsupported type "kerberos"`},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.have.Validate()
			if err == nil {
				t.Fatalf("Validate() error = nil, want error")
			}
			var vErr config.ValidationError
			if !errors.As(err, &vErr) || len(vErr.Issues()) == 0 {
				t.Fatalf("Validate() error %T is not a ValidationError with issues", err)
			}
			for _, want := range tc.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Validate() error %q missing %q", err.Error(), want)
				}
			}
		})
	}
}

func TestConfigValidateOK(t *testing.T) {
	cfg := config.Defaults()
	cfg.TargetURL = "https://example.com"
	cfg.Batch = 10
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
