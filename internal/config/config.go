package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Protocol selects how cleartext targets are spoken to. TLS targets always
// negotiate with ALPN unless http1 is forced.
type Protocol string

const (
	ProtocolAuto  Protocol = "auto"
	ProtocolHTTP1 Protocol = "http1"
	ProtocolH2C   Protocol = "h2c"
)

type Config struct {
	TargetURL       string            `mapstructure:"target"`
	Method          string            `mapstructure:"method"`
	Headers         map[string]string `mapstructure:"headers"`
	Body            string            `mapstructure:"body"`
	BodyFile        string            `mapstructure:"body_file"`
	Form            []FormField       `mapstructure:"form"`
	Charset         string            `mapstructure:"charset"`
	Multipart       []MultipartField  `mapstructure:"multipart"`
	Concurrency     int               `mapstructure:"concurrency"`
	Rate            int               `mapstructure:"rate"`
	Duration        time.Duration     `mapstructure:"duration"`
	Total           int               `mapstructure:"total"`
	SessionRequests int               `mapstructure:"session_requests"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	Retries         int               `mapstructure:"retries"`
	Arrival         ArrivalConfig     `mapstructure:"arrival"`
	Protocol        Protocol          `mapstructure:"protocol"`
	Batch           int               `mapstructure:"batch"`
	Shared          bool              `mapstructure:"shared"`
	Insecure        bool              `mapstructure:"insecure"`
	DialTimeout     time.Duration     `mapstructure:"dial_timeout"`
	MaxIdlePerHost  int               `mapstructure:"max_idle_per_host"`
	JSONOutput      bool              `mapstructure:"json_output"`
	LogErrors       bool              `mapstructure:"log_errors"`
	LogLevel        string            `mapstructure:"log_level"`
	Tracing         TracingConfig     `mapstructure:"tracing"`
	Thresholds      []string          `mapstructure:"thresholds"`
	Auth            AuthConfig        `mapstructure:"auth"`
	ConfigFile      string            `mapstructure:"-"`
}

// FormField is one urlencoded form entry. NoValue emits the bare name.
type FormField struct {
	Name    string `mapstructure:"name"`
	Value   string `mapstructure:"value"`
	NoValue bool   `mapstructure:"no_value"`
}

// MultipartField is one multipart/form-data part: a string value or, when
// File is set, the file's content.
type MultipartField struct {
	Name        string `mapstructure:"name"`
	Value       string `mapstructure:"value"`
	File        string `mapstructure:"file"`
	FileName    string `mapstructure:"filename"`
	ContentType string `mapstructure:"content_type"`
	Charset     string `mapstructure:"charset"`
}

type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

type ArrivalConfig struct {
	Model ArrivalModel `mapstructure:"model"`
}

type AuthType string

const (
	AuthTypeBearer                  AuthType = "bearer"
	AuthTypeOAuth2ClientCredentials AuthType = "oauth2_client_credentials"
	AuthTypeOAuth2Password          AuthType = "oauth2_password"
)

// AuthConfig selects how requests get an Authorization header. An empty Type
// sends no credentials.
type AuthConfig struct {
	Type                AuthType      `mapstructure:"type"`
	Token               string        `mapstructure:"token"`
	TokenURL            string        `mapstructure:"token_url"`
	ClientID            string        `mapstructure:"client_id"`
	ClientSecret        string        `mapstructure:"client_secret"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	Scopes              []string      `mapstructure:"scopes"`
	RefreshBeforeExpiry time.Duration `mapstructure:"refresh_before_expiry"`
	// TokenPath and ExpiresPath locate the token fields in non-standard
	// token responses.
	TokenPath   string `mapstructure:"token_path"`
	ExpiresPath string `mapstructure:"expires_path"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // "grpc" or "http"
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	// Propagate controls traceparent injection; nil means on when tracing is
	// enabled.
	Propagate *bool `mapstructure:"propagate"`
}

// Enabled reports whether spans should be exported.
func (t TracingConfig) Enabled() bool { return strings.TrimSpace(t.Endpoint) != "" }

// ShouldPropagate reports whether requests carry W3C trace context headers.
func (t TracingConfig) ShouldPropagate() bool {
	if !t.Enabled() {
		return false
	}
	return t.Propagate == nil || *t.Propagate
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string
	var warnings []string

	target := strings.TrimSpace(c.TargetURL)
	if target == "" {
		issues = append(issues, "target is required (use --help for usage information)")
	} else if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		issues = append(issues, fmt.Sprintf("target %q must be an absolute http or https URL", target))
	}

	// Security warnings for high rate/concurrency
	if c.Rate > 1000 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High rate limit configured (%d RPS). Ensure you have authorization to test the target system.", c.Rate))
	}
	if c.Concurrency > 500 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High concurrency configured (%d sessions). Ensure you have authorization to test the target system.", c.Concurrency))
	}
	if c.Insecure {
		warnings = append(warnings, "WARNING: TLS certificate verification is DISABLED (insecure: true).")
	}

	if len(warnings) > 0 {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, w)
		}
	}

	if c.Concurrency < 1 {
		issues = append(issues, "concurrency must be >= 1")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if c.Total < 0 {
		issues = append(issues, "total must be >= 0")
	}
	if c.SessionRequests < 0 {
		issues = append(issues, "session_requests must be >= 0")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.DialTimeout < 0 {
		issues = append(issues, "dial_timeout must be >= 0")
	}
	if c.Retries < 0 {
		issues = append(issues, "retries must be >= 0")
	}
	if c.Duration < 0 {
		issues = append(issues, "duration must be >= 0")
	}
	if c.Batch < 0 {
		issues = append(issues, "batch must be >= 0")
	}
	if c.MaxIdlePerHost < 0 {
		issues = append(issues, "max_idle_per_host must be >= 0")
	}

	issues = append(issues, validateBodySources(c)...)
	issues = append(issues, validateArrivalConfig(c.Arrival)...)
	issues = append(issues, validateProtocol(c.Protocol, c.Batch)...)
	issues = append(issues, validateTracingConfig(c.Tracing)...)
	issues = append(issues, validateAuthConfig(c.Auth)...)
	issues = append(issues, validateLogLevel(c.LogLevel)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}

	return nil
}

// BodyKinds lists the body sources that are configured.
func (c Config) BodyKinds() []string {
	var kinds []string
	if c.Body != "" {
		kinds = append(kinds, "body")
	}
	if strings.TrimSpace(c.BodyFile) != "" {
		kinds = append(kinds, "body_file")
	}
	if len(c.Form) > 0 {
		kinds = append(kinds, "form")
	}
	if len(c.Multipart) > 0 {
		kinds = append(kinds, "multipart")
	}
	return kinds
}

func validateBodySources(c Config) []string {
	var issues []string
	if kinds := c.BodyKinds(); len(kinds) > 1 {
		issues = append(issues, fmt.Sprintf("%s are mutually exclusive", strings.Join(kinds, ", ")))
	}
	for idx, f := range c.Form {
		if strings.TrimSpace(f.Name) == "" {
			issues = append(issues, fmt.Sprintf("form[%d]: name is required", idx))
		}
		if f.NoValue && f.Value != "" {
			issues = append(issues, fmt.Sprintf("form[%d]: no_value and value are mutually exclusive", idx))
		}
	}
	for idx, p := range c.Multipart {
		if strings.TrimSpace(p.Name) == "" {
			issues = append(issues, fmt.Sprintf("multipart[%d]: name is required", idx))
		}
		if p.Value != "" && strings.TrimSpace(p.File) != "" {
			issues = append(issues, fmt.Sprintf("multipart[%d]: value and file are mutually exclusive", idx))
		}
	}
	return issues
}

func validateArrivalConfig(arr ArrivalConfig) []string {
	model := arr.Model
	if model == "" {
		model = ArrivalModelUniform
	}
	switch model {
	case ArrivalModelUniform, ArrivalModelPoisson:
		return nil
	default:
		return []string{fmt.Sprintf("arrival model %q is not supported", model)}
	}
}

func validateProtocol(p Protocol, batch int) []string {
	switch p {
	case "", ProtocolAuto, ProtocolH2C:
		return nil
	case ProtocolHTTP1:
		if batch > 1 {
			return []string{"batch requires HTTP/2: protocol http1 cannot send batches"}
		}
		return nil
	default:
		return []string{fmt.Sprintf("protocol: must be 'auto', 'http1', or 'h2c', got %q", p)}
	}
}

func validateTracingConfig(t TracingConfig) []string {
	var issues []string
	if !t.Enabled() {
		return nil
	}
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: protocol must be 'grpc' or 'http', got %q", t.Protocol))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, "tracing: sample_rate must be between 0 and 1")
	}
	return issues
}

func validateAuthConfig(a AuthConfig) []string {
	var issues []string
	required := func(val, name string) {
		if strings.TrimSpace(val) == "" {
			issues = append(issues, fmt.Sprintf("auth: %s is required for %s", name, a.Type))
		}
	}
	switch a.Type {
	case "":
		return nil
	case AuthTypeBearer:
		required(a.Token, "token")
	case AuthTypeOAuth2ClientCredentials:
		required(a.TokenURL, "token_url")
		required(a.ClientID, "client_id")
		required(a.ClientSecret, "client_secret")
	case AuthTypeOAuth2Password:
		required(a.TokenURL, "token_url")
		required(a.ClientID, "client_id")
		required(a.Username, "username")
		required(a.Password, "password")
	default:
		issues = append(issues, fmt.Sprintf("auth: unsupported type %q", a.Type))
	}
	if a.RefreshBeforeExpiry < 0 {
		issues = append(issues, "auth: refresh_before_expiry must be >= 0")
	}
	return issues
}

func validateLogLevel(level string) []string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return []string{fmt.Sprintf("log_level %q is not supported", level)}
	}
}
