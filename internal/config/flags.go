package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crankshaft",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Core request flags
	flags.String("target", "", "Target URL to load test")
	flags.String("method", "GET", "HTTP method to use")
	flags.StringSlice("header", nil, "Additional request header in key=value form")
	flags.String("body", "", "Inline request body payload")
	flags.String("body-file", "", "Path to file containing the request body (sent with sendfile when possible)")
	flags.StringArray("form", nil, "Urlencoded form field name=value, or a bare name (repeatable)")
	flags.String("charset", "", "Charset for form encoding (default UTF-8)")
	flags.StringArray("multipart", nil, "Multipart part name=value or name=@path[;type=mime] (repeatable)")

	// Load control flags
	flags.IntP("concurrency", "c", 1, "Number of concurrent virtual sessions")
	flags.IntP("rate", "r", 0, "Requests per second limit (0 means unlimited)")
	flags.DurationP("duration", "d", 0, "How long to run the test (e.g. 30s, 1m)")
	flags.IntP("total", "t", 0, "Total number of requests to send (0 means unlimited)")
	flags.Int("session-requests", 0, "Requests per virtual session before its connections are flushed (0 means never)")
	flags.Duration("timeout", 30*time.Second, "Per-request timeout")
	flags.Int("retries", 0, "Number of retries per request after connect failures")
	flags.String("arrival-model", string(ArrivalModelUniform), "Arrival model to use when pacing requests (uniform or poisson)")

	// Connection flags
	flags.String("protocol", string(ProtocolAuto), "Protocol mode: 'auto' (ALPN on TLS), 'http1', or 'h2c'")
	flags.Int("batch", 0, "Send requests in HTTP/2 batches of this size")
	flags.Bool("shared", false, "Use shared connections instead of per-session ones")
	flags.Bool("insecure", false, "Skip TLS certificate verification")
	flags.Duration("dial-timeout", 30*time.Second, "TCP connect timeout")
	flags.String("auth-token", "", "Bearer token sent in the Authorization header")
	flags.Int("max-idle-per-host", 0, "Max idle HTTP/1.1 connections per host and session (0 means unlimited)")

	// Output flags
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("log-errors", false, "Log each failed request to stderr")
	flags.String("log-level", "warn", "Engine log level: debug, info, warn, or error")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.StringArray("threshold", nil, "Pass/fail assertion such as 'latency:p95 < 500' (repeatable)")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint; enables tracing")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.String("tracing-service-name", "crankshaft", "Service name reported in spans")
	flags.Float64("tracing-sample-rate", 1, "Fraction of requests to trace (0 to 1)")
	flags.Bool("tracing-insecure", false, "Use a plaintext connection to the OTLP collector")
	flags.Bool("tracing-propagate", true, "Inject W3C traceparent headers into requests")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("target") {
		val, err := fs.GetString("target")
		if err != nil {
			return err
		}
		cfg.TargetURL = strings.TrimSpace(val)
	}
	if fs.Changed("method") {
		val, err := fs.GetString("method")
		if err != nil {
			return err
		}
		cfg.Method = val
	}
	if fs.Changed("body") {
		val, err := fs.GetString("body")
		if err != nil {
			return err
		}
		cfg.clearBody()
		cfg.Body = val
	}
	if fs.Changed("body-file") {
		val, err := fs.GetString("body-file")
		if err != nil {
			return err
		}
		cfg.clearBody()
		cfg.BodyFile = val
	}
	if fs.Changed("form") {
		vals, err := fs.GetStringArray("form")
		if err != nil {
			return err
		}
		cfg.clearBody()
		for _, entry := range vals {
			cfg.Form = append(cfg.Form, ParseFormField(entry))
		}
	}
	if fs.Changed("auth-token") {
		val, err := fs.GetString("auth-token")
		if err != nil {
			return err
		}
		cfg.Auth = AuthConfig{Type: AuthTypeBearer, Token: strings.TrimSpace(val)}
	}
	if fs.Changed("threshold") {
		vals, err := fs.GetStringArray("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = vals
	}
	if fs.Changed("charset") {
		val, err := fs.GetString("charset")
		if err != nil {
			return err
		}
		cfg.Charset = strings.TrimSpace(val)
	}
	if fs.Changed("multipart") {
		vals, err := fs.GetStringArray("multipart")
		if err != nil {
			return err
		}
		cfg.clearBody()
		for _, entry := range vals {
			part, err := ParseMultipartField(entry)
			if err != nil {
				return err
			}
			cfg.Multipart = append(cfg.Multipart, part)
		}
	}

	intFlags := []struct {
		name string
		dst  *int
	}{
		{"concurrency", &cfg.Concurrency},
		{"rate", &cfg.Rate},
		{"total", &cfg.Total},
		{"session-requests", &cfg.SessionRequests},
		{"retries", &cfg.Retries},
		{"batch", &cfg.Batch},
		{"max-idle-per-host", &cfg.MaxIdlePerHost},
	}
	for _, f := range intFlags {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetInt(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	durationFlags := []struct {
		name string
		dst  *time.Duration
	}{
		{"duration", &cfg.Duration},
		{"timeout", &cfg.Timeout},
		{"dial-timeout", &cfg.DialTimeout},
	}
	for _, f := range durationFlags {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetDuration(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	boolFlags := []struct {
		name string
		dst  *bool
	}{
		{"shared", &cfg.Shared},
		{"insecure", &cfg.Insecure},
		{"json-output", &cfg.JSONOutput},
		{"log-errors", &cfg.LogErrors},
	}
	for _, f := range boolFlags {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetBool(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	if fs.Changed("arrival-model") {
		val, err := fs.GetString("arrival-model")
		if err != nil {
			return err
		}
		cfg.Arrival.Model = ArrivalModel(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("protocol") {
		val, err := fs.GetString("protocol")
		if err != nil {
			return err
		}
		cfg.Protocol = Protocol(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(val))
	}

	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("tracing-service-name") {
		val, err := fs.GetString("tracing-service-name")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-propagate") {
		val, err := fs.GetBool("tracing-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}

	vals, err := fs.GetStringSlice("header")
	if err != nil {
		return err
	}
	if len(vals) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, entry := range vals {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("header must be in key=value format: %s", entry)
			}
			key := http.CanonicalHeaderKey(strings.TrimSpace(parts[0]))
			if key == "" {
				return fmt.Errorf("header key cannot be empty")
			}
			cfg.Headers[key] = strings.TrimSpace(parts[1])
		}
	}

	return nil
}

// clearBody drops body sources from the config file when a flag picks one.
func (c *Config) clearBody() {
	c.Body = ""
	c.BodyFile = ""
	c.Form = nil
	c.Multipart = nil
}

// ParseFormField parses name=value. An entry without '=' is a bare name.
func ParseFormField(entry string) FormField {
	name, value, ok := strings.Cut(entry, "=")
	if !ok {
		return FormField{Name: strings.TrimSpace(entry), NoValue: true}
	}
	return FormField{Name: strings.TrimSpace(name), Value: value}
}

// ParseMultipartField parses name=value or name=@path with optional
// ;type=, ;filename= and ;charset= attributes after a file path.
func ParseMultipartField(entry string) (MultipartField, error) {
	name, rest, ok := strings.Cut(entry, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return MultipartField{}, fmt.Errorf("multipart must be in name=value or name=@path format: %s", entry)
	}
	if !strings.HasPrefix(rest, "@") {
		return MultipartField{Name: name, Value: rest}, nil
	}
	attrs := strings.Split(rest[1:], ";")
	part := MultipartField{Name: name, File: strings.TrimSpace(attrs[0])}
	if part.File == "" {
		return MultipartField{}, fmt.Errorf("multipart %s: file path is empty", name)
	}
	for _, attr := range attrs[1:] {
		key, val, ok := strings.Cut(attr, "=")
		if !ok {
			return MultipartField{}, fmt.Errorf("multipart %s: attribute %q must be key=value", name, attr)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "type":
			part.ContentType = strings.TrimSpace(val)
		case "filename":
			part.FileName = strings.TrimSpace(val)
		case "charset":
			part.Charset = strings.TrimSpace(val)
		default:
			return MultipartField{}, fmt.Errorf("multipart %s: unknown attribute %q", name, key)
		}
	}
	return part, nil
}
