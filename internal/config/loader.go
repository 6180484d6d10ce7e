package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// If no arguments provided and no config file, show help/usage
	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := Defaults()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.Method = strings.ToUpper(cfg.Method)
	cfg.TargetURL = strings.TrimSpace(cfg.TargetURL)
	cfg.BodyFile = strings.TrimSpace(cfg.BodyFile)

	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}

	return cfg, nil
}

// Defaults returns the configuration used before files and flags apply.
func Defaults() *Config {
	return &Config{
		Method:      "GET",
		Headers:     map[string]string{},
		Concurrency: 1,
		Timeout:     30 * time.Second,
		DialTimeout: 30 * time.Second,
		Arrival:     ArrivalConfig{Model: ArrivalModelUniform},
		Protocol:    ProtocolAuto,
		LogLevel:    "warn",
		Tracing:     TracingConfig{Protocol: "grpc", ServiceName: "crankshaft", SampleRate: 1},
	}
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	texts := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"target"}, &cfg.TargetURL},
		{[]string{"method"}, &cfg.Method},
		{[]string{"body"}, &cfg.Body},
		{[]string{"bodyfile", "body_file", "body-file"}, &cfg.BodyFile},
		{[]string{"charset"}, &cfg.Charset},
		{[]string{"loglevel", "log_level", "log-level"}, &cfg.LogLevel},
	}
	for _, s := range texts {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = val
	}

	ints := []struct {
		keys []string
		dst  *int
	}{
		{[]string{"concurrency"}, &cfg.Concurrency},
		{[]string{"rate"}, &cfg.Rate},
		{[]string{"total"}, &cfg.Total},
		{[]string{"sessionrequests", "session_requests", "session-requests"}, &cfg.SessionRequests},
		{[]string{"retries"}, &cfg.Retries},
		{[]string{"batch"}, &cfg.Batch},
		{[]string{"maxidleperhost", "max_idle_per_host", "max-idle-per-host"}, &cfg.MaxIdlePerHost},
	}
	for _, s := range ints {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = val
	}

	durations := []struct {
		keys []string
		dst  *time.Duration
	}{
		{[]string{"duration"}, &cfg.Duration},
		{[]string{"timeout"}, &cfg.Timeout},
		{[]string{"dialtimeout", "dial_timeout", "dial-timeout"}, &cfg.DialTimeout},
	}
	for _, s := range durations {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = val
	}

	bools := []struct {
		keys []string
		dst  *bool
	}{
		{[]string{"shared"}, &cfg.Shared},
		{[]string{"insecure"}, &cfg.Insecure},
		{[]string{"jsonoutput", "json_output", "json-output"}, &cfg.JSONOutput},
		{[]string{"logerrors", "log_errors", "log-errors"}, &cfg.LogErrors},
	}
	for _, s := range bools {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[0], err)
		}
		*s.dst = val
	}

	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for k, v := range hdrs {
			cfg.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}

	if raw, ok := lookupSetting(settings, "form"); ok {
		form, err := parseForm(raw)
		if err != nil {
			return fmt.Errorf("form: %w", err)
		}
		cfg.Form = form
	}

	if raw, ok := lookupSetting(settings, "multipart"); ok {
		parts, err := parseMultipart(raw)
		if err != nil {
			return fmt.Errorf("multipart: %w", err)
		}
		cfg.Multipart = parts
	}

	if raw, ok := lookupSetting(settings, "arrival"); ok {
		arrival, err := parseArrival(raw)
		if err != nil {
			return fmt.Errorf("arrival: %w", err)
		}
		if arrival.Model != "" {
			cfg.Arrival = arrival
		}
	} else if raw, ok := lookupSetting(settings, "arrivalmodel", "arrival_model", "arrival-model"); ok {
		arrival, err := parseArrival(raw)
		if err != nil {
			return fmt.Errorf("arrivalModel: %w", err)
		}
		if arrival.Model != "" {
			cfg.Arrival = arrival
		}
	}

	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		cfg.Protocol = Protocol(strings.ToLower(strings.TrimSpace(val)))
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := applyTracing(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "auth"); ok {
		a, err := parseAuth(raw)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		cfg.Auth = a
	}
	applyAuthEnv(&cfg.Auth)

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		items, err := toInterfaceSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = cfg.Thresholds[:0]
		for idx, item := range items {
			val, err := asString(item)
			if err != nil {
				return fmt.Errorf("thresholds[%d]: %w", idx, err)
			}
			cfg.Thresholds = append(cfg.Thresholds, val)
		}
	}

	return nil
}

func parseForm(value interface{}) ([]FormField, error) {
	if value == nil {
		return nil, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	fields := make([]FormField, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		var f FormField
		if raw, ok := lookupSetting(entry, "name"); ok {
			if f.Name, err = asString(raw); err != nil {
				return nil, fmt.Errorf("index %d: name: %w", idx, err)
			}
		}
		if raw, ok := lookupSetting(entry, "value"); ok {
			if f.Value, err = asString(raw); err != nil {
				return nil, fmt.Errorf("index %d: value: %w", idx, err)
			}
		}
		if raw, ok := lookupSetting(entry, "novalue", "no_value", "no-value"); ok {
			if f.NoValue, err = asBool(raw); err != nil {
				return nil, fmt.Errorf("index %d: no_value: %w", idx, err)
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func parseMultipart(value interface{}) ([]MultipartField, error) {
	if value == nil {
		return nil, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	parts := make([]MultipartField, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		var p MultipartField
		fields := []struct {
			keys []string
			dst  *string
		}{
			{[]string{"name"}, &p.Name},
			{[]string{"value"}, &p.Value},
			{[]string{"file"}, &p.File},
			{[]string{"filename", "file_name"}, &p.FileName},
			{[]string{"contenttype", "content_type", "content-type"}, &p.ContentType},
			{[]string{"charset"}, &p.Charset},
		}
		for _, f := range fields {
			raw, ok := lookupSetting(entry, f.keys...)
			if !ok {
				continue
			}
			if *f.dst, err = asString(raw); err != nil {
				return nil, fmt.Errorf("index %d: %s: %w", idx, f.keys[0], err)
			}
		}
		p.File = strings.TrimSpace(p.File)
		parts = append(parts, p)
	}
	return parts, nil
}

func parseArrival(value interface{}) (ArrivalConfig, error) {
	if value == nil {
		return ArrivalConfig{}, nil
	}
	switch v := value.(type) {
	case string:
		model := strings.ToLower(strings.TrimSpace(v))
		if model == "" {
			return ArrivalConfig{}, nil
		}
		return ArrivalConfig{Model: ArrivalModel(model)}, nil
	default:
		entry, err := toStringKeyMap(value)
		if err != nil {
			return ArrivalConfig{}, err
		}
		if raw, ok := lookupSetting(entry, "model"); ok {
			val, err := asString(raw)
			if err != nil {
				return ArrivalConfig{}, fmt.Errorf("model: %w", err)
			}
			return ArrivalConfig{Model: ArrivalModel(strings.ToLower(strings.TrimSpace(val)))}, nil
		}
		return ArrivalConfig{}, fmt.Errorf("model field is required")
	}
}

func applyTracing(t *TracingConfig, value interface{}) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "endpoint"); ok {
		if t.Endpoint, err = asString(raw); err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "protocol"); ok {
		if t.Protocol, err = asString(raw); err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "servicename", "service_name", "service-name"); ok {
		if t.ServiceName, err = asString(raw); err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "samplerate", "sample_rate", "sample-rate"); ok {
		if t.SampleRate, err = asFloat64(raw); err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "insecure"); ok {
		if t.Insecure, err = asBool(raw); err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "propagate"); ok {
		v, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = &v
	}
	return nil
}

func parseAuth(value interface{}) (AuthConfig, error) {
	if value == nil {
		return AuthConfig{}, nil
	}
	entry, err := toStringKeyMap(value)
	if err != nil {
		return AuthConfig{}, err
	}

	var a AuthConfig
	texts := []struct {
		keys []string
		dst  *string
	}{
		{[]string{"token"}, &a.Token},
		{[]string{"tokenurl", "token_url", "token-url"}, &a.TokenURL},
		{[]string{"clientid", "client_id", "client-id"}, &a.ClientID},
		{[]string{"clientsecret", "client_secret", "client-secret"}, &a.ClientSecret},
		{[]string{"username"}, &a.Username},
		{[]string{"password"}, &a.Password},
		{[]string{"tokenpath", "token_path", "token-path"}, &a.TokenPath},
		{[]string{"expirespath", "expires_path", "expires-path"}, &a.ExpiresPath},
	}
	for _, s := range texts {
		raw, ok := lookupSetting(entry, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("%s: %w", s.keys[len(s.keys)-1], err)
		}
		*s.dst = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "type"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("type: %w", err)
		}
		a.Type = AuthType(strings.ToLower(strings.TrimSpace(val)))
	}
	if raw, ok := lookupSetting(entry, "scopes", "scope"); ok {
		if str, isString := raw.(string); isString {
			a.Scopes = strings.Fields(str)
		} else {
			items, err := toInterfaceSlice(raw)
			if err != nil {
				return AuthConfig{}, fmt.Errorf("scopes: %w", err)
			}
			for idx, item := range items {
				val, err := asString(item)
				if err != nil {
					return AuthConfig{}, fmt.Errorf("scopes[%d]: %w", idx, err)
				}
				a.Scopes = append(a.Scopes, val)
			}
		}
	}
	if raw, ok := lookupSetting(entry, "refreshbeforeexpiry", "refresh_before_expiry", "refresh-before-expiry"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("refresh_before_expiry: %w", err)
		}
		a.RefreshBeforeExpiry = dur
	}
	return a, nil
}

// applyAuthEnv fills secrets left out of the config file from the
// environment.
func applyAuthEnv(a *AuthConfig) {
	envs := []struct {
		name string
		dst  *string
	}{
		{"CRANKSHAFT_AUTH_TOKEN", &a.Token},
		{"CRANKSHAFT_AUTH_CLIENT_SECRET", &a.ClientSecret},
		{"CRANKSHAFT_AUTH_PASSWORD", &a.Password},
	}
	for _, e := range envs {
		if *e.dst != "" {
			continue
		}
		if v := os.Getenv(e.name); v != "" {
			*e.dst = v
		}
	}
}
