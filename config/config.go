// Package config loads server and telemetry settings from a config file,
// SERVEKIT_* environment variables and command-line flags.
//
// Later sources override earlier ones:
//
//	profile preset < config file < environment < flags
//
// Keys are the mapstructure names of httpserver.Config at the top level and
// of telemetry.Config under "telemetry". Unknown keys are rejected so a
// typo never silently falls back to a default.
//
//	# servekit.yaml
//	profile: production
//	app_address: ":9090"
//	metrics_health_port: 9091
//	request_timeout: 5s
//	telemetry:
//	  exporter: otlp-grpc
//	  endpoint: otel-collector:4317
//	  insecure: true
//
// The same settings from the environment:
//
//	SERVEKIT_APP_ADDRESS=:9090 SERVEKIT_TELEMETRY_EXPORTER=otlp-grpc
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kroma-labs/servekit/httpserver"
	"github.com/kroma-labs/servekit/telemetry"
)

// DefaultEnvPrefix prefixes environment variables read by Load.
const DefaultEnvPrefix = "SERVEKIT"

// Profiles name the httpserver presets a config starts from.
const (
	ProfileDefault     = "default"
	ProfileProduction  = "production"
	ProfileDevelopment = "development"
)

// ErrUnknownProfile is returned for a profile that names no preset.
var ErrUnknownProfile = errors.New("config: unknown profile")

// Config is the loaded configuration.
type Config struct {
	// Profile picks the preset defaults: default, production or development.
	Profile string `mapstructure:"profile"`

	Server    httpserver.Config `mapstructure:",squash"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
}

// ServerOptions returns the options that apply c.Server. Options for the
// handler, gRPC server and stages go after them.
//
//	srv, err := httpserver.New(append(cfg.ServerOptions(),
//	    httpserver.WithHandler(mux),
//	)...)
func (c Config) ServerOptions() []httpserver.Option {
	return []httpserver.Option{httpserver.WithConfig(c.Server)}
}

// Option configures Load.
type Option func(*loader)

type loader struct {
	file      string
	flags     *pflag.FlagSet
	envPrefix string
}

// WithFile reads path. The format follows the extension (yaml, json, toml).
func WithFile(path string) Option {
	return func(l *loader) { l.file = path }
}

// WithFlags reads flags registered by RegisterFlags on fs. Only flags the
// user set override other sources.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(l *loader) { l.flags = fs }
}

// WithEnvPrefix replaces the SERVEKIT environment prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *loader) { l.envPrefix = prefix }
}

// Load builds a Config and validates it. Validation failures and unknown
// keys wrap httpserver.ErrInvalidConfig.
func Load(opts ...Option) (Config, error) {
	l := loader{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(&l)
	}

	v := viper.New()
	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", l.file, err)
		}
	}

	if l.flags != nil {
		var bindErr error
		l.flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", bindErr)
		}
	}

	v.SetDefault("profile", ProfileDefault)
	base, err := preset(v.GetString("profile"))
	if err != nil {
		return Config{}, err
	}
	setDefaults(v, base)

	var cfg Config
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return Config{}, fmt.Errorf("%w: %w", httpserver.ErrInvalidConfig, err)
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Server.ServiceName
	}
	cfg.Server.Logger = base.Server.Logger

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the recognized options of both sections. Runtime-only
// fields such as the handler are checked later by httpserver.New.
func (c Config) Validate() error {
	var errs []error
	if err := c.Server.ValidateOptions(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	if !errors.Is(errs[0], httpserver.ErrInvalidConfig) {
		errs = append([]error{httpserver.ErrInvalidConfig}, errs...)
	}
	return errors.Join(errs...)
}

// Default returns the configuration Load produces with no sources.
func Default() Config {
	cfg, _ := preset(ProfileDefault)
	cfg.Telemetry.ServiceName = cfg.Server.ServiceName
	return cfg
}

func preset(profile string) (Config, error) {
	var server httpserver.Config
	switch profile {
	case ProfileDefault, "":
		server = httpserver.DefaultConfig()
		profile = ProfileDefault
	case ProfileProduction:
		server = httpserver.ProductionConfig()
	case ProfileDevelopment:
		server = httpserver.DevelopmentConfig()
	default:
		return Config{}, fmt.Errorf("%w: %w %q", httpserver.ErrInvalidConfig, ErrUnknownProfile, profile)
	}

	tel := telemetry.DefaultConfig()
	tel.ServiceName = ""
	if profile == ProfileDevelopment {
		tel.Exporter = telemetry.ExporterStdout
	}
	return Config{Profile: profile, Server: server, Telemetry: tel}, nil
}

// setDefaults registers every recognized key, which AutomaticEnv needs to
// pick up environment variables during Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	s := cfg.Server
	for key, val := range map[string]any{
		"app_address":         s.AppAddress,
		"metrics_health_host": s.MetricsHealthHost,
		"metrics_health_port": s.MetricsHealthPort,
		"service_name":        s.ServiceName,
		"request_timeout":     s.RequestTimeout,
		"tracing_enabled":     s.TracingEnabled,
		"metrics_enabled":     s.MetricsEnabled,
		"metrics_buckets":     s.MetricsBuckets,
		"request_logging":     s.RequestLogging,
		"shutdown_timeout":    s.ShutdownTimeout,
		"read_timeout":        s.ReadTimeout,
		"read_header_timeout": s.ReadHeaderTimeout,
		"write_timeout":       s.WriteTimeout,
		"idle_timeout":        s.IdleTimeout,
		"max_header_bytes":    s.MaxHeaderBytes,
		"max_connections":     s.MaxConnections,
		"pprof_enabled":       s.PprofEnabled,
		"pprof_username":      s.PprofUsername,
		"pprof_password":      s.PprofPassword,
	} {
		v.SetDefault(key, val)
	}

	t := cfg.Telemetry
	for key, val := range map[string]any{
		"service_name":    t.ServiceName,
		"service_version": t.ServiceVersion,
		"environment":     t.Environment,
		"exporter":        string(t.Exporter),
		"endpoint":        t.Endpoint,
		"insecure":        t.Insecure,
		"sample_ratio":    t.SampleRatio,
		"batch_timeout":   t.BatchTimeout,
	} {
		v.SetDefault("telemetry."+key, val)
	}

	// Empty map defaults register no key, so maps are bound to the
	// environment directly.
	for _, key := range []string{"metrics_const_labels", "telemetry.headers", "telemetry.resource_attributes"} {
		_ = v.BindEnv(key)
	}
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		splitListHook(),
		stringToMapHook(),
	)
}

// splitListHook splits comma-separated elements of a string list. Viper
// hands an environment value for a list key over as a one-element list.
func splitListHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Slice || to.Kind() != reflect.Slice {
			return data, nil
		}
		var elems []string
		switch list := data.(type) {
		case []string:
			elems = list
		case []any:
			for _, e := range list {
				str, ok := e.(string)
				if !ok {
					return data, nil
				}
				elems = append(elems, str)
			}
		default:
			return data, nil
		}

		out := make([]string, 0, len(elems))
		for _, e := range elems {
			for _, part := range strings.Split(e, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
		return out, nil
	}
}

// stringToMapHook decodes "k1=v1,k2=v2", the form maps take in environment
// variables and flags.
func stringToMapHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Map {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		out := make(map[string]string)
		if raw == "" || raw == "{}" || raw == "map[]" {
			return out, nil
		}
		for _, pair := range strings.Split(raw, ",") {
			k, val, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("invalid map entry %q, want key=value", pair)
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		return out, nil
	}
}
