package config

import (
	"github.com/spf13/pflag"
)

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"profile":             "profile",
	"app-address":         "app_address",
	"metrics-health-host": "metrics_health_host",
	"metrics-health-port": "metrics_health_port",
	"service-name":        "service_name",
	"request-timeout":     "request_timeout",
	"shutdown-timeout":    "shutdown_timeout",
	"tracing-enabled":     "tracing_enabled",
	"metrics-enabled":     "metrics_enabled",
	"request-logging":     "request_logging",
	"max-connections":     "max_connections",
	"pprof-enabled":       "pprof_enabled",
	"telemetry-exporter":  "telemetry.exporter",
	"telemetry-endpoint":  "telemetry.endpoint",
	"telemetry-insecure":  "telemetry.insecure",
	"telemetry-sample":    "telemetry.sample_ratio",
}

// RegisterFlags defines the command-line flags Load understands on fs.
// Defaults shown in help come from the default profile; a flag overrides
// other sources only when set.
//
//	fs := cmd.Flags()
//	config.RegisterFlags(fs)
//	cfg, err := config.Load(config.WithFlags(fs))
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	s, t := d.Server, d.Telemetry

	fs.String("profile", ProfileDefault, "preset defaults: default, production or development")
	fs.String("app-address", s.AppAddress, "host:port of the application listener")
	fs.String("metrics-health-host", s.MetricsHealthHost, "bind host of the metrics/health listener")
	fs.Int("metrics-health-port", s.MetricsHealthPort, "port of the metrics/health listener")
	fs.String("service-name", s.ServiceName, "service name for traces, metrics and logs")
	fs.Duration("request-timeout", s.RequestTimeout, "per-request deadline, 0 disables it")
	fs.Duration("shutdown-timeout", s.ShutdownTimeout, "grace period for in-flight requests on shutdown")
	fs.Bool("tracing-enabled", s.TracingEnabled, "trace requests")
	fs.Bool("metrics-enabled", s.MetricsEnabled, "record request metrics")
	fs.Bool("request-logging", s.RequestLogging, "log every request")
	fs.Int("max-connections", s.MaxConnections, "cap on concurrent application connections, 0 is unlimited")
	fs.Bool("pprof-enabled", s.PprofEnabled, "serve /debug/pprof on the metrics/health listener")
	fs.String("telemetry-exporter", string(t.Exporter), "span exporter: none, stdout, otlp-grpc or otlp-http")
	fs.String("telemetry-endpoint", t.Endpoint, "collector host:port for OTLP exporters")
	fs.Bool("telemetry-insecure", t.Insecure, "disable TLS for OTLP exporters")
	fs.Float64("telemetry-sample", t.SampleRatio, "fraction of root spans sampled")
}
