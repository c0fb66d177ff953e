// Package config loads proxy configuration from environment variables and
// command-line flags. Flags win over env vars; env vars win over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "WSPROXY_LISTEN_ADDR"
	envVarMode            = "WSPROXY_MODE"
	envVarLogFormat       = "WSPROXY_LOG_FORMAT"
	envVarLogLevel        = "WSPROXY_LOG_LEVEL"
	envVarShutdownTimeout = "WSPROXY_SHUTDOWN_TIMEOUT"
	envVarDrainTimeout    = "WSPROXY_DRAIN_TIMEOUT"
	envVarEndpointsFile   = "WSPROXY_ENDPOINTS_FILE"
	envVarWatchEndpoints  = "WSPROXY_WATCH_ENDPOINTS"
	envVarAllowedOrigins  = "WSPROXY_ALLOWED_ORIGINS"

	envVarPingInterval   = "WSPROXY_PING_INTERVAL"
	envVarWriteWait      = "WSPROXY_WRITE_WAIT"
	envVarBackpressWarn  = "WSPROXY_BACKPRESSURE_WARN_BYTES"
	envVarBackpressDrop  = "WSPROXY_BACKPRESSURE_DROP_BYTES"
	envVarFlushMessages  = "WSPROXY_FLUSH_MESSAGES"
	envVarFlushInterval  = "WSPROXY_FLUSH_INTERVAL"
	envVarReaperInterval = "WSPROXY_REAPER_INTERVAL"
	envVarStaleThreshold = "WSPROXY_STALE_THRESHOLD"

	envVarOpsQueueDepth    = "WSPROXY_OPS_QUEUE_DEPTH"
	envVarOpsPingInterval  = "WSPROXY_OPS_PING_INTERVAL"
	envVarOpsIdleTimeout   = "WSPROXY_OPS_IDLE_TIMEOUT"
	envVarSampleQueueDepth = "WSPROXY_SAMPLE_QUEUE_DEPTH"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 15 * time.Second
	DefaultDrainTimeout    = 5 * time.Second

	DefaultPingInterval          = 30 * time.Second
	DefaultWriteWait             = 10 * time.Second
	DefaultBackpressureWarnBytes = 16 * 1024
	DefaultBackpressureDropBytes = 64 * 1024
	DefaultFlushMessages         = 10
	DefaultFlushInterval         = 30 * time.Second
	DefaultReaperInterval        = 5 * time.Minute
	DefaultStaleThreshold        = 30 * time.Minute

	DefaultOpsQueueDepth    = 64
	DefaultOpsPingInterval  = 20 * time.Second
	DefaultOpsIdleTimeout   = 60 * time.Second
	DefaultSampleQueueDepth = 256
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	// EndpointsFile is the YAML endpoint definitions file. Required.
	EndpointsFile string

	// WatchEndpoints hot-reloads EndpointsFile on change.
	WatchEndpoints bool

	// AllowedOrigins restricts browser upgrades. Empty allows all origins.
	AllowedOrigins []string

	// Data-plane tuning.
	PingInterval          time.Duration
	WriteWait             time.Duration
	BackpressureWarnBytes int
	BackpressureDropBytes int

	// Session registry tuning.
	FlushMessages  int
	FlushInterval  time.Duration
	ReaperInterval time.Duration
	StaleThreshold time.Duration

	// Telemetry channel tuning.
	OpsQueueDepth    int
	OpsPingInterval  time.Duration
	OpsIdleTimeout   time.Duration
	SampleQueueDepth int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	endpointsFile := envOrDefault(lookup, envVarEndpointsFile, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	watchEndpoints := true
	if raw, ok := lookup(envVarWatchEndpoints); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWatchEndpoints, raw, err)
		}
		watchEndpoints = v
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	drainTimeout, err := envDurationOrDefault(lookup, envVarDrainTimeout, DefaultDrainTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	writeWait, err := envDurationOrDefault(lookup, envVarWriteWait, DefaultWriteWait)
	if err != nil {
		return Config{}, err
	}
	flushInterval, err := envDurationOrDefault(lookup, envVarFlushInterval, DefaultFlushInterval)
	if err != nil {
		return Config{}, err
	}
	reaperInterval, err := envDurationOrDefault(lookup, envVarReaperInterval, DefaultReaperInterval)
	if err != nil {
		return Config{}, err
	}
	staleThreshold, err := envDurationOrDefault(lookup, envVarStaleThreshold, DefaultStaleThreshold)
	if err != nil {
		return Config{}, err
	}
	opsPingInterval, err := envDurationOrDefault(lookup, envVarOpsPingInterval, DefaultOpsPingInterval)
	if err != nil {
		return Config{}, err
	}
	opsIdleTimeout, err := envDurationOrDefault(lookup, envVarOpsIdleTimeout, DefaultOpsIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	backpressWarn, err := envIntOrDefault(lookup, envVarBackpressWarn, DefaultBackpressureWarnBytes)
	if err != nil {
		return Config{}, err
	}
	backpressDrop, err := envIntOrDefault(lookup, envVarBackpressDrop, DefaultBackpressureDropBytes)
	if err != nil {
		return Config{}, err
	}
	flushMessages, err := envIntOrDefault(lookup, envVarFlushMessages, DefaultFlushMessages)
	if err != nil {
		return Config{}, err
	}
	opsQueueDepth, err := envIntOrDefault(lookup, envVarOpsQueueDepth, DefaultOpsQueueDepth)
	if err != nil {
		return Config{}, err
	}
	sampleQueueDepth, err := envIntOrDefault(lookup, envVarSampleQueueDepth, DefaultSampleQueueDepth)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("wsproxyd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) (env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&drainTimeout, "drain-timeout", drainTimeout, "Max time to wait for live sessions to end on shutdown (env "+envVarDrainTimeout+")")
	fs.StringVar(&endpointsFile, "endpoints-file", endpointsFile, "YAML endpoint definitions file (required; env "+envVarEndpointsFile+")")
	fs.BoolVar(&watchEndpoints, "watch-endpoints", watchEndpoints, "Reload the endpoints file on change (env "+envVarWatchEndpoints+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")

	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Keepalive ping interval on proxied connections (env "+envVarPingInterval+")")
	fs.DurationVar(&writeWait, "write-wait", writeWait, "Per-write deadline on proxied connections (env "+envVarWriteWait+")")
	fs.IntVar(&backpressWarn, "backpressure-warn-bytes", backpressWarn, "Log a warning when a send queue exceeds this many buffered bytes (env "+envVarBackpressWarn+")")
	fs.IntVar(&backpressDrop, "backpressure-drop-bytes", backpressDrop, "Send queue byte budget; messages over it are dropped (must be >= --backpressure-warn-bytes; env "+envVarBackpressDrop+")")

	fs.IntVar(&flushMessages, "flush-messages", flushMessages, "Flush session counters every N relayed messages (env "+envVarFlushMessages+")")
	fs.DurationVar(&flushInterval, "flush-interval", flushInterval, "Flush all session counters at this interval (env "+envVarFlushInterval+")")
	fs.DurationVar(&reaperInterval, "reaper-interval", reaperInterval, "Stale session scan interval (env "+envVarReaperInterval+")")
	fs.DurationVar(&staleThreshold, "stale-threshold", staleThreshold, "Reap sessions idle for longer than this (env "+envVarStaleThreshold+")")

	fs.IntVar(&opsQueueDepth, "ops-queue-depth", opsQueueDepth, "Per-subscriber telemetry queue depth (env "+envVarOpsQueueDepth+")")
	fs.DurationVar(&opsPingInterval, "ops-ping-interval", opsPingInterval, "Ping interval on telemetry connections (must be < --ops-idle-timeout; env "+envVarOpsPingInterval+")")
	fs.DurationVar(&opsIdleTimeout, "ops-idle-timeout", opsIdleTimeout, "Close unresponsive telemetry connections after this duration (env "+envVarOpsIdleTimeout+")")
	fs.IntVar(&sampleQueueDepth, "sample-queue-depth", sampleQueueDepth, "Queue depth between the data path and the sample store writer (env "+envVarSampleQueueDepth+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		DrainTimeout:    drainTimeout,
		EndpointsFile:   strings.TrimSpace(endpointsFile),
		WatchEndpoints:  watchEndpoints,
		AllowedOrigins:  splitList(allowedOriginsStr),

		PingInterval:          pingInterval,
		WriteWait:             writeWait,
		BackpressureWarnBytes: backpressWarn,
		BackpressureDropBytes: backpressDrop,

		FlushMessages:  flushMessages,
		FlushInterval:  flushInterval,
		ReaperInterval: reaperInterval,
		StaleThreshold: staleThreshold,

		OpsQueueDepth:    opsQueueDepth,
		OpsPingInterval:  opsPingInterval,
		OpsIdleTimeout:   opsIdleTimeout,
		SampleQueueDepth: sampleQueueDepth,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.EndpointsFile == "" {
		return fmt.Errorf("--endpoints-file is required (env %s)", envVarEndpointsFile)
	}
	if c.BackpressureWarnBytes <= 0 || c.BackpressureDropBytes <= 0 {
		return fmt.Errorf("backpressure thresholds must be positive")
	}
	if c.BackpressureWarnBytes > c.BackpressureDropBytes {
		return fmt.Errorf("--backpressure-warn-bytes (%d) must be <= --backpressure-drop-bytes (%d)",
			c.BackpressureWarnBytes, c.BackpressureDropBytes)
	}
	if c.OpsPingInterval >= c.OpsIdleTimeout {
		return fmt.Errorf("--ops-ping-interval (%s) must be < --ops-idle-timeout (%s)",
			c.OpsPingInterval, c.OpsIdleTimeout)
	}
	if c.PingInterval <= 0 || c.WriteWait <= 0 {
		return fmt.Errorf("ping interval and write wait must be positive")
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
