package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"

	PredictorHeuristic = "heuristic"
	PredictorModel     = "model"

	TopicsPerField  = "per_field"
	TopicsComposite = "composite"
	TopicsDisplay   = "display"
	TopicsAll       = "all"
)

type Config struct {
	ConfigFile     string        `json:"-"`
	DBPath         string        `json:"db_path"`
	LogLevel       zerolog.Level `json:"-"`
	InstallService bool          `json:"-"`

	LogFile    string `json:"log_file"`
	LogConsole bool   `json:"log_console"`

	// transport
	Transport    string `json:"transport"`
	BrokerURL    string `json:"broker_url"`
	WebSocketURL string `json:"websocket_url"`
	ClientPrefix string `json:"client_prefix"`
	TopicPrefix  string `json:"topic_prefix"`
	TopicSchema  string `json:"topic_schema"`

	// control loop
	TickIntervalSeconds   int     `json:"tick_interval_seconds"`
	RetryCooldownSeconds  int     `json:"retry_cooldown_seconds"`
	MaxConsecutiveRetries int     `json:"max_consecutive_retries"`
	AlertAfterFailures    int     `json:"alert_after_failures"`
	MinSetpoint           float64 `json:"min_setpoint"`
	MaxSetpoint           float64 `json:"max_setpoint"`

	// prediction
	Predictor string `json:"predictor"`
	ModelFile string `json:"model_file"`

	// schedules
	RejectOverlappingSchedules bool `json:"reject_overlapping_schedules"`
	SeedDefaultSchedules       bool `json:"seed_default_schedules"`

	// link health and history
	HeartbeatTimeoutSeconds   int `json:"heartbeat_timeout_seconds"`
	HistoryMinIntervalSeconds int `json:"history_min_interval_seconds"`
	HistoryRetentionDays      int `json:"history_retention_days"`

	APIPort int `json:"api_port"`

	// datadog
	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`

	ServiceBinaryPath string `json:"service_binary_path"`
	ServiceUnitPath   string `json:"service_unit_path"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.DBPath, "db", "", "Path to the SQLite database file (overrides config)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.InstallService, "install-service", false, "Write and enable the systemd unit, then exit")
	flag.Parse()

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	dbOverride := cfg.DBPath
	if err := decode(file, &cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}
	if dbOverride != "" {
		cfg.DBPath = dbOverride
	}
	cfg.LogLevel = parseLogLevel(logLevel)

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

// Parse decodes a JSON config, fills defaults and validates it. It panics
// on invalid configuration like Load does.
func Parse(r io.Reader) Config {
	var cfg Config
	if err := decode(r, &cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}
	cfg.LogLevel = zerolog.InfoLevel
	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func decode(r io.Reader, cfg *Config) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.DBPath == "" {
		cfg.DBPath = "data/valve.db"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/var/log/valve-controller.log"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportMQTT
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://broker.hivemq.com:1883"
	}
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "valve-controller"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "valve/"
	}
	if cfg.TopicSchema == "" {
		cfg.TopicSchema = TopicsAll
	}
	if cfg.TickIntervalSeconds == 0 {
		cfg.TickIntervalSeconds = 900
	}
	if cfg.RetryCooldownSeconds == 0 {
		cfg.RetryCooldownSeconds = 60
	}
	if cfg.MaxConsecutiveRetries == 0 {
		cfg.MaxConsecutiveRetries = 5
	}
	if cfg.AlertAfterFailures == 0 {
		cfg.AlertAfterFailures = 3
	}
	if cfg.MinSetpoint == 0 && cfg.MaxSetpoint == 0 {
		cfg.MinSetpoint = 16
		cfg.MaxSetpoint = 28
	}
	if cfg.Predictor == "" {
		cfg.Predictor = PredictorHeuristic
	}
	if cfg.HeartbeatTimeoutSeconds == 0 {
		cfg.HeartbeatTimeoutSeconds = 300
	}
	if cfg.HistoryMinIntervalSeconds == 0 {
		cfg.HistoryMinIntervalSeconds = 60
	}
	if cfg.HistoryRetentionDays == 0 {
		cfg.HistoryRetentionDays = 7
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.DDAgentAddr == "" {
		cfg.DDAgentAddr = "127.0.0.1:8125"
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "valve."
	}
	if cfg.ServiceBinaryPath == "" {
		cfg.ServiceBinaryPath = "/usr/local/bin/valve-controller"
	}
	if cfg.ServiceUnitPath == "" {
		cfg.ServiceUnitPath = "/etc/systemd/system/valve-controller.service"
	}
}

func (cfg *Config) TickInterval() time.Duration {
	return time.Duration(cfg.TickIntervalSeconds) * time.Second
}

func (cfg *Config) RetryCooldown() time.Duration {
	return time.Duration(cfg.RetryCooldownSeconds) * time.Second
}

func (cfg *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second
}

func (cfg *Config) validate() {
	var problems []string

	switch cfg.Transport {
	case TransportMQTT:
		if cfg.BrokerURL == "" {
			problems = append(problems, "broker_url is required for mqtt transport")
		}
	case TransportWebSocket:
		if cfg.WebSocketURL == "" {
			problems = append(problems, "websocket_url is required for websocket transport")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", cfg.Transport))
	}

	switch cfg.TopicSchema {
	case TopicsPerField, TopicsComposite, TopicsDisplay, TopicsAll:
	default:
		problems = append(problems, fmt.Sprintf("unknown topic_schema %q", cfg.TopicSchema))
	}

	switch cfg.Predictor {
	case PredictorHeuristic:
	case PredictorModel:
		if cfg.ModelFile == "" {
			problems = append(problems, "model_file is required for model predictor")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown predictor %q", cfg.Predictor))
	}

	if cfg.MinSetpoint >= cfg.MaxSetpoint {
		problems = append(problems, fmt.Sprintf("min_setpoint %.1f must be below max_setpoint %.1f", cfg.MinSetpoint, cfg.MaxSetpoint))
	}
	if cfg.TickIntervalSeconds < 0 || cfg.RetryCooldownSeconds < 0 {
		problems = append(problems, "intervals must be positive")
	}
	if !strings.HasSuffix(cfg.TopicPrefix, "/") {
		problems = append(problems, "topic_prefix must end with /")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}
