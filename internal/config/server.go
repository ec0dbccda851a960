package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/kiegate/core/config"
	"github.com/gaspardpetit/kiegate/internal/kie"
)

const (
	DefaultPort         = 8000
	DefaultGenerateURL  = kie.DefaultGenerateURL
	DefaultJobsBaseURL  = kie.DefaultJobsBaseURL
	DefaultPrompt       = "nano banana"
	PlaceholderAPIKey   = "<YOUR_API_KEY>"
	DefaultPollInterval = 2500 * time.Millisecond
	DefaultPollAttempts = 40
	DefaultDrainTimeout = 30 * time.Second
	defaultConfigFile   = "server.yaml"
)

// ServerConfig holds configuration for the kiegate server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	KieAPIKey       string        `yaml:"kie_api_key"`
	GenerateURL     string        `yaml:"kie_api_url"`
	JobsBaseURL     string        `yaml:"kie_jobs_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	DefaultPrompt   string        `yaml:"default_prompt"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollAttempts    int           `yaml:"poll_attempts"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	StaticDir       string        `yaml:"static_dir"`
	MCPEnabled      bool          `yaml:"mcp_enabled"`
	RedisAddr       string        `yaml:"redis_addr"`
	ReplicaID       string        `yaml:"replica_id"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	LogLevel        string        `yaml:"log_level"`
	ConfigFile      string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.KieAPIKey == "" {
		c.KieAPIKey = PlaceholderAPIKey
	}
	if c.GenerateURL == "" {
		c.GenerateURL = DefaultGenerateURL
	}
	if c.JobsBaseURL == "" {
		c.JobsBaseURL = DefaultJobsBaseURL
	}
	if c.DefaultPrompt == "" {
		c.DefaultPrompt = DefaultPrompt
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollAttempts == 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath(defaultConfigFile)
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := commoncfg.GetEnv("KIE_API_KEY", ""); v != "" {
		c.KieAPIKey = v
	}
	if v := commoncfg.GetEnv("KIE_API_URL", ""); v != "" {
		c.GenerateURL = v
	}
	if v := commoncfg.GetEnv("KIE_JOBS_URL", ""); v != "" {
		c.JobsBaseURL = v
	}
	if v := commoncfg.GetEnv("UPSTREAM_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.UpstreamTimeout = d
		}
	}
	if v := commoncfg.GetEnv("DEFAULT_PROMPT", ""); v != "" {
		c.DefaultPrompt = v
	}
	if v := commoncfg.GetEnv("POLL_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := commoncfg.GetEnv("POLL_ATTEMPTS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollAttempts = n
		}
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := commoncfg.GetEnv("STATIC_DIR", ""); v != "" {
		c.StaticDir = v
	}
	if v := commoncfg.GetEnv("MCP_ENABLED", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MCPEnabled = b
		}
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("REPLICA_ID", ""); v != "" {
		c.ReplicaID = v
	}
	if v := commoncfg.GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.KieAPIKey, "kie-api-key", c.KieAPIKey, "bearer token sent to the kie.ai API")
	fs.StringVar(&c.GenerateURL, "kie-api-url", c.GenerateURL, "upstream image generation URL")
	fs.StringVar(&c.JobsBaseURL, "kie-jobs-url", c.JobsBaseURL, "upstream jobs API base URL")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", c.UpstreamTimeout, "upstream call timeout (0 disables)")
	fs.StringVar(&c.DefaultPrompt, "default-prompt", c.DefaultPrompt, "prompt used when the caller sends none")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "delay between task status checks")
	fs.IntVar(&c.PollAttempts, "poll-attempts", c.PollAttempts, "maximum task status checks before giving up")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.StaticDir, "static-dir", c.StaticDir, "directory of static front-end files to serve")
	fs.BoolVar(&c.MCPEnabled, "mcp", c.MCPEnabled, "expose the generate_image MCP tool on /mcp")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state")
	fs.StringVar(&c.ReplicaID, "replica-id", c.ReplicaID, "name of this replica in the redis state store (defaults to the hostname)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
}

// ConfigFileFromArgs returns the value of a --config flag in args, if any,
// so the file can be loaded before the remaining flags are parsed.
func ConfigFileFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := strings.TrimPrefix(args[i], "-")
		if a == "-config" || a == "config" {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", false
		}
		for _, p := range []string{"-config=", "config="} {
			if strings.HasPrefix(a, p) {
				return strings.TrimPrefix(a, p), true
			}
		}
	}
	return "", false
}

// MetricsOnMainPort reports whether /metrics is served by the main listener
// rather than a dedicated one.
func (c *ServerConfig) MetricsOnMainPort() bool {
	return c.MetricsAddr == "" || c.MetricsAddr == fmt.Sprintf(":%d", c.Port)
}

// UsesPlaceholderKey reports whether no real kie.ai key was configured.
func (c *ServerConfig) UsesPlaceholderKey() bool {
	return c.KieAPIKey == "" || c.KieAPIKey == PlaceholderAPIKey
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
