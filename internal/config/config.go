package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
	"github.com/dokzlo13/kafkaconf/internal/tlsconf"
)

// Config represents the application configuration
type Config struct {
	ZooKeeper  ZooKeeperConfig  `yaml:"zookeeper"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	History    HistoryConfig    `yaml:"history"`
	Log        LogConfig        `yaml:"log"`
	Configs    []ResourceConfig `yaml:"configs"`
}

// ZooKeeperConfig contains coordination service settings
type ZooKeeperConfig struct {
	Connect        string    `yaml:"connect"` // host:port[,host:port...][/chroot]
	SessionTimeout Duration  `yaml:"session_timeout"`
	AuthScheme     string    `yaml:"auth_scheme"` // digest or sasl (default: digest)
	AuthValue      string    `yaml:"auth_value"`
	SSL            TLSConfig `yaml:"ssl"`

	// Convergence polling for topic configs
	SleepTime  Duration `yaml:"sleep_time"`  // default: 5s
	MaxRetries int      `yaml:"max_retries"` // default: 5
}

// KafkaConfig contains broker admin client settings
type KafkaConfig struct {
	BootstrapServers StringList `yaml:"bootstrap_servers"`
	ClientID         string     `yaml:"client_id"`
	RequestTimeout   Duration   `yaml:"request_timeout"`
	SecurityProtocol string     `yaml:"security_protocol"` // PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL
	SASL             SASLConfig `yaml:"sasl"`
	SSL              TLSConfig  `yaml:"ssl"`

	// Convergence polling for broker configs
	SleepTime  Duration `yaml:"sleep_time"`  // default: 5s
	MaxRetries int      `yaml:"max_retries"` // default: 5

	// LegacyAlterConfigs forces the full-replace AlterConfigs API
	LegacyAlterConfigs bool `yaml:"legacy_alter_configs"`
}

// SASLConfig contains Kafka SASL credentials
type SASLConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig contains TLS material. File fields take PEM content or a path.
type TLSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CheckHostname *bool  `yaml:"check_hostname"` // default: true
	CAFile        string `yaml:"cafile"`
	CertFile      string `yaml:"certfile"`
	KeyFile       string `yaml:"keyfile"`
	Password      string `yaml:"password"`
}

// Options converts the section for tlsconf.Build.
func (c TLSConfig) Options() tlsconf.Options {
	check := true
	if c.CheckHostname != nil {
		check = *c.CheckHostname
	}
	return tlsconf.Options{
		Enabled:       c.Enabled,
		CheckHostname: check,
		CAFile:        c.CAFile,
		CertFile:      c.CertFile,
		KeyFile:       c.KeyFile,
		Password:      c.Password,
	}
}

// ReconcilerConfig contains reconciler settings
type ReconcilerConfig struct {
	Concurrency  int      `yaml:"concurrency"`    // default: 1
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // default: 10
	MaxAttempts  int      `yaml:"max_attempts"`   // default: 3
	CheckMode    bool     `yaml:"check_mode"`
	Interval     Duration `yaml:"interval"` // 0 = run once

	// WatchConfig reloads the configs section when the file changes.
	// Only used with a non-zero interval.
	WatchConfig bool `yaml:"watch_config"`
}

// HistoryConfig contains run history settings
type HistoryConfig struct {
	Path          string `yaml:"path"` // empty disables history
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// ResourceConfig is one desired resource entry
type ResourceConfig struct {
	ResourceType string  `yaml:"resource_type"`
	ResourceName string  `yaml:"resource_name"`
	Options      Options `yaml:"options"`
}

// Options holds desired config values. A nil value is a YAML null and asks
// for the override to be removed.
type Options map[string]*string

// UnmarshalYAML implements yaml.Unmarshaler for Options
func (o *Options) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: options must be a mapping", value.Line)
	}

	opts := make(Options, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: option keys must be scalars", k.Line)
		}
		if _, dup := opts[k.Value]; dup {
			return fmt.Errorf("line %d: duplicate option %q", k.Line, k.Value)
		}

		switch {
		case v.Kind == yaml.ScalarNode && v.ShortTag() == "!!null":
			opts[k.Value] = nil
		case v.Kind == yaml.ScalarNode:
			s := v.Value
			opts[k.Value] = &s
		default:
			return fmt.Errorf("line %d: option %q must be a scalar or null", v.Line, k.Value)
		}
	}

	*o = opts
	return nil
}

// StringList accepts either a YAML sequence or a comma-separated string
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler for StringList
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	var items []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	*l = items
	return nil
}

// Duration is a wrapper around time.Duration for YAML unmarshalling.
// Plain integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		secs, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// ZooKeeper defaults
	if cfg.ZooKeeper.SessionTimeout == 0 {
		cfg.ZooKeeper.SessionTimeout = Duration(10 * time.Second)
	}
	if cfg.ZooKeeper.AuthScheme == "" {
		cfg.ZooKeeper.AuthScheme = "digest"
	}
	if cfg.ZooKeeper.SleepTime == 0 {
		cfg.ZooKeeper.SleepTime = Duration(5 * time.Second)
	}
	if cfg.ZooKeeper.MaxRetries == 0 {
		cfg.ZooKeeper.MaxRetries = 5
	}

	// Kafka defaults
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "kafkaconf"
	}
	if cfg.Kafka.RequestTimeout == 0 {
		cfg.Kafka.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.Kafka.SecurityProtocol == "" {
		cfg.Kafka.SecurityProtocol = "PLAINTEXT"
	}
	if cfg.Kafka.SleepTime == 0 {
		cfg.Kafka.SleepTime = Duration(5 * time.Second)
	}
	if cfg.Kafka.MaxRetries == 0 {
		cfg.Kafka.MaxRetries = 5
	}

	// Reconciler defaults
	if cfg.Reconciler.Concurrency == 0 {
		cfg.Reconciler.Concurrency = 1
	}
	if cfg.Reconciler.RateLimitRPS == 0 {
		cfg.Reconciler.RateLimitRPS = 10.0 // 10 requests per second
	}
	if cfg.Reconciler.MaxAttempts == 0 {
		cfg.Reconciler.MaxAttempts = 3
	}

	// History defaults
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 30
	}

	return &cfg, nil
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	var errs []error

	if len(c.Kafka.BootstrapServers) == 0 {
		errs = append(errs, errors.New("kafka.bootstrap_servers is required"))
	}
	if c.ZooKeeper.Connect == "" {
		for _, r := range c.Configs {
			if r.ResourceType == string(reconcile.KindTopic) {
				errs = append(errs, errors.New("zookeeper.connect is required for topic configs"))
				break
			}
		}
	}
	if c.Reconciler.Concurrency < 0 {
		errs = append(errs, errors.New("reconciler.concurrency must not be negative"))
	}
	if _, err := c.Desired(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Desired converts the configs section into desired resource configs.
// Each resource may appear at most once.
func (c *Config) Desired() ([]reconcile.DesiredConfig, error) {
	desired := make([]reconcile.DesiredConfig, 0, len(c.Configs))
	seen := make(map[reconcile.ResourceRef]int, len(c.Configs))

	for i, r := range c.Configs {
		kind, err := reconcile.ParseKind(r.ResourceType)
		if err != nil {
			return nil, fmt.Errorf("configs[%d]: %w", i, err)
		}
		ref, err := reconcile.NewResourceRef(kind, r.ResourceName)
		if err != nil {
			return nil, fmt.Errorf("configs[%d]: %w", i, err)
		}
		if prev, dup := seen[ref]; dup {
			return nil, fmt.Errorf("configs[%d]: %s already declared in configs[%d]", i, ref, prev)
		}
		seen[ref] = i

		opts := map[string]*string(r.Options)
		if opts == nil {
			opts = map[string]*string{}
		}
		desired = append(desired, reconcile.DesiredConfig{Ref: ref, Options: opts})
	}

	return desired, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
