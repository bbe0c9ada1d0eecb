package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	internalPaths "deploy-agent/internal"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultAppID          = "DEPLOY-V2"
	defaultTopicPrefix    = "edc"
	defaultNATSURL        = "nats://localhost:4222"
	defaultHTTPAddr       = ":2380"
	defaultQueueSize      = 4
	defaultDocumentFormat = "json"
	defaultLogLevel       = "info"

	envClientID   = "DEPLOY_AGENT_CLIENT_ID"
	envNATSURL    = "DEPLOY_AGENT_NATS_URL"
	envHTTPAddr   = "DEPLOY_AGENT_HTTP_ADDR"
	envMDNS       = "DEPLOY_AGENT_MDNS"
	envDocker     = "DEPLOY_AGENT_DOCKER"
	envHooksFile  = "DEPLOY_AGENT_HOOKS_FILE"
	envLogLevel   = "DEPLOY_AGENT_LOG_LEVEL"
	envQueueSize  = "DEPLOY_AGENT_QUEUE_SIZE"
	envDataDir    = "DEPLOY_AGENT_DATA_DIR"
	envTopicPrefx = "DEPLOY_AGENT_TOPIC_PREFIX"
)

// Config holds runtime configuration for the deployment agent.
type Config struct {
	ClientID         string            `yaml:"client_id" validate:"required,excludesall=.*>"`
	AppID            string            `yaml:"app_id" validate:"required,excludesall=.*>"`
	TopicPrefix      string            `yaml:"topic_prefix" validate:"required,excludesall=*>"`
	NATS             NATS              `yaml:"nats"`
	HTTP             HTTP              `yaml:"http"`
	Paths            Paths             `yaml:"paths"`
	HooksFile        string            `yaml:"hooks_file"`
	HookAssociations map[string]string `yaml:"hook_associations" validate:"dive,keys,required,endkeys,required"`
	TLS              TLS               `yaml:"tls"`
	Docker           Docker            `yaml:"docker"`
	Worker           Worker            `yaml:"worker"`
	DocumentFormat   string            `yaml:"document_format" validate:"oneof=json xml"`
	RebootCommand    []string          `yaml:"reboot_command"`
	LogLevel         string            `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// NATS configures the request/response transport.
type NATS struct {
	URL  string `yaml:"url" validate:"required"`
	Name string `yaml:"name"`
}

// HTTP configures the local admin API.
type HTTP struct {
	Addr string `yaml:"addr"`
	MDNS bool   `yaml:"mdns"`
}

// Paths locates the agent's on-disk state.
type Paths struct {
	DataDir         string `yaml:"data_dir" validate:"required"`
	DownloadsDir    string `yaml:"downloads_dir"`
	PackagesDir     string `yaml:"packages_dir"`
	VerificationDir string `yaml:"verification_dir"`
	InventoryPath   string `yaml:"inventory_path"`
}

// TLS configures the secure transport used for package downloads.
type TLS struct {
	CAFile             string `yaml:"ca_file" validate:"omitempty,file"`
	CertFile           string `yaml:"cert_file" validate:"omitempty,file"`
	KeyFile            string `yaml:"key_file" validate:"omitempty,file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Docker toggles the container-backed module registry.
type Docker struct {
	Enabled bool `yaml:"enabled"`
}

// Worker configures the background job worker.
type Worker struct {
	QueueSize int `yaml:"queue_size" validate:"gte=1,lte=64"`
}

// Default returns configuration with every default applied.
func Default() *Config {
	return &Config{
		AppID:          defaultAppID,
		TopicPrefix:    defaultTopicPrefix,
		NATS:           NATS{URL: defaultNATSURL, Name: "deploy-agent"},
		HTTP:           HTTP{Addr: defaultHTTPAddr},
		Paths:          Paths{DataDir: internalPaths.GetStorageRoot()},
		Worker:         Worker{QueueSize: defaultQueueSize},
		DocumentFormat: defaultDocumentFormat,
		LogLevel:       defaultLogLevel,
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(envClientID)); v != "" {
		cfg.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(envNATSURL)); v != "" {
		cfg.NATS.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(envHTTPAddr)); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(envHooksFile)); v != "" {
		cfg.HooksFile = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(envDataDir)); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envTopicPrefx)); v != "" {
		cfg.TopicPrefix = v
	}
	if v := strings.TrimSpace(os.Getenv(envMDNS)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envMDNS, err)
		}
		cfg.HTTP.MDNS = b
	}
	if v := strings.TrimSpace(os.Getenv(envDocker)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envDocker, err)
		}
		cfg.Docker.Enabled = b
	}
	if v := strings.TrimSpace(os.Getenv(envQueueSize)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envQueueSize, err)
		}
		cfg.Worker.QueueSize = n
	}
	return nil
}

func (c *Config) fillPaths() {
	root := c.Paths.DataDir
	if c.Paths.DownloadsDir == "" {
		c.Paths.DownloadsDir = internalPaths.GetDownloadsDir(root)
	}
	if c.Paths.PackagesDir == "" {
		c.Paths.PackagesDir = internalPaths.GetPackagesDir(root)
	}
	if c.Paths.VerificationDir == "" {
		c.Paths.VerificationDir = internalPaths.GetVerificationDir(root)
	}
	if c.Paths.InventoryPath == "" {
		c.Paths.InventoryPath = internalPaths.GetInventoryPath(root)
	}
}

// Validate checks struct constraints and reports the first failing field.
func (c *Config) Validate() error {
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("invalid config: tls cert_file and key_file must be set together")
	}
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EnsureDirs creates every directory the agent writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.DownloadsDir, c.Paths.PackagesDir, c.Paths.VerificationDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
