package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TETHER_"

// Mode selects where a runner gets its desired state from
type Mode string

const (
	ModeSelfHosted Mode = "self-hosted"
	ModeManaged    Mode = "managed"
)

// Backend selects the executor implementation
type Backend string

const (
	BackendKubernetes Backend = "kubernetes"
	BackendContainerd Backend = "containerd"
)

// Environment selects server defaults
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// LogConfig configures logging for both binaries
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SelfHostedConfig holds the credentials of a self-hosted runner
type SelfHostedConfig struct {
	// JWTSecret signs the tokens of the runner's own API
	JWTSecret string `yaml:"jwt_secret"`
}

// ManagedConfig holds the connection settings of a managed runner
type ManagedConfig struct {
	APIURL     string `yaml:"api_url"`
	StreamAddr string `yaml:"stream_addr"`
	StreamTLS  bool   `yaml:"stream_tls"`
	APIToken   string `yaml:"api_token"`
}

// ExecutorConfig configures the executor backend
type ExecutorConfig struct {
	Backend          Backend `yaml:"backend"`
	Namespace        string  `yaml:"namespace"`
	Kubeconfig       string  `yaml:"kubeconfig"`
	StorageClass     string  `yaml:"storage_class"`
	ContainerdSocket string  `yaml:"containerd_socket"`
}

// RunnerSettings is everything the runner reads at startup
type RunnerSettings struct {
	Mode     Mode      `yaml:"mode"`
	TenantID uuid.UUID `yaml:"tenant_id"`
	RunnerID uuid.UUID `yaml:"runner_id"`

	SelfHosted SelfHostedConfig `yaml:"self_hosted"`
	Managed    ManagedConfig    `yaml:"managed"`
	Executor   ExecutorConfig   `yaml:"executor"`

	DataDir               string        `yaml:"data_dir"`
	BindAddress           string        `yaml:"bind_address"`
	MetricsAddress        string        `yaml:"metrics_address"`
	FullReconcileInterval time.Duration `yaml:"full_reconcile_interval"`

	Log LogConfig `yaml:"log"`
}

// Identity returns the runner identity the settings describe
func (s *RunnerSettings) Identity() types.RunnerIdentity {
	return types.RunnerIdentity{TenantID: s.TenantID, RunnerID: s.RunnerID}
}

// DefaultRunnerSettings returns a self-hosted runner on Kubernetes
func DefaultRunnerSettings() RunnerSettings {
	return RunnerSettings{
		Mode:                  ModeSelfHosted,
		Executor:              ExecutorConfig{Backend: BackendKubernetes},
		DataDir:               "/var/lib/tether",
		BindAddress:           "127.0.0.1:8081",
		MetricsAddress:        "127.0.0.1:9091",
		FullReconcileInterval: 10 * time.Minute,
		Log:                   LogConfig{Level: "info"},
	}
}

// Validate checks that the settings for the selected mode are present
func (s *RunnerSettings) Validate() error {
	if s.TenantID == uuid.Nil {
		return errors.New("tenant_id is required")
	}
	if s.RunnerID == uuid.Nil {
		return errors.New("runner_id is required")
	}

	switch s.Mode {
	case ModeSelfHosted:
		if len(s.SelfHosted.JWTSecret) < 16 {
			return errors.New("self_hosted.jwt_secret must be at least 16 bytes")
		}
		if s.BindAddress == "" {
			return errors.New("bind_address is required in self-hosted mode")
		}
	case ModeManaged:
		if s.Managed.APIURL == "" {
			return errors.New("managed.api_url is required")
		}
		if s.Managed.StreamAddr == "" {
			return errors.New("managed.stream_addr is required")
		}
		if s.Managed.APIToken == "" {
			return errors.New("managed.api_token is required")
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}

	switch s.Executor.Backend {
	case BackendKubernetes, BackendContainerd:
	default:
		return fmt.Errorf("unknown executor backend %q", s.Executor.Backend)
	}

	if s.DataDir == "" {
		return errors.New("data_dir is required")
	}
	return nil
}

// ValkeyConfig addresses the server's lock and pub/sub store
type ValkeyConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerSettings is everything the control plane server reads at startup
type ServerSettings struct {
	Environment Environment `yaml:"environment"`

	HTTPAddr    string       `yaml:"http_addr"`
	GRPCAddr    string       `yaml:"grpc_addr"`
	DatabaseURL string       `yaml:"database_url"`
	Valkey      ValkeyConfig `yaml:"valkey"`
	JWTSecret   string       `yaml:"jwt_secret"`

	// LockTTL and HeartbeatInterval default from Environment when zero
	LockTTL           time.Duration `yaml:"lock_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Log LogConfig `yaml:"log"`
}

// DefaultServerSettings returns production server defaults
func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		Environment: Production,
		HTTPAddr:    "0.0.0.0:8080",
		GRPCAddr:    "0.0.0.0:8090",
		Log:         LogConfig{Level: "info", JSON: true},
	}
}

// Validate checks required server settings
func (s *ServerSettings) Validate() error {
	switch s.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("unknown environment %q", s.Environment)
	}
	if s.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if len(s.JWTSecret) < 16 {
		return errors.New("jwt_secret must be at least 16 bytes")
	}
	if s.HeartbeatInterval > 0 && s.LockTTL > 0 && s.HeartbeatInterval >= s.LockTTL {
		return errors.New("heartbeat_interval must be shorter than lock_ttl")
	}
	if s.Environment == Production && s.Valkey.Address == "" {
		return errors.New("valkey.address is required in production")
	}
	return nil
}

// LoadRunner reads runner settings from path (optional) and the environment
func LoadRunner(path string) (*RunnerSettings, error) {
	s := DefaultRunnerSettings()
	if err := loadFile(path, &s); err != nil {
		return nil, err
	}

	env := envLoader{}
	env.mode("MODE", &s.Mode)
	env.identifier("TENANT_ID", &s.TenantID)
	env.identifier("RUNNER_ID", &s.RunnerID)
	env.str("JWT_SECRET", &s.SelfHosted.JWTSecret)
	env.str("API_URL", &s.Managed.APIURL)
	env.str("STREAM_ADDR", &s.Managed.StreamAddr)
	env.boolean("STREAM_TLS", &s.Managed.StreamTLS)
	env.str("API_TOKEN", &s.Managed.APIToken)
	env.backend("EXECUTOR_BACKEND", &s.Executor.Backend)
	env.str("NAMESPACE", &s.Executor.Namespace)
	env.str("KUBECONFIG", &s.Executor.Kubeconfig)
	env.str("CONTAINERD_SOCKET", &s.Executor.ContainerdSocket)
	env.str("DATA_DIR", &s.DataDir)
	env.str("BIND_ADDRESS", &s.BindAddress)
	env.str("METRICS_ADDRESS", &s.MetricsAddress)
	env.duration("FULL_RECONCILE_INTERVAL", &s.FullReconcileInterval)
	env.str("LOG_LEVEL", &s.Log.Level)
	env.boolean("LOG_JSON", &s.Log.JSON)
	if env.err != nil {
		return nil, env.err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadServer reads server settings from path (optional) and the environment
func LoadServer(path string) (*ServerSettings, error) {
	s := DefaultServerSettings()
	if err := loadFile(path, &s); err != nil {
		return nil, err
	}

	env := envLoader{}
	env.str("ENVIRONMENT", (*string)(&s.Environment))
	env.str("HTTP_ADDR", &s.HTTPAddr)
	env.str("GRPC_ADDR", &s.GRPCAddr)
	env.str("DATABASE_URL", &s.DatabaseURL)
	env.str("VALKEY_ADDRESS", &s.Valkey.Address)
	env.str("VALKEY_PASSWORD", &s.Valkey.Password)
	env.integer("VALKEY_DB", &s.Valkey.DB)
	env.str("JWT_SECRET", &s.JWTSecret)
	env.duration("LOCK_TTL", &s.LockTTL)
	env.duration("HEARTBEAT_INTERVAL", &s.HeartbeatInterval)
	env.str("LOG_LEVEL", &s.Log.Level)
	env.boolean("LOG_JSON", &s.Log.JSON)
	if env.err != nil {
		return nil, env.err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// loadFile decodes a YAML file over the defaults already in out. An empty
// path skips the file.
func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error loading config from %s: %w", path, err)
	}
	return nil
}

// envLoader applies TETHER_* overrides and keeps the first parse error
type envLoader struct {
	err error
}

func (l *envLoader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (l *envLoader) fail(key string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
}

func (l *envLoader) str(key string, dst *string) {
	if v, ok := l.lookup(key); ok {
		*dst = v
	}
}

func (l *envLoader) mode(key string, dst *Mode) {
	l.str(key, (*string)(dst))
}

func (l *envLoader) backend(key string, dst *Backend) {
	l.str(key, (*string)(dst))
}

func (l *envLoader) identifier(key string, dst *uuid.UUID) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	id, err := uuid.Parse(v)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = id
}

func (l *envLoader) duration(key string, dst *time.Duration) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = d
}

func (l *envLoader) boolean(key string, dst *bool) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = b
}

func (l *envLoader) integer(key string, dst *int) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = n
}
