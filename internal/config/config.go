package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	xerrors "agentic-trust/internal/errors"
)

// Config 描述了 agentic-trust 服务在启动阶段需要加载的核心配置。
type Config struct {
	Server         ServerConfig
	Logging        LoggingConfig
	DefaultChainID int64
	ChainsFile     string
	Discovery      DiscoveryConfig
	IPFS           IPFSConfig
	Feedback       FeedbackConfig
	Deploy         DeployConfig
	Auth           AuthConfig
}

// AuthConfig 控制 API 的访问令牌。APIKeys 为空时 API 不做认证。
type AuthConfig struct {
	APIKeys string
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string
	RequestTimeout time.Duration
	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level        string
	Format       string
	AuditEnabled bool
	AuditPath    string
}

// DiscoveryConfig 描述 GraphQL 索引服务的访问方式。
type DiscoveryConfig struct {
	URL    string
	APIKey string
}

// IPFSConfig 描述 IPFS 上传与网关。
type IPFSConfig struct {
	APIURL     string
	GatewayURL string
	Token      string
}

// FeedbackConfig 控制反馈授权的签发。
type FeedbackConfig struct {
	ExpirySeconds uint64
	Ledger        LedgerConfig
}

// LedgerConfig 选择反馈授权审计记录的存储后端：memory、redis、mysql 或 badger。
type LedgerConfig struct {
	Driver        string
	DSN           string
	Path          string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// DeployConfig 控制异步部署队列。
type DeployConfig struct {
	QueueDriver   string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	QueueName     string
	AMQPURL       string
	NATSURL       string
	Workers       int
	MaxRetries    int
	JobTimeout    time.Duration
}

// Environment variable names for service level settings.
const (
	EnvHTTPAddress        = "AGENTIC_TRUST_HTTP_ADDRESS"
	EnvMetricsAddress     = "AGENTIC_TRUST_METRICS_ADDRESS"
	EnvRequestTimeout     = "AGENTIC_TRUST_REQUEST_TIMEOUT"
	EnvLogLevel           = "AGENTIC_TRUST_LOG_LEVEL"
	EnvLogFormat          = "AGENTIC_TRUST_LOG_FORMAT"
	EnvAuditLogPath       = "AGENTIC_TRUST_AUDIT_LOG_PATH"
	EnvDefaultChainID     = "AGENTIC_TRUST_DEFAULT_CHAIN_ID"
	EnvChainsFile         = "AGENTIC_TRUST_CHAINS_FILE"
	EnvDiscoveryURL       = "AGENTIC_TRUST_DISCOVERY_URL"
	EnvDiscoveryAPIKey    = "AGENTIC_TRUST_DISCOVERY_API_KEY"
	EnvIPFSAPIURL         = "AGENTIC_TRUST_IPFS_API_URL"
	EnvIPFSGatewayURL     = "AGENTIC_TRUST_IPFS_GATEWAY_URL"
	EnvIPFSToken          = "AGENTIC_TRUST_IPFS_TOKEN"
	EnvFeedbackExpiry     = "AGENTIC_TRUST_FEEDBACK_EXPIRY_SECONDS"
	EnvLedgerDriver       = "AGENTIC_TRUST_LEDGER_DRIVER"
	EnvLedgerDSN          = "AGENTIC_TRUST_LEDGER_DSN"
	EnvLedgerPath         = "AGENTIC_TRUST_LEDGER_PATH"
	EnvRedisAddress       = "AGENTIC_TRUST_REDIS_ADDRESS"
	EnvRedisPassword      = "AGENTIC_TRUST_REDIS_PASSWORD"
	EnvRedisDB            = "AGENTIC_TRUST_REDIS_DB"
	EnvDeployQueueDriver  = "AGENTIC_TRUST_DEPLOY_QUEUE_DRIVER"
	EnvDeployQueueName    = "AGENTIC_TRUST_DEPLOY_QUEUE_NAME"
	EnvAMQPURL            = "AGENTIC_TRUST_AMQP_URL"
	EnvNATSURL            = "AGENTIC_TRUST_NATS_URL"
	EnvDeployWorkers      = "AGENTIC_TRUST_DEPLOY_WORKERS"
	EnvDeployMaxRetries   = "AGENTIC_TRUST_DEPLOY_MAX_RETRIES"
	EnvDeployJobTimeout   = "AGENTIC_TRUST_DEPLOY_JOB_TIMEOUT"
	EnvAPIKeys            = "AGENTIC_TRUST_API_KEYS"
	defaultFeedbackExpiry = 3600
)

// Load 从 Source 中读取服务配置并填充默认值。
func Load(src *Source) (*Config, error) {
	if src == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置源为空")
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:        src.String(EnvHTTPAddress, ""),
			MetricsAddress: src.String(EnvMetricsAddress, ""),
		},
		Logging: LoggingConfig{
			Level:     src.String(EnvLogLevel, ""),
			Format:    src.String(EnvLogFormat, ""),
			AuditPath: src.String(EnvAuditLogPath, ""),
		},
		ChainsFile: src.String(EnvChainsFile, ""),
		Discovery: DiscoveryConfig{
			URL:    src.String(EnvDiscoveryURL, ""),
			APIKey: src.String(EnvDiscoveryAPIKey, ""),
		},
		IPFS: IPFSConfig{
			APIURL:     src.String(EnvIPFSAPIURL, ""),
			GatewayURL: src.String(EnvIPFSGatewayURL, ""),
			Token:      src.String(EnvIPFSToken, ""),
		},
		Feedback: FeedbackConfig{
			Ledger: LedgerConfig{
				Driver:        strings.ToLower(src.String(EnvLedgerDriver, "")),
				DSN:           src.String(EnvLedgerDSN, ""),
				Path:          src.String(EnvLedgerPath, ""),
				RedisAddress:  src.String(EnvRedisAddress, ""),
				RedisPassword: src.String(EnvRedisPassword, ""),
				RedisDB:       src.Int(EnvRedisDB, 0),
			},
		},
		Deploy: DeployConfig{
			QueueDriver:   strings.ToLower(src.String(EnvDeployQueueDriver, "")),
			RedisAddress:  src.String(EnvRedisAddress, ""),
			RedisPassword: src.String(EnvRedisPassword, ""),
			RedisDB:       src.Int(EnvRedisDB, 0),
			QueueName:     src.String(EnvDeployQueueName, ""),
			AMQPURL:       src.String(EnvAMQPURL, ""),
			NATSURL:       src.String(EnvNATSURL, ""),
			Workers:       src.Int(EnvDeployWorkers, 0),
			MaxRetries:    src.Int(EnvDeployMaxRetries, 0),
		},
		Auth: AuthConfig{
			APIKeys: src.String(EnvAPIKeys, ""),
		},
	}

	if raw, ok := src.Lookup(EnvDefaultChainID); ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || !IsSupportedChain(id) {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("%s 不是受支持的链 ID: %q", EnvDefaultChainID, raw),
				xerrors.WithMetadata("variable", EnvDefaultChainID))
		}
		cfg.DefaultChainID = id
	}
	if raw, ok := src.Lookup(EnvFeedbackExpiry); ok {
		seconds, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("%s 必须是非负整数: %q", EnvFeedbackExpiry, raw),
				xerrors.WithMetadata("variable", EnvFeedbackExpiry))
		}
		cfg.Feedback.ExpirySeconds = seconds
	}
	var err error
	if cfg.Server.RequestTimeout, err = lookupDuration(src, EnvRequestTimeout); err != nil {
		return nil, err
	}
	if cfg.Deploy.JobTimeout, err = lookupDuration(src, EnvDeployJobTimeout); err != nil {
		return nil, err
	}
	cfg.Logging.AuditEnabled = cfg.Logging.AuditPath != ""

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lookupDuration(src *Source, name string) (time.Duration, error) {
	raw, ok := src.Lookup(name)
	if !ok {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeConfiguration, err,
			fmt.Sprintf("%s 不是合法的时长: %q", name, raw),
			xerrors.WithMetadata("variable", name))
	}
	return d, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.DefaultChainID == 0 {
		c.DefaultChainID = ChainSepolia
	}
	if c.Feedback.ExpirySeconds == 0 {
		c.Feedback.ExpirySeconds = defaultFeedbackExpiry
	}
	if c.Feedback.Ledger.Driver == "" {
		c.Feedback.Ledger.Driver = "memory"
	}
	if c.Feedback.Ledger.RedisPrefix == "" {
		c.Feedback.Ledger.RedisPrefix = "agentic-trust:feedback"
	}
	if c.Deploy.QueueDriver == "" {
		c.Deploy.QueueDriver = "memory"
	}
	if c.Deploy.QueueName == "" {
		c.Deploy.QueueName = "agentic-trust.deployments"
	}
	if c.Deploy.Workers <= 0 {
		c.Deploy.Workers = 2
	}
	if c.Deploy.MaxRetries <= 0 {
		c.Deploy.MaxRetries = 3
	}
	if c.Deploy.JobTimeout <= 0 {
		c.Deploy.JobTimeout = 3 * time.Minute
	}
}

func (c *Config) validate() error {
	switch c.Feedback.Ledger.Driver {
	case "memory":
	case "redis":
		if c.Feedback.Ledger.RedisAddress == "" {
			return missing(EnvRedisAddress, "redis 账本")
		}
	case "mysql":
		if c.Feedback.Ledger.DSN == "" {
			return missing(EnvLedgerDSN, "mysql 账本")
		}
	case "badger":
		if c.Feedback.Ledger.Path == "" {
			return missing(EnvLedgerPath, "badger 账本")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("不支持的账本驱动 %q", c.Feedback.Ledger.Driver),
			xerrors.WithMetadata("variable", EnvLedgerDriver))
	}

	switch c.Deploy.QueueDriver {
	case "memory":
	case "redis":
		if c.Deploy.RedisAddress == "" {
			return missing(EnvRedisAddress, "redis 部署队列")
		}
	case "rabbitmq":
		if c.Deploy.AMQPURL == "" {
			return missing(EnvAMQPURL, "rabbitmq 部署队列")
		}
	case "nats":
		if c.Deploy.NATSURL == "" {
			return missing(EnvNATSURL, "nats 部署队列")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("不支持的部署队列驱动 %q", c.Deploy.QueueDriver),
			xerrors.WithMetadata("variable", EnvDeployQueueDriver))
	}
	return nil
}

func missing(name, usage string) error {
	return xerrors.New(xerrors.CodeConfiguration,
		fmt.Sprintf("%s 需要配置 %s", usage, name),
		xerrors.WithMetadata("variable", name))
}
