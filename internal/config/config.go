package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/pkg/logger"
)

// 可选取值。
const (
	SecretsSourceEnv = "env"
	SecretsSourceSSM = "ssm"

	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverRabbitMQ = "rabbitmq"

	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"

	RouteRPC       = "rpc"
	RouteCustodial = "custodial"
)

// Config 描述钱包机器人在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   logger.Config   `yaml:"logging" json:"logging"`
	Secrets   SecretsConfig   `yaml:"secrets" json:"secrets"`
	OKX       OKXConfig       `yaml:"okx" json:"okx"`
	Web3      Web3Config      `yaml:"web3" json:"web3"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Wallet    WalletConfig    `yaml:"wallet" json:"wallet"`
	Estimate  EstimateConfig  `yaml:"estimate" json:"estimate"`
	Broadcast BroadcastConfig `yaml:"broadcast" json:"broadcast"`
	Ledger    LedgerConfig    `yaml:"ledger" json:"ledger"`
	Events    EventsConfig    `yaml:"events" json:"events"`
	Telegram  TelegramConfig  `yaml:"telegram" json:"telegram"`
	Alerting  AlertingConfig  `yaml:"alerting" json:"alerting"`
}

// ServerConfig 控制管理 API 的监听参数。
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address" env:"SERVER_ADDRESS"`
	APIToken        string        `yaml:"api_token" json:"api_token" env:"API_TOKEN"`
	EnableEvents    bool          `yaml:"enable_events" json:"enable_events" env:"SERVER_ENABLE_EVENTS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// SecretsConfig 指定密钥来源。
type SecretsConfig struct {
	Source    string `yaml:"source" json:"source" env:"SECRETS_SOURCE"`
	DotEnv    string `yaml:"dotenv" json:"dotenv" env:"SECRETS_DOTENV"`
	SSMPrefix string `yaml:"ssm_prefix" json:"ssm_prefix" env:"SECRETS_SSM_PREFIX"`
	Region    string `yaml:"region" json:"region" env:"AWS_REGION"`
}

// OKXConfig 描述托管钱包 API 的访问参数。
type OKXConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url" env:"OKX_BASE_URL"`
	ChainIndex   string        `yaml:"chain_index" json:"chain_index"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	RPCURL       string `yaml:"rpc_url" json:"rpc_url" env:"WEB3_RPC_URL"`
	ChainConfig  string `yaml:"chain_config" json:"chain_config" env:"WEB3_CHAIN_CONFIG"`
	DefaultChain string `yaml:"default_chain" json:"default_chain"`
	ChainID      int64  `yaml:"chain_id" json:"chain_id"`
}

// RedisConfig 是多个组件共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address" json:"address" env:"REDIS_ADDRESS"`
	Password string `yaml:"password" json:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db"`
}

// SessionConfig 控制会话存储后端。
type SessionConfig struct {
	Driver string        `yaml:"driver" json:"driver" env:"SESSION_DRIVER"`
	Prefix string        `yaml:"prefix" json:"prefix"`
	TTL    time.Duration `yaml:"ttl" json:"ttl"`
	Redis  RedisConfig   `yaml:"redis" json:"redis"`
}

// WalletConfig 控制钱包创建流程。
type WalletConfig struct {
	SkipRegistration bool `yaml:"skip_registration" json:"skip_registration"`
}

// EstimateConfig 控制余额与手续费预估。
type EstimateConfig struct {
	Policy          string `yaml:"policy" json:"policy" env:"ESTIMATE_POLICY"`
	BufferPercent   int64  `yaml:"buffer_percent" json:"buffer_percent"`
	DefaultGasLimit uint64 `yaml:"default_gas_limit" json:"default_gas_limit"`
}

// BroadcastConfig 选择已签名交易的广播通道。
type BroadcastConfig struct {
	Route string `yaml:"route" json:"route" env:"BROADCAST_ROUTE"`
}

// LedgerConfig 配置提现流水的存储。
type LedgerConfig struct {
	Driver         string `yaml:"driver" json:"driver" env:"LEDGER_DRIVER"`
	DSN            string `yaml:"dsn" json:"dsn" env:"LEDGER_DSN"`
	SkipMigrations bool   `yaml:"skip_migrations" json:"skip_migrations"`
}

// EventsConfig 配置入站事件队列与处理器。
type EventsConfig struct {
	Queue     string         `yaml:"queue" json:"queue" env:"EVENTS_QUEUE"`
	Workers   int            `yaml:"workers" json:"workers"`
	Buffer    int            `yaml:"buffer" json:"buffer"`
	Timeout   time.Duration  `yaml:"timeout" json:"timeout"`
	Dedup     DedupConfig    `yaml:"dedup" json:"dedup"`
	Redis     RedisConfig    `yaml:"redis" json:"redis"`
	RedisKey  string         `yaml:"redis_key" json:"redis_key"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
	BlockWait time.Duration  `yaml:"block_wait" json:"block_wait"`
}

// DedupConfig 配置重复投递的过滤。
type DedupConfig struct {
	Driver string        `yaml:"driver" json:"driver"`
	TTL    time.Duration `yaml:"ttl" json:"ttl"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url" json:"url" env:"RABBITMQ_URL"`
	Queue    string `yaml:"queue" json:"queue"`
	Prefetch int    `yaml:"prefetch" json:"prefetch"`
}

// TelegramConfig 控制 Telegram 长轮询传输。
type TelegramConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled" env:"TELEGRAM_ENABLED"`
	PollTimeout int  `yaml:"poll_timeout" json:"poll_timeout"`
	Debug       bool `yaml:"debug" json:"debug"`
}

// AlertingConfig 配置风险告警通道。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url" json:"webhook_url" env:"ALERT_WEBHOOK_URL"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// Load 读取配置文件并叠加环境变量。path 为空时只读取环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取配置文件失败")
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取环境变量失败")
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv 在 .env 文件存在时将其加载到进程环境变量中，不覆盖已有值。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeConfigInvalid, err, "加载 .env 失败")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Secrets.Source == "" {
		c.Secrets.Source = SecretsSourceEnv
	}
	if c.Secrets.SSMPrefix == "" {
		c.Secrets.SSMPrefix = "/walletbot/"
	}

	if c.OKX.BaseURL == "" {
		c.OKX.BaseURL = "https://www.okx.com"
	}
	if c.OKX.ChainIndex == "" {
		c.OKX.ChainIndex = "196"
	}
	if c.OKX.Timeout <= 0 {
		c.OKX.Timeout = 10 * time.Second
	}
	if c.OKX.MaxRetries < 0 {
		c.OKX.MaxRetries = 0
	}
	if c.OKX.RetryBackoff <= 0 {
		c.OKX.RetryBackoff = 500 * time.Millisecond
	}

	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = "xlayer"
	}
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 196
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Session.Driver == "" {
		c.Session.Driver = DriverMemory
	}
	if c.Session.Prefix == "" {
		c.Session.Prefix = "walletbot:session:"
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * time.Hour
	}

	c.Estimate.Policy = strings.ToLower(strings.TrimSpace(c.Estimate.Policy))
	if c.Estimate.Policy == "" {
		c.Estimate.Policy = PolicyFailOpen
	}
	if c.Estimate.BufferPercent <= 0 {
		c.Estimate.BufferPercent = 10
	}
	if c.Estimate.DefaultGasLimit == 0 {
		c.Estimate.DefaultGasLimit = 21000
	}

	c.Broadcast.Route = strings.ToLower(strings.TrimSpace(c.Broadcast.Route))
	if c.Broadcast.Route == "" {
		c.Broadcast.Route = RouteRPC
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DriverMemory
	}
	if c.Ledger.Driver == DriverSQLite && c.Ledger.DSN != "" && !filepath.IsAbs(c.Ledger.DSN) && !strings.HasPrefix(c.Ledger.DSN, "file:") {
		c.Ledger.DSN = filepath.Join(baseDir, c.Ledger.DSN)
	}

	if c.Events.Queue == "" {
		c.Events.Queue = DriverMemory
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 4
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Timeout <= 0 {
		c.Events.Timeout = 60 * time.Second
	}
	if c.Events.Dedup.Driver == "" {
		c.Events.Dedup.Driver = DriverMemory
	}
	if c.Events.Dedup.TTL <= 0 {
		c.Events.Dedup.TTL = 10 * time.Minute
	}
	if c.Events.RedisKey == "" {
		c.Events.RedisKey = "walletbot:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "walletbot.events"
	}
	if c.Events.BlockWait <= 0 {
		c.Events.BlockWait = 5 * time.Second
	}

	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 30
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

// Validate 检查枚举取值以及后端所需的连接参数。
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(!c.Server.EnableEvents || strings.TrimSpace(c.Server.APIToken) != "", "server.enable_events 需要配置 server.api_token")
	check(oneOf(c.Secrets.Source, SecretsSourceEnv, SecretsSourceSSM), "secrets.source 不支持: %q", c.Secrets.Source)
	check(oneOf(c.Session.Driver, DriverMemory, DriverRedis), "session.driver 不支持: %q", c.Session.Driver)
	check(c.Session.Driver != DriverRedis || c.Session.Redis.Address != "", "session.redis.address 不能为空")
	check(oneOf(c.Estimate.Policy, PolicyFailOpen, PolicyFailClosed), "estimate.policy 不支持: %q", c.Estimate.Policy)
	check(oneOf(c.Broadcast.Route, RouteRPC, RouteCustodial), "broadcast.route 不支持: %q", c.Broadcast.Route)
	check(oneOf(c.Ledger.Driver, DriverMemory, DriverMySQL, DriverSQLite), "ledger.driver 不支持: %q", c.Ledger.Driver)
	check(c.Ledger.Driver == DriverMemory || c.Ledger.DSN != "", "ledger.dsn 不能为空")
	check(oneOf(c.Events.Queue, DriverMemory, DriverRedis, DriverRabbitMQ), "events.queue 不支持: %q", c.Events.Queue)
	check(c.Events.Queue != DriverRedis || c.Events.Redis.Address != "", "events.redis.address 不能为空")
	check(c.Events.Queue != DriverRabbitMQ || c.Events.RabbitMQ.URL != "", "events.rabbitmq.url 不能为空")
	check(oneOf(c.Events.Dedup.Driver, DriverMemory, DriverRedis), "events.dedup.driver 不支持: %q", c.Events.Dedup.Driver)
	check(c.Events.Dedup.Driver != DriverRedis || c.Events.Redis.Address != "", "events.dedup 使用 redis 时 events.redis.address 不能为空")
	check(c.Web3.RPCURL != "" || c.Web3.ChainConfig != "", "web3.rpc_url 与 web3.chain_config 至少需要一个")
	check(c.Estimate.BufferPercent <= 100, "estimate.buffer_percent 超出范围: %d", c.Estimate.BufferPercent)

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeConfigInvalid, "配置无效: "+strings.Join(problems, "; "))
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if value == opt {
			return true
		}
	}
	return false
}
