// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"sig-bridge/internal/connection"
	"sig-bridge/internal/model"
	"sig-bridge/internal/notify"
	"sig-bridge/pkg/backoff"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalidConfig 配置无法使用，进程应当退出
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix 环境变量前缀，例如 SIGBRIDGE_NOTIFY_PASSWORD 覆盖 notify.password
const EnvPrefix = "SIGBRIDGE"

const (
	KindGateway = "gateway"
	KindPaper   = "paper"
)

type Config struct {
	LogLevel         string             `mapstructure:"log_level"`
	Server           ServerConfig       `mapstructure:"server"`
	Parser           ParserConfig       `mapstructure:"parser"`
	Connections      []ConnectionConfig `mapstructure:"connections"`
	Notify           NotifyConfig       `mapstructure:"notify"`
	Chat             ChatConfig         `mapstructure:"chat"`
	ShutdownTimeoutS float64            `mapstructure:"shutdown_timeout_s"`
}

// ServerConfig HTTP 接入端
type ServerConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type ParserConfig struct {
	SubjectMarker  string `mapstructure:"subject_marker"`
	FuturesPattern string `mapstructure:"futures_pattern"`
}

// ConnectionConfig 定义了一个券商连接
type ConnectionConfig struct {
	Name               string            `mapstructure:"name"`
	Kind               string            `mapstructure:"kind"` // gateway | paper
	Endpoint           string            `mapstructure:"endpoint"`
	Credentials        string            `mapstructure:"credentials"`
	PositionMultiplier float64           `mapstructure:"position_multiplier"` // 实际数量=信号数量×系数，四舍五入
	SkipList           []string          `mapstructure:"skip_list"`
	SecTypes           []string          `mapstructure:"sec_types"`
	PrimaryExchanges   map[string]string `mapstructure:"primary_exchanges"`
	Active             *bool             `mapstructure:"active"`
	Connect            ConnectConfig     `mapstructure:"connect"`
	AckTimeoutS        float64           `mapstructure:"ack_timeout_s"`
}

// ConnectConfig 连接失败后的退避参数
type ConnectConfig struct {
	InitialDelayS float64 `mapstructure:"initial_delay_s"`
	Multiplier    float64 `mapstructure:"multiplier"`
	MaxDelayS     float64 `mapstructure:"max_delay_s"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
}

type NotifyConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	From           string   `mapstructure:"from"`
	User           string   `mapstructure:"user"`
	Password       string   `mapstructure:"password"`
	Recipients     []string `mapstructure:"recipients"`
	Subject        string   `mapstructure:"subject"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryFactorS   float64  `mapstructure:"retry_factor_s"`
	BatchWindowS   float64  `mapstructure:"batch_window_s"`
	PollIntervalS  float64  `mapstructure:"poll_interval_s"`
	DeliveryMode   string   `mapstructure:"delivery_mode"`
	DeadLetterPath string   `mapstructure:"dead_letter_path"`
}

type ChatConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Endpoint      string  `mapstructure:"endpoint"`
	Channel       string  `mapstructure:"channel"`
	Username      string  `mapstructure:"username"`
	Icon          string  `mapstructure:"icon"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.listen_addr", ":8025")
	v.SetDefault("server.max_body_bytes", 64*1024)
	v.SetDefault("parser.subject_marker", "tradestation - ")
	v.SetDefault("parser.futures_pattern", "")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.host", "")
	v.SetDefault("notify.port", 465)
	v.SetDefault("notify.from", "")
	v.SetDefault("notify.user", "")
	v.SetDefault("notify.password", "")
	v.SetDefault("notify.recipients", []string{})
	v.SetDefault("notify.subject", notify.DefaultSubject)
	v.SetDefault("notify.max_retries", 7)
	v.SetDefault("notify.retry_factor_s", 2)
	v.SetDefault("notify.batch_window_s", 5)
	v.SetDefault("notify.poll_interval_s", 1)
	v.SetDefault("notify.delivery_mode", string(notify.ModeCombined))
	v.SetDefault("notify.dead_letter_path", "")
	v.SetDefault("chat.enabled", false)
	v.SetDefault("chat.endpoint", "")
	v.SetDefault("chat.channel", "")
	v.SetDefault("chat.username", "")
	v.SetDefault("chat.icon", "")
	v.SetDefault("chat.max_attempts", 6)
	v.SetDefault("chat.rate_per_second", 1)
	v.SetDefault("shutdown_timeout_s", 10)
}

// LoadConfig 读取 configPath 目录下的 config.yaml，环境变量 (含 .env) 优先
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config") // 文件名是 config
	v.SetConfigType("yaml")   // 文件类型是 yaml
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置是否可用，所有错误都包装 ErrInvalidConfig
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Parser.FuturesPattern != "" {
		if _, err := regexp.Compile(c.Parser.FuturesPattern); err != nil {
			return invalid("futures_pattern: %v", err)
		}
	}

	names := make(map[string]struct{}, len(c.Connections))
	active := 0
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return invalid("connections[%d]: name is required", i)
		}
		if _, dup := names[conn.Name]; dup {
			return invalid("connections[%d]: duplicate name %q", i, conn.Name)
		}
		names[conn.Name] = struct{}{}

		switch strings.ToLower(conn.Kind) {
		case KindGateway:
			if conn.Endpoint == "" {
				return invalid("connection %s: endpoint is required", conn.Name)
			}
		case KindPaper:
		default:
			return invalid("connection %s: unknown kind %q", conn.Name, conn.Kind)
		}
		if conn.PositionMultiplier < 0 {
			return invalid("connection %s: position_multiplier must not be negative", conn.Name)
		}
		if conn.Connect.Multiplier != 0 && conn.Connect.Multiplier < 1 {
			return invalid("connection %s: connect.multiplier must be >= 1", conn.Name)
		}
		for _, st := range conn.SecTypes {
			switch model.SecType(strings.ToUpper(st)) {
			case model.SecStock, model.SecFuture:
			default:
				return invalid("connection %s: unknown sec type %q", conn.Name, st)
			}
		}
		if conn.IsActive() {
			active++
		}
	}

	if c.Notify.Enabled {
		if _, err := notify.ParseDeliveryMode(c.Notify.DeliveryMode); err != nil {
			return invalid("notify: %v", err)
		}
		if c.Notify.Host == "" || len(c.Notify.Recipients) == 0 {
			return invalid("notify: host and recipients are required")
		}
		if c.Notify.BatchWindowS <= 0 || c.Notify.PollIntervalS <= 0 {
			return invalid("notify: batch_window_s and poll_interval_s must be positive")
		}
		if c.Notify.MaxRetries <= 0 {
			return invalid("notify: max_retries must be positive")
		}
	}
	if c.Chat.Enabled && c.Chat.Endpoint == "" {
		return invalid("chat: endpoint is required")
	}

	if active == 0 && !c.Notify.Enabled && !c.Chat.Enabled {
		return invalid("no destination configured")
	}
	return nil
}

// IsActive 未配置 active 时视为启用
func (c ConnectionConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

// ManagerConfig 转换为连接管理器的配置
func (c ConnectionConfig) ManagerConfig() connection.Config {
	secTypes := make([]model.SecType, 0, len(c.SecTypes))
	for _, st := range c.SecTypes {
		secTypes = append(secTypes, model.SecType(strings.ToUpper(st)))
	}
	primary := make(map[string]string, len(c.PrimaryExchanges))
	for sym, ex := range c.PrimaryExchanges {
		primary[strings.ToUpper(sym)] = ex
	}

	policy := backoff.Exponential{
		Initial:     Seconds(c.Connect.InitialDelayS),
		Multiplier:  c.Connect.Multiplier,
		Max:         Seconds(c.Connect.MaxDelayS),
		MaxAttempts: c.Connect.MaxAttempts,
	}
	if policy.Initial <= 0 {
		policy.Initial = 2 * time.Second
	}
	if policy.Multiplier == 0 {
		policy.Multiplier = 1.5
	}

	return connection.Config{
		Name:             c.Name,
		Multiplier:       c.PositionMultiplier,
		SkipList:         c.SkipList,
		SecTypes:         secTypes,
		PrimaryExchanges: primary,
		Connect:          policy,
	}
}

// QueueConfig 转换为通知队列配置
func (n NotifyConfig) QueueConfig() notify.QueueConfig {
	mode, _ := notify.ParseDeliveryMode(n.DeliveryMode)
	return notify.QueueConfig{
		Recipients:   n.Recipients,
		Subject:      n.Subject,
		Mode:         mode,
		BatchWindow:  Seconds(n.BatchWindowS),
		PollInterval: Seconds(n.PollIntervalS),
		Retry:        backoff.Linear{Step: Seconds(n.RetryFactorS), MaxAttempts: n.MaxRetries},
	}
}

func (n NotifyConfig) SMTPConfig() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:     n.Host,
		Port:     n.Port,
		From:     n.From,
		User:     n.User,
		Password: n.Password,
	}
}

func (c ChatConfig) NotifierConfig() notify.ChatConfig {
	return notify.ChatConfig{
		Endpoint:      c.Endpoint,
		Channel:       c.Channel,
		Username:      c.Username,
		Icon:          c.Icon,
		MaxAttempts:   c.MaxAttempts,
		RatePerSecond: c.RatePerSecond,
	}
}

func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutS <= 0 {
		return 10 * time.Second
	}
	return Seconds(c.ShutdownTimeoutS)
}
