package config

import (
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// OtelConfig 链路追踪，endpoint 为空时不导出
type OtelConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// BackoffConfig 实时通道重连退避
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// CacheConfig 视图缓存索引
type CacheConfig struct {
	Driver   string        `yaml:"driver"` // memory | redis
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

// RealtimeConfig 推送通道
type RealtimeConfig struct {
	Driver  string        `yaml:"driver"` // websocket | amqp | none
	URL     string        `yaml:"url"`    // websocket 基地址，例如 ws://localhost:8082/ws
	Backoff BackoffConfig `yaml:"backoff"`
}

// ClientConfig 同步客户端配置
type ClientConfig struct {
	ServiceURL      string         `yaml:"service_url"`
	Token           string         `yaml:"token"`
	PerPage         int            `yaml:"per_page"`
	PageTimeout     time.Duration  `yaml:"page_timeout"`
	MutationTimeout time.Duration  `yaml:"mutation_timeout"`
	StatusPort      string         `yaml:"status_port"`
	Realtime        RealtimeConfig `yaml:"realtime"`
	Cache           CacheConfig    `yaml:"cache"`
	Redis           RedisConfig    `yaml:"redis"`
	MQ              MQConfig       `yaml:"mq"`
	LogLevel        string         `yaml:"log_level"`
}

// ServiceConfig 任务服务配置
type ServiceConfig struct {
	Server   ServerConfig `yaml:"server"`
	Storage  string       `yaml:"storage"` // postgres | memory
	Seed     SeedConfig   `yaml:"seed"`    // 只对 memory 存储生效
	DB       DBConfig     `yaml:"db"`
	MQ       MQConfig     `yaml:"mq"`
	JWT      JWTConfig    `yaml:"jwt"`
	Otel     OtelConfig   `yaml:"otel"`
	LogLevel string       `yaml:"log_level"`
}

// SeedProject 内存存储启动时写入的项目
type SeedProject struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	OwnerID string   `yaml:"owner_id"`
	TeamID  string   `yaml:"team_id"`
	Members []string `yaml:"members"`
}

// SeedConfig users 为 id -> username
type SeedConfig struct {
	Users    map[string]string `yaml:"users"`
	Projects []SeedProject     `yaml:"projects"`
}

// File 配置文件的顶层结构，客户端和服务端各取一段
type File struct {
	Client  ClientConfig  `yaml:"client"`
	Service ServiceConfig `yaml:"service"`
}

// ApplyDefaults 补齐未配置的客户端参数
func (c *ClientConfig) ApplyDefaults() {
	if c.PerPage <= 0 {
		c.PerPage = 20
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 10 * time.Second
	}
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = 15 * time.Second
	}
	if c.Realtime.Driver == "" {
		c.Realtime.Driver = "websocket"
	}
	if c.Realtime.Backoff.Initial <= 0 {
		c.Realtime.Backoff.Initial = 500 * time.Millisecond
	}
	if c.Realtime.Backoff.Max <= 0 {
		c.Realtime.Backoff.Max = 30 * time.Second
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.MQ.Exchange == "" {
		c.MQ.Exchange = "task.events"
	}
}

// ApplyDefaults 补齐未配置的服务端参数
func (c *ServiceConfig) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8082"
	}
	if c.Storage == "" {
		c.Storage = "postgres"
	}
	if c.JWT.TTL <= 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.MQ.Exchange == "" {
		c.MQ.Exchange = "task.events"
	}
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideOtelFromEnv 从环境变量覆盖链路追踪配置
func OverrideOtelFromEnv(cfg *OtelConfig) {
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.Endpoint = ep
	}
}

// OverrideClientFromEnv 从环境变量覆盖客户端配置
func OverrideClientFromEnv(cfg *ClientConfig) {
	if url := os.Getenv("TASK_SERVICE_URL"); url != "" {
		cfg.ServiceURL = url
	}
	if url := os.Getenv("REALTIME_URL"); url != "" {
		cfg.Realtime.URL = url
	}
	if token := os.Getenv("TASKSYNC_TOKEN"); token != "" {
		cfg.Token = token
	}
	OverrideRedisFromEnv(&cfg.Redis)
	OverrideMQFromEnv(&cfg.MQ)
}

// OverrideServiceFromEnv 从环境变量覆盖服务端配置
func OverrideServiceFromEnv(cfg *ServiceConfig) {
	if storage := os.Getenv("TASK_STORAGE"); storage != "" {
		cfg.Storage = storage
	}
	OverrideServerFromEnv(&cfg.Server)
	OverrideDBFromEnv(&cfg.DB)
	OverrideMQFromEnv(&cfg.MQ)
	OverrideJWTFromEnv(&cfg.JWT)
	OverrideOtelFromEnv(&cfg.Otel)
}
