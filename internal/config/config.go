package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	commonconfig "github.com/Abdulrahman-Burham/healix-sub001/common/config"
)

// 推送通道传输方式
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config 体征同步服务配置
type Config struct {
	Redis commonconfig.RedisConfig
	MQTT  commonconfig.MQTTConfig

	// REST 后端
	API struct {
		BaseURL    string        // 如 "http://localhost:8000/api"
		Timeout    time.Duration // 单次请求超时，默认 10s
		RetryCount int           // resty 重试次数，默认 0
	}

	// 推送通道
	Push struct {
		Transport      string        // websocket | mqtt
		URL            string        // websocket 地址，如 "ws://localhost:8000/ws"
		ReconnectDelay time.Duration // 固定重连间隔，默认 1s
		MaxAttempts    int           // 最大重连次数，默认 10
		PingInterval   time.Duration // websocket ping 间隔，默认 30s
		EventTopic     string        // MQTT 事件主题，如 "healix/users/{user_id}/events"
	}

	// REST 轮询
	Poll struct {
		Interval time.Duration // 默认 30s
	}

	Store struct {
		AlertCapacity int // 报警历史容量，默认 50
	}

	// Redis 镜像（可选）
	Publisher struct {
		Enabled      bool
		KeyPrefix    string        // 如 "healix:user:"
		TTL          time.Duration // 键过期时间，默认 5m
		Stream       string        // 报警流，如 "healix:alerts"
		StreamMaxLen int64         // 报警流近似长度上限，默认 1000
	}

	// 无界面模式下使用的会话凭据
	Session struct {
		Token  string
		UserID string
	}

	UI struct {
		Language string // en | ar
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	// .env 不存在时直接使用系统环境变量
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.API.BaseURL = strings.TrimRight(getEnv("HEALIX_API_URL", "http://localhost:8000/api"), "/")
	cfg.API.Timeout = getEnvDuration("HEALIX_API_TIMEOUT", 10*time.Second)
	cfg.API.RetryCount = getEnvInt("HEALIX_API_RETRY_COUNT", 0)

	cfg.Push.Transport = strings.ToLower(getEnv("PUSH_TRANSPORT", TransportWebSocket))
	cfg.Push.URL = getEnv("HEALIX_WS_URL", "ws://localhost:8000/ws")
	cfg.Push.ReconnectDelay = getEnvDuration("PUSH_RECONNECT_DELAY", time.Second)
	cfg.Push.MaxAttempts = getEnvInt("PUSH_RECONNECT_ATTEMPTS", 10)
	cfg.Push.PingInterval = getEnvDuration("PUSH_PING_INTERVAL", 30*time.Second)
	cfg.Push.EventTopic = getEnv("PUSH_MQTT_TOPIC", "healix/users/{user_id}/events")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "healix-vitals"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.KeepAlive = 60 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Poll.Interval = getEnvDuration("POLL_INTERVAL", 30*time.Second)
	cfg.Store.AlertCapacity = getEnvInt("ALERT_CAPACITY", 50)

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Publisher.Enabled = getEnvBool("PUBLISHER_ENABLED", false)
	cfg.Publisher.KeyPrefix = getEnv("PUBLISHER_KEY_PREFIX", "healix:user:")
	cfg.Publisher.TTL = getEnvDuration("PUBLISHER_TTL", 5*time.Minute)
	cfg.Publisher.Stream = getEnv("PUBLISHER_STREAM", "healix:alerts")
	cfg.Publisher.StreamMaxLen = int64(getEnvInt("PUBLISHER_STREAM_MAXLEN", 1000))

	cfg.Session.Token = getEnv("HEALIX_TOKEN", "")
	cfg.Session.UserID = getEnv("HEALIX_USER_ID", "")

	cfg.UI.Language = strings.ToLower(getEnv("HEALIX_LANGUAGE", "en"))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Push.Transport {
	case TransportWebSocket, TransportMQTT:
	default:
		return fmt.Errorf("unknown push transport %q", c.Push.Transport)
	}
	if c.Store.AlertCapacity <= 0 {
		return fmt.Errorf("alert capacity must be positive, got %d", c.Store.AlertCapacity)
	}
	if c.Push.MaxAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative, got %d", c.Push.MaxAttempts)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval)
	}
	if c.UI.Language != "en" && c.UI.Language != "ar" {
		return fmt.Errorf("unsupported language %q", c.UI.Language)
	}
	return nil
}

// EventTopicFor 展开 MQTT 事件主题中的 {user_id}
func (c *Config) EventTopicFor(userID string) string {
	return strings.ReplaceAll(c.Push.EventTopic, "{user_id}", userID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

// getEnvDuration 支持 "30s" 形式，也接受纯数字（按秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
