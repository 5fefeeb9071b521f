package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"
)

type Config struct {
	Broker struct {
		Host string `json:"host" env:"MQTT_BROKER_HOST"`
		Port uint16 `json:"port" env:"MQTT_BROKER_PORT"`
	} `json:"broker"`
	ClientID  string `json:"client_id" env:"MQTT_CLIENT_ID"`
	Username  string `json:"username" env:"MQTT_USERNAME"`
	Password  string `json:"password" env:"MQTT_PASSWORD"`
	KeepAlive string `json:"keep_alive" env:"MQTT_KEEP_ALIVE"`
	Transport struct {
		Mode        string `json:"mode" env:"MQTT_TRANSPORT_MODE"`
		Timeout     string `json:"timeout" env:"MQTT_TRANSPORT_TIMEOUT"`
		DialTimeout string `json:"dial_timeout" env:"MQTT_DIAL_TIMEOUT"`
	} `json:"transport"`
	PollInterval  string   `json:"poll_interval" env:"MQTT_POLL_INTERVAL"`
	Subscriptions []string `json:"subscriptions" env:"MQTT_SUBSCRIPTIONS"`
	Database      struct {
		Enabled            bool   `json:"enabled" env:"MQTT_JOURNAL_ENABLED"`
		Host               string `json:"host" env:"MQTT_JOURNAL_HOST"`
		Port               uint64 `json:"port" env:"MQTT_JOURNAL_PORT"`
		Username           string `json:"username" env:"MQTT_JOURNAL_USERNAME"`
		Password           string `json:"password" env:"MQTT_JOURNAL_PASSWORD"`
		Database           string `json:"database" env:"MQTT_JOURNAL_DATABASE"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	DebugMode bool   `json:"debug_mode" env:"MQTT_DEBUG"`
	AppName   string `json:"app_name" env:"MQTT_APP_NAME"`
	LogPath   string `json:"log_path" env:"MQTT_LOG_PATH"`
}

// ConfigPath 配置文件路径，可通过 MQTT_CONFIG 环境变量覆盖
var ConfigPath = "config.json"

// DefaultConfig 默认配置，连接本机 1883 端口
func DefaultConfig() Config {
	var c Config
	c.Broker.Host = "127.0.0.1"
	c.Broker.Port = 1883
	c.KeepAlive = "10s"
	c.Transport.Mode = "nonblocking"
	c.Transport.Timeout = "5s"
	c.Transport.DialTimeout = "15s"
	c.PollInterval = "10ms"
	c.Subscriptions = []string{"response", "request"}
	c.Database.Host = "127.0.0.1"
	c.Database.Port = 27017
	c.Database.Database = "mqtt_client"
	c.Database.ConnectTimeout = "10s"
	c.Database.SocketTimeout = "30s"
	c.Database.ConnectIdleTimeout = "5m"
	c.Database.OperationTimeout = "5s"
	c.Database.Heartbeat = "10s"
	c.Database.MinPoolSize = 1
	c.Database.MaxPoolSize = 4
	c.AppName = "life-stream-mqtt-client"
	c.LogPath = "logs"
	return c
}

// ReadConfig 从 ConfigPath 或 MQTT_CONFIG 指定的文件加载配置
func ReadConfig() (Config, error) {
	path := ConfigPath
	if env, ok := os.LookupEnv("MQTT_CONFIG"); ok && env != "" {
		path = env
	}
	return Load(path)
}

// Load 读取配置文件并应用环境变量覆盖，文件不存在时写入默认配置并返回错误
func Load(path string) (Config, error) {
	loaded := DefaultConfig()
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return loaded, fmt.Errorf("error occured while reading config file %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(loaded, "", "\t")
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return loaded, fmt.Errorf("the configuration file does not exist and could not be created: %w", writeErr)
		}
		return loaded, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &loaded)

	if err != nil {
		return loaded, errors.New("the configuration file does not contain valid JSON")
	}

	if err := envdecode.Decode(&loaded); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return loaded, fmt.Errorf("error occured while reading environment overrides: %w", err)
	}

	if loaded.ClientID == "" {
		loaded.ClientID = GenerateClientID()
	}
	return loaded, nil
}

// GenerateClientID 生成 32 字节的随机客户端标识符
func GenerateClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BrokerAddress 解析服务器地址，主机名通过 DNS 解析为第一个地址
func (c Config) BrokerAddress(ctx context.Context) (netip.AddrPort, error) {
	host := strings.TrimSpace(c.Broker.Host)
	if host == "" {
		return netip.AddrPort{}, errors.New("broker host is empty")
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		addrs, lookupErr := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if lookupErr != nil {
			return netip.AddrPort{}, fmt.Errorf("error occured while resolving broker %s: %w", host, lookupErr)
		}
		if len(addrs) == 0 {
			return netip.AddrPort{}, fmt.Errorf("broker %s resolved to no address", host)
		}
		addr = addrs[0]
	}
	return netip.AddrPortFrom(addr.Unmap(), c.Broker.Port), nil
}

func (c Config) KeepAliveSeconds() (uint16, error) {
	keepAlive, err := utils.ParseStringTime(c.KeepAlive)
	if err != nil {
		return 0, fmt.Errorf("keep_alive: %w", err)
	}
	return utils.DurationToSeconds(keepAlive), nil
}

func (c Config) TransportMode() (transport.Mode, error) {
	var timeout time.Duration
	if strings.EqualFold(strings.TrimSpace(c.Transport.Mode), "timeout") {
		parsed, err := utils.ParseStringTime(c.Transport.Timeout)
		if err != nil {
			return transport.Mode{}, fmt.Errorf("transport.timeout: %w", err)
		}
		timeout = parsed
	}
	return transport.ParseMode(c.Transport.Mode, timeout)
}

func (c Config) DialTimeout() (time.Duration, error) {
	return utils.ParseStringTime(c.Transport.DialTimeout)
}

func (c Config) PollDelay() (time.Duration, error) {
	return utils.ParseStringTime(c.PollInterval)
}
