package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 配置结构体
type Config struct {
	ScaleAddr      string        `mapstructure:"scale_addr"`
	BridgeURL      string        `mapstructure:"bridge_url"`
	PreferBridge   bool          `mapstructure:"prefer_bridge"`
	WSAddr         string        `mapstructure:"ws_addr"`
	WSPath         string        `mapstructure:"ws_path"`
	HubCapacity    int           `mapstructure:"hub_capacity"`
	LineTerminator string        `mapstructure:"line_terminator"`
	LogLevel       string        `mapstructure:"log_level"`
	LogDir         string        `mapstructure:"log_dir"`
	Timeouts       TimeoutConfig `mapstructure:",squash"`
}

type TimeoutConfig struct {
	ConnectBackoff   time.Duration `mapstructure:"connect_backoff"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	BridgeTimeout    time.Duration `mapstructure:"bridge_timeout"`
}

var escapes = strings.NewReplacer(`\r`, "\r", `\n`, "\n")

var defaults = map[string]any{
	"scale_addr":        "127.0.0.1:4001",
	"bridge_url":        "",
	"prefer_bridge":     false,
	"ws_addr":           "0.0.0.0:9001",
	"ws_path":           "/ws",
	"hub_capacity":      64,
	"line_terminator":   "\n",
	"log_level":         "info",
	"log_dir":           "",
	"connect_backoff":   3 * time.Second,
	"reconnect_backoff": 2 * time.Second,
	"write_timeout":     2 * time.Second,
	"bridge_timeout":    10 * time.Second,
}

// LoadConfig 读取默认值、可选的 config.json（工作目录或可执行文件目录）以及环境变量。
// 环境变量名为键名大写，例如 SCALE_ADDR、BRIDGE_URL、PREFER_BRIDGE、WS_ADDR。
func LoadConfig() (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
		if err := v.BindEnv(k); err != nil {
			return Config{}, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	if exePath, err := os.Executable(); err == nil {
		v.AddConfigPath(filepath.Dir(exePath))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("解析配置失败: %w", err)
	}
	// 环境变量里只能写转义形式，如 "\r\n"
	cfg.LineTerminator = escapes.Replace(cfg.LineTerminator)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.ScaleAddr == "":
		return errors.New("scale_addr 不能为空")
	case c.WSAddr == "":
		return errors.New("ws_addr 不能为空")
	case c.HubCapacity <= 0:
		return fmt.Errorf("hub_capacity 必须为正数: %d", c.HubCapacity)
	case c.PreferBridge && c.BridgeURL == "":
		return errors.New("prefer_bridge 需要同时配置 bridge_url")
	}
	return nil
}
